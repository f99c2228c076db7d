package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiBase := fs.String("api", "http://127.0.0.1:8090", "base URL for the artifactloop API")
	token := fs.String("token", os.Getenv("ARTIFACTLOOP_API_TOKEN"), "Bearer token for API auth")
	pollInterval := fs.Duration("poll-interval", 2*time.Second, "poll interval while waiting for a session")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 1 {
		return fmt.Errorf("usage: artifactloop watch [--api <url>] [--token <token>] [--poll-interval <duration>] [session_id]")
	}
	if strings.TrimSpace(*token) == "" {
		return fmt.Errorf("token is required (use --token or ARTIFACTLOOP_API_TOKEN)")
	}
	if *pollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive")
	}

	cfg := watchConfig{
		APIBase:      strings.TrimRight(*apiBase, "/"),
		Token:        *token,
		SessionID:    fs.Arg(0),
		PollInterval: *pollInterval,
	}

	p := tea.NewProgram(newWatchModel(cfg), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

type watchConfig struct {
	APIBase      string
	Token        string
	SessionID    string
	PollInterval time.Duration
}

type streamEventMsg struct {
	Event string
	Data  []byte
	Err   error
	EOF   bool
}

type streamStartedMsg struct{}

type sessionFoundMsg struct {
	SessionID string
}

type pollTickMsg struct{}

type sessionSnapshotMsg struct {
	Summary sessionSummary
	Err     string
}

type cacheStats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
}

type artifactView struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Title     string   `json:"title"`
	ActionIDs []string `json:"action_ids"`
	Closed    bool     `json:"closed"`
	Failed    bool     `json:"failed"`
}

type sessionSummary struct {
	ID        string         `json:"id"`
	Cache     *cacheStats    `json:"cache"`
	Backups   []string       `json:"backups"`
	Artifacts []artifactView `json:"artifacts"`
}

type actionView struct {
	ID         string `json:"id"`
	ArtifactID string `json:"artifact_id"`
	Kind       string `json:"kind"`
	FilePath   string `json:"file_path"`
	ToolName   string `json:"tool_name"`
	Content    string `json:"content"`
	Status     string `json:"status"`
	Error      string `json:"error"`
}

// target names what the action touches.
func (a actionView) target() string {
	switch a.Kind {
	case "file":
		return a.FilePath
	case "toolUse":
		return a.ToolName
	}
	return trimForLog(firstLine(a.Content), 40)
}

type watchModel struct {
	cfg               watchConfig
	explicitSessionID bool
	waiting           bool
	streamEvents      chan streamEventMsg
	width             int
	height            int
	connected         bool
	err               error
	events            []string
	actions           map[string]actionView
	summary           sessionSummary
	summaryErr        string
}

func newWatchModel(cfg watchConfig) watchModel {
	return watchModel{
		cfg:               cfg,
		explicitSessionID: cfg.SessionID != "",
		waiting:           cfg.SessionID == "",
		streamEvents:      make(chan streamEventMsg, 32),
		actions:           map[string]actionView{},
	}
}

func (m watchModel) Init() tea.Cmd {
	if m.waiting {
		return pollForSessionCmd(m.cfg.APIBase, m.cfg.Token, m.cfg.PollInterval)
	}
	return tea.Batch(
		startEventStreamCmd(m.cfg, m.streamEvents),
		waitForStreamEventCmd(m.streamEvents),
		fetchSessionCmd(m.cfg.APIBase, m.cfg.Token, m.cfg.SessionID),
	)
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil
	case pollTickMsg:
		return m, pollForSessionCmd(m.cfg.APIBase, m.cfg.Token, m.cfg.PollInterval)
	case sessionFoundMsg:
		m.cfg.SessionID = msg.SessionID
		m.waiting = false
		m.streamEvents = make(chan streamEventMsg, 32)
		m.actions = map[string]actionView{}
		m.summary = sessionSummary{}
		m.summaryErr = ""
		m.appendEvent(fmt.Sprintf("[%s] found session %s", time.Now().Format("15:04:05"), msg.SessionID))
		return m, tea.Batch(
			startEventStreamCmd(m.cfg, m.streamEvents),
			waitForStreamEventCmd(m.streamEvents),
			fetchSessionCmd(m.cfg.APIBase, m.cfg.Token, m.cfg.SessionID),
		)
	case streamStartedMsg:
		m.connected = true
		return m, nil
	case sessionSnapshotMsg:
		if msg.Err != "" {
			m.summaryErr = msg.Err
			return m, nil
		}
		m.summary = msg.Summary
		m.summaryErr = ""
		return m, nil
	case streamEventMsg:
		if msg.Err != nil {
			m.err = msg.Err
			m.appendEvent("stream error: " + msg.Err.Error())
			return m, nil
		}
		if msg.EOF {
			m.appendEvent("stream closed by server")
			return m, m.resetToWaiting()
		}
		m.handleEvent(msg.Event, msg.Data)
		return m, tea.Batch(
			waitForStreamEventCmd(m.streamEvents),
			fetchSessionCmd(m.cfg.APIBase, m.cfg.Token, m.cfg.SessionID),
		)
	default:
		return m, nil
	}
}

// status summarises the session for the header badge.
func (m watchModel) status() string {
	if m.waiting {
		return "waiting"
	}
	counts := m.statusCounts()
	switch {
	case counts["failed"] > 0:
		return "failed"
	case counts["running"] > 0 || counts["queued"] > 0:
		return "running"
	case len(m.actions) > 0:
		return "idle"
	}
	return "connecting"
}

func (m watchModel) statusCounts() map[string]int {
	counts := map[string]int{}
	for _, a := range m.actions {
		counts[a.Status]++
	}
	return counts
}

func (m watchModel) View() string {
	accent := lipgloss.Color("#F97316")
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#1C1007")).
		Background(accent).
		Padding(0, 1).
		Render("artifactloop watch")

	status := m.status()
	statusStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#1C1007")).
		Background(accent).
		Padding(0, 1)
	switch status {
	case "waiting":
		statusStyle = statusStyle.Background(lipgloss.Color("#6B7280"))
	case "idle":
		statusStyle = statusStyle.Background(lipgloss.Color("#FDBA74"))
	case "failed":
		statusStyle = statusStyle.Background(lipgloss.Color("#EF4444")).Foreground(lipgloss.Color("#FFF7ED"))
	}

	sessionLabel := m.cfg.SessionID
	if sessionLabel == "" {
		sessionLabel = "-"
	}
	streamLabel := connectionLabel(m.connected, m.err)
	if m.waiting {
		streamLabel = "polling"
	}
	meta := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FDBA74")).
		Render(fmt.Sprintf("session=%s  api=%s  stream=%s", sessionLabel, m.cfg.APIBase, streamLabel))

	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FDBA74")).
		Render("q: quit")
	if m.err != nil {
		footer = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Render("error: " + m.err.Error() + "  q: quit")
	}

	panelWidth := bodyWidth(m.width)
	eventsHeight, actionsHeight, sessionHeight := panelHeights(m.height)

	eventLines := m.events
	if len(eventLines) == 0 {
		if m.waiting {
			eventLines = []string{"waiting for a session..."}
		} else {
			eventLines = []string{"waiting for actions..."}
		}
	}
	eventsPanel := renderPanel("Events", eventLines, panelWidth, eventsHeight, accent, false)
	actionsPanel := renderPanel("Artifacts", m.artifactPanelLines(actionsHeight-1), panelWidth, actionsHeight, accent, true)
	sessionPanel := renderPanel("Session", m.sessionPanelLines(sessionHeight-1), panelWidth, sessionHeight, accent, true)

	header := title + " " + statusStyle.Render(strings.ToUpper(status))
	return strings.Join([]string{header, meta, eventsPanel, actionsPanel, sessionPanel, footer}, "\n")
}

func panelHeights(terminalHeight int) (events, actions, session int) {
	available := terminalHeight - 5
	if available < 15 {
		available = 15
	}
	actions = 8
	session = 5
	events = available - actions - session
	if events < 6 {
		events = 6
		remaining := available - events
		actions = remaining / 2
		session = remaining - actions
		if actions < 4 {
			actions = 4
		}
		if session < 4 {
			session = 4
		}
	}
	return events, actions, session
}

func renderPanel(title string, lines []string, width, height int, accent lipgloss.Color, keepHead bool) string {
	if height < 3 {
		height = 3
	}
	contentHeight := height - 1
	if len(lines) > contentHeight {
		if keepHead {
			lines = lines[:contentHeight]
		} else {
			lines = lines[len(lines)-contentHeight:]
		}
	}
	for len(lines) < contentHeight {
		lines = append(lines, "")
	}
	content := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title) + "\n" + strings.Join(lines, "\n")

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Foreground(lipgloss.Color("#FFF7ED")).
		Background(lipgloss.Color("#2A1305")).
		Width(width).
		Height(height).
		Padding(0, 1).
		Render(content)
}

func (m *watchModel) handleEvent(event string, data []byte) {
	now := time.Now().Format("15:04:05")
	switch event {
	case "action":
		var a actionView
		if err := json.Unmarshal(data, &a); err != nil || a.ID == "" {
			m.appendEvent("action (unparsed)")
			return
		}
		prev, seen := m.actions[a.ID]
		m.actions[a.ID] = a
		if seen && prev.Status == a.Status {
			return
		}
		line := fmt.Sprintf("[%s] %s %s %s status=%s", now, a.ArtifactID, a.Kind, a.target(), a.Status)
		if a.Error != "" {
			line += " err=" + trimForLog(a.Error, 60)
		}
		m.appendEvent(line)
	default:
		m.appendEvent(fmt.Sprintf("[%s] %s", now, event))
	}
}

func (m *watchModel) artifactPanelLines(maxLines int) []string {
	counts := m.statusCounts()
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	lines := []string{"actions: " + strings.Join(parts, " ")}
	if len(m.summary.Artifacts) == 0 {
		lines = append(lines, "no artifacts yet")
		return trimPanelLines(lines, maxLines)
	}
	for _, art := range m.summary.Artifacts {
		state := "open"
		switch {
		case art.Failed:
			state = "failed"
		case art.Closed:
			state = "closed"
		}
		done := 0
		for _, id := range art.ActionIDs {
			if m.actions[id].Status == "complete" {
				done++
			}
		}
		name := art.Name
		if name == "" {
			name = art.ID
		}
		lines = append(lines, fmt.Sprintf("  %s %q %s %d/%d", name, art.Title, state, done, len(art.ActionIDs)))
	}
	return trimPanelLines(lines, maxLines)
}

func (m *watchModel) sessionPanelLines(maxLines int) []string {
	if m.summaryErr != "" {
		return trimPanelLines([]string{"session unavailable: " + m.summaryErr}, maxLines)
	}
	var lines []string
	if c := m.summary.Cache; c != nil {
		lines = append(lines, fmt.Sprintf("part cache: entries=%d hits=%d misses=%d", c.Entries, c.Hits, c.Misses))
	}
	if len(m.summary.Backups) == 0 {
		lines = append(lines, "no edits to undo")
	} else {
		lines = append(lines, "undoable: "+strings.Join(m.summary.Backups, ", "))
	}
	return trimPanelLines(lines, maxLines)
}

func trimPanelLines(lines []string, maxLines int) []string {
	if maxLines <= 0 {
		return []string{}
	}
	if len(lines) <= maxLines {
		return lines
	}
	trimmed := append([]string{}, lines[:maxLines]...)
	trimmed[maxLines-1] = "..."
	return trimmed
}

func (m *watchModel) appendEvent(line string) {
	m.events = append(m.events, line)
	if len(m.events) > 800 {
		m.events = m.events[len(m.events)-800:]
	}
}

// resetToWaiting goes back to polling for a session. If a session_id was
// given on the command line it quits instead.
func (m *watchModel) resetToWaiting() tea.Cmd {
	if m.explicitSessionID {
		return tea.Quit
	}
	m.cfg.SessionID = ""
	m.waiting = true
	m.connected = false
	m.err = nil
	m.actions = map[string]actionView{}
	m.summary = sessionSummary{}
	m.summaryErr = ""
	return pollForSessionCmd(m.cfg.APIBase, m.cfg.Token, m.cfg.PollInterval)
}

func apiGet(apiBase, token, path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, apiBase+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// pollForSessionCmd picks the newest live session.
func pollForSessionCmd(apiBase, token string, pollInterval time.Duration) tea.Cmd {
	return func() tea.Msg {
		if pollInterval <= 0 {
			pollInterval = 2 * time.Second
		}
		var sessions []struct {
			ID string `json:"id"`
		}
		if err := apiGet(apiBase, token, "/v1/sessions", &sessions); err == nil && len(sessions) > 0 {
			return sessionFoundMsg{SessionID: sessions[len(sessions)-1].ID}
		}
		time.Sleep(pollInterval)
		return pollTickMsg{}
	}
}

func fetchSessionCmd(apiBase, token, sessionID string) tea.Cmd {
	return func() tea.Msg {
		if strings.TrimSpace(sessionID) == "" {
			return sessionSnapshotMsg{}
		}
		var summary sessionSummary
		if err := apiGet(apiBase, token, "/v1/sessions/"+url.PathEscape(sessionID), &summary); err != nil {
			return sessionSnapshotMsg{Err: err.Error()}
		}
		return sessionSnapshotMsg{Summary: summary}
	}
}

func startEventStreamCmd(cfg watchConfig, out chan streamEventMsg) tea.Cmd {
	return func() tea.Msg {
		go streamSessionEvents(cfg, out)
		return streamStartedMsg{}
	}
}

func waitForStreamEventCmd(in <-chan streamEventMsg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-in
		if !ok {
			return streamEventMsg{EOF: true}
		}
		return msg
	}
}

func streamSessionEvents(cfg watchConfig, out chan<- streamEventMsg) {
	defer close(out)

	u := fmt.Sprintf("%s/v1/sessions/%s/events", cfg.APIBase, url.PathEscape(cfg.SessionID))
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		out <- streamEventMsg{Err: fmt.Errorf("create request: %w", err)}
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+cfg.Token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		out <- streamEventMsg{Err: fmt.Errorf("connect stream: %w", err)}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		out <- streamEventMsg{Err: fmt.Errorf("stream request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
		return
	}

	if err := readEvents(resp.Body, out); err != nil {
		out <- streamEventMsg{Err: fmt.Errorf("read stream: %w", err)}
		return
	}
	out <- streamEventMsg{EOF: true}
}

// readEvents decodes a server-sent event stream into out.
func readEvents(r io.Reader, out chan<- streamEventMsg) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 2*1024*1024)

	var eventName string
	var dataLines []string

	flushEvent := func() {
		if len(dataLines) == 0 {
			eventName = ""
			return
		}
		if eventName == "" {
			eventName = "message"
		}
		out <- streamEventMsg{
			Event: eventName,
			Data:  []byte(strings.Join(dataLines, "\n")),
		}
		eventName = ""
		dataLines = nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flushEvent()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	flushEvent()
	return scanner.Err()
}

func trimForLog(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func bodyWidth(terminalWidth int) int {
	if terminalWidth <= 0 {
		return 80
	}
	w := terminalWidth - 2
	if w < 40 {
		return 40
	}
	return w
}

func connectionLabel(connected bool, err error) string {
	if err != nil {
		return "error"
	}
	if connected {
		return "open"
	}
	return "connecting"
}
