package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"

	"github.com/mattjoyce/artifactloop/internal/action"
	"github.com/mattjoyce/artifactloop/internal/agent"
	"github.com/mattjoyce/artifactloop/internal/chat"
	"github.com/mattjoyce/artifactloop/internal/config"
	"github.com/mattjoyce/artifactloop/internal/provider"
	"github.com/mattjoyce/artifactloop/internal/runner"
	"github.com/mattjoyce/artifactloop/internal/session"
)

func runChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.ValidateLLM(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg.Service.LogLevel, os.Stderr, false)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	chatModel, err := provider.NewChatModel(ctx, cfg.LLM)
	if err != nil {
		return fmt.Errorf("create llm provider: %w", err)
	}

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	sess, err := rt.sessions.Create(ctx)
	if err != nil {
		return err
	}
	sess.Runner().SetListener(runner.Listener{
		OnUpdate: func(a runner.Action) { printAction(os.Stderr, a) },
	})

	loop := agent.NewLoop(chatModel, agent.NewWorkspace(rt.sandbox, cfg.Agent.RelevantFilesMaxBytes), cfg.Agent, cfg.Session.ContextSizeThreshold, logger)
	fmt.Fprintf(os.Stderr, "session %s, sandbox %s (/undo <path>, /reset, /quit)\n", sess.ID, cfg.Sandbox.Root)

	var history []chat.Message
	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !in.Scan() {
			return in.Err()
		}
		line := strings.TrimSpace(in.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return nil
		case line == "/reset":
			sess.Reset()
			fmt.Fprintln(os.Stderr, "session reset")
			continue
		case strings.HasPrefix(line, "/undo "):
			out, err := sess.Editor().UndoEdit(strings.TrimSpace(strings.TrimPrefix(line, "/undo ")))
			if err != nil {
				fmt.Fprintf(os.Stderr, "undo: %v\n", err)
			} else {
				fmt.Fprintln(os.Stderr, out)
			}
			continue
		}

		p := &streamPrinter{w: os.Stdout, name: artifactName(sess.Runner())}
		history, err = loop.Turn(ctx, sess, history, line, p.update)
		fmt.Fprintln(os.Stdout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Fprintf(os.Stderr, "turn failed: %v\n", err)
		}
	}
}

var artifactPlaceholder = regexp.MustCompile(`<div class="__artifact__" data-artifact-id="([^"]*)"[^>]*></div>`)

// streamPrinter writes the growing assistant output of a turn. name maps an
// artifact ID to the label shown in place of its placeholder.
type streamPrinter struct {
	w         io.Writer
	name      func(artifactID string) string
	messageID string
	printed   string
}

func artifactName(r *runner.ActionRunner) func(string) string {
	return func(id string) string {
		if art, ok := r.Artifact(id); ok && art.Name != "" {
			return art.Name
		}
		return id
	}
}

func (p *streamPrinter) update(rendered []session.Rendered) {
	if len(rendered) == 0 {
		return
	}
	last := rendered[len(rendered)-1]
	if last.Role != chat.RoleAssistant {
		return
	}
	var b strings.Builder
	for _, part := range last.Parts {
		b.WriteString(part.Output)
	}
	out := artifactPlaceholder.ReplaceAllStringFunc(b.String(), func(m string) string {
		id := artifactPlaceholder.FindStringSubmatch(m)[1]
		if p.name != nil {
			id = p.name(id)
		}
		return "[artifact " + id + "]"
	})

	if last.MessageID != p.messageID {
		if p.messageID != "" {
			fmt.Fprintln(p.w)
		}
		p.messageID = last.MessageID
		p.printed = ""
	}
	if strings.HasPrefix(out, p.printed) {
		fmt.Fprint(p.w, out[len(p.printed):])
	} else {
		fmt.Fprint(p.w, "\n"+out)
	}
	p.printed = out
}

func printAction(w io.Writer, a runner.Action) {
	if a.Status == action.StatusQueued {
		return
	}
	target := a.FilePath
	switch a.Kind {
	case action.KindShell:
		target = firstLine(a.Content)
	case action.KindToolUse:
		target = a.ToolName
	}
	line := fmt.Sprintf("  [%s] %s %s", a.Status, a.Kind, target)
	if a.Error != "" {
		line += ": " + a.Error
	}
	fmt.Fprintln(w, line)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
