package session

import (
	"sync/atomic"

	"github.com/mattjoyce/artifactloop/internal/runner"
)

func runnerListener(n *atomic.Int32) runner.Listener {
	return runner.Listener{
		OnUpdate: func(runner.Action) { n.Add(1) },
		OnOutput: func(string, string) { n.Add(1) },
	}
}
