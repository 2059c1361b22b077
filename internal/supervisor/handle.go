package supervisor

import (
	"io"
	"os/exec"
	"sync/atomic"
)

// State is a worker's lifecycle stage.
type State int

const (
	StateSpawned State = iota
	StateStreaming
	StateCompleted
	StateFailed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// handle is one running worker. Only the goroutine that spawned it reads its
// stdout and reaps it; Cleanup only signals it and waits on done.
type handle struct {
	unit   string
	cmd    *exec.Cmd
	pid    int
	stdout io.ReadCloser

	// state is guarded by Supervisor.mu.
	state State

	terminated atomic.Bool
	done       chan struct{}
}

// wait reaps the process and releases anyone blocked in terminate.
func (h *handle) wait() error {
	defer close(h.done)
	return h.cmd.Wait()
}

func (h *handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
