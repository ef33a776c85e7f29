// Package pstremote starts workers on remote hosts and observes their
// completion.
package pstremote

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// State is the lifecycle state of a Handle.
type State int

const (
	Created State = iota
	Running
	Finished
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Finished:
		return "finished"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// FinishedFunc is called once a worker process has terminated. failed is
// set when the process exited non-zero, was killed by a signal or could
// not be waited for.
type FinishedFunc func(h *Handle, failed bool, exitStatus int)

// Handle manages the worker process of one remote host.
type Handle struct {
	commander  Commander
	remoteHost string
	onFinished FinishedFunc

	mu         sync.Mutex
	state      State
	exitStatus int
	done       chan struct{}
}

// NewHandle returns a handle for the worker on remoteHost. onFinished may
// be nil.
func NewHandle(commander Commander, remoteHost string, onFinished FinishedFunc) *Handle {
	return &Handle{
		commander:  commander,
		remoteHost: remoteHost,
		onFinished: onFinished,
		done:       make(chan struct{}),
	}
}

// ClientHost returns the host the worker runs on.
func (h *Handle) ClientHost() string {
	return h.remoteHost
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ExitStatus returns the exit status of the worker. It is only meaningful
// once the handle is Finished.
func (h *Handle) ExitStatus() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitStatus
}

// Done is closed when the handle reaches the Finished state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Start spawns the worker, which will connect to coordinatorHost, and
// waits for it in the background. A spawn failure is returned as a
// *ProcessSpawnError; the handle is then Finished and onFinished is not
// called.
func (h *Handle) Start(coordinatorHost string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Created {
		return fmt.Errorf("worker for %s already %s", h.remoteHost, h.state)
	}

	proc, err := h.commander.Start(h.remoteHost, coordinatorHost)
	if err != nil {
		h.state = Finished
		h.exitStatus = -1
		close(h.done)
		return err
	}
	h.state = Running
	go h.wait(proc)
	return nil
}

func (h *Handle) wait(proc Process) {
	status, err := proc.Wait()
	failed := err != nil || status != 0
	switch {
	case err != nil:
		log.Errorf("Waiting for worker on %s: %s", h.remoteHost, err)
	case failed:
		log.Warnf("Worker on %s exited with status %d", h.remoteHost, status)
	default:
		log.Debugf("Worker on %s finished", h.remoteHost)
	}

	h.mu.Lock()
	h.exitStatus = status
	h.mu.Unlock()

	if h.onFinished != nil {
		h.onFinished(h, failed, status)
	}

	h.mu.Lock()
	h.state = Finished
	h.mu.Unlock()
	close(h.done)
}

// Join blocks until the worker has finished and its completion callback
// has returned. It returns immediately for a handle that was never
// started.
func (h *Handle) Join() {
	h.mu.Lock()
	state := h.state
	h.mu.Unlock()
	if state == Created {
		return
	}
	<-h.done
}
