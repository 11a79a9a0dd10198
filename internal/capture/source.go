package capture

import (
	"context"
	"errors"
	"sync"
)

// Source delivers raw input events system-wide.
type Source interface {
	// Start begins delivering events to sink. It returns an error when the
	// platform hook cannot be installed (for example missing permission).
	Start(ctx context.Context, sink *Queue) error

	// Stop releases the underlying capture resource.
	Stop() error

	// Available returns true if capture is possible with current permissions.
	Available() (bool, string)
}

var (
	// ErrNotAvailable is returned when input capture isn't available.
	ErrNotAvailable = errors.New("input capture not available on this platform")

	// ErrPermissionDenied is returned when permissions are insufficient.
	ErrPermissionDenied = errors.New("insufficient permissions for input capture")

	// ErrAlreadyRunning is returned when Start is called while already running.
	ErrAlreadyRunning = errors.New("capture source already running")
)

// NewSource creates the capture source named in configuration.
// "evdev" selects the Linux input-device reader; "none" yields a source
// that is never available.
func NewSource(kind string, devices []string) Source {
	switch kind {
	case "none":
		return noneSource{}
	default:
		return newPlatformSource(devices)
	}
}

type noneSource struct{}

func (noneSource) Start(context.Context, *Queue) error { return ErrNotAvailable }
func (noneSource) Stop() error                          { return nil }
func (noneSource) Available() (bool, string)            { return false, "capture disabled by configuration" }

// SimulatedSource is a source for testing that doesn't hook real devices.
type SimulatedSource struct {
	mu      sync.Mutex
	sink    *Queue
	running bool
	failure error
}

// NewSimulated creates a simulated source.
func NewSimulated() *SimulatedSource {
	return &SimulatedSource{}
}

// FailWith makes the next Start return err.
func (s *SimulatedSource) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

// Start begins the simulated source.
func (s *SimulatedSource) Start(_ context.Context, sink *Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		err := s.failure
		s.failure = nil
		return err
	}
	if s.running {
		return ErrAlreadyRunning
	}
	s.sink = sink
	s.running = true
	return nil
}

// Stop stops the simulated source.
func (s *SimulatedSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.sink = nil
	return nil
}

// Running reports whether the source is started.
func (s *SimulatedSource) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Emit delivers events as if they came from the hook. Events are dropped
// while the source is stopped.
func (s *SimulatedSource) Emit(events ...Event) {
	s.mu.Lock()
	sink, running := s.sink, s.running
	s.mu.Unlock()
	if !running {
		return
	}
	for _, ev := range events {
		sink.Push(ev)
	}
}

// Available returns true (simulated is always available).
func (s *SimulatedSource) Available() (bool, string) {
	return true, "simulated source (for testing)"
}
