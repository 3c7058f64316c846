// Package config implements the process-wide configuration frame
// stack. A frame carries the five recognized keys and composes with
// its enclosing frame by inheriting any key the caller didn't specify.
package config

import (
	"sync"
)

// ContainerMode selects whether/which container image a job should run
// in. Inherit means "use whatever the enclosing frame says"; None means
// "run uncontained"; UseDeclared means "use the function's own
// registered image"; Image pins a specific image string.
type ContainerMode int

const (
	ContainerInherit ContainerMode = iota
	ContainerNone
	ContainerUseDeclared
	ContainerImage
)

// Container is the resolved value of the "container" config key.
type Container struct {
	Mode  ContainerMode
	Image string // only meaningful when Mode == ContainerImage
}

// Frame is one configuration layer. A zero-value field (nil pointer or
// empty string) means "inherit from the enclosing frame"; a Container
// whose Mode is ContainerInherit inherits as well.
type Frame struct {
	Container         *Container
	JobHandler        string // handler name: "local", "parallel", "batch", "remote"
	JobCache          string // cache name, empty disables caching
	DownloadResults   *bool
	JobTimeoutSeconds *float64
}

// clone deep-copies a frame so mutation of a child frame never reaches
// back into its parent.
func (f Frame) clone() Frame {
	out := f
	if f.Container != nil {
		c := *f.Container
		out.Container = &c
	}
	if f.DownloadResults != nil {
		b := *f.DownloadResults
		out.DownloadResults = &b
	}
	if f.JobTimeoutSeconds != nil {
		d := *f.JobTimeoutSeconds
		out.JobTimeoutSeconds = &d
	}
	return out
}

// Stack is the process-wide (goroutine-shared) configuration stack.
// It is never empty: NewStack installs a default frame.
type Stack struct {
	mu    sync.Mutex
	stack []Frame
}

// NewStack creates a stack with a default frame installed, so the
// stack is never empty.
func NewStack() *Stack {
	return &Stack{stack: []Frame{defaultFrame()}}
}

func defaultFrame() Frame {
	return Frame{
		Container:         &Container{Mode: ContainerNone},
		JobHandler:        "local",
		JobCache:          "",
		DownloadResults:   boolPtr(false),
		JobTimeoutSeconds: nil,
	}
}

func boolPtr(b bool) *bool { return &b }

// Current returns the top-of-stack frame.
func (s *Stack) Current() Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stack[len(s.stack)-1]
}

// EnterFrame pushes a new frame composed from the current one with any
// non-nil override field replaced, and returns an exit function the
// caller must defer. Deferring the exit function guarantees the stack
// depth returns to its pre-entry value on every exit path, including
// panics.
func (s *Stack) EnterFrame(overrides Frame) (exit func()) {
	s.mu.Lock()
	base := s.stack[len(s.stack)-1].clone()
	if overrides.Container != nil && overrides.Container.Mode != ContainerInherit {
		base.Container = overrides.Container
	}
	if overrides.JobHandler != "" {
		base.JobHandler = overrides.JobHandler
	}
	if overrides.JobCache != "" {
		base.JobCache = overrides.JobCache
	}
	if overrides.DownloadResults != nil {
		base.DownloadResults = overrides.DownloadResults
	}
	if overrides.JobTimeoutSeconds != nil {
		base.JobTimeoutSeconds = overrides.JobTimeoutSeconds
	}
	s.stack = append(s.stack, base)
	depth := len(s.stack)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if len(s.stack) != depth {
				// A nested frame was never exited; nothing sane to do but
				// avoid corrupting the stack further.
				return
			}
			s.stack = s.stack[:depth-1]
		})
	}
}

// Reset reinstalls the default frame and discards everything else,
// used by Manager.Reset.
func (s *Stack) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stack = []Frame{defaultFrame()}
}

// Depth reports the current stack depth, exposed for tests asserting
// invariant 5 / the enter-exit balance property.
func (s *Stack) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stack)
}
