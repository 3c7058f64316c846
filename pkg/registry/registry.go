// Package registry maps (name, version) to the in-process function
// lattice should invoke plus its packaging metadata. Registration is
// an explicit call recording those facts in a side table keyed by
// function name, the compiled-language stand-in for stamping
// attributes onto the function object itself.
package registry

import (
	"context"
	"runtime"
	"sync"

	"github.com/cuemby/lattice/pkg/codec"
	"github.com/cuemby/lattice/pkg/joberr"
	"github.com/cuemby/lattice/pkg/log"
)

// Function is the shape every registered job body has.
type Function func(ctx context.Context, args codec.Value) (codec.Value, error)

// Options carries the packaging metadata a registration may declare.
type Options struct {
	Container           string   // declared container image, e.g. "docker://repo/image:tag"
	AdditionalFiles     []string // extra file globs bundled alongside the function's source
	LocalModules        []string // local module directories bundled under _local_modules/
	NoResolveInputFiles bool     // if true, File arguments are passed unresolved
}

// Entry is one registered function plus its metadata.
type Entry struct {
	Name       string
	Version    string
	Fn         Function
	SourcePath string
	Options    Options
}

// Registry is the process-wide function table.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{byName: make(map[string]*Entry)}
}

// Register records fn under (name, version). A second registration of
// the same name from a different call site logs a warning and keeps
// the first registration: first-writer-wins, so a stray re-import of
// a function's package can never silently swap implementations.
func (r *Registry) Register(name, version string, fn Function, opts Options) {
	_, file, _, _ := runtime.Caller(1)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[name]; ok {
		if existing.SourcePath != file {
			logger := log.WithComponent("registry")
			logger.Warn().
				Str("function", name).
				Str("path1", existing.SourcePath).
				Str("path2", file).
				Msg("function registered from two different source files; keeping the first registration")
		}
		return
	}

	r.byName[name] = &Entry{
		Name:       name,
		Version:    version,
		Fn:         fn,
		SourcePath: file,
		Options:    opts,
	}
}

// Lookup returns the registered entry for name, or UnknownFunction.
func (r *Registry) Lookup(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byName[name]
	if !ok {
		return nil, joberr.UnknownFunction(name)
	}
	return e, nil
}

// List returns every registered entry, for diagnostics/tests.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entry, 0, len(r.byName))
	for _, e := range r.byName {
		out = append(out, e)
	}
	return out
}
