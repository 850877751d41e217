// Package tasks resolves task names to invocable task functions.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// LogFunc reports a progress line to the supervisor.
type LogFunc func(msg string)

// Func is a task entry point. The returned value is sent to the supervisor
// as JSON; a non-nil error is reported as a task failure.
type Func func(ctx context.Context, log LogFunc, args json.RawMessage) (any, error)

var ErrUnknownTask = errors.New("unknown task")

type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry { return &Registry{funcs: map[string]Func{}} }

// Register adds fn under name, replacing any previous entry.
func (r *Registry) Register(name string, fn Func) *Registry {
	if name == "" || fn == nil {
		panic("tasks: Register with empty name or nil func")
	}
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
	return r
}

func (r *Registry) Lookup(name string) (Func, error) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	return fn, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
