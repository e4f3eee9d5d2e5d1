// Package executor runs claimed shards through registered executor
// functions under a bounded concurrency pool.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Invocation carries everything an executor function needs to process one
// shard. Inputs and dependency outputs are resolved before invocation, so
// functions stay pure: same invocation, same output bytes.
type Invocation struct {
	ShardID  string
	JobID    string
	StageID  string
	Attempt  int
	Inputs   map[string]any
	// DepOutputs maps dependency shard ids to their output digests.
	DepOutputs map[string]string
}

// Func processes one shard and returns its output payload. Implementations
// must be deterministic over the invocation unless the stage explicitly
// allows non-idempotent executors.
type Func func(ctx context.Context, inv Invocation) ([]byte, error)

// Registry maps executor kind names to functions.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register binds a kind name to a function. Re-registering a kind is an
// error so wiring mistakes surface at startup.
func (r *Registry) Register(kind string, fn Func) error {
	if kind == "" {
		return fmt.Errorf("executor kind must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("executor %s: nil function", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[kind]; exists {
		return fmt.Errorf("executor %s already registered", kind)
	}
	r.funcs[kind] = fn
	return nil
}

func (r *Registry) Get(kind string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[kind]
	if !ok {
		return nil, fmt.Errorf("no executor registered for kind %s", kind)
	}
	return fn, nil
}

// Kinds returns the registered kind names, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.funcs))
	for kind := range r.funcs {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
