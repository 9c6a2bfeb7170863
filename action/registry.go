package action

import (
	"context"
	"fmt"
	"sync"

	"github.com/treadle-ci/treadle/workflow"
)

// Registry resolves actions from a local table first, then through an
// optional fallback resolver (usually a remote store). Versions are
// accepted as-is for locally registered actions: built-ins behave the
// same across the versions users pin in their workflow files.
type Registry struct {
	mu       sync.RWMutex
	actions  map[string]Action
	fallback Resolver
}

type RegistryOpt func(*Registry)

// WithFallback sets the resolver consulted for names not registered
// locally.
func WithFallback(r Resolver) RegistryOpt {
	return func(reg *Registry) {
		reg.fallback = r
	}
}

func NewRegistry(opts ...RegistryOpt) *Registry {
	r := &Registry{
		actions: make(map[string]Action),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Builtin returns a registry preloaded with the actions the runner
// implements itself: repository checkout and toolchain install.
func Builtin(opts ...RegistryOpt) *Registry {
	r := NewRegistry(opts...)
	r.Register("actions/checkout", CheckoutAction{})
	r.Register("checkout", CheckoutAction{})
	r.Register("actions-rs/toolchain", ToolchainAction{})
	r.Register("toolchain", ToolchainAction{})
	return r
}

func (r *Registry) Register(name string, a Action) {
	r.mu.Lock()
	r.actions[name] = a
	r.mu.Unlock()
}

func (r *Registry) Resolve(ctx context.Context, ref workflow.Ref) (Action, error) {
	r.mu.RLock()
	a, ok := r.actions[ref.Name]
	r.mu.RUnlock()
	if ok {
		return a, nil
	}

	if r.fallback != nil {
		return r.fallback.Resolve(ctx, ref)
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownAction, ref)
}
