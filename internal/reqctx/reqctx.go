// Package reqctx carries the per-request execution context through
// every capability-module call without global mutable state (spec
// §4.B). It is a thin typed wrapper around context.Context — the
// teacher already threads context.Context as the first argument of
// every manager method; this package just gives that value a fixed
// shape and a single well-known key.
package reqctx

import (
	"context"
	"log"
)

// App is the minimal app handle a Context needs; internal/registry.App
// satisfies this.
type App interface {
	Name() string
}

// Value is the mutable record observable via Get anywhere downstream of
// Run, including across suspension points in async work spawned by fn.
type Value struct {
	App           App
	Registry      Registry
	Logger        *log.Logger
	RequestID     string
	ScriptPath    string
	ScriptDir     string
	RouteParams   map[string]string
	BodySizeCap   int64
	GlobalConfig  any
}

// Registry is the subset of internal/registry.Registry the context needs,
// kept here to avoid an import cycle (registry depends on nothing in
// reqctx beyond this interface at call sites).
type Registry interface {
	Apps() []App
	AppNames() []string
}

type ctxKey struct{}

// Run runs fn with value observable via Get anywhere downstream,
// including across suspension points in asynchronous work fn spawns, as
// long as that work carries the context.Context Run hands it. Nested
// Run calls shadow the enclosing value for the duration of the inner
// call — exactly Go's own context.WithValue shadowing semantics.
func Run(ctx context.Context, value *Value, fn func(context.Context) error) error {
	return fn(context.WithValue(ctx, ctxKey{}, value))
}

// Get returns the Value associated with ctx, or nil if none is active.
// Every capability module calls this instead of touching a package-level
// variable.
func Get(ctx context.Context) *Value {
	v, _ := ctx.Value(ctxKey{}).(*Value)
	return v
}
