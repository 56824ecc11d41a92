// Package api defines the public contracts of the statesync engine.
//
// Implementations of the polling, refresh, and guard components live in
// pkg/; external systems plug in through the interfaces declared here.
package api

import (
	"context"
	"errors"
	"time"
)

// Result is one fetched view of a resource. Implementations must be
// immutable once returned.
type Result interface {
	// Kind names the resource kind, e.g. "payment_status".
	Kind() string
	// Terminal reports whether further polling for this resource is useless.
	Terminal() bool
}

// Fetcher retrieves the current server-side view of one resource.
//
// A Fetcher classifies its own failures: transport and malformed-response
// problems come back as plain errors and are retried on the next tick;
// semantic blocking conditions come back as a TerminalError so the poll
// controller can stop permanently.
type Fetcher interface {
	Fetch(ctx context.Context, id string) (Result, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, id string) (Result, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, id string) (Result, error) {
	return f(ctx, id)
}

// TerminalError is implemented by fetch errors that carry a terminal state
// decided server-side, e.g. a payment blocked by merchant configuration.
type TerminalError interface {
	error
	TerminalResult() Result
}

// AsTerminal unwraps err looking for a TerminalError and returns its
// terminal result.
func AsTerminal(err error) (Result, bool) {
	var te TerminalError
	if errors.As(err, &te) {
		return te.TerminalResult(), true
	}
	return nil, false
}

// Snapshot is an immutable point-in-time view of a polled resource.
// A snapshot replaces its predecessor atomically; consumers never observe
// partially applied state.
type Snapshot struct {
	// Result is the last successfully fetched view. Nil until the first
	// fetch succeeds.
	Result Result
	// FetchedAt is when Result was produced.
	FetchedAt time.Time
	// Stale marks a snapshot whose Result predates the last fetch attempt.
	Stale bool
	// Err is set when the owning session gave up on refreshing this
	// snapshot (failure ceiling reached). Transient errors never appear
	// here.
	Err error
}

// SnapshotListener receives snapshots after they have been applied.
// Listeners are invoked outside the owning component's lock and receive
// copies, so they may call back into the engine.
type SnapshotListener func(Snapshot)

// VisibilityListener receives foreground/background transitions of the
// surface that owns the poll sessions.
type VisibilityListener func(visible bool)
