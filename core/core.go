// Package core implements the synthetic "core" bus participant (C8):
// expose/call/emit, so the host application can serve and issue RPCs and
// publish events on the same bus as any module.
package core

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/GoCodeAlone/modsup/dispatcher"
)

// State is one per supervisor (spec §9: "not global... each supervisor
// owns its own CoreState"), tracking the exposed procedure table, the
// pending-rpc correlation map, and the monotonic message id counter.
type State struct {
	mu         sync.RWMutex
	procedures map[string]dispatcher.Handler

	pendingMu sync.Mutex
	pending   map[uint64]dispatcher.Continuation

	nextID uint64
}

// NewState creates an empty CoreState.
func NewState() *State {
	return &State{
		procedures: make(map[string]dispatcher.Handler),
		pending:    make(map[uint64]dispatcher.Continuation),
	}
}

// NextMessageID allocates a fresh, monotonic, never-reused message id.
func (s *State) NextMessageID() uint64 {
	return atomic.AddUint64(&s.nextID, 1)
}

// Procedure looks up a handler exposed under name.
func (s *State) Procedure(name string) (dispatcher.Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.procedures[name]
	return h, ok
}

// StorePending records the continuation for a core-originated rpc_call
// under mid, to be resolved exactly once by a matching rpc_reply.
func (s *State) StorePending(mid uint64, cont dispatcher.Continuation) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.pending[mid] = cont
}

// TakePending removes and returns the continuation for oid, if any.
func (s *State) TakePending(oid uint64) (dispatcher.Continuation, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	cont, ok := s.pending[oid]
	if ok {
		delete(s.pending, oid)
	}
	return cont, ok
}

// Endpoint is the host-facing surface over State and a Dispatcher:
// expose/call/emit, per spec §4.8.
type Endpoint struct {
	state      *State
	dispatcher *dispatcher.Dispatcher
}

// NewEndpoint creates an Endpoint bound to state and d. d must route
// through state as its dispatcher.CoreState (see dispatcher.New).
func NewEndpoint(state *State, d *dispatcher.Dispatcher) *Endpoint {
	return &Endpoint{state: state, dispatcher: d}
}

// Expose installs handler into the procedure table under procName.
// Re-exposing replaces the prior handler.
func (e *Endpoint) Expose(procName string, handler dispatcher.Handler) {
	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	e.state.procedures[procName] = handler
}

// Call synthesizes an rpc_call envelope addressed to moduleName and
// dispatches it. continuation fires exactly once with (err, res) when
// the matching rpc_reply arrives.
func (e *Endpoint) Call(ctx context.Context, moduleName, proc string, arg interface{}, continuation dispatcher.Continuation) {
	mid := e.state.NextMessageID()
	e.state.StorePending(mid, continuation)

	e.dispatcher.Dispatch(dispatcher.Message{
		Hdr: dispatcher.Header{Typ: dispatcher.TypeRPCCall, Src: "core", Mid: mid},
		Dst: moduleName,
		Prc: proc,
		Arg: arg,
	})
}

// Emit synthesizes an event envelope with src="core" and dispatches it,
// fire-and-forget.
func (e *Endpoint) Emit(ctx context.Context, eventType string, event interface{}) {
	e.dispatcher.Dispatch(dispatcher.Message{
		Hdr: dispatcher.Header{Typ: dispatcher.TypeEvent, Src: "core", Mid: e.state.NextMessageID()},
		Typ: eventType,
		Evt: event,
	})
}
