package dispatcher

import (
	"context"
	"fmt"
	"regexp"

	"github.com/GoCodeAlone/modsup"
)

// Dispatcher routes every message produced by the core or received from
// a child through dispatch(msg), per spec §4.6. Routing runs on a single
// loop goroutine, so messages are handled one at a time in arrival order.
// The Registry and CoreState implementations are also used outside that
// goroutine (by the supervisor's exit and timer paths and by
// core.Endpoint), so they guard their own state.
type Dispatcher struct {
	registry Registry
	core     CoreState
	logger   modsup.Logger

	cmds chan func()
	done chan struct{}
}

// New creates a Dispatcher and starts its loop goroutine.
func New(registry Registry, core CoreState, logger modsup.Logger) *Dispatcher {
	if logger == nil {
		logger = modsup.NewNoopLogger()
	}
	d := &Dispatcher{
		registry: registry,
		core:     core,
		logger:   logger,
		cmds:     make(chan func(), 256),
		done:     make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	for {
		select {
		case fn := <-d.cmds:
			fn()
		case <-d.done:
			return
		}
	}
}

// Stop terminates the loop goroutine. Commands still queued when Stop is
// called are not run; callers should only call Stop after all in-flight
// Dispatch calls have returned.
func (d *Dispatcher) Stop() {
	close(d.done)
}

// Dispatch enqueues msg onto the loop and blocks until it has been fully
// routed. Suspension points inside routing (e.g. the IPC send to a
// child) happen serialized with every other message on the same loop.
func (d *Dispatcher) Dispatch(msg Message) {
	done := make(chan struct{})
	d.cmds <- func() {
		d.dispatch(msg)
		close(done)
	}
	<-done
}

// DispatchAsync enqueues msg without waiting for routing to complete.
// Used for the core-to-self rpc_reply path, which must be deferred to
// "the next scheduler tick" so that Call() returns to its caller before
// the reply's continuation can run (spec §4.6, §5).
func (d *Dispatcher) DispatchAsync(msg Message) {
	d.cmds <- func() { d.dispatch(msg) }
}

func (d *Dispatcher) dispatch(msg Message) {
	if !d.validHeader(msg) {
		d.logger.Warn("dispatcher: dropping invalid message", "src", msg.Hdr.Src, "typ", msg.Hdr.Typ)
		return
	}

	switch msg.Hdr.Typ {
	case TypeRegister:
		d.handleRegister(msg)
	case TypeUnregister:
		d.handleUnregister(msg)
	case TypeEvent:
		d.handleEvent(msg)
	case TypeRPCCall:
		d.handleRPCCall(msg)
	case TypeRPCReply:
		d.handleRPCReply(msg)
	default:
		d.logger.Warn("dispatcher: unknown message type, dropping", "typ", msg.Hdr.Typ)
	}
}

func (d *Dispatcher) validHeader(msg Message) bool {
	if msg.Hdr.Typ == "" || msg.Hdr.Mid == 0 || msg.Hdr.Src == "" {
		return false
	}
	if msg.Hdr.Src == "core" {
		return true
	}
	return d.registry.IsRunning(msg.Hdr.Src)
}

func (d *Dispatcher) handleRegister(msg Message) {
	if msg.SrcPattern == "" || msg.TypPattern == "" {
		d.logger.Debug("dispatcher: register missing patterns, dropping", "src", msg.Hdr.Src)
		return
	}

	srcRe, err := regexp.Compile(msg.SrcPattern)
	if err != nil {
		d.logger.Debug("dispatcher: malformed src_pattern, dropping", "src", msg.Hdr.Src, "pattern", msg.SrcPattern)
		return
	}
	typRe, err := regexp.Compile(msg.TypPattern)
	if err != nil {
		d.logger.Debug("dispatcher: malformed typ_pattern, dropping", "src", msg.Hdr.Src, "pattern", msg.TypPattern)
		return
	}

	d.registry.AddRegistration(msg.Hdr.Src, Registration{
		ID:            msg.Hdr.Mid,
		SourcePattern: srcRe,
		TypePattern:   typRe,
	})
}

func (d *Dispatcher) handleUnregister(msg Message) {
	d.registry.RemoveRegistrationsByID(msg.Hdr.Src, msg.Rid)
}

func (d *Dispatcher) handleEvent(msg Message) {
	for _, m := range d.registry.RunningModules() {
		if m.Name() == msg.Hdr.Src {
			continue // a module never receives its own events
		}
		for _, reg := range d.registry.RegistrationsFor(m.Name()) {
			if !reg.SourcePattern.MatchString(msg.Hdr.Src) {
				continue
			}
			if !reg.TypePattern.MatchString(msg.Typ) {
				continue
			}
			if err := m.Send(msg); err != nil {
				d.logger.Warn("dispatcher: event delivery failed", "to", m.Name(), "error", err)
			}
		}
	}
}

func (d *Dispatcher) handleRPCCall(msg Message) {
	if handle, ok := d.registry.ModuleByName(msg.Dst); ok {
		if err := handle.Send(msg); err != nil {
			d.logger.Warn("dispatcher: rpc_call delivery failed", "to", msg.Dst, "error", err)
		}
		return
	}

	if msg.Dst != "core" {
		d.logger.Debug("dispatcher: rpc_call to unknown destination dropped", "dst", msg.Dst)
		return
	}

	reply := Message{
		Hdr: Header{Typ: TypeRPCReply, Src: "core", Mid: d.core.NextMessageID()},
		Dst: msg.Hdr.Src,
		Prc: msg.Prc,
		Oid: msg.Hdr.Mid,
	}

	handler, ok := d.core.Procedure(msg.Prc)
	if !ok {
		reply.Err = &RPCError{Msg: modsup.ErrProcedureNotFound.Error(), Name: "procedure_not_found"}
		d.DispatchAsync(reply)
		return
	}

	go func() {
		res, err := handler(context.Background(), msg.Arg)
		if err != nil {
			reply.Err = &RPCError{Msg: err.Error(), Name: "handler_error"}
		} else {
			reply.Res = res
		}
		d.DispatchAsync(reply)
	}()
}

func (d *Dispatcher) handleRPCReply(msg Message) {
	if handle, ok := d.registry.ModuleByName(msg.Dst); ok {
		if err := handle.Send(msg); err != nil {
			d.logger.Warn("dispatcher: rpc_reply delivery failed", "to", msg.Dst, "error", err)
		}
		return
	}

	if msg.Dst != "core" {
		d.logger.Debug("dispatcher: rpc_reply to unknown destination dropped", "dst", msg.Dst)
		return
	}

	cont, ok := d.core.TakePending(msg.Oid)
	if !ok {
		return // unknown oid dropped silently, per spec §4.6
	}

	var err error
	if msg.Err != nil {
		err = fmt.Errorf("%s: %s", msg.Err.Name, msg.Err.Msg)
	}
	cont(err, msg.Res)
}
