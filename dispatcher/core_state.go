package dispatcher

import "context"

// Handler serves an rpc_call addressed to "core". It completes
// asynchronously; the dispatcher re-enters the loop with the reply once
// it returns, never synchronously within the call that invoked it.
type Handler func(ctx context.Context, arg interface{}) (res interface{}, err error)

// Continuation resumes a pending rpc_call originated by core. It fires
// exactly once.
type Continuation func(err error, res interface{})

// CoreState is everything the dispatcher needs from the core endpoint
// (C8): its procedure table, id allocation, and the pending-rpc
// correlation map for replies addressed back to core.
type CoreState interface {
	Procedure(name string) (Handler, bool)
	NextMessageID() uint64
	TakePending(oid uint64) (Continuation, bool)
}
