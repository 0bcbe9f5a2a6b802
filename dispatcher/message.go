// Package dispatcher implements the central message router (C6): the
// register/unregister/event/rpc_call/rpc_reply wire protocol between
// child module processes and the synthetic core endpoint.
package dispatcher

// Message kind discriminators, carried in Header.Typ.
const (
	TypeRegister   = "register"
	TypeUnregister = "unregister"
	TypeEvent      = "event"
	TypeRPCCall    = "rpc_call"
	TypeRPCReply   = "rpc_reply"
)

// Header is present on every message. Typ discriminates the message
// kind, Src is the sender's logical name ("core" for the synthetic
// endpoint), Mid is a sender-scoped monotonic id.
type Header struct {
	Typ string `json:"typ"`
	Src string `json:"src"`
	Mid uint64 `json:"mid"`
}

// RPCError is the {msg, nme} shape attached to a failed rpc_reply.
type RPCError struct {
	Msg  string `json:"msg"`
	Name string `json:"nme"`
}

// Message is the full envelope. Only the fields relevant to Hdr.Typ are
// populated; the rest are left zero. A single struct (rather than one
// type per kind) keeps JSON (de)serialization to/from a child process
// straightforward, matching the wire's own loosely-typed JSON object.
type Message struct {
	Hdr Header `json:"hdr"`

	// event: Typ carries the event's own type tag (e.g. "state:change",
	// "internal:ready") — distinct from Hdr.Typ, which is always the
	// literal "event" for this kind. Evt carries the event payload.
	Typ string      `json:"typ,omitempty"`
	Evt interface{} `json:"evt,omitempty"`

	// register
	SrcPattern string `json:"src_pattern,omitempty"`
	TypPattern string `json:"typ_pattern,omitempty"`

	// unregister
	Rid uint64 `json:"rid,omitempty"`

	// rpc_call / rpc_reply
	Dst string      `json:"dst,omitempty"`
	Prc string      `json:"prc,omitempty"`
	Arg interface{} `json:"arg,omitempty"`
	Oid uint64      `json:"oid,omitempty"`
	Err *RPCError   `json:"err,omitempty"`
	Res interface{} `json:"res,omitempty"`
}
