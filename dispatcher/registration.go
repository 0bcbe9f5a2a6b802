package dispatcher

import "regexp"

// Registration pairs two compiled patterns with the message id of the
// originating register call, per spec §3.
type Registration struct {
	ID            uint64
	SourcePattern *regexp.Regexp
	TypePattern   *regexp.Regexp
}

// ModuleHandle is the dispatcher's view of a running module: enough to
// name it and hand it an outbound message. The supervisor's RunningModule
// satisfies this.
type ModuleHandle interface {
	Name() string
	Send(msg Message) error
}

// Registry is everything the dispatcher needs from the supervisor's
// running-module bookkeeping: enumeration for event fan-out, lookup for
// rpc routing, and registration mutation for register/unregister.
type Registry interface {
	RunningModules() []ModuleHandle
	ModuleByName(name string) (ModuleHandle, bool)
	IsRunning(name string) bool

	AddRegistration(owner string, reg Registration)
	RemoveRegistrationsByID(owner string, rid uint64)
	RegistrationsFor(owner string) []Registration
}
