package modsup

import "errors"

// Errors surfaced to the host application, per spec §7. This is the single
// source for each sentinel; identifier/registry/installer re-export the
// ones relevant to them under the same names so a host can match either
// modsup.ErrX or the originating sub-package's ErrX with errors.Is.
var (
	// Identifier / resolution errors
	ErrInvalidPath        = errors.New("module_manager:invalid_path")
	ErrInvalidVersion     = errors.New("module_manager:invalid_version")
	ErrInvalidName        = errors.New("module_manager:invalid_name")
	ErrModuleConflict     = errors.New("module_manager:module_conflict")
	ErrModuleUnknown      = errors.New("module_manager:module_unknown")
	ErrLocalModuleMissing = errors.New("module_manager:local_module_missing")

	// ErrProcedureNotFound is placed in the err field of a synthesized
	// rpc_reply when an rpc_call addressed to "core" names a procedure
	// that was never exposed. It is never returned directly to a Go caller.
	ErrProcedureNotFound = errors.New("procedure_not_found")

	// ErrNoSubjectForEventEmission marks a lifecycle notification that had
	// no Subject to go to; HandleEventEmissionError treats it as handled
	// without logging. No emitter in this module returns it.
	ErrNoSubjectForEventEmission = errors.New("no subject available for event emission")
)
