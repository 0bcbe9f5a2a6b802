package supervisor

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/GoCodeAlone/modsup/dispatcher"
)

// maxRestarts bounds RunningModule.restartCount, per spec §3/§4.7.
const maxRestarts = 3

// runningState is the implicit lifecycle state named in spec §3/§4.7.
type runningState int

const (
	stateStarting runningState = iota
	stateRunning
	stateShuttingDown
)

// RunningModule is the in-memory record of a spawned child process. It
// satisfies dispatcher.ModuleHandle: the dispatcher only ever dereferences
// it to Send, never to mutate lifecycle state directly (spec §9,
// "subprocess handle ownership" — the dispatcher does not reach into
// restartCount or state).
type RunningModule struct {
	name string
	path string
	dir  string

	mu            sync.Mutex
	state         runningState
	restartCount  int
	registrations []dispatcher.Registration

	process Process
	encMu   sync.Mutex
	enc     *json.Encoder

	exitMu sync.Mutex
	onExit func(error)
}

func newRunningModule(name, path string, proc Process) *RunningModule {
	return &RunningModule{
		name:    name,
		path:    path,
		state:   stateStarting,
		process: proc,
		enc:     json.NewEncoder(proc.Stdin()),
	}
}

func (m *RunningModule) setExitHandler(f func(error)) {
	m.exitMu.Lock()
	defer m.exitMu.Unlock()
	m.onExit = f
}

func (m *RunningModule) invokeExit(err error) {
	m.exitMu.Lock()
	f := m.onExit
	m.exitMu.Unlock()
	if f != nil {
		f(err)
	}
}

func (m *RunningModule) Name() string { return m.name }

// Send writes msg as a single newline-delimited JSON line to the child's
// stdin. Writes are serialized with setProcess, which swaps the encoder
// when the module is restarted.
func (m *RunningModule) Send(msg dispatcher.Message) error {
	m.encMu.Lock()
	defer m.encMu.Unlock()
	return m.enc.Encode(msg)
}

// setProcess swaps the active process and its stdin encoder, used when a
// restarted module reuses the same RunningModule record.
func (m *RunningModule) setProcess(proc Process) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.process = proc

	m.encMu.Lock()
	m.enc = json.NewEncoder(proc.Stdin())
	m.encMu.Unlock()
}

func (m *RunningModule) setState(s runningState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

func (m *RunningModule) addRegistration(reg dispatcher.Registration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registrations = append(m.registrations, reg)
}

func (m *RunningModule) removeRegistrationsByID(rid uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.registrations[:0]
	for _, reg := range m.registrations {
		if reg.ID != rid {
			kept = append(kept, reg)
		}
	}
	m.registrations = kept
}

func (m *RunningModule) snapshotRegistrations() []dispatcher.Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]dispatcher.Registration, len(m.registrations))
	copy(out, m.registrations)
	return out
}

func (m *RunningModule) kill() error {
	m.mu.Lock()
	proc := m.process
	m.mu.Unlock()
	if proc == nil {
		return fmt.Errorf("supervisor: module %s has no active process", m.name)
	}
	return proc.Kill()
}
