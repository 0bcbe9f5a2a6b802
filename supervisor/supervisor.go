package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/GoCodeAlone/modsup"
	"github.com/GoCodeAlone/modsup/dispatcher"
	"github.com/GoCodeAlone/modsup/identifier"
	"github.com/GoCodeAlone/modsup/installer"
	"github.com/GoCodeAlone/modsup/registry"
	"github.com/GoCodeAlone/modsup/storage"
)

// gracefulKillTimeout is the force-kill fallback deadline, per spec §4.7.
const gracefulKillTimeout = 5 * time.Second

// Supervisor owns the running-module set and implements dispatcher.Registry
// so the Dispatcher can route through it without reaching into private
// state. One Supervisor exists per session, per spec §9 ("not global").
type Supervisor struct {
	reg       *registry.Registry
	installer *installer.Installer
	layout    *storage.Layout
	core      dispatcher.CoreState
	spawner   Spawner
	logger    modsup.Logger

	dispatcher *dispatcher.Dispatcher

	mu           sync.Mutex
	running      map[string]*RunningModule
	shuttingDown map[string]*RunningModule

	observerMu sync.RWMutex
	observers  map[string]*observerRegistration
}

// observerRegistration holds one observer's optional event-type filter,
// mirroring the teacher's ObservableApplication bookkeeping.
type observerRegistration struct {
	observer     modsup.Observer
	eventTypes   map[string]bool
	registeredAt time.Time
}

// New creates a Supervisor. reg may be nil if the caller needs a
// Supervisor to hand to registry.New as a RunningChecker before the
// Registry itself exists — see SetRegistry. AttachDispatcher must be
// called before RunModule/KillModule are used, since the Dispatcher
// itself depends on this Supervisor as its Registry — the two are
// constructed in two phases to break the cycle.
func New(reg *registry.Registry, inst *installer.Installer, layout *storage.Layout, core dispatcher.CoreState, spawner Spawner, logger modsup.Logger) *Supervisor {
	if logger == nil {
		logger = modsup.NewNoopLogger()
	}
	if spawner == nil {
		spawner = ExecSpawner{}
	}
	return &Supervisor{
		reg:          reg,
		installer:    inst,
		layout:       layout,
		core:         core,
		spawner:      spawner,
		logger:       logger,
		running:      make(map[string]*RunningModule),
		shuttingDown: make(map[string]*RunningModule),
		observers:    make(map[string]*observerRegistration),
	}
}

// AttachDispatcher wires the Dispatcher this Supervisor routes through.
// This is the point at which the Supervisor becomes fully operational,
// so it's also where the "supervisor started" lifecycle event fires.
func (s *Supervisor) AttachDispatcher(d *dispatcher.Dispatcher) {
	s.dispatcher = d
	s.emitLifecycle(modsup.EventTypeSupervisorStarted, "", nil)
}

// SetRegistry wires the Registry this Supervisor resolves module paths
// against, for callers that must construct the Supervisor before the
// Registry exists (registry.New itself takes this Supervisor as its
// RunningChecker).
func (s *Supervisor) SetRegistry(reg *registry.Registry) {
	s.reg = reg
}

// --- modsup.Subject ---
//
// This is a side channel distinct from the module bus's own event/rpc
// wire format (dispatcher.Message): observers registered here watch the
// supervisor from outside the module graph entirely — e.g.
// cmd/modkitctl's lifecycle log observer or an external metrics sink —
// never a child module process itself.

// RegisterObserver implements modsup.Subject.
func (s *Supervisor) RegisterObserver(observer modsup.Observer, eventTypes ...string) error {
	s.observerMu.Lock()
	defer s.observerMu.Unlock()

	eventTypeMap := make(map[string]bool, len(eventTypes))
	for _, et := range eventTypes {
		eventTypeMap[et] = true
	}
	s.observers[observer.ObserverID()] = &observerRegistration{
		observer:     observer,
		eventTypes:   eventTypeMap,
		registeredAt: time.Now(),
	}
	return nil
}

// UnregisterObserver implements modsup.Subject. Idempotent.
func (s *Supervisor) UnregisterObserver(observer modsup.Observer) error {
	s.observerMu.Lock()
	defer s.observerMu.Unlock()
	delete(s.observers, observer.ObserverID())
	return nil
}

// NotifyObservers implements modsup.Subject, delivering event to every
// registered observer whose filter admits its type, each in its own
// goroutine so one slow or panicking observer can't block the others
// or the caller.
func (s *Supervisor) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	if err := modsup.ValidateCloudEvent(event); err != nil {
		return err
	}

	s.observerMu.RLock()
	defer s.observerMu.RUnlock()

	for _, reg := range s.observers {
		reg := reg
		if len(reg.eventTypes) > 0 && !reg.eventTypes[event.Type()] {
			continue
		}
		go func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Warn("supervisor: observer panicked", "observerID", reg.observer.ObserverID(), "eventType", event.Type(), "panic", r)
				}
			}()
			if err := reg.observer.OnEvent(ctx, event); err != nil {
				s.logger.Warn("supervisor: observer returned error", "observerID", reg.observer.ObserverID(), "eventType", event.Type(), "error", err)
			}
		}()
	}
	return nil
}

// GetObservers implements modsup.Subject.
func (s *Supervisor) GetObservers() []modsup.ObserverInfo {
	s.observerMu.RLock()
	defer s.observerMu.RUnlock()

	out := make([]modsup.ObserverInfo, 0, len(s.observers))
	for id, reg := range s.observers {
		types := make([]string, 0, len(reg.eventTypes))
		for et := range reg.eventTypes {
			types = append(types, et)
		}
		out = append(out, modsup.ObserverInfo{ID: id, EventTypes: types, RegisteredAt: reg.registeredAt})
	}
	return out
}

// emitLifecycle builds and broadcasts a lifecycle CloudEvent. Emission
// runs in its own goroutine so a slow NotifyObservers call never stalls
// the run/kill/restart path that triggered it.
func (s *Supervisor) emitLifecycle(eventType, moduleName string, data interface{}) {
	event := modsup.NewCloudEvent(eventType, "modsup-supervisor", data, nil)
	go func() {
		if err := s.NotifyObservers(context.Background(), event); err != nil {
			modsup.HandleEventEmissionError(err, s.logger, moduleName, eventType)
		}
	}()
}

// RunModule implements spec §4.7's run_module(path).
func (s *Supervisor) RunModule(ctx context.Context, path string) error {
	rec, err := s.reg.GetByPath(ctx, path)
	if err != nil {
		return err
	}

	id, err := identifier.Parse(rec.Path)
	if err != nil {
		return fmt.Errorf("supervisor: parse stored path %q: %w", rec.Path, err)
	}

	if err := s.installer.Install(ctx, id); err != nil {
		return fmt.Errorf("supervisor: install %s: %w", rec.Name, err)
	}
	s.emitLifecycle(modsup.EventTypeModuleInstalled, rec.Name, moduleEventData{Module: rec.Name, Path: rec.Path})

	dir, err := s.layout.InstallDir(id)
	if err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}

	if err := s.spawnModule(ctx, rec.Name, rec.Path, dir); err != nil {
		return err
	}
	s.emitLifecycle(modsup.EventTypeModuleStarted, rec.Name, moduleEventData{Module: rec.Name, Path: rec.Path})
	return nil
}

// moduleEventData is the JSON payload carried by module lifecycle
// CloudEvents.
type moduleEventData struct {
	Module string `json:"module"`
	Path   string `json:"path,omitempty"`
	Error  string `json:"error,omitempty"`
}

// spawnModule allocates (or reuses, on restart) the RunningModule for
// name and starts its child process.
func (s *Supervisor) spawnModule(ctx context.Context, name, path, dir string) error {
	proc, err := s.spawner.Spawn(ctx, dir)
	if err != nil {
		return fmt.Errorf("supervisor: spawn %s: %w", name, err)
	}

	s.mu.Lock()
	rm, exists := s.running[name]
	if !exists {
		rm = newRunningModule(name, path, proc)
		rm.dir = dir
		s.running[name] = rm
	} else {
		rm.setProcess(proc)
	}
	s.mu.Unlock()

	rm.setState(stateStarting)
	rm.setExitHandler(s.runningExitHandler(ctx, rm))

	go drainStderr(proc.Stderr(), s.logger.Debug, name)
	go s.readLoop(proc.Stdout(), name)
	go func() {
		waitErr := proc.Wait()
		rm.invokeExit(waitErr)
	}()

	return nil
}

// runningExitHandler implements the restart-policy exit handler attached
// while a module is in the running state, per spec §4.7.
func (s *Supervisor) runningExitHandler(ctx context.Context, rm *RunningModule) func(error) {
	return func(exitErr error) {
		crashData := moduleEventData{Module: rm.name, Path: rm.path}
		if exitErr != nil {
			crashData.Error = exitErr.Error()
		}
		s.emitLifecycle(modsup.EventTypeModuleCrashed, rm.name, crashData)

		rm.mu.Lock()
		count := rm.restartCount
		rm.mu.Unlock()

		if count < maxRestarts {
			rm.mu.Lock()
			rm.restartCount++
			rm.mu.Unlock()

			if err := s.spawnModule(ctx, rm.name, rm.path, rm.dir); err != nil {
				s.logger.Warn("supervisor: restart failed", "module", rm.name, "error", err)
				return
			}
			s.emitLifecycle(modsup.EventTypeModuleRestarted, rm.name, moduleEventData{Module: rm.name, Path: rm.path})
			return
		}

		s.mu.Lock()
		delete(s.running, rm.name)
		s.mu.Unlock()
		s.emitLifecycle(modsup.EventTypeModuleDied, rm.name, moduleEventData{Module: rm.name, Path: rm.path})
	}
}

// readLoop decodes newline-JSON messages from a child's stdout, applies
// identity rewriting, intercepts the ready handshake, and routes
// everything else through the dispatcher.
func (s *Supervisor) readLoop(r io.Reader, name string) {
	dec := json.NewDecoder(r)
	for {
		var msg dispatcher.Message
		if err := dec.Decode(&msg); err != nil {
			return
		}

		msg.Hdr.Src = name // a child cannot spoof another sender

		if msg.Hdr.Typ == dispatcher.TypeEvent && msg.Typ == "internal:ready" {
			s.mu.Lock()
			rm, ok := s.running[name]
			s.mu.Unlock()
			if ok {
				rm.setState(stateRunning)
			}
			s.fireInit(name)
			continue
		}

		s.dispatcher.Dispatch(msg)
	}
}

func (s *Supervisor) fireInit(name string) {
	s.dispatcher.Dispatch(dispatcher.Message{
		Hdr: dispatcher.Header{Typ: dispatcher.TypeRPCCall, Src: "core", Mid: s.core.NextMessageID()},
		Dst: name,
		Prc: "init",
	})
}

// KillModule implements spec §4.7's kill_module(path).
func (s *Supervisor) KillModule(ctx context.Context, path string) error {
	rec, err := s.reg.GetByPath(ctx, path)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	var once sync.Once
	complete := func() { once.Do(func() { close(done) }) }

	// The move from running to shuttingDown and the swap of the exit
	// handler must happen as one atomic step under s.mu: otherwise a
	// process exit racing Wait() could fire the still-installed
	// runningExitHandler (restart-on-crash) between the two, re-adding
	// the module to running right after this call removed it.
	s.mu.Lock()
	rm, ok := s.running[rec.Name]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.running, rec.Name)
	s.shuttingDown[rec.Name] = rm
	rm.setExitHandler(func(error) {
		s.mu.Lock()
		delete(s.shuttingDown, rec.Name)
		s.mu.Unlock()
		s.emitLifecycle(modsup.EventTypeModuleKilled, rec.Name, moduleEventData{Module: rec.Name, Path: rec.Path})
		complete()
	})
	s.mu.Unlock()

	rm.setState(stateShuttingDown)

	s.dispatcher.Dispatch(dispatcher.Message{
		Hdr: dispatcher.Header{Typ: dispatcher.TypeRPCCall, Src: "core", Mid: s.core.NextMessageID()},
		Dst: rec.Name,
		Prc: "kill",
	})

	timer := time.AfterFunc(gracefulKillTimeout, func() {
		s.mu.Lock()
		_, stillShuttingDown := s.shuttingDown[rec.Name]
		s.mu.Unlock()
		if stillShuttingDown {
			if err := rm.kill(); err != nil {
				s.logger.Warn("supervisor: force-kill failed", "module", rec.Name, "error", err)
			}
		}
	})
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill implements spec §4.7's supervisor shutdown: kill_module for every
// currently running module in parallel, completing when all acknowledge.
// Modules already in shuttingDown when Kill is called are left to their
// own force-kill timers (spec §9, Open Question decision).
func (s *Supervisor) Kill(ctx context.Context) error {
	s.mu.Lock()
	paths := make([]string, 0, len(s.running))
	for _, rm := range s.running {
		paths = append(paths, rm.path)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(paths))
	for i, p := range paths {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			errs[i] = s.KillModule(ctx, p)
		}(i, p)
	}
	wg.Wait()
	s.emitLifecycle(modsup.EventTypeSupervisorStopped, "", nil)

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// --- dispatcher.Registry ---

func (s *Supervisor) RunningModules() []dispatcher.ModuleHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dispatcher.ModuleHandle, 0, len(s.running))
	for _, rm := range s.running {
		out = append(out, rm)
	}
	return out
}

func (s *Supervisor) ModuleByName(name string) (dispatcher.ModuleHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.running[name]
	if !ok {
		return nil, false
	}
	return rm, true
}

func (s *Supervisor) IsRunning(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[name]
	return ok
}

func (s *Supervisor) AddRegistration(owner string, reg dispatcher.Registration) {
	s.mu.Lock()
	rm, ok := s.running[owner]
	s.mu.Unlock()
	if ok {
		rm.addRegistration(reg)
	}
}

func (s *Supervisor) RemoveRegistrationsByID(owner string, rid uint64) {
	s.mu.Lock()
	rm, ok := s.running[owner]
	s.mu.Unlock()
	if ok {
		rm.removeRegistrationsByID(rid)
	}
}

func (s *Supervisor) RegistrationsFor(owner string) []dispatcher.Registration {
	s.mu.Lock()
	rm, ok := s.running[owner]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return rm.snapshotRegistrations()
}
