// Package tests runs the end-to-end scenarios from spec.md §8 against the
// real registry/installer/supervisor/dispatcher/core stack. The child
// process (supervisor.Spawner/Process), the manifest source, the tarball
// source and the registry's running check are faked.
package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modsup"
	"github.com/GoCodeAlone/modsup/core"
	"github.com/GoCodeAlone/modsup/dispatcher"
	"github.com/GoCodeAlone/modsup/identifier"
	"github.com/GoCodeAlone/modsup/installer"
	"github.com/GoCodeAlone/modsup/registry"
	"github.com/GoCodeAlone/modsup/resolver"
	"github.com/GoCodeAlone/modsup/storage"
	"github.com/GoCodeAlone/modsup/supervisor"
)

// --- fakes (same shape as supervisor_test.go's, kept package-local since
// these are unexported test doubles) ---

type fakePipe struct {
	mu     sync.Mutex
	buf    []byte
	closed bool
	cond   *sync.Cond
}

func newFakePipe() *fakePipe {
	p := &fakePipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *fakePipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = append(p.buf, b...)
	p.cond.Broadcast()
	return len(b), nil
}

func (p *fakePipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.buf) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.buf) == 0 && p.closed {
		return 0, io.EOF
	}
	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

func (p *fakePipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

type fakeProcess struct {
	stdin  *fakePipe
	stdout *fakePipe
	stderr *fakePipe

	waitCh chan error
	killed chan struct{}
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		stdin:  newFakePipe(),
		stdout: newFakePipe(),
		stderr: newFakePipe(),
		waitCh: make(chan error, 1),
		killed: make(chan struct{}, 1),
	}
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdout }
func (p *fakeProcess) Stderr() io.Reader     { return p.stderr }
func (p *fakeProcess) Wait() error           { return <-p.waitCh }

func (p *fakeProcess) Kill() error {
	select {
	case p.killed <- struct{}{}:
	default:
	}
	select {
	case p.waitCh <- errors.New("killed"):
	default:
	}
	return nil
}

// exitNow simulates the child exiting on its own (crash or clean exit).
func (p *fakeProcess) exitNow(err error) {
	select {
	case p.waitCh <- err:
	default:
	}
}

// sendReady writes an internal:ready event on stdout, as a module does
// immediately after spawn.
func (p *fakeProcess) sendReady() {
	p.sendMessage(dispatcher.Message{
		Hdr: dispatcher.Header{Typ: dispatcher.TypeEvent, Src: "self", Mid: 1},
		Typ: "internal:ready",
	})
}

// sendMessage writes msg to stdout as the child would, for the
// supervisor's readLoop to pick up and route.
func (p *fakeProcess) sendMessage(msg dispatcher.Message) {
	b, _ := json.Marshal(msg)
	p.stdout.Write(append(b, '\n'))
}

// recvMessage decodes one newline-JSON message the supervisor wrote to
// this child's stdin, blocking until one arrives or timeout elapses.
func (p *fakeProcess) recvMessage(timeout time.Duration) (dispatcher.Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		p.stdin.mu.Lock()
		if i := bytes.IndexByte(p.stdin.buf, '\n'); i >= 0 {
			line := p.stdin.buf[:i]
			p.stdin.buf = p.stdin.buf[i+1:]
			p.stdin.mu.Unlock()
			var msg dispatcher.Message
			err := json.Unmarshal(line, &msg)
			return msg, err
		}
		p.stdin.mu.Unlock()
		if time.Now().After(deadline) {
			return dispatcher.Message{}, fmt.Errorf("timed out waiting for a message")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fakeSpawner struct {
	mu        sync.Mutex
	processes map[string][]*fakeProcess
	total     int
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{processes: make(map[string][]*fakeProcess)}
}

func (s *fakeSpawner) Spawn(ctx context.Context, dir string) (supervisor.Process, error) {
	p := newFakeProcess()
	s.mu.Lock()
	s.processes[dir] = append(s.processes[dir], p)
	s.total++
	s.mu.Unlock()
	return p, nil
}

func (s *fakeSpawner) lastFor(dir string) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	procs := s.processes[dir]
	if len(procs) == 0 {
		return nil
	}
	return procs[len(procs)-1]
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

type fakeTarballs struct{}

func (fakeTarballs) OpenTarball(ctx context.Context, owner, name, tag string) (io.ReadCloser, error) {
	return nil, errors.New("not a remote module in these scenarios")
}

// fakeManifests serves a manifest body keyed by the module's local
// directory, so several distinct local modules can coexist in one
// scenario (unlike the single fixed-name fake the unit tests use).
type fakeManifests struct {
	mu    sync.Mutex
	byDir map[string]string
}

func newFakeManifests() *fakeManifests {
	return &fakeManifests{byDir: make(map[string]string)}
}

func (f *fakeManifests) set(dir, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byDir[dir] = name
}

func (f *fakeManifests) FetchManifest(ctx context.Context, id identifier.Identifier) ([]byte, error) {
	f.mu.Lock()
	name := f.byDir[id.Path]
	f.mu.Unlock()
	if name == "" {
		name = "alpha"
	}
	return []byte(`{"name":"` + name + `","version":"1.2.3"}`), nil
}

type alwaysNotRunning struct{}

func (alwaysNotRunning) IsRunning(name string) bool { return false }

// --- scenario context ---

type bddContext struct {
	t *testing.T

	layout    *storage.Layout
	inst      *installer.Installer
	reg       *registry.Registry
	manifests *fakeManifests
	coreState *core.State
	ep        *core.Endpoint
	spawner   *fakeSpawner
	sup       *supervisor.Supervisor
	dispatch  *dispatcher.Dispatcher

	moduleDir string
	otherDir  string

	lastErr    error
	lastRecord registry.ModuleRecord
	killDone   chan error

	procs map[string]*fakeProcess // module name -> its fakeProcess
	paths map[string]string       // module name -> canonical registry path
}

func newBDDContext(t *testing.T) *bddContext {
	t.Helper()
	bc := &bddContext{
		t:     t,
		procs: make(map[string]*fakeProcess),
		paths: make(map[string]string),
	}

	dataDir := t.TempDir()
	bc.layout = storage.NewLayout(dataDir)
	bc.inst = installer.New(bc.layout, fakeTarballs{}, nil)

	store := registry.NewMemoryStore()
	res, err := resolver.New(nil, 64, time.Hour)
	require.NoError(t, err)
	bc.manifests = newFakeManifests()
	bc.reg = registry.New(store, res, bc.manifests, alwaysNotRunning{})

	bc.coreState = core.NewState()
	bc.spawner = newFakeSpawner()
	logger := modsup.NewNoopLogger()

	bc.sup = supervisor.New(bc.reg, bc.inst, bc.layout, bc.coreState, bc.spawner, logger)
	bc.dispatch = dispatcher.New(bc.sup, bc.coreState, logger)
	bc.sup.AttachDispatcher(bc.dispatch)
	bc.ep = core.NewEndpoint(bc.coreState, bc.dispatch)

	t.Cleanup(bc.dispatch.Stop)
	return bc
}

func waitUntil(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// addModule registers a local module directory under name and records
// its canonical registry path for later RunModule/KillModule calls.
func (bc *bddContext) addModule(name, dir string) (registry.ModuleRecord, error) {
	bc.manifests.set(dir, name)
	rec, err := bc.reg.Add(context.Background(), "local:"+dir)
	if err == nil {
		bc.paths[rec.Name] = rec.Path
	}
	return rec, err
}

// runModule adds (if a path isn't already on record for name) and runs
// a module, recording its fakeProcess for later interaction.
func (bc *bddContext) runModule(name, dir string) (*fakeProcess, error) {
	path, ok := bc.paths[name]
	if !ok {
		rec, err := bc.addModule(name, dir)
		if err != nil {
			return nil, err
		}
		path = rec.Path
	}
	ctx := context.Background()
	before := bc.spawner.count()
	if err := bc.sup.RunModule(ctx, path); err != nil {
		return nil, err
	}
	if !waitUntil(time.Second, func() bool { return bc.spawner.count() > before }) {
		return nil, errors.New("no process was spawned")
	}
	proc := bc.spawner.lastFor(dir)
	bc.procs[name] = proc
	proc.sendReady()
	if !waitUntil(time.Second, func() bool {
		_, ok := bc.sup.ModuleByName(name)
		return ok
	}) {
		return nil, fmt.Errorf("module %s never reached the running set", name)
	}
	return proc, nil
}

// --- step implementations ---

func (bc *bddContext) aLocalModuleWithManifest(name string) error {
	bc.moduleDir = bc.t.TempDir()
	bc.manifests.set(bc.moduleDir, name)
	return nil
}

func (bc *bddContext) anotherLocalModuleWithManifest(name string) error {
	bc.otherDir = bc.t.TempDir()
	bc.manifests.set(bc.otherDir, name)
	return nil
}

func (bc *bddContext) iAddTheModule() error {
	rec, err := bc.reg.Add(context.Background(), "local:"+bc.moduleDir)
	bc.lastErr = err
	bc.lastRecord = rec
	if err == nil {
		bc.paths[rec.Name] = rec.Path
	}
	return nil
}

func (bc *bddContext) iAddTheModuleAgain() error {
	_, err := bc.reg.Add(context.Background(), "local:"+bc.moduleDir)
	bc.lastErr = err
	return nil
}

func (bc *bddContext) iAddTheOtherModule() error {
	_, err := bc.reg.Add(context.Background(), "local:"+bc.otherDir)
	bc.lastErr = err
	return nil
}

func (bc *bddContext) theAddShouldSucceed() error {
	if bc.lastErr != nil {
		return fmt.Errorf("expected add to succeed, got: %w", bc.lastErr)
	}
	return nil
}

func (bc *bddContext) theAddShouldFailWithModuleConflict() error {
	if !errors.Is(bc.lastErr, registry.ErrModuleConflict) {
		return fmt.Errorf("expected module_conflict, got: %v", bc.lastErr)
	}
	return nil
}

func (bc *bddContext) theRecordNameShouldBe(name string) error {
	if bc.lastRecord.Name != name {
		return fmt.Errorf("expected name %q, got %q", name, bc.lastRecord.Name)
	}
	return nil
}

func (bc *bddContext) theRecordVersionShouldBe(version string) error {
	if bc.lastRecord.Version != version {
		return fmt.Errorf("expected version %q, got %q", version, bc.lastRecord.Version)
	}
	return nil
}

func (bc *bddContext) iRunTheModule() error {
	name := bc.lastRecord.Name
	if name == "" {
		name = "alpha"
	}
	_, err := bc.runModule(name, bc.moduleDir)
	bc.lastErr = err
	return err
}

func (bc *bddContext) exactlyOneChildProcessShouldBeSpawned() error {
	if bc.spawner.count() != 1 {
		return fmt.Errorf("expected 1 spawned process, got %d", bc.spawner.count())
	}
	return nil
}

func (bc *bddContext) anInitRPCCallShouldBeObservedOnTheChildsInbox() error {
	name := bc.lastRecord.Name
	if name == "" {
		name = "alpha"
	}
	proc := bc.procs[name]
	if proc == nil {
		return errors.New("no process recorded for the module")
	}
	msg, err := proc.recvMessage(time.Second)
	if err != nil {
		return err
	}
	if msg.Hdr.Typ != dispatcher.TypeRPCCall || msg.Hdr.Src != "core" || msg.Prc != "init" {
		return fmt.Errorf("expected core rpc_call{prc:init}, got %+v", msg)
	}
	return nil
}

func (bc *bddContext) moduleAAndModuleBAreRunning() error {
	aDir := bc.t.TempDir()
	bDir := bc.t.TempDir()
	if _, err := bc.runModule("A", aDir); err != nil {
		return err
	}
	if _, err := bc.runModule("B", bDir); err != nil {
		return err
	}
	return nil
}

func (bc *bddContext) aRegistersWithPatterns(srcPattern, typPattern string) error {
	proc := bc.procs["A"]
	proc.sendMessage(dispatcher.Message{
		Hdr:        dispatcher.Header{Typ: dispatcher.TypeRegister, Src: "A", Mid: 1},
		SrcPattern: srcPattern,
		TypPattern: typPattern,
	})
	// give the supervisor's readLoop+dispatcher a moment to apply the
	// registration before B's emit below races it.
	time.Sleep(50 * time.Millisecond)
	return nil
}

func (bc *bddContext) bEmitsEvent(eventType string) error {
	proc := bc.procs["B"]
	proc.sendMessage(dispatcher.Message{
		Hdr: dispatcher.Header{Typ: dispatcher.TypeEvent, Src: "B", Mid: 2},
		Typ: eventType,
		Evt: map[string]interface{}{"x": 1},
	})
	return nil
}

func (bc *bddContext) asChildShouldReceiveItExactlyOnce() error {
	proc := bc.procs["A"]
	// the init rpc_call from A's ready handshake precedes the event on the
	// same inbox; skip it.
	msg, err := proc.recvMessage(time.Second)
	if err != nil {
		return err
	}
	if msg.Hdr.Typ == dispatcher.TypeRPCCall && msg.Prc == "init" {
		msg, err = proc.recvMessage(time.Second)
		if err != nil {
			return err
		}
	}
	if msg.Hdr.Typ != dispatcher.TypeEvent || msg.Hdr.Src != "B" {
		return fmt.Errorf("expected event from B, got %+v", msg)
	}
	if extra, err := proc.recvMessage(100 * time.Millisecond); err == nil {
		return fmt.Errorf("expected exactly one delivery, also got %+v", extra)
	}
	return nil
}

// bsChildShouldReceiveNoEvent checks that B's inbox holds nothing but the
// init rpc_call from B's own ready handshake.
func (bc *bddContext) bsChildShouldReceiveNoEvent() error {
	proc := bc.procs["B"]
	proc.stdin.mu.Lock()
	defer proc.stdin.mu.Unlock()
	for _, line := range bytes.Split(bytes.TrimSpace(proc.stdin.buf), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var msg dispatcher.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return err
		}
		if msg.Hdr.Typ != dispatcher.TypeRPCCall || msg.Prc != "init" {
			return fmt.Errorf("expected nothing but the init rpc_call on B's inbox, got %s", line)
		}
	}
	return nil
}

func (bc *bddContext) theHostExposesPingAddingOneToN() error {
	bc.ep.Expose("ping", func(_ context.Context, arg interface{}) (interface{}, error) {
		m, ok := arg.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("bad arg")
		}
		n, _ := m["n"].(float64)
		return map[string]interface{}{"pong": n + 1}, nil
	})
	return nil
}

func (bc *bddContext) aModuleIssuesRPCCallToCoreProcWithArgNAndMid(arg, mid int) error {
	dir := bc.t.TempDir()
	proc, err := bc.runModule("caller", dir)
	if err != nil {
		return err
	}
	proc.sendMessage(dispatcher.Message{
		Hdr: dispatcher.Header{Typ: dispatcher.TypeRPCCall, Src: "caller", Mid: uint64(mid)},
		Dst: "core",
		Prc: "ping",
		Arg: map[string]interface{}{"n": float64(arg)},
	})
	return nil
}

func (bc *bddContext) theModuleReceivesRPCReplyWithOidAndResPong(oid, pong int) error {
	proc := bc.procs["caller"]
	// the init rpc_call precedes the reply on the same inbox; skip it.
	first, err := proc.recvMessage(time.Second)
	if err != nil {
		return err
	}
	msg := first
	if msg.Hdr.Typ != dispatcher.TypeRPCReply {
		msg, err = proc.recvMessage(time.Second)
		if err != nil {
			return err
		}
	}
	if msg.Hdr.Typ != dispatcher.TypeRPCReply || msg.Oid != uint64(oid) {
		return fmt.Errorf("expected rpc_reply oid=%d, got %+v", oid, msg)
	}
	res, ok := msg.Res.(map[string]interface{})
	if !ok {
		return fmt.Errorf("expected object result, got %T", msg.Res)
	}
	if res["pong"] != float64(pong) {
		return fmt.Errorf("expected pong=%d, got %v", pong, res["pong"])
	}
	return nil
}

func (bc *bddContext) aChildThatExitsImmediatelyAfterSpawn() error {
	bc.moduleDir = bc.t.TempDir()
	_, err := bc.runModule("flaky", bc.moduleDir)
	return err
}

func (bc *bddContext) itExitsImmediatelyThreeMoreTimes() error {
	for i := 0; i < 3; i++ {
		before := bc.spawner.count()
		bc.spawner.lastFor(bc.moduleDir).exitNow(errors.New("boom"))
		if !waitUntil(time.Second, func() bool { return bc.spawner.count() == before+1 }) {
			return fmt.Errorf("restart %d never respawned", i+1)
		}
	}
	return nil
}

func (bc *bddContext) onTheFourthExitTheRunningModuleDisappears() error {
	before := bc.spawner.count()
	bc.spawner.lastFor(bc.moduleDir).exitNow(errors.New("boom again"))
	if !waitUntil(time.Second, func() bool {
		_, ok := bc.sup.ModuleByName("flaky")
		return !ok
	}) {
		return errors.New("module still present in the running set")
	}
	time.Sleep(50 * time.Millisecond)
	if bc.spawner.count() != before {
		return fmt.Errorf("expected no further spawn, got %d new spawns", bc.spawner.count()-before)
	}
	return nil
}

func (bc *bddContext) aModuleWhoseKillHandlerNeverAcknowledges() error {
	bc.moduleDir = bc.t.TempDir()
	_, err := bc.runModule("stubborn", bc.moduleDir)
	return err
}

func (bc *bddContext) iKillTheModule() error {
	path := bc.paths["stubborn"]
	bc.killDone = make(chan error, 1)
	go func() { bc.killDone <- bc.sup.KillModule(context.Background(), path) }()
	return nil
}

func (bc *bddContext) theModuleIsForceTerminatedAndKillModuleCompletesWithoutError() error {
	proc := bc.procs["stubborn"]
	select {
	case <-proc.killed:
	case <-time.After(6 * time.Second):
		return errors.New("process was never force-killed")
	}
	if !waitUntil(2*time.Second, func() bool {
		_, stillRunning := bc.sup.ModuleByName("stubborn")
		return !stillRunning
	}) {
		return errors.New("module still present in the running set after force-kill")
	}
	select {
	case err := <-bc.killDone:
		if err != nil {
			return fmt.Errorf("kill_module returned an error: %w", err)
		}
	case <-time.After(2 * time.Second):
		return errors.New("kill_module did not complete after force-kill")
	}
	return nil
}

// TestModsupBDD runs the end-to-end scenarios from spec.md §8.
func TestModsupBDD(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: func(sc *godog.ScenarioContext) {
			var bc *bddContext

			sc.Before(func(ctx context.Context, s *godog.Scenario) (context.Context, error) {
				bc = newBDDContext(t)
				return ctx, nil
			})

			sc.Given(`^a local module at "([^"]*)" with manifest name "([^"]*)" and version "([^"]*)"$`, func(_, name, _ string) error {
				return bc.aLocalModuleWithManifest(name)
			})
			sc.Given(`^another local module with manifest name "([^"]*)"$`, func(name string) error {
				return bc.anotherLocalModuleWithManifest(name)
			})
			sc.When(`^I add the module$`, func() error { return bc.iAddTheModule() })
			sc.When(`^I add the module again$`, func() error { return bc.iAddTheModuleAgain() })
			sc.When(`^I add the other module$`, func() error { return bc.iAddTheOtherModule() })
			sc.Then(`^the add should succeed$`, func() error { return bc.theAddShouldSucceed() })
			sc.Then(`^the add should fail with module_conflict$`, func() error { return bc.theAddShouldFailWithModuleConflict() })
			sc.Then(`^the record name should be "([^"]*)"$`, func(name string) error { return bc.theRecordNameShouldBe(name) })
			sc.Then(`^the record version should be "([^"]*)"$`, func(v string) error { return bc.theRecordVersionShouldBe(v) })

			sc.When(`^I run the module$`, func() error { return bc.iRunTheModule() })
			sc.Then(`^exactly one child process should be spawned$`, func() error { return bc.exactlyOneChildProcessShouldBeSpawned() })
			sc.Then(`^an init rpc_call should be observed on the child's inbox$`, func() error { return bc.anInitRPCCallShouldBeObservedOnTheChildsInbox() })

			sc.Given(`^module A and module B are running$`, func() error { return bc.moduleAAndModuleBAreRunning() })
			sc.When(`^A registers with src_pattern "([^"]*)" and typ_pattern "([^"]*)"$`, func(s, ty string) error { return bc.aRegistersWithPatterns(s, ty) })
			sc.When(`^B emits an event of type "([^"]*)"$`, func(ty string) error { return bc.bEmitsEvent(ty) })
			sc.Then(`^A's child should receive it exactly once$`, func() error { return bc.asChildShouldReceiveItExactlyOnce() })
			sc.Then(`^B's child should receive no event$`, func() error { return bc.bsChildShouldReceiveNoEvent() })

			sc.Given(`^the host exposes "ping" adding one to n$`, func() error { return bc.theHostExposesPingAddingOneToN() })
			sc.When(`^a module issues an rpc_call to core proc "ping" with arg n=(\d+) and mid=(\d+)$`, func(n, mid int) error {
				return bc.aModuleIssuesRPCCallToCoreProcWithArgNAndMid(n, mid)
			})
			sc.Then(`^the module receives an rpc_reply with oid=(\d+) and res pong=(\d+)$`, func(oid, pong int) error {
				return bc.theModuleReceivesRPCReplyWithOidAndResPong(oid, pong)
			})

			sc.Given(`^a child that exits immediately after spawn$`, func() error { return bc.aChildThatExitsImmediatelyAfterSpawn() })
			sc.When(`^it exits immediately three more times$`, func() error { return bc.itExitsImmediatelyThreeMoreTimes() })
			sc.Then(`^on the fourth exit the running module disappears$`, func() error { return bc.onTheFourthExitTheRunningModuleDisappears() })

			sc.Given(`^a module whose kill handler never acknowledges$`, func() error { return bc.aModuleWhoseKillHandlerNeverAcknowledges() })
			sc.When(`^I kill the module$`, func() error { return bc.iKillTheModule() })
			sc.Then(`^the module is force-terminated and kill_module completes without error$`, func() error {
				return bc.theModuleIsForceTerminatedAndKillModuleCompletesWithoutError()
			})
		},
		Options: &godog.Options{
			Format: "pretty",
			Paths:  []string{"features"},
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
