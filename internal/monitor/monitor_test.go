package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/whispr-dev/proc-wolf/internal/collect"
	"github.com/whispr-dev/proc-wolf/internal/escalate"
	"github.com/whispr-dev/proc-wolf/internal/evaluate"
	"github.com/whispr-dev/proc-wolf/internal/history"
	"github.com/whispr-dev/proc-wolf/internal/metrics"
	"github.com/whispr-dev/proc-wolf/internal/respond"
	"github.com/whispr-dev/proc-wolf/internal/rules"
	"github.com/whispr-dev/proc-wolf/pkg/models"
)

type fakeProc struct {
	pid      int32
	name     string
	path     string
	hash     string
	signer   string
	behavior []string
}

type fakeCollector struct {
	mu       sync.Mutex
	procs    []fakeProc
	observed map[int32]int
}

func (f *fakeCollector) set(procs []fakeProc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs = append([]fakeProc(nil), procs...)
}

func (f *fakeCollector) Snapshot(ctx context.Context) ([]collect.ProcessHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	handles := make([]collect.ProcessHandle, 0, len(f.procs))
	for _, p := range f.procs {
		handles = append(handles, collect.ProcessHandle{PID: p.pid, Name: p.name, Path: p.path})
	}
	return handles, nil
}

func (f *fakeCollector) Observe(ctx context.Context, h collect.ProcessHandle) *models.Observation {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.observed == nil {
		f.observed = make(map[int32]int)
	}
	f.observed[h.PID]++
	for _, p := range f.procs {
		if p.pid != h.PID {
			continue
		}
		obs := &models.Observation{
			PID:        p.pid,
			Name:       p.name,
			Path:       models.PresentSignal(p.path),
			CmdLine:    models.PresentSignal(p.path),
			Hash:       models.PresentSignal(p.hash),
			Signer:     models.PresentSignal(p.signer),
			Elevated:   models.KnownFlag(false),
			Hidden:     models.KnownFlag(false),
			ObservedAt: time.Now(),
		}
		if !obs.Hash.Present {
			obs.Hash = models.AbsentSignal("not hashed in this test")
		}
		if !obs.Signer.Present {
			obs.Signer = models.AbsentSignal("unsigned executable")
		}
		for _, flag := range p.behavior {
			obs.AddBehavior(flag)
		}
		return obs
	}
	return nil
}

type fakeTerminator struct {
	mu        sync.Mutex
	alive     map[int32]bool
	termCalls int
	killCalls int
}

func newFakeTerminator() *fakeTerminator {
	return &fakeTerminator{alive: make(map[int32]bool)}
}

func (f *fakeTerminator) spawn(pid int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[pid] = true
}

func (f *fakeTerminator) Terminate(ctx context.Context, pid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.termCalls++
	f.alive[pid] = false
	return nil
}

func (f *fakeTerminator) Kill(ctx context.Context, pid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killCalls++
	f.alive[pid] = false
	return nil
}

func (f *fakeTerminator) Running(ctx context.Context, pid int32) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid], nil
}

func (f *fakeTerminator) signals() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.termCalls + f.killCalls
}

type captureWriter struct {
	mu     sync.Mutex
	events []*models.ActionEvent
}

func (c *captureWriter) WriteEvents(events []*models.ActionEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, events...)
	return nil
}

func (c *captureWriter) Close() error { return nil }

func (c *captureWriter) take() []*models.ActionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.events
	c.events = nil
	return out
}

type harness struct {
	t         *testing.T
	collector *fakeCollector
	term      *fakeTerminator
	store     history.Store
	events    *captureWriter
	met       *metrics.Metrics
	ctrl      *escalate.Controller
	mon       *Monitor
	scratch   string
	vault     string
}

func newHarness(t *testing.T, dryRun bool, engine rules.Engine) *harness {
	return newHarnessWith(t, dryRun, engine, nil)
}

// newHarnessWith lets a test interpose on the history store, e.g. to
// simulate a backend outage.
func newHarnessWith(t *testing.T, dryRun bool, engine rules.Engine, wrap func(history.Store) history.Store) *harness {
	t.Helper()

	var store history.Store
	store, err := history.NewSQLiteStore(history.SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "history.db"),
	})
	if err != nil {
		t.Fatalf("failed to open history store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if wrap != nil {
		store = wrap(store)
	}

	ev, err := evaluate.NewEvaluator(evaluate.Config{})
	if err != nil {
		t.Fatalf("failed to build evaluator: %v", err)
	}

	// A nested "tmp" directory keeps fixture paths in a suspicious
	// location on every platform.
	scratch := filepath.Join(t.TempDir(), "tmp")
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		t.Fatalf("failed to create scratch dir: %v", err)
	}
	vault := filepath.Join(t.TempDir(), "vault")

	term := newFakeTerminator()
	exec := respond.NewExecutor(respond.Config{
		DryRun:        dryRun,
		KillWait:      200 * time.Millisecond,
		QuarantineDir: vault,
		Protected:     ev.IsCritical,
	}, term)

	h := &harness{
		t:         t,
		collector: &fakeCollector{},
		term:      term,
		store:     store,
		events:    &captureWriter{},
		met:       metrics.New(),
		ctrl:      escalate.NewController(3),
		scratch:   scratch,
		vault:     vault,
	}
	h.mon = New(Config{Interval: time.Hour, Workers: 1},
		h.collector, ev, engine, h.ctrl, store, exec, h.events, h.met)
	return h
}

// scratchPath returns a path for name that scores as a suspicious location.
func (h *harness) scratchPath(name string) string {
	return filepath.Join(h.scratch, name)
}

// ordinaryPath returns an unremarkable install path for name. The file does
// not exist; only tests that quarantine need a real file.
func ordinaryPath(name string) string {
	if runtime.GOOS == "windows" {
		return `C:\Tools\vendor\` + name
	}
	return "/opt/vendor/" + name
}

// criticalFixture returns a genuine protected system process for the
// platform the tests run on.
func criticalFixture() (name, path string) {
	switch runtime.GOOS {
	case "windows":
		return "lsass.exe", `C:\Windows\System32\lsass.exe`
	case "darwin":
		return "launchd", "/sbin/launchd"
	default:
		return "systemd", "/usr/lib/systemd/systemd"
	}
}

// touch creates a real file at the scratch path so quarantine has something
// to move.
func (h *harness) touch(name string) string {
	h.t.Helper()
	path := h.scratchPath(name)
	if err := os.WriteFile(path, []byte("fixture"), 0o755); err != nil {
		h.t.Fatalf("failed to create fixture file: %v", err)
	}
	return path
}

// cycle declares the live process set, runs one poll cycle, and returns the
// action events it produced.
func (h *harness) cycle(procs ...fakeProc) []*models.ActionEvent {
	h.t.Helper()
	h.collector.set(procs)
	for _, p := range procs {
		h.term.spawn(p.pid)
	}
	if err := h.mon.RunCycle(context.Background()); err != nil {
		h.t.Fatalf("cycle failed: %v", err)
	}
	return h.events.take()
}

func (h *harness) lookup(name, path string) *models.ProcessRecord {
	h.t.Helper()
	rec, err := h.store.Lookup(context.Background(), models.NamePathIdentity{Name: name, Path: path})
	if err != nil {
		h.t.Fatalf("history lookup failed: %v", err)
	}
	return rec
}

func singleEvent(t *testing.T, events []*models.ActionEvent) *models.ActionEvent {
	t.Helper()
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 action event, got %d", len(events))
	}
	return events[0]
}

func TestHighThreatEscalatesAcrossCycles(t *testing.T) {
	h := newHarness(t, false, nil)
	path := h.scratchPath("svch0st.exe")

	steps := []struct {
		pid         int32
		action      models.ActionLevel
		warnings    int
		timesKilled int
	}{
		{101, models.ActionWarn, 1, 0},
		{102, models.ActionSoftKill, 2, 1},
		{103, models.ActionForceKill, 3, 2},
		{104, models.ActionForceKill, 3, 3},
	}
	for i, step := range steps {
		event := singleEvent(t, h.cycle(fakeProc{pid: step.pid, name: "svch0st.exe", path: path}))
		if event.Action != step.action {
			t.Fatalf("cycle %d: expected action %s, got %s", i+1, step.action, event.Action)
		}
		if event.Warnings != step.warnings {
			t.Fatalf("cycle %d: expected %d warnings, got %d", i+1, step.warnings, event.Warnings)
		}
		if event.TimesKilled != step.timesKilled {
			t.Fatalf("cycle %d: expected times killed %d, got %d", i+1, step.timesKilled, event.TimesKilled)
		}
		if event.Outcome != models.OutcomeOK {
			t.Fatalf("cycle %d: expected outcome %q, got %q (%s)", i+1, models.OutcomeOK, event.Outcome, event.Detail)
		}
	}

	rec := h.lookup("svch0st.exe", path)
	if rec == nil {
		t.Fatal("expected a history record for the escalated process")
	}
	if rec.TimesKilled != 3 {
		t.Fatalf("expected 3 recorded kills, got %d", rec.TimesKilled)
	}
	events, err := h.store.Resurrections(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("failed to list resurrection events: %v", err)
	}
	want := []models.ActionLevel{models.ActionSoftKill, models.ActionForceKill, models.ActionForceKill}
	if len(events) != len(want) {
		t.Fatalf("expected %d resurrection events, got %d", len(want), len(events))
	}
	for i, ev := range events {
		if ev.Action != want[i] {
			t.Fatalf("resurrection event %d: expected %s, got %s", i, want[i], ev.Action)
		}
	}
}

func TestCriticalThreatKillsOnFirstSighting(t *testing.T) {
	h := newHarness(t, false, nil)
	proc := fakeProc{
		pid:      301,
		name:     "svch0st.exe",
		path:     h.scratchPath("svch0st.exe"),
		behavior: []string{"high-cpu"},
	}

	event := singleEvent(t, h.cycle(proc))
	if event.Level != models.LevelCritical {
		t.Fatalf("expected CRITICAL verdict, got %s", event.Level)
	}
	if event.Action != models.ActionSoftKill {
		t.Fatalf("expected first sighting to soft-kill, got %s", event.Action)
	}
	if event.TimesKilled != 1 {
		t.Fatalf("expected 1 recorded kill, got %d", event.TimesKilled)
	}
	if h.term.signals() != 1 {
		t.Fatalf("expected exactly 1 kill signal, got %d", h.term.signals())
	}
}

func TestEscalationReachesPreventResurrection(t *testing.T) {
	h := newHarness(t, false, nil)
	path := h.touch("miner-z.exe")
	proc := func(pid int32) fakeProc {
		return fakeProc{pid: pid, name: "miner-z.exe", path: path, hash: "feed0001", behavior: []string{"high-cpu"}}
	}

	first := singleEvent(t, h.cycle(proc(401)))
	if first.Action != models.ActionSoftKill {
		t.Fatalf("expected SOFT_KILL first, got %s", first.Action)
	}
	second := singleEvent(t, h.cycle(proc(402)))
	if second.Action != models.ActionForceKill {
		t.Fatalf("expected FORCE_KILL second, got %s", second.Action)
	}
	third := singleEvent(t, h.cycle(proc(403)))
	if third.Action != models.ActionPreventResurrection {
		t.Fatalf("expected PREVENT_RESURRECTION third, got %s", third.Action)
	}
	if third.Outcome == models.OutcomeFailed {
		t.Fatalf("expected prevent-resurrection to succeed, got %q (%s)", third.Outcome, third.Detail)
	}
	if third.TimesKilled != 3 {
		t.Fatalf("expected 3 recorded kills, got %d", third.TimesKilled)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected executable to be quarantined away, stat err = %v", err)
	}
	entries, err := os.ReadDir(h.vault)
	if err != nil {
		t.Fatalf("failed to read quarantine dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 quarantined file, got %d", len(entries))
	}

	rec, err := h.store.Lookup(context.Background(), models.HashIdentity{Hash: "feed0001"})
	if err != nil || rec == nil {
		t.Fatalf("expected history record by hash, got rec=%v err=%v", rec, err)
	}
	events, err := h.store.Resurrections(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("failed to list resurrection events: %v", err)
	}
	if len(events) != 3 || events[2].Action != models.ActionPreventResurrection {
		t.Fatalf("expected 3 resurrection events ending in PREVENT_RESURRECTION, got %d", len(events))
	}
}

func TestAbsenceResetsWarningsButKeepsKillHistory(t *testing.T) {
	h := newHarness(t, false, nil)
	path := h.scratchPath("svch0st.exe")
	bystander := fakeProc{pid: 1, name: "updaterd", path: ordinaryPath("updaterd")}

	first := singleEvent(t, h.cycle(fakeProc{pid: 501, name: "svch0st.exe", path: path}))
	if first.Action != models.ActionWarn {
		t.Fatalf("expected WARN first, got %s", first.Action)
	}
	second := singleEvent(t, h.cycle(fakeProc{pid: 502, name: "svch0st.exe", path: path}))
	if second.Action != models.ActionSoftKill {
		t.Fatalf("expected SOFT_KILL second, got %s", second.Action)
	}

	// The process stays dead for a full cycle; its warning state is
	// forgotten.
	h.cycle(bystander)
	if w := h.ctrl.Warnings("svch0st.exe"); w != 0 {
		t.Fatalf("expected warnings reset after absence, got %d", w)
	}

	// It comes back under a fresh pid: escalation restarts at WARN, but the
	// kill history rides along on the identity.
	back := singleEvent(t, h.cycle(fakeProc{pid: 503, name: "svch0st.exe", path: path}))
	if back.Action != models.ActionWarn {
		t.Fatalf("expected escalation to restart at WARN, got %s", back.Action)
	}
	if back.Warnings != 1 {
		t.Fatalf("expected warning count 1 after reset, got %d", back.Warnings)
	}
	if back.TimesKilled != 1 {
		t.Fatalf("expected kill history to survive absence, got %d", back.TimesKilled)
	}
	if got := testutil.ToFloat64(h.met.Resurrections); got != 1 {
		t.Fatalf("expected 1 detected resurrection, got %v", got)
	}
}

func TestTrustedAndAllowListedProcessesLeftAlone(t *testing.T) {
	h := newHarness(t, false, nil)
	criticalName, criticalPath := criticalFixture()
	signedPath := ordinaryPath("vendor-agent")

	events := h.cycle(
		fakeProc{pid: 601, name: criticalName, path: criticalPath},
		fakeProc{pid: 602, name: "vendor-agent", path: signedPath, signer: "Microsoft Windows"},
	)
	if len(events) != 0 {
		t.Fatalf("expected no action events, got %d", len(events))
	}

	if n := h.collector.observed[601]; n != 0 {
		t.Fatalf("expected allow-listed critical process to be skipped, observed %d times", n)
	}
	if n := h.collector.observed[602]; n != 1 {
		t.Fatalf("expected signed process to be observed once, got %d", n)
	}

	if rec := h.lookup(criticalName, criticalPath); rec != nil {
		t.Fatalf("expected no history record for skipped process, got id %d", rec.ID)
	}
	rec := h.lookup("vendor-agent", signedPath)
	if rec == nil {
		t.Fatal("expected a history record for the observed trusted process")
	}
	if rec.ThreatLevel != models.LevelTrusted {
		t.Fatalf("expected trusted level in history, got %s", rec.ThreatLevel)
	}
	if h.term.signals() != 0 {
		t.Fatalf("expected no kill signals, got %d", h.term.signals())
	}

	// The trusted pid is remembered and skipped on the next cycle.
	events = h.cycle(
		fakeProc{pid: 601, name: criticalName, path: criticalPath},
		fakeProc{pid: 602, name: "vendor-agent", path: signedPath, signer: "Microsoft Windows"},
	)
	if len(events) != 0 {
		t.Fatalf("expected no action events on the second cycle, got %d", len(events))
	}
	if n := h.collector.observed[602]; n != 1 {
		t.Fatalf("expected trusted pid to be skipped on the second cycle, observed %d times", n)
	}

	// Pid reuse under a different name forfeits the trust.
	reuse := singleEvent(t, h.cycle(fakeProc{pid: 602, name: "svch0st.exe", path: h.scratchPath("svch0st.exe")}))
	if reuse.Action != models.ActionWarn {
		t.Fatalf("expected reused pid to be re-observed and warned, got %s", reuse.Action)
	}
	if n := h.collector.observed[602]; n != 2 {
		t.Fatalf("expected reused pid to be observed again, got %d", n)
	}
}

func TestTrustedNamesakeDoesNotResetEscalation(t *testing.T) {
	h := newHarness(t, false, nil)
	rogue := fakeProc{pid: 801, name: "updater.exe", path: h.scratchPath("updater.exe"), behavior: []string{"high-cpu"}}
	genuine := fakeProc{pid: 802, name: "updater.exe", path: ordinaryPath("updater.exe"), signer: "Microsoft Windows"}

	// unsigned 1.0 + scratch location 1.0 + high cpu 0.5 = MEDIUM
	if events := h.cycle(rogue); len(events) != 0 {
		t.Fatalf("expected first MEDIUM sighting to stay silent, got %d events", len(events))
	}

	// The genuine, signed namesake comes up and is decided after the rogue.
	// Its trusted verdict must not wipe the rogue's banked warning.
	warn := singleEvent(t, h.cycle(rogue, genuine))
	if warn.Action != models.ActionWarn {
		t.Fatalf("expected WARN on the second sighting, got %s", warn.Action)
	}

	kill := singleEvent(t, h.cycle(rogue, genuine))
	if kill.Action != models.ActionSoftKill || kill.Outcome != models.OutcomeOK {
		t.Fatalf("expected SOFT_KILL on the third sighting, got %s (%s)", kill.Action, kill.Outcome)
	}
	if got := h.ctrl.Warnings("updater.exe"); got != 3 {
		t.Fatalf("expected 3 warnings banked for the name, got %d", got)
	}
}

func TestOwnProcessNeverObserved(t *testing.T) {
	h := newHarness(t, false, nil)
	self := int32(os.Getpid())

	events := h.cycle(fakeProc{pid: self, name: "svch0st.exe", path: h.scratchPath("svch0st.exe")})
	if len(events) != 0 {
		t.Fatalf("expected no action events against own pid, got %d", len(events))
	}
	if n := h.collector.observed[self]; n != 0 {
		t.Fatalf("expected own pid to be skipped, observed %d times", n)
	}
}

func TestDryRunEscalatesWithoutTouchingProcesses(t *testing.T) {
	h := newHarness(t, true, nil)
	path := h.scratchPath("svch0st.exe")
	proc := func(pid int32) fakeProc {
		return fakeProc{pid: pid, name: "svch0st.exe", path: path, behavior: []string{"high-cpu"}}
	}

	first := singleEvent(t, h.cycle(proc(701)))
	if first.Action != models.ActionSoftKill || first.Outcome != models.OutcomeDryRun {
		t.Fatalf("expected dry-run SOFT_KILL, got %s/%s", first.Action, first.Outcome)
	}
	second := singleEvent(t, h.cycle(proc(701)))
	if second.Action != models.ActionForceKill || second.Outcome != models.OutcomeDryRun {
		t.Fatalf("expected dry-run FORCE_KILL, got %s/%s", second.Action, second.Outcome)
	}
	if second.Warnings != 2 {
		t.Fatalf("expected warnings to accumulate in dry-run, got %d", second.Warnings)
	}

	if h.term.signals() != 0 {
		t.Fatalf("expected no kill signals in dry-run, got %d", h.term.signals())
	}
	rec := h.lookup("svch0st.exe", path)
	if rec == nil {
		t.Fatal("expected a history record in dry-run")
	}
	if rec.TimesKilled != 0 {
		t.Fatalf("expected no recorded kills in dry-run, got %d", rec.TimesKilled)
	}
}

type staticEngine struct {
	flags []string
}

func (s *staticEngine) Apply(obs *models.Observation) []string { return s.flags }

func TestActionEventCarriesEvidence(t *testing.T) {
	h := newHarness(t, false, &staticEngine{flags: []string{"sigma:lateral-movement"}})
	path := h.scratchPath("svch0st.exe")

	event := singleEvent(t, h.cycle(fakeProc{
		pid:      801,
		name:     "svch0st.exe",
		path:     path,
		hash:     "beef1234",
		behavior: []string{"listen-port:4444"},
	}))

	if event.EventID == "" {
		t.Fatal("expected a non-empty event id")
	}
	if event.Name != "svch0st.exe" || event.Path != path || event.Hash != "beef1234" {
		t.Fatalf("event does not carry the observed identity: %+v", event)
	}
	wantBehavior := []string{"listen-port:4444", "sigma:lateral-movement"}
	if len(event.Behavior) != len(wantBehavior) {
		t.Fatalf("expected behavior %v, got %v", wantBehavior, event.Behavior)
	}
	for i, flag := range wantBehavior {
		if event.Behavior[i] != flag {
			t.Fatalf("expected behavior %v, got %v", wantBehavior, event.Behavior)
		}
	}
	if event.LevelName != event.Level.String() || event.ActionName != event.Action.String() {
		t.Fatalf("expected names to match levels, got %q/%q", event.LevelName, event.ActionName)
	}
	if event.Detail == "" {
		t.Fatal("expected event detail to describe the verdict")
	}
}

type failingStore struct {
	history.Store
	badName string
}

func (f *failingStore) Upsert(ctx context.Context, rec *models.ProcessRecord) (*models.ProcessRecord, error) {
	if strings.EqualFold(rec.Name, f.badName) {
		return nil, errors.New("simulated history outage")
	}
	return f.Store.Upsert(ctx, rec)
}

func TestOneFailingProcessDoesNotAbortCycle(t *testing.T) {
	h := newHarnessWith(t, false, nil, func(s history.Store) history.Store {
		return &failingStore{Store: s, badName: "miner-z.exe"}
	})
	minerPath := h.scratchPath("miner-z.exe")
	otherPath := h.scratchPath("svch0st.exe")

	events := h.cycle(
		fakeProc{pid: 911, name: "miner-z.exe", path: minerPath, behavior: []string{"high-cpu"}},
		fakeProc{pid: 912, name: "svch0st.exe", path: otherPath},
	)
	if len(events) != 2 {
		t.Fatalf("expected both processes to be acted on, got %d events", len(events))
	}
	byName := make(map[string]*models.ActionEvent, len(events))
	for _, ev := range events {
		byName[ev.Name] = ev
	}

	// The process whose history write failed is still killed on live
	// evidence; only the kill count goes unrecorded.
	miner := byName["miner-z.exe"]
	if miner == nil {
		t.Fatal("expected an action event despite the history outage")
	}
	if miner.Action != models.ActionSoftKill || miner.Outcome != models.OutcomeOK {
		t.Fatalf("expected SOFT_KILL to land, got %s/%s (%s)", miner.Action, miner.Outcome, miner.Detail)
	}
	if miner.TimesKilled != 0 {
		t.Fatalf("expected no recorded kills without a history record, got %d", miner.TimesKilled)
	}

	other := byName["svch0st.exe"]
	if other == nil {
		t.Fatal("expected the healthy process to be handled in the same cycle")
	}
	if other.Action != models.ActionWarn {
		t.Fatalf("expected WARN for the healthy process, got %s", other.Action)
	}

	if got := testutil.ToFloat64(h.met.Errors.WithLabelValues("history")); got != 1 {
		t.Fatalf("expected 1 history error, got %v", got)
	}
	if rec := h.lookup("miner-z.exe", minerPath); rec != nil {
		t.Fatalf("expected no record behind the failing upsert, got id %d", rec.ID)
	}
	if rec := h.lookup("svch0st.exe", otherPath); rec == nil {
		t.Fatal("expected the healthy process to be recorded")
	}
}

func TestLowThreatMonitoredBeforeWarning(t *testing.T) {
	h := newHarness(t, false, nil)
	path := ordinaryPath("updaterd")
	proc := fakeProc{pid: 901, name: "updaterd", path: path}

	if events := h.cycle(proc); len(events) != 0 {
		t.Fatalf("expected first low-threat sighting to be silent, got %d events", len(events))
	}
	rec := h.lookup("updaterd", path)
	if rec == nil {
		t.Fatal("expected low-threat process to be recorded")
	}
	if rec.ThreatLevel != models.LevelLow {
		t.Fatalf("expected LOW in history, got %s", rec.ThreatLevel)
	}

	second := singleEvent(t, h.cycle(proc))
	if second.Action != models.ActionWarn {
		t.Fatalf("expected WARN on second sighting, got %s", second.Action)
	}
	third := singleEvent(t, h.cycle(proc))
	if third.Action != models.ActionWarn {
		t.Fatalf("expected LOW to stay capped at WARN, got %s", third.Action)
	}
	if h.term.signals() != 0 {
		t.Fatalf("expected no kill signals for LOW threat, got %d", h.term.signals())
	}
}
