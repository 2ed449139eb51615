// Package monitor drives the agent's poll cycle: snapshot the process
// table, observe whatever is not allow-listed or already trusted,
// evaluate, escalate, act, and persist. One cycle runs to completion
// before warning state is reconciled against the live process set, so a
// process is never forgiven in the same breath it was punished.
package monitor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/whispr-dev/proc-wolf/internal/collect"
	"github.com/whispr-dev/proc-wolf/internal/escalate"
	"github.com/whispr-dev/proc-wolf/internal/evaluate"
	"github.com/whispr-dev/proc-wolf/internal/history"
	"github.com/whispr-dev/proc-wolf/internal/logger"
	"github.com/whispr-dev/proc-wolf/internal/metrics"
	"github.com/whispr-dev/proc-wolf/internal/respond"
	"github.com/whispr-dev/proc-wolf/internal/rules"
	"github.com/whispr-dev/proc-wolf/pkg/models"
)

// Config holds monitor loop configuration.
type Config struct {
	Interval time.Duration // time between poll cycles
	Workers  int           // concurrent per-process observers
}

// Monitor owns the poll loop and wires the collection, evaluation,
// escalation, response, and history stages together.
type Monitor struct {
	cfg        Config
	collector  collect.Collector
	evaluator  *evaluate.Evaluator
	engine     rules.Engine
	controller *escalate.Controller
	store      history.Store
	executor   *respond.Executor
	events     EventWriter
	metrics    *metrics.Metrics

	hostname string
	selfPID  int32

	// repo caches the latest observation for every live pid that has not
	// been verdicted TRUSTED. An entry drops out when its pid leaves the
	// snapshot or the process earns trust.
	repo map[int32]*models.Observation

	// trustedPIDs holds the pids whose last evaluation came back TRUSTED,
	// keyed to the name that earned it. They are skipped on later cycles
	// until the pid disappears or changes name, which keeps the
	// steady-state cycle cheap on a quiet host.
	trustedPIDs map[int32]string

	// identityPID maps identity key to the pid it ran under in the
	// previous cycle. A known-killed identity showing up absent from this
	// map, or under a new pid, is a resurrection.
	identityPID map[string]int32

	now func() time.Time
}

// New creates a monitor. The rules engine and event writer may be nil; the
// metrics set defaults to a fresh one when nil.
func New(cfg Config, collector collect.Collector, evaluator *evaluate.Evaluator, engine rules.Engine, controller *escalate.Controller, store history.Store, executor *respond.Executor, events EventWriter, m *metrics.Metrics) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if m == nil {
		m = metrics.New()
	}
	hostname, _ := os.Hostname()
	return &Monitor{
		cfg:         cfg,
		collector:   collector,
		evaluator:   evaluator,
		engine:      engine,
		controller:  controller,
		store:       store,
		executor:    executor,
		events:      events,
		metrics:     m,
		hostname:    hostname,
		selfPID:     int32(os.Getpid()),
		repo:        make(map[int32]*models.Observation),
		trustedPIDs: make(map[int32]string),
		identityPID: make(map[string]int32),
		now:         time.Now,
	}
}

// Run polls until the context is cancelled. The first cycle runs
// immediately; an in-flight cycle is allowed to finish before Run returns.
func (m *Monitor) Run(ctx context.Context) error {
	logger.Infof("Monitor started: interval %s, %d workers", m.cfg.Interval, m.cfg.Workers)

	m.runCycle(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Infof("Monitor stopping")
			return ctx.Err()
		case <-ticker.C:
			m.runCycle(ctx)
		}
	}
}

// Close releases the event sink. The history store is owned by the caller.
func (m *Monitor) Close() error {
	if m.events != nil {
		if err := m.events.Close(); err != nil {
			logger.Errorf("Failed to close event writer: %v", err)
			return err
		}
	}
	return nil
}

func (m *Monitor) runCycle(ctx context.Context) {
	if err := m.RunCycle(ctx); err != nil && ctx.Err() == nil {
		logger.Errorf("Cycle failed: %v", err)
	}
}

// RunCycle executes one full poll cycle. Not safe for concurrent use; the
// loop in Run never overlaps cycles.
func (m *Monitor) RunCycle(ctx context.Context) error {
	start := m.now()

	handles, err := m.collector.Snapshot(ctx)
	if err != nil {
		m.metrics.Errors.WithLabelValues("snapshot").Inc()
		return fmt.Errorf("failed to snapshot processes: %w", err)
	}
	m.metrics.LiveProcesses.Set(float64(len(handles)))

	live := make(map[string]struct{}, len(handles))
	seen := make(map[int32]string, len(handles))
	var work []collect.ProcessHandle
	for _, h := range handles {
		name := strings.ToLower(h.Name)
		live[name] = struct{}{}
		seen[h.PID] = name
		if h.PID == m.selfPID {
			continue
		}
		if m.evaluator.AllowListed(h.Name, h.Path) {
			continue
		}
		if trusted, ok := m.trustedPIDs[h.PID]; ok {
			if trusted == name {
				continue
			}
			// Someone else wears the pid now.
			delete(m.trustedPIDs, h.PID)
		}
		work = append(work, h)
	}
	logger.Debugf("Cycle: %d live processes, %d to observe", len(handles), len(work))

	handleCh := make(chan collect.ProcessHandle)
	obsCh := make(chan *models.Observation, m.cfg.Workers*4)

	var wg sync.WaitGroup
	for i := 0; i < m.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for h := range handleCh {
				obs := m.collector.Observe(ctx, h)
				if obs == nil {
					continue
				}
				m.metrics.Scanned.Inc()
				if m.engine != nil {
					for _, flag := range m.engine.Apply(obs) {
						obs.AddBehavior(flag)
					}
				}
				obsCh <- obs
			}
		}()
	}

	go func() {
		defer func() {
			close(handleCh)
			wg.Wait()
			close(obsCh)
		}()
		for _, h := range work {
			select {
			case handleCh <- h:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Decisions and responses are serialized here so history writes, kill
	// attempts, and the event stream keep a single coherent order.
	sighted := make(map[string]struct{}, len(work))
	var batch []*models.ActionEvent
	for obs := range obsCh {
		if event := m.decide(ctx, obs, sighted); event != nil {
			batch = append(batch, event)
		}
	}

	// Reconcile warning state and the live repository only after every
	// observed process has been decided and acted on.
	m.controller.ResetMissing(live)
	for pid, name := range m.trustedPIDs {
		if seen[pid] != name {
			delete(m.trustedPIDs, pid)
		}
	}
	for pid, obs := range m.repo {
		if seen[pid] != strings.ToLower(obs.Name) {
			delete(m.repo, pid)
		}
	}
	m.identityPID = make(map[string]int32, len(m.repo))
	for _, obs := range m.repo {
		m.identityPID[obs.Identity().Key()] = obs.PID
	}
	m.metrics.TrackedNames.Set(float64(m.controller.Tracked()))

	if m.events != nil && len(batch) > 0 {
		if err := m.events.WriteEvents(batch); err != nil {
			m.metrics.Errors.WithLabelValues("events").Inc()
			logger.Errorf("Failed to write %d action events: %v", len(batch), err)
		}
	}

	m.metrics.Cycles.Inc()
	m.metrics.CycleDuration.Observe(time.Since(start).Seconds())
	return nil
}

// decide runs one observation through evaluation, escalation, history, and
// response. Returns the action event to emit, or nil below WARN tier.
func (m *Monitor) decide(ctx context.Context, obs *models.Observation, sighted map[string]struct{}) *models.ActionEvent {
	verdict := m.evaluator.Evaluate(obs)
	m.metrics.Evaluations.WithLabelValues(verdict.Level.String()).Inc()

	if verdict.Level == models.LevelTrusted {
		m.trustedPIDs[obs.PID] = strings.ToLower(obs.Name)
		delete(m.repo, obs.PID)
	} else {
		m.repo[obs.PID] = obs
	}

	decision := m.controller.Decide(obs.Name, verdict.Level)

	identity := obs.Identity().Key()
	stored, err := m.store.Upsert(ctx, models.RecordFromObservation(obs))
	if err != nil {
		// The agent keeps acting on live evidence even when the history
		// backend is down; only startup requires it.
		m.metrics.Errors.WithLabelValues("history").Inc()
		logger.Errorf("Failed to record %s in history: %v", obs.Name, err)
	}

	if stored != nil && stored.TimesKilled > 0 {
		prevPID, known := m.identityPID[identity]
		if _, seenNow := sighted[identity]; !seenNow && (!known || prevPID != obs.PID) {
			m.metrics.Resurrections.Inc()
			logger.Warnf("Resurrection: %s (pid %d) is back after %d kill(s)",
				obs.Name, obs.PID, stored.TimesKilled)
		}
	}
	sighted[identity] = struct{}{}

	if decision.Action < models.ActionWarn {
		return nil
	}

	result := m.executor.Execute(ctx, decision.Action, obs)
	m.metrics.Actions.WithLabelValues(decision.Action.String(), result.Outcome).Inc()
	logger.Infof("%s %s (pid %d) [%s, warnings %d]: %s",
		decision.Action, obs.Name, obs.PID, verdict.Level, decision.Warnings, result.Detail)

	timesKilled := 0
	if stored != nil {
		timesKilled = stored.TimesKilled
	}
	if decision.Action >= models.ActionSoftKill && result.Outcome != models.OutcomeDryRun && stored != nil {
		if err := m.store.RecordResurrection(ctx, stored.ID, decision.Action, obs.ObservedAt); err != nil {
			m.metrics.Errors.WithLabelValues("history").Inc()
			logger.Errorf("Failed to record kill of %s in history: %v", obs.Name, err)
		} else {
			timesKilled++
		}
	}

	detail := result.Detail
	if desc := describeVerdict(verdict); desc != "" {
		detail = detail + " (" + desc + ")"
	}

	return &models.ActionEvent{
		EventID:     models.NewEventID(obs.Name),
		Timestamp:   obs.ObservedAt,
		Hostname:    m.hostname,
		PID:         obs.PID,
		Name:        obs.Name,
		Path:        obs.Path.Value,
		Hash:        obs.Hash.Value,
		Signer:      obs.Signer.Value,
		Behavior:    obs.Behavior,
		Level:       verdict.Level,
		LevelName:   verdict.Level.String(),
		Warnings:    decision.Warnings,
		Action:      decision.Action,
		ActionName:  decision.Action.String(),
		Outcome:     result.Outcome,
		Detail:      detail,
		TimesKilled: timesKilled,
	}
}

func describeVerdict(v evaluate.Verdict) string {
	if len(v.Factors) == 0 {
		return ""
	}
	reasons := make([]string, 0, len(v.Factors))
	for _, f := range v.Factors {
		reasons = append(reasons, f.Reason)
	}
	return fmt.Sprintf("score %.1f: %s", v.Score, strings.Join(reasons, ", "))
}
