// Package respond executes the escalation controller's verdicts against live
// processes: bounded-wait termination, and for the top tier, service disable
// plus executable quarantine so the process stays dead.
package respond

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/whispr-dev/proc-wolf/internal/logger"
	"github.com/whispr-dev/proc-wolf/pkg/models"
)

// Terminator abstracts process termination so the executor can be tested
// without killing anything real.
type Terminator interface {
	// Terminate asks the process to exit (SIGTERM or platform equivalent).
	Terminate(ctx context.Context, pid int32) error
	// Kill ends the process without appeal.
	Kill(ctx context.Context, pid int32) error
	// Running reports whether the pid is still alive.
	Running(ctx context.Context, pid int32) (bool, error)
}

// SystemTerminator terminates real processes on the host.
type SystemTerminator struct{}

// Terminate implements Terminator.
func (SystemTerminator) Terminate(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.TerminateWithContext(ctx)
}

// Kill implements Terminator.
func (SystemTerminator) Kill(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.KillWithContext(ctx)
}

// Running implements Terminator.
func (SystemTerminator) Running(ctx context.Context, pid int32) (bool, error) {
	return process.PidExistsWithContext(ctx, pid)
}

// Config tunes response execution.
type Config struct {
	DryRun        bool
	KillWait      time.Duration // bound on waiting for a kill to take
	QuarantineDir string

	// Protected guards destructive tiers against misfires: when it reports
	// true for a process, the executor refuses to touch it regardless of
	// what the controller decided.
	Protected func(name, path string) bool
}

// Result is the outcome of executing one action.
type Result struct {
	Outcome string
	Detail  string
}

// Executor applies action tiers to processes. Callers serialize calls per
// pid; the executor itself never issues two concurrent attempts at the same
// process.
type Executor struct {
	cfg  Config
	term Terminator
}

// NewExecutor creates an executor. A nil terminator selects the real one.
func NewExecutor(cfg Config, term Terminator) *Executor {
	if cfg.KillWait <= 0 {
		cfg.KillWait = 3 * time.Second
	}
	if term == nil {
		term = SystemTerminator{}
	}
	return &Executor{cfg: cfg, term: term}
}

// Execute applies the action to the observed process. MONITOR and WARN touch
// nothing; the destructive tiers terminate with a bounded confirmation wait.
// A process that is already gone when a tier fires is a no-op success.
func (e *Executor) Execute(ctx context.Context, action models.ActionLevel, obs *models.Observation) Result {
	switch action {
	case models.ActionMonitor:
		return Result{Outcome: models.OutcomeOK, Detail: "monitoring"}
	case models.ActionWarn:
		logger.Warnf("WARN pid=%d name=%s path=%s level=%s", obs.PID, obs.Name, obs.Path.Value, obs.Level)
		return Result{Outcome: models.OutcomeOK, Detail: "warning recorded"}
	}

	if e.cfg.Protected != nil && e.cfg.Protected(obs.Name, obs.Path.Value) {
		logger.Errorf("refusing %s against protected process pid=%d name=%s", action, obs.PID, obs.Name)
		return Result{Outcome: models.OutcomeFailed, Detail: "refused: protected system process"}
	}

	if e.cfg.DryRun {
		logger.Infof("dry-run: would %s pid=%d name=%s", action, obs.PID, obs.Name)
		return Result{Outcome: models.OutcomeDryRun, Detail: fmt.Sprintf("dry-run: %s skipped", action)}
	}

	switch action {
	case models.ActionSoftKill:
		return e.kill(ctx, obs, false)
	case models.ActionForceKill:
		return e.kill(ctx, obs, true)
	case models.ActionPreventResurrection:
		return e.preventResurrection(ctx, obs)
	default:
		return Result{Outcome: models.OutcomeFailed, Detail: fmt.Sprintf("unknown action %d", int(action))}
	}
}

// kill terminates the process and waits, bounded, for it to die.
func (e *Executor) kill(ctx context.Context, obs *models.Observation, force bool) Result {
	running, err := e.term.Running(ctx, obs.PID)
	if err == nil && !running {
		return Result{Outcome: models.OutcomeVanished, Detail: "process already gone"}
	}

	if force {
		err = e.term.Kill(ctx, obs.PID)
	} else {
		err = e.term.Terminate(ctx, obs.PID)
	}
	if err != nil {
		// The error may just mean it died between the check and the signal.
		if running, rerr := e.term.Running(ctx, obs.PID); rerr == nil && !running {
			return Result{Outcome: models.OutcomeVanished, Detail: "process exited before the signal"}
		}
		logger.Errorf("terminate pid=%d name=%s failed: %v", obs.PID, obs.Name, err)
		return Result{Outcome: models.OutcomeFailed, Detail: "termination failed: " + err.Error()}
	}

	if e.awaitExit(ctx, obs.PID) {
		return Result{Outcome: models.OutcomeOK, Detail: "process terminated"}
	}
	return Result{
		Outcome: models.OutcomeFailed,
		Detail:  fmt.Sprintf("process survived for %s after the signal", e.cfg.KillWait),
	}
}

// preventResurrection force-kills, then best-effort disables any service
// hosting the pid and quarantines the executable. Only the kill decides
// overall success; secondary failures downgrade the outcome to partial so an
// operator knows to finish the cleanup by hand.
func (e *Executor) preventResurrection(ctx context.Context, obs *models.Observation) Result {
	killRes := e.kill(ctx, obs, true)
	if killRes.Outcome == models.OutcomeFailed {
		return killRes
	}

	var notes []string
	partial := false

	detail, err := disableHostingService(ctx, obs.PID)
	if err != nil {
		partial = true
		logger.Errorf("service disable for pid=%d failed: %v", obs.PID, err)
		notes = append(notes, "service disable failed: "+err.Error())
	} else if detail != "" {
		notes = append(notes, detail)
	}

	if obs.Path.Present {
		dst, err := quarantineFile(obs.Path.Value, e.cfg.QuarantineDir)
		if err != nil {
			partial = true
			logger.Errorf("quarantine of %s failed: %v", obs.Path.Value, err)
			notes = append(notes, "quarantine failed: "+err.Error())
		} else {
			notes = append(notes, "quarantined to "+dst)
		}
	} else {
		partial = true
		notes = append(notes, "no executable path to quarantine")
	}

	outcome := models.OutcomeOK
	if partial {
		outcome = models.OutcomePartial
	}
	detailText := killRes.Detail
	if len(notes) > 0 {
		detailText += "; " + strings.Join(notes, "; ")
	}
	return Result{Outcome: outcome, Detail: detailText}
}

// awaitExit polls until the process is gone or the kill wait elapses.
func (e *Executor) awaitExit(ctx context.Context, pid int32) bool {
	deadline := time.Now().Add(e.cfg.KillWait)
	for {
		running, err := e.term.Running(ctx, pid)
		if err == nil && !running {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}
