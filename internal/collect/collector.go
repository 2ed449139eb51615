// Package collect enumerates live processes and gathers the per-process
// signals the evaluator scores. Collection is best-effort: a signal that
// cannot be read (access denied, process exited, unsupported platform) is
// carried as absent with a reason instead of failing the cycle.
package collect

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/whispr-dev/proc-wolf/internal/logger"
	"github.com/whispr-dev/proc-wolf/pkg/models"
)

// ProcessHandle is one row of a process table snapshot: enough to identify
// the process and decide whether full signal collection is worth doing.
type ProcessHandle struct {
	PID     int32
	Name    string
	Path    string
	CmdLine string
}

// Collector enumerates live processes and gathers per-process signals.
type Collector interface {
	// Snapshot lists the currently running processes.
	Snapshot(ctx context.Context) ([]ProcessHandle, error)

	// Observe gathers the full signal set for one process. It never fails;
	// signals that could not be collected come back absent with a reason.
	Observe(ctx context.Context, h ProcessHandle) *models.Observation
}

// Config tunes signal collection.
type Config struct {
	CPUPercent     float64       // behavior flag threshold, 0 disables
	MemoryPercent  float64       // behavior flag threshold, 0 disables
	Ports          []uint32      // network ports considered suspicious
	OpenFiles      []string      // path prefixes considered suspicious
	HashMaxBytes   int64         // executables above this size are not hashed
	CollectTimeout time.Duration // per-process budget for Observe
}

// SystemCollector reads the host process table.
type SystemCollector struct {
	cfg   Config
	ports map[uint32]struct{}
}

// NewSystemCollector creates a collector over the host process table.
func NewSystemCollector(cfg Config) *SystemCollector {
	ports := make(map[uint32]struct{}, len(cfg.Ports))
	for _, p := range cfg.Ports {
		ports[p] = struct{}{}
	}
	return &SystemCollector{cfg: cfg, ports: ports}
}

// Snapshot implements Collector. Processes that exit between listing and
// reading, and kernel threads without a readable name, are skipped.
func (c *SystemCollector) Snapshot(ctx context.Context) ([]ProcessHandle, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	handles := make([]ProcessHandle, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue
		}
		h := ProcessHandle{PID: p.Pid, Name: name}
		h.Path, _ = p.ExeWithContext(ctx)
		h.CmdLine, _ = p.CmdlineWithContext(ctx)
		handles = append(handles, h)
	}

	logger.Debugf("Snapshot: %d of %d processes readable", len(handles), len(procs))
	return handles, nil
}

// Observe implements Collector.
func (c *SystemCollector) Observe(ctx context.Context, h ProcessHandle) *models.Observation {
	if c.cfg.CollectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CollectTimeout)
		defer cancel()
	}

	obs := &models.Observation{
		PID:        h.PID,
		Name:       h.Name,
		Path:       models.PresentSignal(h.Path),
		CmdLine:    models.PresentSignal(h.CmdLine),
		ObservedAt: time.Now(),
	}
	if !obs.Path.Present {
		obs.Path = models.AbsentSignal("executable path unavailable")
	}
	if !obs.CmdLine.Present {
		obs.CmdLine = models.AbsentSignal("command line unavailable")
	}

	if obs.Path.Present {
		if hash, err := hashExecutable(ctx, obs.Path.Value, c.cfg.HashMaxBytes); err != nil {
			obs.Hash = models.AbsentSignal(err.Error())
			logger.Debugf("Observe pid=%d name=%s: hash unavailable: %v", h.PID, h.Name, err)
		} else {
			obs.Hash = models.PresentSignal(hash)
		}
		obs.Signer = signerIdentity(obs.Path.Value)
		obs.Hidden = hiddenAttribute(obs.Path.Value)
	} else {
		obs.Hash = models.AbsentSignal("no executable path to hash")
		obs.Signer = models.AbsentSignal("no executable path to verify")
		obs.Hidden = models.UnknownFlag("no executable path to inspect")
	}

	p, err := process.NewProcessWithContext(ctx, h.PID)
	if err != nil {
		// Exited since the snapshot. Static signals still get scored.
		obs.Elevated = models.UnknownFlag("process no longer running")
		return obs
	}

	obs.Elevated = processElevated(ctx, p)
	c.behaviorFlags(ctx, p, obs)
	return obs
}
