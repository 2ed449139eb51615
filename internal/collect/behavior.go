package collect

import (
	"context"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/whispr-dev/proc-wolf/pkg/models"
)

// behaviorFlags adds a distinct flag string for each suspicious runtime
// behavior the process currently exhibits. Metrics that cannot be read are
// skipped; behavior flags only ever add to the score, so a missing metric
// degrades toward leniency rather than false alarm.
func (c *SystemCollector) behaviorFlags(ctx context.Context, p *process.Process, obs *models.Observation) {
	if c.cfg.CPUPercent > 0 {
		if cpu, err := p.CPUPercentWithContext(ctx); err == nil && cpu >= c.cfg.CPUPercent {
			obs.AddBehavior("high-cpu")
		}
	}
	if c.cfg.MemoryPercent > 0 {
		if mem, err := p.MemoryPercentWithContext(ctx); err == nil && float64(mem) >= c.cfg.MemoryPercent {
			obs.AddBehavior("high-memory")
		}
	}

	if len(c.cfg.OpenFiles) > 0 {
		if files, err := p.OpenFilesWithContext(ctx); err == nil {
			for _, f := range files {
				if prefix := c.matchOpenFile(f.Path); prefix != "" {
					obs.AddBehavior("open-file:" + prefix)
				}
			}
		}
	}

	if len(c.ports) > 0 {
		if conns, err := p.ConnectionsWithContext(ctx); err == nil {
			for _, conn := range conns {
				if _, ok := c.ports[conn.Raddr.Port]; ok {
					obs.AddBehavior(fmt.Sprintf("remote-port:%d", conn.Raddr.Port))
				}
				if _, ok := c.ports[conn.Laddr.Port]; ok && conn.Status == "LISTEN" {
					obs.AddBehavior(fmt.Sprintf("listen-port:%d", conn.Laddr.Port))
				}
			}
		}
	}
}

// matchOpenFile returns the configured prefix the path falls under, or "".
// The flag carries the prefix rather than the full path so the flag set stays
// bounded and distinct-countable.
func (c *SystemCollector) matchOpenFile(path string) string {
	lower := strings.ToLower(path)
	for _, prefix := range c.cfg.OpenFiles {
		if strings.HasPrefix(lower, strings.ToLower(prefix)) {
			return prefix
		}
	}
	return ""
}
