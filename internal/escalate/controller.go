// Package escalate holds the per-process escalation state machine. The
// evaluator is stateless; this is where repeated sightings of the same
// process name harden the response from monitoring up to resurrection
// prevention.
package escalate

import (
	"strings"
	"sync"

	"github.com/whispr-dev/proc-wolf/pkg/models"
)

// Decision is the controller's output for one observation.
type Decision struct {
	Action   models.ActionLevel
	Warnings int // warning count after this observation
}

type nameState struct {
	warnings int
}

// Controller accumulates warnings per process name and maps threat level
// plus accumulated warnings to an action tier. State is keyed by lowercased
// name, not pid: respawned and renamed-copy processes inherit the history of
// their name, which is the whole point.
type Controller struct {
	mu          sync.Mutex
	maxWarnings int
	byName      map[string]*nameState
}

// NewController creates a controller. maxWarnings caps the counter; 0 or
// negative selects the default of 3.
func NewController(maxWarnings int) *Controller {
	if maxWarnings <= 0 {
		maxWarnings = 3
	}
	return &Controller{
		maxWarnings: maxWarnings,
		byName:      make(map[string]*nameState),
	}
}

// Decide consumes one evaluated observation and returns the action tier.
// The action is computed from the warning count before this observation, so
// a first sighting is always judged on the level alone; the counter then
// advances for every non-trusted sighting, capped at maxWarnings. A TRUSTED
// sighting touches no state: the counter belongs to the name, and a live
// trusted namesake must not shield a non-trusted one. Warnings reset only
// through ResetMissing, when the name has no live process left.
func (c *Controller) Decide(name string, level models.ThreatLevel) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if level == models.LevelTrusted {
		return Decision{Action: models.ActionMonitor}
	}

	key := strings.ToLower(name)
	state := c.byName[key]
	if state == nil {
		state = &nameState{}
		c.byName[key] = state
	}

	prior := state.warnings
	if state.warnings < c.maxWarnings {
		state.warnings++
	}

	return Decision{
		Action:   actionFor(level, prior),
		Warnings: state.warnings,
	}
}

// ResetMissing drops state for every name not present in the live set. A
// process that stayed away for a full cycle starts from zero warnings when
// it comes back; resurrection handling compensates through the history
// store, not through this counter.
func (c *Controller) ResetMissing(liveNames map[string]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.byName {
		if _, ok := liveNames[key]; !ok {
			delete(c.byName, key)
		}
	}
}

// Warnings returns the current warning count for a name.
func (c *Controller) Warnings(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state := c.byName[strings.ToLower(name)]; state != nil {
		return state.warnings
	}
	return 0
}

// Tracked returns the number of names with live escalation state.
func (c *Controller) Tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byName)
}

// actionFor maps threat level and prior warnings to an action tier. Each
// level has a ceiling: LOW never exceeds a warning, MEDIUM never exceeds a
// soft kill. HIGH and CRITICAL skip ahead of the counter and may reach the
// forceful tiers at once.
func actionFor(level models.ThreatLevel, warnings int) models.ActionLevel {
	switch level {
	case models.LevelTrusted:
		return models.ActionMonitor
	case models.LevelLow:
		return capAction(warnings, models.ActionWarn)
	case models.LevelMedium:
		return capAction(warnings, models.ActionSoftKill)
	case models.LevelHigh:
		return capAction(warnings+1, models.ActionForceKill)
	default:
		return capAction(warnings+2, models.ActionPreventResurrection)
	}
}

func capAction(tier int, ceiling models.ActionLevel) models.ActionLevel {
	action := models.ActionLevel(tier)
	if action > ceiling {
		return ceiling
	}
	return action
}
