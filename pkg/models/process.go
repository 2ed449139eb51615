package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ThreatLevel is the evaluator's verdict for one observation.
type ThreatLevel int

const (
	LevelTrusted ThreatLevel = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

// String returns the level name used in logs and events.
func (l ThreatLevel) String() string {
	switch l {
	case LevelTrusted:
		return "TRUSTED"
	case LevelLow:
		return "LOW"
	case LevelMedium:
		return "MEDIUM"
	case LevelHigh:
		return "HIGH"
	case LevelCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// ActionLevel is the escalation controller's verdict for one observation.
type ActionLevel int

const (
	ActionMonitor ActionLevel = iota
	ActionWarn
	ActionSoftKill
	ActionForceKill
	ActionPreventResurrection
)

// String returns the action name used in logs and events.
func (a ActionLevel) String() string {
	switch a {
	case ActionMonitor:
		return "MONITOR"
	case ActionWarn:
		return "WARN"
	case ActionSoftKill:
		return "SOFT_KILL"
	case ActionForceKill:
		return "FORCE_KILL"
	case ActionPreventResurrection:
		return "PREVENT_RESURRECTION"
	default:
		return fmt.Sprintf("ACTION(%d)", int(a))
	}
}

// Signal is one collected fact about a process. Collection never fails the
// pipeline; a fact that could not be obtained is carried as an absent Signal
// with the reason, and the evaluator scores absence on its own terms.
type Signal struct {
	Value   string `json:"value,omitempty"`
	Present bool   `json:"present"`
	Reason  string `json:"reason,omitempty"`
}

// PresentSignal wraps an obtained value. An empty value is still absent.
func PresentSignal(value string) Signal {
	if value == "" {
		return Signal{Present: false}
	}
	return Signal{Value: value, Present: true}
}

// AbsentSignal records why a fact could not be obtained.
func AbsentSignal(reason string) Signal {
	return Signal{Present: false, Reason: reason}
}

// Flag is a boolean fact that may be unknowable (access denied, unsupported
// platform). An unknown flag is treated as unset by the evaluator.
type Flag struct {
	Set    bool   `json:"set"`
	Known  bool   `json:"known"`
	Reason string `json:"reason,omitempty"`
}

// KnownFlag wraps a determined boolean fact.
func KnownFlag(set bool) Flag {
	return Flag{Set: set, Known: true}
}

// UnknownFlag records why a boolean fact could not be determined.
func UnknownFlag(reason string) Flag {
	return Flag{Known: false, Reason: reason}
}

// Observation is one poll cycle's view of one live process. It is rebuilt
// every cycle; only the fields mirrored into ProcessRecord outlive it.
type Observation struct {
	PID        int32       `json:"pid"`
	Name       string      `json:"name"`
	Path       Signal      `json:"path"`
	CmdLine    Signal      `json:"cmd_line"`
	Hash       Signal      `json:"hash"`
	Signer     Signal      `json:"signer"`
	Elevated   Flag        `json:"elevated"`
	Hidden     Flag        `json:"hidden"`
	Behavior   []string    `json:"behavior,omitempty"`
	Level      ThreatLevel `json:"level"`
	Trusted    bool        `json:"trusted"`
	ObservedAt time.Time   `json:"observed_at"`
}

// AddBehavior records a behavioral flag string, keeping the set distinct and
// sorted so scoring and logging are deterministic.
func (o *Observation) AddBehavior(flag string) {
	if flag == "" {
		return
	}
	for _, existing := range o.Behavior {
		if existing == flag {
			return
		}
	}
	o.Behavior = append(o.Behavior, flag)
	sort.Strings(o.Behavior)
}

// Identity is the durable key that correlates observations across cycles and
// restarts. OS process ids are recycled and are never part of it. The two
// forms are ordered: a content hash is the stronger identity and always takes
// precedence over a name+path pair during history lookups.
type Identity interface {
	Key() string
	isIdentity()
}

// HashIdentity keys a process by the SHA-256 of its executable image.
type HashIdentity struct {
	Hash string
}

func (h HashIdentity) Key() string { return "sha256:" + h.Hash }
func (HashIdentity) isIdentity() {}

// NamePathIdentity keys a process by executable name and filesystem path.
// Used only when no content hash could be computed.
type NamePathIdentity struct {
	Name string
	Path string
}

func (n NamePathIdentity) Key() string {
	return "name:" + strings.ToLower(n.Name) + "|path:" + strings.ToLower(n.Path)
}
func (NamePathIdentity) isIdentity() {}

// Identity returns the strongest identity available for the observation.
func (o *Observation) Identity() Identity {
	if o.Hash.Present {
		return HashIdentity{Hash: o.Hash.Value}
	}
	return NamePathIdentity{Name: o.Name, Path: o.Path.Value}
}
