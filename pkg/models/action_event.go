package models

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// ActionEvent is the structured record emitted for every response at WARN
// tier or above. It is what operators and fleet backends see of a decision:
// the evidence snapshot, the tier applied, and how the attempt ended.
type ActionEvent struct {
	EventID     string      `json:"event_id"`
	Timestamp   time.Time   `json:"timestamp"`
	Hostname    string      `json:"host,omitempty"`
	PID         int32       `json:"pid"`
	Name        string      `json:"name"`
	Path        string      `json:"path,omitempty"`
	Hash        string      `json:"hash,omitempty"`
	Signer      string      `json:"signer,omitempty"`
	Behavior    []string    `json:"behavior,omitempty"`
	Level       ThreatLevel `json:"level"`
	LevelName   string      `json:"level_name"`
	Warnings    int         `json:"warnings"`
	Action      ActionLevel `json:"action"`
	ActionName  string      `json:"action_name"`
	Outcome     string      `json:"outcome"`
	Detail      string      `json:"detail,omitempty"`
	TimesKilled int         `json:"times_killed"`
}

// Action outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomePartial  = "partial"
	OutcomeVanished = "vanished"
	OutcomeDryRun   = "dry-run"
)

// NewEventID builds a unique event id from the process name and random bytes,
// falling back to a timestamp suffix if the random source fails.
func NewEventID(name string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return name + "-" + time.Now().Format("20060102150405")
	}
	return name + "-" + hex.EncodeToString(buf)
}
