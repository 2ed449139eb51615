package models

import "time"

// ProcessRecord is the durable history row for one process identity. Records
// are append-only: they are refreshed in place on every observation and never
// deleted, so a judgment made before a restart is still visible after it.
type ProcessRecord struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Path        string      `json:"path,omitempty"`
	CmdLine     string      `json:"cmd_line,omitempty"`
	Hash        string      `json:"hash,omitempty"`
	Signer      string      `json:"signer,omitempty"`
	FirstSeen   time.Time   `json:"first_seen"`
	LastSeen    time.Time   `json:"last_seen"`
	ThreatLevel ThreatLevel `json:"threat_level"`
	TimesKilled int         `json:"times_killed"`
	Trusted     bool        `json:"trusted"`
}

// Identity returns the record's durable key, hash-first like Observation.
func (r *ProcessRecord) Identity() Identity {
	if r.Hash != "" {
		return HashIdentity{Hash: r.Hash}
	}
	return NamePathIdentity{Name: r.Name, Path: r.Path}
}

// RecordFromObservation maps the persisted subset of an observation onto a
// fresh record. Store upserts merge it with any existing row for the same
// identity, preserving first-seen and times-killed.
func RecordFromObservation(o *Observation) *ProcessRecord {
	return &ProcessRecord{
		Name:        o.Name,
		Path:        o.Path.Value,
		CmdLine:     o.CmdLine.Value,
		Hash:        o.Hash.Value,
		Signer:      o.Signer.Value,
		FirstSeen:   o.ObservedAt,
		LastSeen:    o.ObservedAt,
		ThreatLevel: o.Level,
		Trusted:     o.Trusted,
	}
}

// ResurrectionEvent is the append-only log row written for every termination
// attempt at SOFT_KILL tier or above. The count of events for a record always
// equals that record's times-killed counter; that is how a later cycle knows
// a reappearing identity has a kill history even under a fresh process id.
type ResurrectionEvent struct {
	ID        int64       `json:"id"`
	RecordID  int64       `json:"record_id"`
	Timestamp time.Time   `json:"timestamp"`
	Action    ActionLevel `json:"action"`
}
