// Package history persists every process identity the agent has ever judged,
// together with its kill history. The store is the agent's only durable
// memory: resurrection detection and cross-restart escalation both hinge on
// it, which is why the agent refuses to start without a working backend.
package history

import (
	"context"
	"time"

	"github.com/whispr-dev/proc-wolf/pkg/models"
)

// Store is the durable process-history backend. Implementations must keep
// one record per distinct identity and must keep the resurrection count in
// lockstep with the record's times_killed counter.
//
// Lookup and Upsert resolve identity hash-first: a content hash match always
// wins over a name+path match. Callers serialize writes per identity; the
// store itself only guarantees statement-level atomicity.
type Store interface {
	// Upsert records a sighting. A new identity gets a fresh record; an
	// existing one keeps its first-seen timestamp and kill counter while
	// last-seen, threat level, and the descriptive fields are refreshed.
	// Returns the stored record including its id.
	Upsert(ctx context.Context, rec *models.ProcessRecord) (*models.ProcessRecord, error)

	// RecordResurrection appends one resurrection event for the record and
	// increments its times_killed counter in the same step. Called for every
	// executed response at soft-kill tier or above.
	RecordResurrection(ctx context.Context, recordID int64, action models.ActionLevel, at time.Time) error

	// Lookup finds the record for an identity, or nil when none exists.
	Lookup(ctx context.Context, id models.Identity) (*models.ProcessRecord, error)

	// Resurrections lists a record's resurrection events, oldest first.
	Resurrections(ctx context.Context, recordID int64) ([]models.ResurrectionEvent, error)

	// Records lists all known process records, most recently seen first.
	Records(ctx context.Context) ([]models.ProcessRecord, error)

	Close() error
}
