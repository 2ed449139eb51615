package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/whispr-dev/proc-wolf/pkg/models"
)

// SQLiteConfig configures the local database backend.
type SQLiteConfig struct {
	Path string
}

// SQLiteStore is the default history backend: a single local database file,
// usable with no external services on the host.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS process_history (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	name         TEXT    NOT NULL,
	path         TEXT    NOT NULL DEFAULT '',
	cmd_line     TEXT    NOT NULL DEFAULT '',
	hash         TEXT    NOT NULL DEFAULT '',
	signer       TEXT    NOT NULL DEFAULT '',
	first_seen   INTEGER NOT NULL,
	last_seen    INTEGER NOT NULL,
	threat_level INTEGER NOT NULL DEFAULT 0,
	times_killed INTEGER NOT NULL DEFAULT 0,
	trusted      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_process_history_hash ON process_history(hash);
CREATE INDEX IF NOT EXISTS idx_process_history_name_path ON process_history(name, path);

CREATE TABLE IF NOT EXISTS resurrections (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	history_id  INTEGER NOT NULL REFERENCES process_history(id),
	occurred_at INTEGER NOT NULL,
	action      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_resurrections_history ON resurrections(history_id);
`

// NewSQLiteStore opens or creates the database file and applies the schema.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "proc-wolf.db"
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	// One writer at a time; SQLite serializes anyway and a single connection
	// sidesteps SQLITE_BUSY under concurrent upserts.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Upsert implements Store.
func (s *SQLiteStore) Upsert(ctx context.Context, rec *models.ProcessRecord) (*models.ProcessRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin history upsert: %w", err)
	}
	defer tx.Rollback()

	existing, err := findTx(ctx, tx, rec.Hash, rec.Name, rec.Path)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO process_history
			   (name, path, cmd_line, hash, signer, first_seen, last_seen, threat_level, times_killed, trusted)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			rec.Name, rec.Path, rec.CmdLine, strings.ToLower(rec.Hash), rec.Signer,
			rec.FirstSeen.UTC().Unix(), rec.LastSeen.UTC().Unix(),
			int(rec.ThreatLevel), boolToInt(rec.Trusted),
		)
		if err != nil {
			return nil, fmt.Errorf("insert history record: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("read inserted history id: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit history insert: %w", err)
		}

		stored := *rec
		stored.ID = id
		stored.Hash = strings.ToLower(rec.Hash)
		stored.TimesKilled = 0
		return &stored, nil
	}

	merged := mergeRecord(existing, rec)
	_, err = tx.ExecContext(ctx,
		`UPDATE process_history
		    SET name = ?, path = ?, cmd_line = ?, hash = ?, signer = ?,
		        last_seen = ?, threat_level = ?, trusted = ?
		  WHERE id = ?`,
		merged.Name, merged.Path, merged.CmdLine, merged.Hash, merged.Signer,
		merged.LastSeen.UTC().Unix(), int(merged.ThreatLevel), boolToInt(merged.Trusted),
		merged.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update history record %d: %w", merged.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit history update: %w", err)
	}
	return merged, nil
}

// RecordResurrection implements Store. The event insert and the counter
// increment share one transaction so the two can never drift apart.
func (s *SQLiteStore) RecordResurrection(ctx context.Context, recordID int64, action models.ActionLevel, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin resurrection record: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO resurrections (history_id, occurred_at, action) VALUES (?, ?, ?)`,
		recordID, at.UTC().Unix(), int(action),
	); err != nil {
		return fmt.Errorf("insert resurrection event: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE process_history SET times_killed = times_killed + 1 WHERE id = ?`,
		recordID,
	); err != nil {
		return fmt.Errorf("increment times_killed for record %d: %w", recordID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit resurrection record: %w", err)
	}
	return nil
}

// Lookup implements Store.
func (s *SQLiteStore) Lookup(ctx context.Context, id models.Identity) (*models.ProcessRecord, error) {
	switch key := id.(type) {
	case models.HashIdentity:
		return s.findOne(ctx,
			`SELECT id, name, path, cmd_line, hash, signer, first_seen, last_seen, threat_level, times_killed, trusted
			   FROM process_history WHERE hash = ? ORDER BY id LIMIT 1`,
			strings.ToLower(key.Hash))
	case models.NamePathIdentity:
		return s.findOne(ctx,
			`SELECT id, name, path, cmd_line, hash, signer, first_seen, last_seen, threat_level, times_killed, trusted
			   FROM process_history WHERE lower(name) = lower(?) AND lower(path) = lower(?) ORDER BY id LIMIT 1`,
			key.Name, key.Path)
	default:
		return nil, fmt.Errorf("unsupported identity type %T", id)
	}
}

// Resurrections implements Store.
func (s *SQLiteStore) Resurrections(ctx context.Context, recordID int64) ([]models.ResurrectionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, history_id, occurred_at, action FROM resurrections WHERE history_id = ? ORDER BY id`,
		recordID)
	if err != nil {
		return nil, fmt.Errorf("query resurrections for record %d: %w", recordID, err)
	}
	defer rows.Close()

	var events []models.ResurrectionEvent
	for rows.Next() {
		var ev models.ResurrectionEvent
		var occurred int64
		var action int
		if err := rows.Scan(&ev.ID, &ev.RecordID, &occurred, &action); err != nil {
			return nil, fmt.Errorf("scan resurrection event: %w", err)
		}
		ev.Timestamp = time.Unix(occurred, 0).UTC()
		ev.Action = models.ActionLevel(action)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Records implements Store.
func (s *SQLiteStore) Records(ctx context.Context) ([]models.ProcessRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, path, cmd_line, hash, signer, first_seen, last_seen, threat_level, times_killed, trusted
		   FROM process_history ORDER BY last_seen DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query history records: %w", err)
	}
	defer rows.Close()

	var records []models.ProcessRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) findOne(ctx context.Context, query string, args ...any) (*models.ProcessRecord, error) {
	row := s.db.QueryRowContext(ctx, query, args...)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func findTx(ctx context.Context, tx *sql.Tx, hash, name, path string) (*models.ProcessRecord, error) {
	const sel = `SELECT id, name, path, cmd_line, hash, signer, first_seen, last_seen, threat_level, times_killed, trusted
	               FROM process_history`

	if hash != "" {
		rec, err := scanRecord(tx.QueryRowContext(ctx, sel+` WHERE hash = ? ORDER BY id LIMIT 1`, strings.ToLower(hash)))
		if err == nil {
			return rec, nil
		}
		if err != sql.ErrNoRows {
			return nil, err
		}
	}

	rec, err := scanRecord(tx.QueryRowContext(ctx,
		sel+` WHERE lower(name) = lower(?) AND lower(path) = lower(?) ORDER BY id LIMIT 1`, name, path))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func scanRecord(row rowScanner) (*models.ProcessRecord, error) {
	var rec models.ProcessRecord
	var firstSeen, lastSeen int64
	var level, trusted int
	err := row.Scan(&rec.ID, &rec.Name, &rec.Path, &rec.CmdLine, &rec.Hash, &rec.Signer,
		&firstSeen, &lastSeen, &level, &rec.TimesKilled, &trusted)
	if err != nil {
		return nil, err
	}
	rec.FirstSeen = time.Unix(firstSeen, 0).UTC()
	rec.LastSeen = time.Unix(lastSeen, 0).UTC()
	rec.ThreatLevel = models.ThreatLevel(level)
	rec.Trusted = trusted != 0
	return &rec, nil
}

// mergeRecord folds a fresh sighting into the stored row. First-seen and the
// kill counter survive; identity fields only upgrade, they never blank out:
// a cycle that failed to hash or verify the image must not erase a known
// hash or signer.
func mergeRecord(existing, incoming *models.ProcessRecord) *models.ProcessRecord {
	merged := *existing
	merged.Name = incoming.Name
	merged.LastSeen = incoming.LastSeen
	merged.ThreatLevel = incoming.ThreatLevel
	merged.Trusted = incoming.Trusted
	if incoming.Path != "" {
		merged.Path = incoming.Path
	}
	if incoming.CmdLine != "" {
		merged.CmdLine = incoming.CmdLine
	}
	if incoming.Hash != "" {
		merged.Hash = strings.ToLower(incoming.Hash)
	}
	if incoming.Signer != "" {
		merged.Signer = incoming.Signer
	}
	return &merged
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
