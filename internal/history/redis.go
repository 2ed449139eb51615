package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/whispr-dev/proc-wolf/pkg/models"
)

// RedisConfig configures the fleet-shared Redis backend.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps process history in Redis. It exists for fleets that want
// agents on many hosts to share one judgment memory; single hosts are better
// served by the SQLite backend.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects and verifies the server is reachable. History is
// the agent's memory, so an unreachable backend fails the open rather than
// degrading silently.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "procwolf:history"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis history store: %w", err)
	}

	return &RedisStore{client: client, prefix: strings.TrimSpace(cfg.KeyPrefix)}, nil
}

// Upsert implements Store.
func (s *RedisStore) Upsert(ctx context.Context, rec *models.ProcessRecord) (*models.ProcessRecord, error) {
	id, err := s.resolveID(ctx, rec.Hash, rec.Name, rec.Path)
	if err != nil {
		return nil, err
	}

	if id == 0 {
		id, err = s.client.Incr(ctx, s.seqKey()).Result()
		if err != nil {
			return nil, fmt.Errorf("allocate history record id: %w", err)
		}

		stored := *rec
		stored.ID = id
		stored.Hash = strings.ToLower(rec.Hash)
		stored.TimesKilled = 0

		pipe := s.client.Pipeline()
		pipe.HSet(ctx, s.recordKey(id), recordFields(&stored)...)
		pipe.SAdd(ctx, s.idsKey(), id)
		s.indexRecord(ctx, pipe, &stored)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("write history record %d: %w", id, err)
		}
		return &stored, nil
	}

	existing, err := s.fetchRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	merged := mergeRecord(existing, rec)

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.recordKey(id), recordFields(merged)...)
	s.indexRecord(ctx, pipe, merged)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("update history record %d: %w", id, err)
	}
	return merged, nil
}

// RecordResurrection implements Store. The list append and counter bump run
// in one pipeline; Redis executes them back to back on a single connection.
func (s *RedisStore) RecordResurrection(ctx context.Context, recordID int64, action models.ActionLevel, at time.Time) error {
	eventID, err := s.client.Incr(ctx, s.eventSeqKey()).Result()
	if err != nil {
		return fmt.Errorf("allocate resurrection event id: %w", err)
	}

	payload, err := json.Marshal(models.ResurrectionEvent{
		ID:        eventID,
		RecordID:  recordID,
		Timestamp: at.UTC(),
		Action:    action,
	})
	if err != nil {
		return fmt.Errorf("encode resurrection event: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, s.resurrectionsKey(recordID), payload)
	pipe.HIncrBy(ctx, s.recordKey(recordID), "times_killed", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record resurrection for %d: %w", recordID, err)
	}
	return nil
}

// Lookup implements Store.
func (s *RedisStore) Lookup(ctx context.Context, id models.Identity) (*models.ProcessRecord, error) {
	var recordID int64
	var err error

	switch key := id.(type) {
	case models.HashIdentity:
		recordID, err = s.indexGet(ctx, s.hashIndexKey(), strings.ToLower(key.Hash))
	case models.NamePathIdentity:
		recordID, err = s.indexGet(ctx, s.namePathIndexKey(), namePathField(key.Name, key.Path))
	default:
		return nil, fmt.Errorf("unsupported identity type %T", id)
	}
	if err != nil {
		return nil, err
	}
	if recordID == 0 {
		return nil, nil
	}
	return s.fetchRecord(ctx, recordID)
}

// Resurrections implements Store.
func (s *RedisStore) Resurrections(ctx context.Context, recordID int64) ([]models.ResurrectionEvent, error) {
	raw, err := s.client.LRange(ctx, s.resurrectionsKey(recordID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read resurrections for %d: %w", recordID, err)
	}

	events := make([]models.ResurrectionEvent, 0, len(raw))
	for _, item := range raw {
		var ev models.ResurrectionEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Records implements Store.
func (s *RedisStore) Records(ctx context.Context) ([]models.ProcessRecord, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list history record ids: %w", err)
	}

	records := make([]models.ProcessRecord, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		rec, err := s.fetchRecord(ctx, id)
		if err != nil || rec == nil {
			continue
		}
		records = append(records, *rec)
	}

	// Most recently seen first, matching the SQLite backend.
	sort.Slice(records, func(i, j int) bool {
		if records[i].LastSeen.Equal(records[j].LastSeen) {
			return records[i].ID > records[j].ID
		}
		return records[i].LastSeen.After(records[j].LastSeen)
	})
	return records, nil
}

// Close closes Redis resources.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) resolveID(ctx context.Context, hash, name, path string) (int64, error) {
	if hash != "" {
		id, err := s.indexGet(ctx, s.hashIndexKey(), strings.ToLower(hash))
		if err != nil {
			return 0, err
		}
		if id != 0 {
			return id, nil
		}
	}
	return s.indexGet(ctx, s.namePathIndexKey(), namePathField(name, path))
}

func (s *RedisStore) indexGet(ctx context.Context, key, field string) (int64, error) {
	raw, err := s.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read history index: %w", err)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse history index entry %q: %w", raw, err)
	}
	return id, nil
}

func (s *RedisStore) indexRecord(ctx context.Context, pipe redis.Pipeliner, rec *models.ProcessRecord) {
	if rec.Hash != "" {
		pipe.HSet(ctx, s.hashIndexKey(), strings.ToLower(rec.Hash), rec.ID)
	}
	pipe.HSet(ctx, s.namePathIndexKey(), namePathField(rec.Name, rec.Path), rec.ID)
}

func (s *RedisStore) fetchRecord(ctx context.Context, id int64) (*models.ProcessRecord, error) {
	hash, err := s.client.HGetAll(ctx, s.recordKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("read history record %d: %w", id, err)
	}
	if len(hash) == 0 {
		return nil, nil
	}

	firstSeen, _ := strconv.ParseInt(hash["first_seen"], 10, 64)
	lastSeen, _ := strconv.ParseInt(hash["last_seen"], 10, 64)
	level, _ := strconv.Atoi(hash["threat_level"])
	killed, _ := strconv.Atoi(hash["times_killed"])
	trusted, _ := strconv.Atoi(hash["trusted"])

	return &models.ProcessRecord{
		ID:          id,
		Name:        hash["name"],
		Path:        hash["path"],
		CmdLine:     hash["cmd_line"],
		Hash:        hash["hash"],
		Signer:      hash["signer"],
		FirstSeen:   time.Unix(firstSeen, 0).UTC(),
		LastSeen:    time.Unix(lastSeen, 0).UTC(),
		ThreatLevel: models.ThreatLevel(level),
		TimesKilled: killed,
		Trusted:     trusted != 0,
	}, nil
}

// recordFields flattens a record into HSet pairs. times_killed is excluded:
// only RecordResurrection may move it.
func recordFields(rec *models.ProcessRecord) []interface{} {
	return []interface{}{
		"name", rec.Name,
		"path", rec.Path,
		"cmd_line", rec.CmdLine,
		"hash", rec.Hash,
		"signer", rec.Signer,
		"first_seen", strconv.FormatInt(rec.FirstSeen.UTC().Unix(), 10),
		"last_seen", strconv.FormatInt(rec.LastSeen.UTC().Unix(), 10),
		"threat_level", strconv.Itoa(int(rec.ThreatLevel)),
		"trusted", strconv.Itoa(boolToInt(rec.Trusted)),
	}
}

func namePathField(name, path string) string {
	return strings.ToLower(name) + "|" + strings.ToLower(path)
}

func (s *RedisStore) recordKey(id int64) string {
	return s.prefix + ":record:" + strconv.FormatInt(id, 10)
}

func (s *RedisStore) resurrectionsKey(id int64) string {
	return s.prefix + ":resurrections:" + strconv.FormatInt(id, 10)
}

func (s *RedisStore) seqKey() string { return s.prefix + ":seq" }

func (s *RedisStore) eventSeqKey() string { return s.prefix + ":event_seq" }

func (s *RedisStore) idsKey() string { return s.prefix + ":ids" }

func (s *RedisStore) hashIndexKey() string { return s.prefix + ":by_hash" }

func (s *RedisStore) namePathIndexKey() string { return s.prefix + ":by_name_path" }
