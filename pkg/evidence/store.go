package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"aegis/pkg/models"
)

// ErrNotFound is returned when a record id is unknown to the store.
var ErrNotFound = errors.New("record not found")

// Store persists evidence records and their audit entries.
type Store interface {
	PutEvidence(ctx context.Context, record models.EvidenceRecord) error
	GetEvidence(ctx context.Context, id string) (models.EvidenceRecord, error)
	PutAuditEntry(ctx context.Context, entry models.AuditLogEntry) error
	GetAuditEntry(ctx context.Context, id string) (models.AuditLogEntry, error)
	ListEvidence(ctx context.Context) ([]models.EvidenceRecord, error)
}

// MemoryStore keeps records in process. Safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	evidence map[string]models.EvidenceRecord
	audit    map[string]models.AuditLogEntry
	order    []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		evidence: map[string]models.EvidenceRecord{},
		audit:    map[string]models.AuditLogEntry{},
	}
}

func (m *MemoryStore) PutEvidence(ctx context.Context, record models.EvidenceRecord) error {
	_ = ctx
	if record.ID == "" {
		return fmt.Errorf("evidence id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.evidence[record.ID]; !ok {
		m.order = append(m.order, record.ID)
	}
	m.evidence[record.ID] = record
	return nil
}

func (m *MemoryStore) GetEvidence(ctx context.Context, id string) (models.EvidenceRecord, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.evidence[id]
	if !ok {
		return models.EvidenceRecord{}, ErrNotFound
	}
	return record, nil
}

func (m *MemoryStore) PutAuditEntry(ctx context.Context, entry models.AuditLogEntry) error {
	_ = ctx
	if entry.ID == "" {
		return fmt.Errorf("audit entry id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit[entry.ID] = entry
	return nil
}

func (m *MemoryStore) GetAuditEntry(ctx context.Context, id string) (models.AuditLogEntry, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.audit[id]
	if !ok {
		return models.AuditLogEntry{}, ErrNotFound
	}
	return entry, nil
}

// ListEvidence returns records in insertion order.
func (m *MemoryStore) ListEvidence(ctx context.Context) ([]models.EvidenceRecord, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.EvidenceRecord, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.evidence[id])
	}
	return out, nil
}

// RedisStore persists records as JSON values under prefixed keys.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

const (
	evidenceKeyPrefix = "evidence:"
	auditKeyPrefix    = "audit:"
	evidenceIndexKey  = "evidence:index"
)

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) PutEvidence(ctx context.Context, record models.EvidenceRecord) error {
	if record.ID == "" {
		return fmt.Errorf("evidence id required")
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	if err := s.client.Set(ctx, evidenceKeyPrefix+record.ID, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("store evidence: %w", err)
	}
	score := float64(time.Now().UnixNano())
	if t, perr := models.ParseISOTime(record.Timestamp); perr == nil {
		score = float64(t.UnixNano())
	}
	if err := s.client.ZAdd(ctx, evidenceIndexKey, redis.Z{Score: score, Member: record.ID}).Err(); err != nil {
		return fmt.Errorf("index evidence: %w", err)
	}
	return nil
}

func (s *RedisStore) GetEvidence(ctx context.Context, id string) (models.EvidenceRecord, error) {
	raw, err := s.client.Get(ctx, evidenceKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.EvidenceRecord{}, ErrNotFound
	}
	if err != nil {
		return models.EvidenceRecord{}, fmt.Errorf("load evidence: %w", err)
	}
	var record models.EvidenceRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return models.EvidenceRecord{}, fmt.Errorf("decode evidence: %w", err)
	}
	return record, nil
}

func (s *RedisStore) PutAuditEntry(ctx context.Context, entry models.AuditLogEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("audit entry id required")
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	if err := s.client.Set(ctx, auditKeyPrefix+entry.ID, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("store audit entry: %w", err)
	}
	return nil
}

func (s *RedisStore) GetAuditEntry(ctx context.Context, id string) (models.AuditLogEntry, error) {
	raw, err := s.client.Get(ctx, auditKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.AuditLogEntry{}, ErrNotFound
	}
	if err != nil {
		return models.AuditLogEntry{}, fmt.Errorf("load audit entry: %w", err)
	}
	var entry models.AuditLogEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return models.AuditLogEntry{}, fmt.Errorf("decode audit entry: %w", err)
	}
	return entry, nil
}

// ListEvidence returns records ordered by their recorded timestamp.
// Records whose key expired are skipped; the index entry stays behind.
func (s *RedisStore) ListEvidence(ctx context.Context) ([]models.EvidenceRecord, error) {
	ids, err := s.client.ZRange(ctx, evidenceIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list evidence index: %w", err)
	}
	out := make([]models.EvidenceRecord, 0, len(ids))
	for _, id := range ids {
		record, err := s.GetEvidence(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}
