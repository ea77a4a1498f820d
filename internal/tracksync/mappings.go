package tracksync

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type SyncState string

const (
	SyncPending SyncState = "pending"
	SyncSynced  SyncState = "synced"
	SyncFailed  SyncState = "error"
)

// EntityMapping correlates one local entity with its remote counterpart.
// (LocalID, Kind) is unique; re-sync replaces the row, never duplicates it.
type EntityMapping struct {
	LocalID      string     `json:"localId"`
	Kind         EntityKind `json:"kind"`
	ExternalID   string     `json:"externalId,omitempty"`
	ExternalKey  string     `json:"externalKey,omitempty"`
	Status       SyncState  `json:"status"`
	LastSyncedAt time.Time  `json:"lastSyncedAt,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// MappingStore is the durable correlation table. Upsert is an atomic
// replace keyed by (LocalID, Kind); concurrent upserts for the same key
// resolve last-write-wins. MarkError never discards a previously
// recorded external id.
type MappingStore interface {
	UpsertMapping(ctx context.Context, mapping EntityMapping) (EntityMapping, error)
	FindMapping(ctx context.Context, localID string, kind EntityKind) (EntityMapping, error)
	MarkMappingError(ctx context.Context, localID string, kind EntityKind, message string) error
	ListMappingsByKind(ctx context.Context, kind EntityKind) ([]EntityMapping, error)
}

type mappingKey struct {
	localID string
	kind    EntityKind
}

type InMemoryMappingStore struct {
	mu   sync.RWMutex
	rows map[mappingKey]EntityMapping
}

func NewInMemoryMappingStore() *InMemoryMappingStore {
	return &InMemoryMappingStore{rows: map[mappingKey]EntityMapping{}}
}

func (s *InMemoryMappingStore) UpsertMapping(ctx context.Context, mapping EntityMapping) (EntityMapping, error) {
	if strings.TrimSpace(mapping.LocalID) == "" || mapping.Kind == "" {
		return EntityMapping{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mapping.UpdatedAt = time.Now().UTC()
	s.rows[mappingKey{localID: mapping.LocalID, kind: mapping.Kind}] = mapping
	return mapping, nil
}

func (s *InMemoryMappingStore) FindMapping(ctx context.Context, localID string, kind EntityKind) (EntityMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[mappingKey{localID: localID, kind: kind}]
	if !ok {
		return EntityMapping{}, ErrNotFound
	}
	return row, nil
}

func (s *InMemoryMappingStore) MarkMappingError(ctx context.Context, localID string, kind EntityKind, message string) error {
	if strings.TrimSpace(localID) == "" || kind == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := mappingKey{localID: localID, kind: kind}
	row, ok := s.rows[key]
	if !ok {
		row = EntityMapping{LocalID: localID, Kind: kind}
	}
	row.Status = SyncFailed
	row.LastError = message
	row.UpdatedAt = time.Now().UTC()
	s.rows[key] = row
	return nil
}

func (s *InMemoryMappingStore) ListMappingsByKind(ctx context.Context, kind EntityKind) ([]EntityMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]EntityMapping, 0)
	for key, row := range s.rows {
		if key.kind == kind {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].LocalID < rows[j].LocalID })
	return rows, nil
}
