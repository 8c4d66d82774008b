package commandstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fluxdesk/relay/internal/relayid"
)

// MemoryStore is an in-process Store implementation for tests and
// single-instance deployments.
type MemoryStore struct {
	mu          sync.Mutex
	byID        map[string]CommandRecord
	byIdempKey  map[string]string // idempotency_key -> command_id
	clock       clockwork.Clock
}

// NewMemoryStore creates an empty MemoryStore using the real clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(clockwork.NewRealClock())
}

// NewMemoryStoreWithClock injects a clockwork.Clock for deterministic TTL
// tests.
func NewMemoryStoreWithClock(clock clockwork.Clock) *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]CommandRecord),
		byIdempKey: make(map[string]string),
		clock:      clock,
	}
}

func (s *MemoryStore) Enqueue(ctx context.Context, producerID, targetInstance, kind string, payload json.RawMessage, idempotencyKey, issuerViewerID string) (CommandRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.byIdempKey[idempotencyKey]; ok {
		return s.byID[existingID], nil
	}

	record := CommandRecord{
		CommandID:      relayid.NewCommandID(),
		ProducerID:     producerID,
		TargetInstance: targetInstance,
		Kind:           kind,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
		Status:         StatusPending,
		CreatedAt:      s.clock.Now(),
		IssuerViewerID: issuerViewerID,
	}
	s.byID[record.CommandID] = record
	s.byIdempKey[idempotencyKey] = record.CommandID
	return record, nil
}

func (s *MemoryStore) FetchPending(ctx context.Context, producerID string, max int) ([]CommandRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []CommandRecord
	for _, r := range s.byID {
		if r.ProducerID == producerID && r.Status == StatusPending {
			pending = append(pending, r)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	if max > 0 && len(pending) > max {
		pending = pending[:max]
	}
	return pending, nil
}

func (s *MemoryStore) MarkDone(ctx context.Context, commandID string, status Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.byID[commandID]
	if !ok || record.Status != StatusPending {
		return nil
	}
	now := s.clock.Now()
	record.Status = status
	record.ProcessedAt = &now
	record.ErrorMessage = errMsg
	s.byID[commandID] = record
	return nil
}

func (s *MemoryStore) Expire(ctx context.Context, ttl time.Duration, kinds ...string) ([]CommandRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kindSet map[string]struct{}
	if len(kinds) > 0 {
		kindSet = make(map[string]struct{}, len(kinds))
		for _, k := range kinds {
			kindSet[k] = struct{}{}
		}
	}

	now := s.clock.Now()
	var expired []CommandRecord
	for id, r := range s.byID {
		if r.Status != StatusPending {
			continue
		}
		if kindSet != nil {
			if _, ok := kindSet[r.Kind]; !ok {
				continue
			}
		}
		if now.Sub(r.CreatedAt) <= ttl {
			continue
		}
		r.Status = StatusFailed
		r.ErrorMessage = "expired"
		r.ProcessedAt = &now
		s.byID[id] = r
		expired = append(expired, r)
	}
	return expired, nil
}

func (s *MemoryStore) Get(ctx context.Context, commandID string) (CommandRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[commandID]
	return r, ok, nil
}
