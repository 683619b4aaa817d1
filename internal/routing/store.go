package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	rdb "github.com/redis/go-redis/v9"
)

// Store persists record sets with versioned compare-and-swap
type Store interface {
	// Load returns the current policy or ErrPolicyNotFound
	Load(ctx context.Context, recordSetID string) (Policy, error)
	// CompareAndSwap replaces the record set only when its version equals
	// expectedVersion (0 for a record set that does not exist yet). It
	// returns the version current after the call.
	CompareAndSwap(ctx context.Context, policy Policy, expectedVersion uint64) (bool, uint64, error)
}

// MemoryStore keeps record sets in memory. Every commit stores a fresh copy
// so readers never see a partially written set.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]Policy)}
}

// Load returns a copy of the record set
func (m *MemoryStore) Load(_ context.Context, recordSetID string) (Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.policies[recordSetID]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %s", ErrPolicyNotFound, recordSetID)
	}
	return p.Clone(), nil
}

// CompareAndSwap replaces the record set under version check
func (m *MemoryStore) CompareAndSwap(_ context.Context, policy Policy, expectedVersion uint64) (bool, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.policies[policy.RecordSetID].Version
	if current != expectedVersion {
		return false, current, nil
	}

	next := policy.Clone()
	next.Version = expectedVersion + 1
	m.policies[policy.RecordSetID] = next
	return true, next.Version, nil
}

// RedisStore keeps each record set as one JSON value and swaps it inside a
// WATCH/MULTI transaction
type RedisStore struct {
	client *rdb.Client
	prefix string
}

// NewRedisStore creates a store over an existing client
func NewRedisStore(client *rdb.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "drcore:routing:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(recordSetID string) string {
	return s.prefix + recordSetID
}

// Load reads and decodes the record set
func (s *RedisStore) Load(ctx context.Context, recordSetID string) (Policy, error) {
	raw, err := s.client.Get(ctx, s.key(recordSetID)).Bytes()
	if errors.Is(err, rdb.Nil) {
		return Policy{}, fmt.Errorf("%w: %s", ErrPolicyNotFound, recordSetID)
	}
	if err != nil {
		return Policy{}, fmt.Errorf("load record set %s: %w", recordSetID, err)
	}

	var p Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		return Policy{}, fmt.Errorf("decode record set %s: %w", recordSetID, err)
	}
	return p, nil
}

// CompareAndSwap replaces the record set if nobody changed it since the
// version check
func (s *RedisStore) CompareAndSwap(ctx context.Context, policy Policy, expectedVersion uint64) (bool, uint64, error) {
	key := s.key(policy.RecordSetID)
	var committed bool
	var current uint64

	err := s.client.Watch(ctx, func(tx *rdb.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, rdb.Nil):
			current = 0
		case err != nil:
			return err
		default:
			var existing Policy
			if err := json.Unmarshal(raw, &existing); err != nil {
				return fmt.Errorf("decode record set %s: %w", policy.RecordSetID, err)
			}
			current = existing.Version
		}

		if current != expectedVersion {
			return nil
		}

		next := policy.Clone()
		next.Version = expectedVersion + 1
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe rdb.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		committed = true
		current = next.Version
		return nil
	}, key)

	if errors.Is(err, rdb.TxFailedErr) {
		// the key changed between WATCH and EXEC
		p, loadErr := s.Load(ctx, policy.RecordSetID)
		if loadErr != nil && !errors.Is(loadErr, ErrPolicyNotFound) {
			return false, 0, loadErr
		}
		return false, p.Version, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("swap record set %s: %w", policy.RecordSetID, err)
	}
	return committed, current, nil
}
