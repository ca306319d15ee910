package device

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go/jetstream"
)

// Record is the device-owned state of one lightbulb.
type Record struct {
	ID     string         `json:"id"`
	Data   map[string]any `json:"data,omitempty"`
	Status Status         `json:"status"`
}

// View renders the record as reply data: the installation context with
// the current status under "status".
func (r Record) View() map[string]any {
	out := make(map[string]any, len(r.Data)+1)
	maps.Copy(out, r.Data)
	out["status"] = string(r.Status)
	return out
}

// Store holds device records. Implementations must be safe for concurrent
// use; per-device serialization of read-modify-write is the Endpoint's job.
type Store interface {
	Get(ctx context.Context, id string) (Record, bool, error)
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps records in a map.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Get returns the record for id.
func (m *MemoryStore) Get(_ context.Context, id string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, false, nil
	}
	rec.Data = maps.Clone(rec.Data)
	return rec, true, nil
}

// Put stores rec, replacing any previous record with the same id.
func (m *MemoryStore) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Data = maps.Clone(rec.Data)
	m.records[rec.ID] = rec
	return nil
}

// Delete removes the record for id. Deleting a missing id is not an error.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// KVStore keeps records in a JetStream key-value bucket, so simulator
// state survives restarts.
type KVStore struct {
	kv jetstream.KeyValue
}

// NewKVStore opens (creating if needed) the bucket on js.
func NewKVStore(ctx context.Context, js jetstream.JetStream, bucket string) (*KVStore, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "lightbulb device records",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create KV bucket %s: %w", bucket, err)
	}
	return &KVStore{kv: kv}, nil
}

// Get returns the record for id.
func (s *KVStore) Get(ctx context.Context, id string) (Record, bool, error) {
	entry, err := s.kv.Get(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("kv get %s: %w", id, err)
	}

	var rec Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return Record{}, false, fmt.Errorf("kv decode %s: %w", id, err)
	}
	return rec, true, nil
}

// Put stores rec.
func (s *KVStore) Put(ctx context.Context, rec Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("kv encode %s: %w", rec.ID, err)
	}
	if _, err := s.kv.Put(ctx, rec.ID, value); err != nil {
		return fmt.Errorf("kv put %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes the record for id.
func (s *KVStore) Delete(ctx context.Context, id string) error {
	err := s.kv.Delete(ctx, id)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete %s: %w", id, err)
	}
	return nil
}
