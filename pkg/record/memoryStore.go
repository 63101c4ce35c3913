package record

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore keeps records for the life of the process.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[common.Hash]*SubmissionRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[common.Hash]*SubmissionRecord),
	}
}

func (m *MemoryStore) Get(_ context.Context, intentKey common.Hash) (*SubmissionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[intentKey]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, rec *SubmissionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[rec.IntentKey] = rec.Clone()
	return nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
