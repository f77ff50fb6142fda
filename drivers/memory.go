package drivers

import (
	"context"
	"sync"
)

// MemoryStore keeps objects in memory. Used by tests and local runs where no
// external bucket is reachable.
type MemoryStore struct {
	baseURI string

	mu   sync.RWMutex
	data map[string][]byte
}

var _ ObjectStore = (*MemoryStore)(nil)

func NewMemoryStore(baseURI string) *MemoryStore {
	return &MemoryStore{
		baseURI: baseURI,
		data:    make(map[string][]byte),
	}
}

func (st *MemoryStore) SaveData(ctx context.Context, name string, data []byte) (string, error) {
	cp := make([]byte, len(data))
	copy(cp, data)
	st.mu.Lock()
	st.data[name] = cp
	st.mu.Unlock()
	return "mem://" + st.baseURI + "/" + name, nil
}

// GetData returns a previously saved object, or nil.
func (st *MemoryStore) GetData(name string) []byte {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.data[name]
}
