package cache

import (
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/internal/metrics"
)

// EmbeddingMemo is a process-local TTL cache for query embeddings. Repeated
// questions within the TTL skip the embedding call entirely.
type EmbeddingMemo struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	entries map[string]memoEntry
}

type memoEntry struct {
	vector  []float32
	expires time.Time
}

// NewEmbeddingMemo builds a memo with the given TTL; 5 minutes when zero.
func NewEmbeddingMemo(ttl time.Duration) *EmbeddingMemo {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &EmbeddingMemo{
		ttl:     ttl,
		maxSize: 1024,
		entries: make(map[string]memoEntry),
	}
}

// Get returns the memoized vector for the key, or nil.
func (m *EmbeddingMemo) Get(key string) []float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if time.Now().After(e.expires) {
		delete(m.entries, key)
		return nil
	}
	metrics.EmbeddingCacheHits.WithLabelValues("memo").Inc()
	return e.vector
}

// Set memoizes a vector. When full, expired entries are evicted first; if
// none are expired the whole memo is reset rather than tracking LRU order.
func (m *EmbeddingMemo) Set(key string, vector []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) >= m.maxSize {
		now := time.Now()
		for k, e := range m.entries {
			if now.After(e.expires) {
				delete(m.entries, k)
			}
		}
		if len(m.entries) >= m.maxSize {
			m.entries = make(map[string]memoEntry)
		}
	}
	m.entries[key] = memoEntry{vector: vector, expires: time.Now().Add(m.ttl)}
}
