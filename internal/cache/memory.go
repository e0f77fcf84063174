package cache

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryStore is an in-memory LRU cache bounded by entry count and total bytes.
type MemoryStore struct {
	lru       *lru.Cache[string, *Entry]
	mu        sync.Mutex // serializes replace-and-trim so the byte budget holds
	bytes     atomic.Int64
	evictions atomic.Int64
	maxSize   int
	maxBytes  int64
	now       func() time.Time
}

// NewMemoryStore creates a store holding at most maxSize entries and maxBytes
// of entry data. A maxBytes of zero disables the byte budget.
func NewMemoryStore(maxSize int, maxBytes int64) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 1000
	}
	s := &MemoryStore{
		maxSize:  maxSize,
		maxBytes: maxBytes,
		now:      time.Now,
	}
	// the callback runs for every removal, so it only keeps the byte count
	s.lru, _ = lru.NewWithEvict[string, *Entry](maxSize, func(_ string, value *Entry) {
		s.bytes.Add(-value.Size())
	})
	return s
}

func (s *MemoryStore) Get(key string) (*Entry, bool) {
	e, ok := s.lru.Get(key)
	if !ok {
		return nil, false
	}
	if e.Expired(s.now()) {
		s.lru.Remove(key)
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) Set(key string, entry *Entry) {
	size := entry.Size()
	if s.maxBytes > 0 && size > s.maxBytes {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lru.Peek(key); ok {
		s.lru.Remove(key)
	}
	s.bytes.Add(size)
	if evicted := s.lru.Add(key, entry); evicted {
		s.evictions.Add(1)
	}
	for s.maxBytes > 0 && s.bytes.Load() > s.maxBytes {
		if _, _, ok := s.lru.RemoveOldest(); !ok {
			break
		}
		s.evictions.Add(1)
	}
}

func (s *MemoryStore) Delete(key string) {
	s.mu.Lock()
	s.lru.Remove(key)
	s.mu.Unlock()
}

func (s *MemoryStore) Purge() {
	s.mu.Lock()
	s.lru.Purge()
	s.mu.Unlock()
}

func (s *MemoryStore) Stats() StoreStats {
	return StoreStats{
		Size:      s.lru.Len(),
		MaxSize:   s.maxSize,
		Bytes:     s.bytes.Load(),
		MaxBytes:  s.maxBytes,
		Evictions: s.evictions.Load(),
	}
}
