package cache

import (
	"net/http"
	"time"
)

// Entry is a stored upstream response. Entries are replaced wholesale and
// never mutated after they are stored.
type Entry struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	StoredAt   time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the entry is past its expiry. An expired entry is
// treated as absent even if the store has not reaped it yet.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Size approximates the memory held by the entry.
func (e *Entry) Size() int64 {
	n := int64(len(e.Body))
	for k, vv := range e.Headers {
		n += int64(len(k))
		for _, v := range vv {
			n += int64(len(v))
		}
	}
	return n
}

// StoreStats contains storage-level statistics.
type StoreStats struct {
	Size      int   `json:"size"`
	MaxSize   int   `json:"max_size"`  // 0 if N/A (e.g., Redis)
	Bytes     int64 `json:"bytes"`     // 0 if not tracked (e.g., Redis)
	MaxBytes  int64 `json:"max_bytes"` // 0 if N/A
	Evictions int64 `json:"evictions"` // 0 if not tracked (e.g., Redis)
}

// Store abstracts the cache storage backend.
type Store interface {
	Get(key string) (*Entry, bool)
	Set(key string, entry *Entry)
	Delete(key string)
	Purge()
	Stats() StoreStats
}
