// Package store provides bounded replay-detection storage using a Bloom
// filter front and an LRU cache.
package store

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// SeenStore remembers recently observed message identities so replayed
// frames can be dropped. The Bloom filter answers the common "never seen"
// case without touching the map; the LRU bounds memory across long-lived
// sessions. Safe for concurrent use.
type SeenStore struct {
	idents            map[string]struct{}
	bloom             *bloom.BloomFilter
	lru               *lru.Cache[string, struct{}]
	mutex             sync.RWMutex
	maxIdents         int
	falsePositiveRate float64
}

// NewSeenStore creates a store holding up to maxIdents identities with the
// given Bloom filter false positive rate.
func NewSeenStore(maxIdents int, falsePositiveRate float64) *SeenStore {
	lruCache, _ := lru.New[string, struct{}](maxIdents)

	if maxIdents < 0 {
		panic("maxIdents must not be negative")
	}
	bloomFilter := bloom.NewWithEstimates(uint(maxIdents), falsePositiveRate)

	return &SeenStore{
		idents:            make(map[string]struct{}),
		bloom:             bloomFilter,
		lru:               lruCache,
		maxIdents:         maxIdents,
		falsePositiveRate: falsePositiveRate,
	}
}

// Has reports whether ident has been recorded.
func (ss *SeenStore) Has(ident string) bool {
	ss.mutex.RLock()
	defer ss.mutex.RUnlock()

	if !ss.bloom.TestString(ident) {
		return false
	}

	_, exists := ss.idents[ident]
	return exists
}

// Add records an identity, evicting the oldest entry when the store is at
// capacity.
func (ss *SeenStore) Add(ident string) {
	ss.mutex.Lock()
	defer ss.mutex.Unlock()

	if _, exists := ss.idents[ident]; exists {
		return
	}

	ss.idents[ident] = struct{}{}
	ss.bloom.AddString(ident)
	ss.lru.Add(ident, struct{}{})

	if len(ss.idents) > ss.maxIdents {
		ss.evictOldest()
	}
}

// Size returns the number of identities currently stored.
func (ss *SeenStore) Size() int {
	ss.mutex.RLock()
	defer ss.mutex.RUnlock()
	return len(ss.idents)
}

// Clear drops all identities. Used when a session is rebuilt, since ident
// scopes do not carry across connections.
func (ss *SeenStore) Clear() {
	ss.mutex.Lock()
	defer ss.mutex.Unlock()

	ss.idents = make(map[string]struct{})
	ss.bloom = bloom.NewWithEstimates(uint(ss.maxIdents), ss.falsePositiveRate)
	ss.lru.Purge()
}

func (ss *SeenStore) evictOldest() {
	oldestKey, _, ok := ss.lru.GetOldest()
	if !ok {
		return
	}

	delete(ss.idents, oldestKey)
	ss.lru.Remove(oldestKey)
}
