package dataset

import (
	"container/list"
	"fmt"
	"sync"
)

// CacheManager keeps the most recently decoded images, keyed by file path.
type CacheManager struct {
	mu      sync.Mutex
	order   *list.List // of *cacheEntry, most recent first
	entries map[string]*list.Element
	maxSize int

	hits   int64
	misses int64
}

type cacheEntry struct {
	key  string
	data []float32
}

// NewCacheManager creates a cache holding at most maxSize images. A
// non-positive maxSize disables caching.
func NewCacheManager(maxSize int) *CacheManager {
	return &CacheManager{
		order:   list.New(),
		entries: make(map[string]*list.Element),
		maxSize: maxSize,
	}
}

// Get returns the cached data for key. Callers must not modify it.
func (cm *CacheManager) Get(key string) ([]float32, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	elem, ok := cm.entries[key]
	if !ok {
		cm.misses++
		return nil, false
	}
	cm.order.MoveToFront(elem)
	cm.hits++
	return elem.Value.(*cacheEntry).data, true
}

// Put stores data under key, evicting the least recently used image when
// the cache is full. An existing key keeps its data.
func (cm *CacheManager) Put(key string, data []float32) {
	if cm.maxSize <= 0 {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if elem, ok := cm.entries[key]; ok {
		cm.order.MoveToFront(elem)
		return
	}
	cm.entries[key] = cm.order.PushFront(&cacheEntry{key: key, data: data})
	for cm.order.Len() > cm.maxSize {
		oldest := cm.order.Back()
		cm.order.Remove(oldest)
		delete(cm.entries, oldest.Value.(*cacheEntry).key)
	}
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	stats := CacheStats{Size: cm.order.Len(), MaxSize: cm.maxSize, Hits: cm.hits, Misses: cm.misses}
	if total := cm.hits + cm.misses; total > 0 {
		stats.HitRate = float64(cm.hits) / float64(total) * 100
	}
	return stats
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
