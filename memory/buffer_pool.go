// Package memory pools the float32 scratch buffers used by the compute
// kernels.
package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// BufferPool hands out zeroed float32 buffers, bucketed by power-of-two
// capacity.
type BufferPool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool // Pools indexed by buffer capacity
	stats map[int]*PoolStats
}

// PoolStats tracks statistics for one bucket
type PoolStats struct {
	Gets     int64
	Puts     int64
	Misses   int64 // Gets that had to allocate
	InUse    int64
	MaxInUse int64
}

// NewBufferPool creates a new buffer pool
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pools: make(map[int]*sync.Pool),
		stats: make(map[int]*PoolStats),
	}
}

// Get returns a zeroed buffer of length size. Return it with Put.
func (bp *BufferPool) Get(size int) []float32 {
	if size <= 0 {
		return nil
	}
	poolSize := roundUpToPowerOf2(size)

	bp.mu.Lock()
	pool, exists := bp.pools[poolSize]
	if !exists {
		pool = &sync.Pool{}
		bp.pools[poolSize] = pool
		bp.stats[poolSize] = &PoolStats{}
	}
	stats := bp.stats[poolSize]
	stats.Gets++
	stats.InUse++
	if stats.InUse > stats.MaxInUse {
		stats.MaxInUse = stats.InUse
	}
	bp.mu.Unlock()

	if p, ok := pool.Get().(*[]float32); ok {
		return (*p)[:size]
	}
	bp.mu.Lock()
	stats.Misses++
	bp.mu.Unlock()
	return make([]float32, size, poolSize)
}

// Put zeroes buf and makes it available to later Gets. Buffers that did
// not come from Get are dropped.
func (bp *BufferPool) Put(buf []float32) {
	if cap(buf) == 0 {
		return
	}
	poolSize := cap(buf)
	bp.mu.Lock()
	pool, exists := bp.pools[poolSize]
	if !exists {
		bp.mu.Unlock()
		return
	}
	stats := bp.stats[poolSize]
	stats.Puts++
	stats.InUse--
	bp.mu.Unlock()

	buf = buf[:poolSize]
	clear(buf)
	pool.Put(&buf)
}

// Stats returns a copy of the per-bucket statistics
func (bp *BufferPool) Stats() map[int]PoolStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	out := make(map[int]PoolStats, len(bp.stats))
	for size, stats := range bp.stats {
		out[size] = *stats
	}
	return out
}

func (bp *BufferPool) String() string {
	stats := bp.Stats()
	sizes := make([]int, 0, len(stats))
	for size := range stats {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)

	var sb strings.Builder
	sb.WriteString("BufferPool Statistics:\n")
	for _, size := range sizes {
		stat := stats[size]
		hitRate := float64(0)
		if stat.Gets > 0 {
			hitRate = float64(stat.Gets-stat.Misses) / float64(stat.Gets) * 100
		}
		fmt.Fprintf(&sb, "  Size %d: Gets=%d, Puts=%d, InUse=%d, MaxInUse=%d, HitRate=%.1f%%\n",
			size, stat.Gets, stat.Puts, stat.InUse, stat.MaxInUse, hitRate)
	}
	return sb.String()
}

// roundUpToPowerOf2 rounds a number up to the nearest power of 2
func roundUpToPowerOf2(n int) int {
	if n <= 0 {
		return 1
	}
	power := 1
	for power < n {
		power <<= 1
	}
	return power
}
