package memory

import (
	"strings"
	"sync"
	"testing"
)

func TestRoundUpToPowerOf2(t *testing.T) {
	tests := []struct {
		input    int
		expected int
	}{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {5, 8}, {17, 32}, {1000, 1024}, {1024, 1024}, {1025, 2048},
	}
	for _, test := range tests {
		if result := roundUpToPowerOf2(test.input); result != test.expected {
			t.Errorf("roundUpToPowerOf2(%d) = %d; expected %d", test.input, result, test.expected)
		}
	}
}

func TestBufferPoolGetPut(t *testing.T) {
	pool := NewBufferPool()

	buf := pool.Get(100)
	if len(buf) != 100 {
		t.Fatalf("Expected buffer length 100, got %d", len(buf))
	}
	if cap(buf) != 128 {
		t.Errorf("Expected capacity 128, got %d", cap(buf))
	}
	for i := range buf {
		buf[i] = float32(i)
	}
	pool.Put(buf)

	again := pool.Get(120)
	for i, v := range again {
		if v != 0 {
			t.Fatalf("reused buffer not zeroed at %d: %f", i, v)
		}
	}
	pool.Put(again)

	stats := pool.Stats()[128]
	if stats.Gets != 2 || stats.Puts != 2 || stats.InUse != 0 || stats.MaxInUse != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if !strings.Contains(pool.String(), "Size 128: Gets=2") {
		t.Errorf("String() = %q", pool.String())
	}
}

func TestBufferPoolForeignBuffers(t *testing.T) {
	pool := NewBufferPool()
	pool.Put(make([]float32, 10)) // no bucket yet
	pool.Put(nil)
	if got := pool.Get(0); got != nil {
		t.Errorf("Get(0) = %v, want nil", got)
	}
	if len(pool.Stats()) != 0 {
		t.Errorf("foreign buffers should not create buckets: %v", pool.Stats())
	}
}

func TestBufferPoolConcurrent(t *testing.T) {
	pool := NewBufferPool()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				buf := pool.Get(64 + i)
				buf[0] = 1
				pool.Put(buf)
			}
		}()
	}
	wg.Wait()

	for size, s := range pool.Stats() {
		if s.InUse != 0 || s.Gets != s.Puts {
			t.Errorf("bucket %d unbalanced: %+v", size, s)
		}
	}
	t.Log("✅ concurrent get/put balanced")
}
