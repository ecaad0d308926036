package cache

import (
	"expvar"
	"fmt"
	"testing"
)

func TestFIFOCache_PutAndTryGet(t *testing.T) {
	c := NewFIFOCache(3, 0, nil, nil)

	if err := c.Put("a", 1); err != nil {
		t.Fatalf("Put(a): %v", err)
	}
	if err := c.Put("b", 2); err != nil {
		t.Fatalf("Put(b): %v", err)
	}

	v, ok := c.TryGet("a")
	if !ok || v.(int) != 1 {
		t.Fatalf("TryGet(a) = %v, %v", v, ok)
	}
	if _, ok := c.TryGet("missing"); ok {
		t.Fatal("TryGet(missing) unexpectedly hit")
	}
}

func TestFIFOCache_DuplicatePutIsError(t *testing.T) {
	c := NewFIFOCache(3, 0, nil, nil)
	if err := c.Put("a", 1); err != nil {
		t.Fatalf("Put(a): %v", err)
	}
	if err := c.Put("a", 2); err == nil {
		t.Fatal("duplicate Put must fail unless the caller opts into overwrite")
	}

	c.PutReplace("a", 2)
	v, _ := c.TryGet("a")
	if v.(int) != 2 {
		t.Fatalf("PutReplace did not overwrite: got %v", v)
	}
}

func TestFIFOCache_EvictsInsertionOrderNotAccessOrder(t *testing.T) {
	var evicted []string
	c := NewFIFOCache(3, 0, nil, func(key string, _ interface{}) {
		evicted = append(evicted, key)
	})

	for _, k := range []string{"a", "b", "c"} {
		if err := c.Put(k, k); err != nil {
			t.Fatal(err)
		}
	}

	// Touch "a" repeatedly; FIFO must still evict it first.
	for i := 0; i < 10; i++ {
		c.TryGet("a")
	}

	if err := c.Put("d", "d"); err != nil {
		t.Fatal(err)
	}
	if len(evicted) != 1 || evicted[0] != "a" {
		t.Fatalf("expected eviction of oldest key a, got %v", evicted)
	}
	if _, ok := c.TryGet("a"); ok {
		t.Fatal("a should be gone")
	}
	if _, ok := c.TryGet("b"); !ok {
		t.Fatal("b should survive")
	}
}

func TestFIFOCache_ByteCeiling(t *testing.T) {
	sizeOf := func(_ string, v interface{}) int64 { return int64(len(v.([]byte))) }
	c := NewFIFOCache(100, 10, sizeOf, nil)

	for i := 0; i < 5; i++ {
		if err := c.Put(fmt.Sprintf("k%d", i), make([]byte, 4)); err != nil {
			t.Fatal(err)
		}
	}

	if c.Bytes() > 10 {
		t.Fatalf("byte budget exceeded: %d", c.Bytes())
	}
	// 4 bytes each under a 10-byte budget: at most 2 entries fit.
	if c.Len() > 2 {
		t.Fatalf("expected at most 2 resident entries, got %d", c.Len())
	}
	if _, ok := c.TryGet("k4"); !ok {
		t.Fatal("newest entry must be resident")
	}
}

func TestFIFOCache_Metrics(t *testing.T) {
	c := NewFIFOCache(2, 0, nil, nil)
	hits := new(expvar.Int)
	misses := new(expvar.Int)
	evictions := new(expvar.Int)
	c.SetMetrics(hits, misses, evictions)

	c.Put("a", 1)
	c.TryGet("a")
	c.TryGet("nope")
	c.Put("b", 2)
	c.Put("c", 3)

	if hits.Value() != 1 || misses.Value() != 1 || evictions.Value() != 1 {
		t.Fatalf("metrics hits=%d misses=%d evictions=%d", hits.Value(), misses.Value(), evictions.Value())
	}
}

func TestFIFOCache_ZeroCapacityDisabled(t *testing.T) {
	c := NewFIFOCache(0, 0, nil, nil)
	if err := c.Put("a", 1); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.TryGet("a"); ok {
		t.Fatal("disabled cache must not retain entries")
	}
}
