package memory

import "testing"

func TestEmbeddingCacheHitAndMiss(t *testing.T) {
	c := newEmbeddingCache(2)
	c.set("a", []float32{1})

	if got, ok := c.get("a"); !ok || got[0] != 1 {
		t.Errorf("get(a) = %v, %v", got, ok)
	}
	if _, ok := c.get("missing"); ok {
		t.Error("get(missing) hit")
	}
}

func TestEmbeddingCacheEvictsOldest(t *testing.T) {
	c := newEmbeddingCache(2)
	c.set("a", []float32{1})
	c.set("b", []float32{2})
	c.set("c", []float32{3})

	if _, ok := c.get("a"); ok {
		t.Error("a survived eviction")
	}
	if _, ok := c.get("b"); !ok {
		t.Error("b evicted early")
	}
	if _, ok := c.get("c"); !ok {
		t.Error("c evicted early")
	}
}

func TestEmbeddingCachePromotesOnGet(t *testing.T) {
	c := newEmbeddingCache(2)
	c.set("a", []float32{1})
	c.set("b", []float32{2})

	// Touch a so b becomes the LRU entry.
	c.get("a")
	c.set("c", []float32{3})

	if _, ok := c.get("a"); !ok {
		t.Error("recently read a was evicted")
	}
	if _, ok := c.get("b"); ok {
		t.Error("stale b survived")
	}
}

func TestEmbeddingCacheOverwrite(t *testing.T) {
	c := newEmbeddingCache(2)
	c.set("a", []float32{1})
	c.set("a", []float32{9})

	got, ok := c.get("a")
	if !ok || got[0] != 9 {
		t.Errorf("get(a) = %v, %v, want updated value", got, ok)
	}
}
