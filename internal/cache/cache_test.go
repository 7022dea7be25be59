package cache

import (
	"fmt"
	"testing"
	"time"

	"upbitflow/internal/model"
)

func testCache(maxEntries int) (*Cache, *time.Time) {
	c := New(Config{
		MaxEntries: maxEntries,
		TTL: map[model.DataType]time.Duration{
			model.DataTrade:  30 * time.Second,
			model.DataCandle: 60 * time.Second,
		},
	})
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestGetPut(t *testing.T) {
	c, _ := testCache(10)

	c.Put("k1", "v1", 30*time.Second)

	got, ok := c.Get("k1")
	if !ok || got != "v1" {
		t.Fatalf("Get(k1) = %v, %v; want v1, true", got, ok)
	}

	if _, ok := c.Get("missing"); ok {
		t.Error("Get(missing) = true, want false")
	}
}

func TestTTLExpiry(t *testing.T) {
	c, now := testCache(10)

	c.Put("k1", "v1", 30*time.Second)

	*now = now.Add(29 * time.Second)
	if _, ok := c.Get("k1"); !ok {
		t.Fatal("entry expired before TTL")
	}

	*now = now.Add(2 * time.Second)
	if _, ok := c.Get("k1"); ok {
		t.Fatal("entry returned past TTL")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d after expiry eviction, want 0", c.Len())
	}
}

func TestFIFOEviction(t *testing.T) {
	c, _ := testCache(3)

	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("k%d", i), i, time.Minute)
	}

	// Touch k0 so access order differs from insertion order.
	if _, ok := c.Get("k0"); !ok {
		t.Fatal("k0 missing before eviction")
	}

	c.Put("k3", 3, time.Minute)

	// Insertion-order eviction drops k0 even though it was just read.
	if _, ok := c.Get("k0"); ok {
		t.Error("k0 survived eviction, want FIFO (insertion order)")
	}
	if _, ok := c.Get("k1"); !ok {
		t.Error("k1 evicted, want present")
	}
	if c.Len() != 3 {
		t.Errorf("Len() = %d, want 3", c.Len())
	}
}

func TestNeverCachePolicy(t *testing.T) {
	c, _ := testCache(10)

	if c.Cacheable(model.DataTicker) {
		t.Error("ticker reported cacheable")
	}
	if c.Cacheable(model.DataOrderbook) {
		t.Error("orderbook reported cacheable")
	}
	if !c.Cacheable(model.DataTrade) {
		t.Error("trades reported not cacheable")
	}

	// Zero TTL puts are dropped.
	c.Put("k", "v", 0)
	if c.Len() != 0 {
		t.Errorf("Len() = %d after zero-TTL put, want 0", c.Len())
	}
}

func TestOverwriteLastWins(t *testing.T) {
	c, _ := testCache(10)

	c.Put("k", "v1", time.Minute)
	c.Put("k", "v2", time.Minute)

	got, _ := c.Get("k")
	if got != "v2" {
		t.Errorf("Get(k) = %v, want v2", got)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestFingerprint(t *testing.T) {
	a := model.DataRequest{
		Symbols:  []model.Symbol{"KRW-ETH", "KRW-BTC"},
		DataType: model.DataCandle,
		Count:    200,
		Interval: "1m",
	}
	b := model.DataRequest{
		Symbols:  []model.Symbol{"KRW-BTC", "KRW-ETH"},
		DataType: model.DataCandle,
		Count:    200,
		Interval: "1m",
	}

	// Symbol order must not change the fingerprint.
	if Fingerprint(a) != Fingerprint(b) {
		t.Errorf("fingerprints differ for same request: %q vs %q", Fingerprint(a), Fingerprint(b))
	}

	c := a
	c.Count = 100
	if Fingerprint(a) == Fingerprint(c) {
		t.Error("fingerprints equal for different counts")
	}

	d := a
	d.To = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	if Fingerprint(a) == Fingerprint(d) {
		t.Error("fingerprints equal for different range ends")
	}
}
