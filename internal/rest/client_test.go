package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"upbitflow/internal/model"
	"upbitflow/internal/ratelimit"
)

// spyGate counts acquires and rejections.
type spyGate struct {
	mu         sync.Mutex
	acquires   int
	rejections int
}

func (g *spyGate) AcquireBlocking(ctx context.Context, cat ratelimit.Category, timeout time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.acquires++
	return nil
}

func (g *spyGate) OnServerRejection(cat ratelimit.Category) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rejections++
}

func (g *spyGate) counts() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.acquires, g.rejections
}

func TestGetTickers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/ticker" {
			t.Errorf("path = %s, want /v1/ticker", r.URL.Path)
		}
		if got := r.URL.Query().Get("markets"); got != "KRW-BTC,KRW-ETH" {
			t.Errorf("markets = %q, want KRW-BTC,KRW-ETH", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"market":"KRW-BTC","trade_price":52000000.0,"timestamp":1700000000000},
			{"market":"KRW-ETH","trade_price":3000000.0,"timestamp":1700000000001}
		]`))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	tickers, err := client.GetTickers(context.Background(), []model.Symbol{"KRW-BTC", "KRW-ETH"})
	if err != nil {
		t.Fatalf("GetTickers failed: %v", err)
	}
	if len(tickers) != 2 {
		t.Fatalf("got %d tickers, want 2", len(tickers))
	}
	if tickers[0]["market"] != "KRW-BTC" {
		t.Errorf("first market = %v, want KRW-BTC", tickers[0]["market"])
	}
}

func TestGetTickers_NoSymbols(t *testing.T) {
	client := NewClient("http://unused")
	if _, err := client.GetTickers(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty symbol list")
	}
}

func TestGetTradeTicks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/trades/ticks" {
			t.Errorf("path = %s, want /v1/trades/ticks", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("market") != "KRW-BTC" || q.Get("count") != "50" {
			t.Errorf("query = %v, want market=KRW-BTC count=50", q)
		}
		w.Write([]byte(`[{"market":"KRW-BTC","trade_price":52000000.0,"sequential_id":9}]`))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	trades, err := client.GetTradeTicks(context.Background(), "KRW-BTC", 50)
	if err != nil {
		t.Fatalf("GetTradeTicks failed: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(trades))
	}
}

func TestGetCandles_Paths(t *testing.T) {
	tests := []struct {
		interval string
		wantPath string
	}{
		{"1m", "/v1/candles/minutes/1"},
		{"5m", "/v1/candles/minutes/5"},
		{"240m", "/v1/candles/minutes/240"},
		{"1d", "/v1/candles/days"},
		{"1w", "/v1/candles/weeks"},
		{"1M", "/v1/candles/months"},
	}

	var gotPath atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	for _, tt := range tests {
		t.Run(tt.interval, func(t *testing.T) {
			if _, err := client.GetCandles(context.Background(), "KRW-BTC", tt.interval, 10, time.Time{}); err != nil {
				t.Fatalf("GetCandles failed: %v", err)
			}
			if gotPath.Load() != tt.wantPath {
				t.Errorf("path = %v, want %s", gotPath.Load(), tt.wantPath)
			}
		})
	}
}

func TestGetCandles_UnsupportedInterval(t *testing.T) {
	client := NewClient("http://unused")
	if _, err := client.GetCandles(context.Background(), "KRW-BTC", "7m", 10, time.Time{}); err == nil {
		t.Fatal("expected error for unsupported interval")
	}
}

func TestGetCandles_ToParameter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("to"); got != "2024-01-15T09:00:00Z" {
			t.Errorf("to = %q, want 2024-01-15T09:00:00Z", got)
		}
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	to := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	if _, err := client.GetCandles(context.Background(), "KRW-BTC", "1m", 10, to); err != nil {
		t.Fatalf("GetCandles failed: %v", err)
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`[{"market":"KRW-BTC"}]`))
	}))
	defer server.Close()

	client := NewClient(server.URL, WithRetries(3, 10*time.Millisecond))
	tickers, err := client.GetTickers(context.Background(), []model.Symbol{"KRW-BTC"})
	if err != nil {
		t.Fatalf("GetTickers failed: %v", err)
	}
	if len(tickers) != 1 {
		t.Errorf("got %d tickers, want 1", len(tickers))
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(server.URL, WithRetries(3, 10*time.Millisecond))
	_, err := client.GetTickers(context.Background(), []model.Symbol{"KRW-BTC"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", apiErr.StatusCode)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry)", calls.Load())
	}
}

func TestRateGateIntegration(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`[{"market":"KRW-BTC"}]`))
	}))
	defer server.Close()

	gate := &spyGate{}
	client := NewClient(server.URL, WithRateGate(gate), WithRetries(2, 10*time.Millisecond))

	if _, err := client.GetTickers(context.Background(), []model.Symbol{"KRW-BTC"}); err != nil {
		t.Fatalf("GetTickers failed: %v", err)
	}

	acquires, rejections := gate.counts()
	if acquires != 2 {
		t.Errorf("acquires = %d, want 2", acquires)
	}
	if rejections != 1 {
		t.Errorf("rejections = %d, want 1", rejections)
	}
}
