package routing

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"upbitflow/internal/cache"
	"upbitflow/internal/model"
	"upbitflow/internal/selector"
	"upbitflow/internal/stream"
)

// fakeRest serves canned payloads and counts calls.
type fakeRest struct {
	mu      sync.Mutex
	calls   map[string]int
	tickers []map[string]any
	trades  []map[string]any
	candles []map[string]any
	books   []map[string]any
	err     error
}

func newFakeRest() *fakeRest {
	return &fakeRest{calls: make(map[string]int)}
}

func (f *fakeRest) bump(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	return f.err
}

func (f *fakeRest) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeRest) GetTickers(ctx context.Context, symbols []model.Symbol) ([]map[string]any, error) {
	if err := f.bump("tickers"); err != nil {
		return nil, err
	}
	return f.tickers, nil
}

func (f *fakeRest) GetOrderbooks(ctx context.Context, symbols []model.Symbol) ([]map[string]any, error) {
	if err := f.bump("orderbooks"); err != nil {
		return nil, err
	}
	return f.books, nil
}

func (f *fakeRest) GetTradeTicks(ctx context.Context, symbol model.Symbol, count int) ([]map[string]any, error) {
	if err := f.bump("trades"); err != nil {
		return nil, err
	}
	return f.trades, nil
}

func (f *fakeRest) GetCandles(ctx context.Context, symbol model.Symbol, interval string, count int, to time.Time) ([]map[string]any, error) {
	if err := f.bump("candles"); err != nil {
		return nil, err
	}
	return f.candles, nil
}

// fakeStreams simulates a subscription manager with pre-seeded payloads.
type fakeStreams struct {
	mu           sync.Mutex
	healthy      bool
	errored      bool
	subscribeErr error
	subscribes   int
	payloads     map[model.DataType]map[string]any
	rings        map[model.Symbol][]map[string]any // newest first
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{
		payloads: make(map[model.DataType]map[string]any),
		rings:    make(map[model.Symbol][]map[string]any),
	}
}

func (f *fakeStreams) Subscribe(ctx context.Context, symbol model.Symbol, dataType model.DataType, interval string, priority stream.Priority) (*stream.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.subscribes++
	return &stream.Subscription{ID: fmt.Sprintf("sub-%d", f.subscribes), Symbol: symbol, DataType: dataType, State: stream.SubActive}, nil
}

func (f *fakeStreams) Latest(symbol model.Symbol, dataType model.DataType) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payloads[dataType]
	return p, ok
}

func (f *fakeStreams) RecentTrades(symbol model.Symbol, n int) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	ring := f.rings[symbol]
	if n > len(ring) {
		n = len(ring)
	}
	return ring[:n]
}

func (f *fakeStreams) WaitForData(ctx context.Context, symbol model.Symbol, dataType model.DataType, timeout time.Duration) (map[string]any, error) {
	if p, ok := f.Latest(symbol, dataType); ok {
		return p, nil
	}
	return nil, stream.ErrNoData
}

func (f *fakeStreams) Healthy(model.Symbol, model.DataType) bool { return f.healthy }
func (f *fakeStreams) Errored(model.Symbol, model.DataType) bool { return f.errored }

func restTickerPayload(price float64) map[string]any {
	return map[string]any{
		"market":             "KRW-BTC",
		"trade_price":        price,
		"opening_price":      price - 100.0,
		"high_price":         price + 200.0,
		"low_price":          price - 200.0,
		"prev_closing_price": price - 50.0,
		"signed_change_rate": 0.001,
		"acc_trade_volume_24h": 1234.5,
		"timestamp":          1700000000000.0,
	}
}

func wsTickerPayload(price float64) map[string]any {
	return map[string]any{
		"ty":      "ticker",
		"cd":      "KRW-BTC",
		"tp":      price,
		"op":      price - 100.0,
		"hp":      price + 200.0,
		"lp":      price - 200.0,
		"pcp":     price - 50.0,
		"scr":     0.001,
		"atv24h":  1234.5,
		"tms":     1700000000000.0,
	}
}

func newTestRouter(restSrc RestSource, streams StreamSource, c *cache.Cache) *Router {
	sel := selector.NewChannelSelector(selector.NewFrequencyAnalyzer(), streams)
	return NewRouter(DefaultConfig(), restSrc, streams, sel, c)
}

func TestGetData_TickerOverRestByDefault(t *testing.T) {
	restSrc := newFakeRest()
	restSrc.tickers = []map[string]any{restTickerPayload(52000000)}
	router := newTestRouter(restSrc, newFakeStreams(), cache.New(cache.DefaultConfig()))

	resp := router.GetTicker(context.Background(), "KRW-BTC")
	if !resp.Success {
		t.Fatalf("failed: %s", resp.Error)
	}
	if resp.Metadata.Channel != model.ChannelREST {
		t.Errorf("channel = %s, want rest", resp.Metadata.Channel)
	}
	if resp.Metadata.Reason != selector.ReasonInsufficientData {
		t.Errorf("reason = %s, want %s", resp.Metadata.Reason, selector.ReasonInsufficientData)
	}

	records, ok := resp.Data.([]model.TickerRecord)
	if !ok || len(records) != 1 {
		t.Fatalf("data = %T, want one TickerRecord", resp.Data)
	}
	if records[0].Symbol != "KRW-BTC" {
		t.Errorf("symbol = %s, want KRW-BTC", records[0].Symbol)
	}
}

func TestGetData_TickerNeverConsultsCache(t *testing.T) {
	restSrc := newFakeRest()
	restSrc.tickers = []map[string]any{restTickerPayload(52000000)}
	router := newTestRouter(restSrc, newFakeStreams(), cache.New(cache.DefaultConfig()))

	for i := 0; i < 2; i++ {
		resp := router.GetTicker(context.Background(), "KRW-BTC")
		if !resp.Success {
			t.Fatalf("call %d failed: %s", i, resp.Error)
		}
		if resp.Metadata.Reason == ReasonCacheHit {
			t.Fatalf("call %d served from cache", i)
		}
	}
	if got := restSrc.count("tickers"); got != 2 {
		t.Errorf("rest calls = %d, want 2 (no caching for ticker)", got)
	}
}

func TestGetData_TradesCacheHit(t *testing.T) {
	restSrc := newFakeRest()
	restSrc.trades = []map[string]any{{
		"market":          "KRW-BTC",
		"trade_price":     52000000.0,
		"trade_volume":    0.01,
		"ask_bid":         "BID",
		"sequential_id":   17.0,
		"trade_timestamp": 1700000000000.0,
	}}
	router := newTestRouter(restSrc, newFakeStreams(), cache.New(cache.DefaultConfig()))

	first := router.GetTrades(context.Background(), "KRW-BTC", 10)
	if !first.Success {
		t.Fatalf("first call failed: %s", first.Error)
	}

	second := router.GetTrades(context.Background(), "KRW-BTC", 10)
	if !second.Success {
		t.Fatalf("second call failed: %s", second.Error)
	}
	if second.Metadata.Reason != ReasonCacheHit {
		t.Errorf("reason = %s, want %s", second.Metadata.Reason, ReasonCacheHit)
	}
	if second.Metadata.ResponseTimeMS > 50 {
		t.Errorf("cache hit took %.1fms", second.Metadata.ResponseTimeMS)
	}
	if !reflect.DeepEqual(first.Data, second.Data) {
		t.Error("cached payload differs from original")
	}
	if got := restSrc.count("trades"); got != 1 {
		t.Errorf("rest calls = %d, want 1", got)
	}
}

func TestGetData_CandlesAlwaysRestAndOrdered(t *testing.T) {
	restSrc := newFakeRest()
	// Newest first, as the exchange returns them.
	for i := 199; i >= 0; i-- {
		restSrc.candles = append(restSrc.candles, map[string]any{
			"market":                  "KRW-BTC",
			"trade_price":             100.0 + float64(i),
			"opening_price":           100.0,
			"candle_acc_trade_volume": 1.0,
			"timestamp":               float64(1700000000000 + i*60000),
		})
	}
	router := newTestRouter(restSrc, newFakeStreams(), cache.New(cache.DefaultConfig()))

	resp := router.GetCandles(context.Background(), "KRW-BTC", "1m", 200)
	if !resp.Success {
		t.Fatalf("failed: %s", resp.Error)
	}
	if resp.Metadata.Channel != model.ChannelREST {
		t.Errorf("channel = %s, want rest", resp.Metadata.Channel)
	}

	records, ok := resp.Data.([]model.CandleRecord)
	if !ok {
		t.Fatalf("data = %T, want []CandleRecord", resp.Data)
	}
	if len(records) != 200 {
		t.Fatalf("got %d records, want 200", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].Timestamp <= records[i-1].Timestamp {
			t.Fatalf("records not time ordered at %d: %d then %d", i, records[i-1].Timestamp, records[i].Timestamp)
		}
	}
	if records[0].Interval != "1m" {
		t.Errorf("interval = %q, want 1m", records[0].Interval)
	}
}

func TestGetData_LiveSubscriptionUsesWebSocket(t *testing.T) {
	restSrc := newFakeRest()
	streams := newFakeStreams()
	streams.healthy = true
	streams.payloads[model.DataTicker] = wsTickerPayload(52000000)
	router := newTestRouter(restSrc, streams, cache.New(cache.DefaultConfig()))

	for i := 0; i < 2; i++ {
		resp := router.GetTicker(context.Background(), "KRW-BTC")
		if !resp.Success {
			t.Fatalf("call %d failed: %s", i, resp.Error)
		}
		if resp.Metadata.Channel != model.ChannelWebSocket {
			t.Errorf("call %d channel = %s, want websocket", i, resp.Metadata.Channel)
		}
		if resp.Metadata.Reason != selector.ReasonActiveSubscription {
			t.Errorf("call %d reason = %s, want %s", i, resp.Metadata.Reason, selector.ReasonActiveSubscription)
		}
	}
	if got := restSrc.count("tickers"); got != 0 {
		t.Errorf("rest calls = %d, want 0", got)
	}
}

func TestGetData_RestAndWebSocketUnifyIdentically(t *testing.T) {
	restSrc := newFakeRest()
	restSrc.tickers = []map[string]any{restTickerPayload(52000000)}

	wsStreams := newFakeStreams()
	wsStreams.healthy = true
	wsStreams.payloads[model.DataTicker] = wsTickerPayload(52000000)

	restRouter := newTestRouter(restSrc, newFakeStreams(), cache.New(cache.DefaultConfig()))
	wsRouter := newTestRouter(newFakeRest(), wsStreams, cache.New(cache.DefaultConfig()))

	restResp := restRouter.GetTicker(context.Background(), "KRW-BTC")
	wsResp := wsRouter.GetTicker(context.Background(), "KRW-BTC")
	if !restResp.Success || !wsResp.Success {
		t.Fatalf("rest=%s ws=%s", restResp.Error, wsResp.Error)
	}

	restRecs := restResp.Data.([]model.TickerRecord)
	wsRecs := wsResp.Data.([]model.TickerRecord)
	if !reflect.DeepEqual(restRecs, wsRecs) {
		t.Errorf("canonical records differ:\nrest: %+v\nws:   %+v", restRecs[0], wsRecs[0])
	}
}

func wsTradePayload(sid float64) map[string]any {
	return map[string]any{
		"ty":   "trade",
		"cd":   "KRW-BTC",
		"tp":   52000000.0,
		"tv":   0.01,
		"ab":   "BID",
		"sid":  sid,
		"ttms": 1700000000000.0 + sid,
	}
}

func TestGetData_RecentTradesServedFromRing(t *testing.T) {
	restSrc := newFakeRest()
	streams := newFakeStreams()
	streams.healthy = true
	streams.rings["KRW-BTC"] = []map[string]any{
		wsTradePayload(3), wsTradePayload(2), wsTradePayload(1),
	}
	router := newTestRouter(restSrc, streams, cache.New(cache.DefaultConfig()))

	resp := router.GetTrades(context.Background(), "KRW-BTC", 3)
	if !resp.Success {
		t.Fatalf("failed: %s", resp.Error)
	}
	if resp.Metadata.Channel != model.ChannelWebSocket {
		t.Errorf("channel = %s, want websocket", resp.Metadata.Channel)
	}
	if resp.Metadata.Reason != selector.ReasonActiveSubscription {
		t.Errorf("reason = %s, want %s", resp.Metadata.Reason, selector.ReasonActiveSubscription)
	}

	records, ok := resp.Data.([]model.TradeRecord)
	if !ok || len(records) != 3 {
		t.Fatalf("data = %T len %d, want 3 TradeRecords", resp.Data, len(records))
	}
	// Newest first, straight off the ring.
	if records[0].SequentialID != 3 || records[2].SequentialID != 1 {
		t.Errorf("trade order = [%d %d %d], want newest first",
			records[0].SequentialID, records[1].SequentialID, records[2].SequentialID)
	}
	if got := restSrc.count("trades"); got != 0 {
		t.Errorf("rest calls = %d, want 0", got)
	}
}

func TestGetData_ShortTradeRingFallsBackToRest(t *testing.T) {
	restSrc := newFakeRest()
	restSrc.trades = []map[string]any{{
		"market":          "KRW-BTC",
		"trade_price":     52000000.0,
		"trade_timestamp": 1700000000000.0,
	}}
	streams := newFakeStreams()
	streams.healthy = true
	streams.rings["KRW-BTC"] = []map[string]any{wsTradePayload(1)}
	router := newTestRouter(restSrc, streams, cache.New(cache.DefaultConfig()))

	resp := router.GetTrades(context.Background(), "KRW-BTC", 3)
	if !resp.Success {
		t.Fatalf("failed: %s", resp.Error)
	}
	if resp.Metadata.Channel != model.ChannelREST {
		t.Errorf("channel = %s, want rest after fallback", resp.Metadata.Channel)
	}
	if resp.Metadata.Reason != ReasonFallback {
		t.Errorf("reason = %s, want %s", resp.Metadata.Reason, ReasonFallback)
	}
	if got := restSrc.count("trades"); got != 1 {
		t.Errorf("rest calls = %d, want 1", got)
	}
}

func TestGetData_WebSocketFallsBackToRestOnce(t *testing.T) {
	restSrc := newFakeRest()
	restSrc.tickers = []map[string]any{restTickerPayload(52000000)}

	streams := newFakeStreams()
	streams.healthy = true
	streams.subscribeErr = errors.New("pool exhausted")

	router := newTestRouter(restSrc, streams, cache.New(cache.DefaultConfig()))

	resp := router.GetTicker(context.Background(), "KRW-BTC")
	if !resp.Success {
		t.Fatalf("failed: %s", resp.Error)
	}
	if resp.Metadata.Channel != model.ChannelREST {
		t.Errorf("channel = %s, want rest after fallback", resp.Metadata.Channel)
	}
	if resp.Metadata.Reason != ReasonFallback {
		t.Errorf("reason = %s, want %s", resp.Metadata.Reason, ReasonFallback)
	}
	if got := restSrc.count("tickers"); got != 1 {
		t.Errorf("rest calls = %d, want 1", got)
	}
}

func TestGetData_BothChannelsFailingReturnsEnvelope(t *testing.T) {
	restSrc := newFakeRest()
	restSrc.err = errors.New("rest down")

	streams := newFakeStreams()
	streams.healthy = true
	streams.subscribeErr = errors.New("ws down")

	router := newTestRouter(restSrc, streams, cache.New(cache.DefaultConfig()))

	resp := router.GetTicker(context.Background(), "KRW-BTC")
	if resp.Success {
		t.Fatal("expected failure envelope")
	}
	if resp.Error == "" {
		t.Error("failure envelope carries no error string")
	}
	if resp.Metadata.RequestID == "" {
		t.Error("failure envelope lost the request id")
	}
	// The websocket attempt plus one fallback, never more.
	if got := restSrc.count("tickers"); got != 1 {
		t.Errorf("rest calls = %d, want 1", got)
	}
}

func TestGetData_InvalidRequest(t *testing.T) {
	router := newTestRouter(newFakeRest(), newFakeStreams(), cache.New(cache.DefaultConfig()))

	resp := router.GetData(context.Background(), model.DataRequest{DataType: "bogus", Symbols: []model.Symbol{"KRW-BTC"}})
	if resp.Success {
		t.Fatal("expected failure for unknown data type")
	}

	resp = router.GetData(context.Background(), model.NewRequest(model.DataTicker))
	if resp.Success {
		t.Fatal("expected failure for empty symbols")
	}
}

func TestMetrics(t *testing.T) {
	restSrc := newFakeRest()
	restSrc.trades = []map[string]any{{
		"market":          "KRW-BTC",
		"trade_price":     52000000.0,
		"trade_timestamp": 1700000000000.0,
	}}
	router := newTestRouter(restSrc, newFakeStreams(), cache.New(cache.DefaultConfig()))

	router.GetTrades(context.Background(), "KRW-BTC", 10)
	router.GetTrades(context.Background(), "KRW-BTC", 10)

	m := router.Metrics()
	if m.TotalRequests != 2 {
		t.Errorf("total = %d, want 2", m.TotalRequests)
	}
	if m.CacheHits != 1 {
		t.Errorf("cache hits = %d, want 1", m.CacheHits)
	}
	if m.RESTRequests != 1 {
		t.Errorf("rest requests = %d, want 1", m.RESTRequests)
	}
	if m.RESTSuccessRate != 1.0 {
		t.Errorf("rest success rate = %v, want 1.0", m.RESTSuccessRate)
	}
	if m.CacheHitRatio != 0.5 {
		t.Errorf("cache hit ratio = %v, want 0.5", m.CacheHitRatio)
	}
}

// sinkSpy records forwarded tickers.
type sinkSpy struct {
	mu      sync.Mutex
	tickers []model.TickerRecord
}

func (s *sinkSpy) StoreTickers(records []model.TickerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickers = append(s.tickers, records...)
}

func (s *sinkSpy) StoreTrades(records []model.TradeRecord) {}

func TestRecordSinkReceivesTickers(t *testing.T) {
	restSrc := newFakeRest()
	restSrc.tickers = []map[string]any{restTickerPayload(52000000)}

	sink := &sinkSpy{}
	sel := selector.NewChannelSelector(nil, nil)
	router := NewRouter(DefaultConfig(), restSrc, newFakeStreams(), sel, cache.New(cache.DefaultConfig()), WithRecordSink(sink))

	if resp := router.GetTicker(context.Background(), "KRW-BTC"); !resp.Success {
		t.Fatalf("failed: %s", resp.Error)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.tickers) != 1 {
		t.Fatalf("sink got %d tickers, want 1", len(sink.tickers))
	}
}
