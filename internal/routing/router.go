package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"upbitflow/internal/cache"
	"upbitflow/internal/model"
	"upbitflow/internal/selector"
	"upbitflow/internal/stream"
	"upbitflow/internal/unify"
)

// ReasonCacheHit is reported when a response is served from the cache.
const ReasonCacheHit = "cache_hit"

// ReasonFallback is reported when a WebSocket execution failed and the
// request was satisfied over REST instead.
const ReasonFallback = "websocket_fallback"

// ChannelError wraps an execution failure with the channel that produced it.
type ChannelError struct {
	Channel model.Channel
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("%s execution: %v", e.Channel, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// RestSource is the REST collaborator the router executes against.
type RestSource interface {
	GetTickers(ctx context.Context, symbols []model.Symbol) ([]map[string]any, error)
	GetOrderbooks(ctx context.Context, symbols []model.Symbol) ([]map[string]any, error)
	GetTradeTicks(ctx context.Context, symbol model.Symbol, count int) ([]map[string]any, error)
	GetCandles(ctx context.Context, symbol model.Symbol, interval string, count int, to time.Time) ([]map[string]any, error)
}

// StreamSource is the WebSocket collaborator the router executes against.
type StreamSource interface {
	Subscribe(ctx context.Context, symbol model.Symbol, dataType model.DataType, interval string, priority stream.Priority) (*stream.Subscription, error)
	Latest(symbol model.Symbol, dataType model.DataType) (map[string]any, bool)
	RecentTrades(symbol model.Symbol, n int) []map[string]any
	WaitForData(ctx context.Context, symbol model.Symbol, dataType model.DataType, timeout time.Duration) (map[string]any, error)
	Healthy(symbol model.Symbol, dataType model.DataType) bool
	Errored(symbol model.Symbol, dataType model.DataType) bool
}

// RecordSink receives unified records for persistence. Implementations
// must not block the request path.
type RecordSink interface {
	StoreTickers(records []model.TickerRecord)
	StoreTrades(records []model.TradeRecord)
}

// Config bounds the router's blocking waits.
type Config struct {
	DataWaitTimeout time.Duration // Waiting for the first WS payload of a fresh subscription
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DataWaitTimeout: 3 * time.Second,
	}
}

// Router routes data requests to the cheapest healthy channel.
type Router struct {
	cfg      Config
	rest     RestSource
	streams  StreamSource
	selector *selector.ChannelSelector
	cache    *cache.Cache
	unifier  *unify.Unifier
	sink     RecordSink
	logger   *slog.Logger
	metrics  *metrics
}

// Option configures a Router.
type Option func(*Router)

// WithRecordSink forwards unified ticker and trade records to the sink.
func WithRecordSink(sink RecordSink) Option {
	return func(r *Router) {
		r.sink = sink
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// NewRouter creates a Router over the given collaborators.
func NewRouter(cfg Config, restSource RestSource, streams StreamSource, sel *selector.ChannelSelector, responseCache *cache.Cache, opts ...Option) *Router {
	if sel == nil {
		sel = selector.NewChannelSelector(nil, streams)
	}
	r := &Router{
		cfg:      cfg,
		rest:     restSource,
		streams:  streams,
		selector: sel,
		cache:    responseCache,
		unifier:  unify.New(nil),
		logger:   slog.Default(),
		metrics:  newMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// cached pairs a stored payload with the channel that produced it.
type cached struct {
	data    any
	channel model.Channel
}

// GetData routes one request and returns the response envelope. No error
// crosses this boundary; failures are reported inside the envelope.
func (r *Router) GetData(ctx context.Context, req model.DataRequest) model.DataResponse {
	start := time.Now()

	if err := validate(req); err != nil {
		return r.fail(req, "", "invalid_request", err, start)
	}

	for _, symbol := range req.Symbols {
		r.selector.Analyzer().Record(symbol, req.DataType)
	}

	useCache := req.UseCache && r.cache != nil && r.cache.Cacheable(req.DataType)
	var fingerprint string
	if useCache {
		fingerprint = cache.Fingerprint(req)
		if v, ok := r.cache.Get(fingerprint); ok {
			entry := v.(cached)
			r.metrics.recordCacheHit(time.Since(start))
			return r.succeed(req, entry.data, model.ChannelDecision{
				Channel:    entry.channel,
				Reason:     ReasonCacheHit,
				Confidence: 1.0,
			}, start)
		}
	}

	decision := r.selector.Decide(req)

	data, err := r.execute(ctx, req, decision.Channel)
	if err != nil && decision.Channel == model.ChannelWebSocket {
		// Exactly one fallback per request.
		r.logger.Warn("websocket execution failed, falling back to rest",
			"request_id", req.RequestID, "error", err)
		data, err = r.execute(ctx, req, model.ChannelREST)
		if err == nil {
			decision = model.ChannelDecision{
				Channel:    model.ChannelREST,
				Reason:     ReasonFallback,
				Confidence: decision.Confidence,
			}
		}
	}
	if err != nil {
		return r.fail(req, decision.Channel, decision.Reason, err, start)
	}

	if useCache {
		r.cache.Put(fingerprint, cached{data: data, channel: decision.Channel}, r.cache.TTL(req.DataType))
	}

	r.archive(req.DataType, data)
	r.metrics.record(decision.Channel, true, time.Since(start))
	return r.succeed(req, data, decision, start)
}

// execute satisfies the request over the given channel and returns
// unified canonical records.
func (r *Router) execute(ctx context.Context, req model.DataRequest, channel model.Channel) (any, error) {
	var (
		data any
		err  error
	)
	if channel == model.ChannelWebSocket {
		data, err = r.executeWebSocket(ctx, req)
	} else {
		data, err = r.executeREST(ctx, req)
	}
	if err != nil {
		return nil, &ChannelError{Channel: channel, Err: err}
	}
	return data, nil
}

func (r *Router) executeREST(ctx context.Context, req model.DataRequest) (any, error) {
	switch req.DataType {
	case model.DataTicker:
		raws, err := r.rest.GetTickers(ctx, req.Symbols)
		if err != nil {
			return nil, err
		}
		return r.unifyTickers(raws, model.ChannelREST)

	case model.DataOrderbook:
		raws, err := r.rest.GetOrderbooks(ctx, req.Symbols)
		if err != nil {
			return nil, err
		}
		records := make([]model.OrderbookRecord, 0, len(raws))
		for _, raw := range raws {
			rec, err := r.unifier.Orderbook(raw, model.ChannelREST)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
		return records, nil

	case model.DataTrade:
		count := req.Count
		if count <= 0 {
			count = 1
		}
		var records []model.TradeRecord
		for _, symbol := range req.Symbols {
			raws, err := r.rest.GetTradeTicks(ctx, symbol, count)
			if err != nil {
				return nil, err
			}
			for _, raw := range raws {
				rec, err := r.unifier.Trade(raw, model.ChannelREST)
				if err != nil {
					return nil, err
				}
				records = append(records, rec)
			}
		}
		return records, nil

	case model.DataCandle:
		count := req.Count
		if count <= 0 {
			count = 1
		}
		var records []model.CandleRecord
		for _, symbol := range req.Symbols {
			raws, err := r.rest.GetCandles(ctx, symbol, req.Interval, count, req.To)
			if err != nil {
				return nil, err
			}
			for _, raw := range raws {
				rec, err := r.unifier.Candle(raw, req.Interval, model.ChannelREST)
				if err != nil {
					return nil, err
				}
				records = append(records, rec)
			}
		}
		// The exchange returns candles newest first.
		sort.Slice(records, func(i, j int) bool {
			if records[i].Symbol != records[j].Symbol {
				return records[i].Symbol < records[j].Symbol
			}
			return records[i].Timestamp < records[j].Timestamp
		})
		return records, nil
	}
	return nil, fmt.Errorf("unsupported data type %q", req.DataType)
}

func (r *Router) executeWebSocket(ctx context.Context, req model.DataRequest) (any, error) {
	switch req.DataType {
	case model.DataTicker:
		raws, err := r.collectLive(ctx, req)
		if err != nil {
			return nil, err
		}
		return r.unifyTickers(raws, model.ChannelWebSocket)

	case model.DataOrderbook:
		raws, err := r.collectLive(ctx, req)
		if err != nil {
			return nil, err
		}
		records := make([]model.OrderbookRecord, 0, len(raws))
		for _, raw := range raws {
			rec, err := r.unifier.Orderbook(raw, model.ChannelWebSocket)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
		return records, nil

	case model.DataTrade:
		if req.Count > 1 {
			return r.collectRecentTrades(req)
		}
		raws, err := r.collectLive(ctx, req)
		if err != nil {
			return nil, err
		}
		records := make([]model.TradeRecord, 0, len(raws))
		for _, raw := range raws {
			rec, err := r.unifier.Trade(raw, model.ChannelWebSocket)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
		return records, nil
	}
	return nil, fmt.Errorf("data type %q has no live stream form", req.DataType)
}

// collectRecentTrades serves a multi-trade request from the per-symbol ring,
// newest first. A ring holding fewer rows than requested is an error so the
// caller falls back to REST.
func (r *Router) collectRecentTrades(req model.DataRequest) ([]model.TradeRecord, error) {
	records := make([]model.TradeRecord, 0, req.Count*len(req.Symbols))
	for _, symbol := range req.Symbols {
		raws := r.streams.RecentTrades(symbol, req.Count)
		if len(raws) < req.Count {
			return nil, fmt.Errorf("trade ring for %s holds %d of %d requested", symbol, len(raws), req.Count)
		}
		for _, raw := range raws {
			rec, err := r.unifier.Trade(raw, model.ChannelWebSocket)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
	}
	return records, nil
}

// collectLive ensures a subscription per symbol and gathers the freshest
// payload for each, waiting briefly when a subscription is new.
func (r *Router) collectLive(ctx context.Context, req model.DataRequest) ([]map[string]any, error) {
	raws := make([]map[string]any, 0, len(req.Symbols))
	for _, symbol := range req.Symbols {
		if _, err := r.streams.Subscribe(ctx, symbol, req.DataType, req.Interval, stream.PriorityNormal); err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", symbol, err)
		}
		payload, ok := r.streams.Latest(symbol, req.DataType)
		if !ok {
			var err error
			payload, err = r.streams.WaitForData(ctx, symbol, req.DataType, r.cfg.DataWaitTimeout)
			if err != nil {
				return nil, err
			}
		}
		raws = append(raws, payload)
	}
	return raws, nil
}

func (r *Router) unifyTickers(raws []map[string]any, ch model.Channel) ([]model.TickerRecord, error) {
	records := make([]model.TickerRecord, 0, len(raws))
	for _, raw := range raws {
		rec, err := r.unifier.Ticker(raw, ch)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// archive forwards unified records to the sink, if any.
func (r *Router) archive(dataType model.DataType, data any) {
	if r.sink == nil {
		return
	}
	switch dataType {
	case model.DataTicker:
		if records, ok := data.([]model.TickerRecord); ok {
			r.sink.StoreTickers(records)
		}
	case model.DataTrade:
		if records, ok := data.([]model.TradeRecord); ok {
			r.sink.StoreTrades(records)
		}
	}
}

func (r *Router) succeed(req model.DataRequest, data any, decision model.ChannelDecision, start time.Time) model.DataResponse {
	return model.DataResponse{
		Success: true,
		Data:    data,
		Metadata: model.ResponseMetadata{
			Channel:        decision.Channel,
			Reason:         decision.Reason,
			Confidence:     decision.Confidence,
			ResponseTimeMS: float64(time.Since(start).Microseconds()) / 1000.0,
			RequestID:      req.RequestID,
		},
	}
}

func (r *Router) fail(req model.DataRequest, channel model.Channel, reason string, err error, start time.Time) model.DataResponse {
	r.metrics.record(channel, false, time.Since(start))
	r.logger.Error("request failed",
		"request_id", req.RequestID,
		"data_type", req.DataType,
		"channel", channel,
		"error", err)
	return model.DataResponse{
		Success: false,
		Error:   err.Error(),
		Metadata: model.ResponseMetadata{
			Channel:        channel,
			Reason:         reason,
			ResponseTimeMS: float64(time.Since(start).Microseconds()) / 1000.0,
			RequestID:      req.RequestID,
		},
	}
}

func validate(req model.DataRequest) error {
	if !req.DataType.Valid() {
		return fmt.Errorf("unknown data type %q", req.DataType)
	}
	if len(req.Symbols) == 0 {
		return errors.New("no symbols")
	}
	if req.DataType == model.DataCandle && req.Interval == "" {
		return errors.New("candle request needs an interval")
	}
	return nil
}

// GetTicker fetches the current ticker for the symbols.
func (r *Router) GetTicker(ctx context.Context, symbols ...model.Symbol) model.DataResponse {
	req := model.NewRequest(model.DataTicker, symbols...)
	return r.GetData(ctx, req)
}

// GetOrderbook fetches the current orderbook for the symbols.
func (r *Router) GetOrderbook(ctx context.Context, symbols ...model.Symbol) model.DataResponse {
	req := model.NewRequest(model.DataOrderbook, symbols...)
	return r.GetData(ctx, req)
}

// GetTrades fetches the most recent trades for one symbol.
func (r *Router) GetTrades(ctx context.Context, symbol model.Symbol, count int) model.DataResponse {
	req := model.NewRequest(model.DataTrade, symbol)
	req.Count = count
	return r.GetData(ctx, req)
}

// GetCandles fetches candles for one symbol.
func (r *Router) GetCandles(ctx context.Context, symbol model.Symbol, interval string, count int) model.DataResponse {
	req := model.NewRequest(model.DataCandle, symbol)
	req.Interval = interval
	req.Count = count
	return r.GetData(ctx, req)
}

// Metrics returns a snapshot of the running request metrics.
func (r *Router) Metrics() MetricsSnapshot {
	return r.metrics.snapshot()
}
