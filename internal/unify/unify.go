package unify

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"upbitflow/internal/model"
)

// ValidationError reports a mandatory canonical field missing from a payload.
type ValidationError struct {
	DataType model.DataType
	Field    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: missing %s", e.DataType, e.Field)
}

// Unifier maps raw REST/WebSocket payloads to canonical records.
type Unifier struct {
	logger *slog.Logger
}

// New creates a Unifier.
func New(logger *slog.Logger) *Unifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Unifier{logger: logger}
}

// Unify dispatches on data type. Candle unification needs the request
// interval, which the generic entry point cannot know; use Candle directly
// when the interval matters.
func (u *Unifier) Unify(raw map[string]any, dt model.DataType, ch model.Channel) (any, error) {
	switch dt {
	case model.DataTicker:
		return u.Ticker(raw, ch)
	case model.DataOrderbook:
		return u.Orderbook(raw, ch)
	case model.DataTrade:
		return u.Trade(raw, ch)
	case model.DataCandle:
		return u.Candle(raw, "", ch)
	}
	return nil, fmt.Errorf("unify: unknown data type %q", dt)
}

// Ticker unifies a ticker payload. Price and timestamp are mandatory.
func (u *Unifier) Ticker(raw map[string]any, ch model.Channel) (model.TickerRecord, error) {
	symbol, _ := stringField(raw, "cd", "code", "market")

	price, ok := decimalField(raw, "tp", "trade_price")
	if !ok {
		return model.TickerRecord{}, &ValidationError{DataType: model.DataTicker, Field: "price"}
	}
	ts, ok := millisField(raw, "tms", "timestamp")
	if !ok {
		return model.TickerRecord{}, &ValidationError{DataType: model.DataTicker, Field: "timestamp"}
	}

	rec := model.TickerRecord{
		Symbol:    model.Symbol(symbol),
		Price:     price,
		Timestamp: ts,
	}
	rec.Open, _ = decimalField(raw, "op", "opening_price")
	rec.High, _ = decimalField(raw, "hp", "high_price")
	rec.Low, _ = decimalField(raw, "lp", "low_price")
	rec.PrevClose, _ = decimalField(raw, "pcp", "prev_closing_price")
	rec.Change, _ = decimalField(raw, "scp", "signed_change_price")
	rec.ChangeRate, _ = decimalField(raw, "scr", "signed_change_rate")
	rec.Volume24h, _ = decimalField(raw, "atv24h", "acc_trade_volume_24h")
	rec.QuoteVolume24h, _ = decimalField(raw, "atp24h", "acc_trade_price_24h")

	return rec, nil
}

// Orderbook unifies an orderbook payload. Both channels deliver flat
// units with ask/bid price+size per level; the canonical record carries
// bids sorted best-first descending and asks best-first ascending.
func (u *Unifier) Orderbook(raw map[string]any, ch model.Channel) (model.OrderbookRecord, error) {
	symbol, _ := stringField(raw, "cd", "code", "market")

	ts, ok := millisField(raw, "tms", "timestamp")
	if !ok {
		return model.OrderbookRecord{}, &ValidationError{DataType: model.DataOrderbook, Field: "timestamp"}
	}

	unitsRaw, ok := lookup(raw, "obu", "orderbook_units")
	if !ok {
		return model.OrderbookRecord{}, &ValidationError{DataType: model.DataOrderbook, Field: "orderbook_units"}
	}
	units, ok := unitsRaw.([]any)
	if !ok || len(units) == 0 {
		return model.OrderbookRecord{}, &ValidationError{DataType: model.DataOrderbook, Field: "orderbook_units"}
	}

	rec := model.OrderbookRecord{
		Symbol:    model.Symbol(symbol),
		Timestamp: ts,
	}

	for _, ur := range units {
		unit, ok := ur.(map[string]any)
		if !ok {
			continue
		}
		askPrice, okAP := decimalField(unit, "ap", "ask_price")
		askSize, okAS := decimalField(unit, "as", "ask_size")
		if okAP && okAS {
			rec.Asks = append(rec.Asks, model.BookLevel{Price: askPrice, Size: askSize})
		}
		bidPrice, okBP := decimalField(unit, "bp", "bid_price")
		bidSize, okBS := decimalField(unit, "bs", "bid_size")
		if okBP && okBS {
			rec.Bids = append(rec.Bids, model.BookLevel{Price: bidPrice, Size: bidSize})
		}
	}

	if len(rec.Bids) == 0 && len(rec.Asks) == 0 {
		return model.OrderbookRecord{}, &ValidationError{DataType: model.DataOrderbook, Field: "price"}
	}

	// Best-first regardless of wire order.
	sort.Slice(rec.Bids, func(i, j int) bool { return rec.Bids[i].Price.GreaterThan(rec.Bids[j].Price) })
	sort.Slice(rec.Asks, func(i, j int) bool { return rec.Asks[i].Price.LessThan(rec.Asks[j].Price) })

	rec.TotalAskSize, ok = decimalField(raw, "tas", "total_ask_size")
	if !ok {
		rec.TotalAskSize = sumSizes(rec.Asks)
	}
	rec.TotalBidSize, ok = decimalField(raw, "tbs", "total_bid_size")
	if !ok {
		rec.TotalBidSize = sumSizes(rec.Bids)
	}

	return rec, nil
}

func sumSizes(levels []model.BookLevel) decimal.Decimal {
	total := decimal.Zero
	for _, l := range levels {
		total = total.Add(l.Size)
	}
	return total
}

// Trade unifies a single trade payload.
func (u *Unifier) Trade(raw map[string]any, ch model.Channel) (model.TradeRecord, error) {
	symbol, _ := stringField(raw, "cd", "code", "market")

	price, ok := decimalField(raw, "tp", "trade_price")
	if !ok {
		return model.TradeRecord{}, &ValidationError{DataType: model.DataTrade, Field: "price"}
	}
	ts, ok := millisField(raw, "ttms", "trade_timestamp", "tms", "timestamp")
	if !ok {
		return model.TradeRecord{}, &ValidationError{DataType: model.DataTrade, Field: "timestamp"}
	}

	rec := model.TradeRecord{
		Symbol:    model.Symbol(symbol),
		Price:     price,
		Timestamp: ts,
	}
	rec.Volume, _ = decimalField(raw, "tv", "trade_volume")
	rec.Side, _ = stringField(raw, "ab", "ask_bid")
	rec.SequentialID, _ = int64Field(raw, "sid", "sequential_id")

	return rec, nil
}

// Candle unifies a candle payload. The close maps to trade_price; the candle
// open time is taken from candle_date_time_utc, falling back to the exchange
// timestamp.
func (u *Unifier) Candle(raw map[string]any, interval string, ch model.Channel) (model.CandleRecord, error) {
	symbol, _ := stringField(raw, "cd", "code", "market")

	closePrice, ok := decimalField(raw, "tp", "trade_price")
	if !ok {
		return model.CandleRecord{}, &ValidationError{DataType: model.DataCandle, Field: "price"}
	}
	ts, ok := millisField(raw, "cdttmu", "candle_date_time_utc", "tms", "timestamp")
	if !ok {
		return model.CandleRecord{}, &ValidationError{DataType: model.DataCandle, Field: "timestamp"}
	}

	rec := model.CandleRecord{
		Symbol:    model.Symbol(symbol),
		Interval:  interval,
		Close:     closePrice,
		Timestamp: ts,
	}
	rec.Open, _ = decimalField(raw, "op", "opening_price")
	rec.High, _ = decimalField(raw, "hp", "high_price")
	rec.Low, _ = decimalField(raw, "lp", "low_price")
	rec.Volume, _ = decimalField(raw, "catv", "candle_acc_trade_volume")

	return rec, nil
}
