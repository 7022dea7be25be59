package model

import "github.com/shopspring/decimal"

// Symbol is an immutable trading-pair identifier (e.g., "KRW-BTC").
// It is the universal map key throughout the routing layer.
type Symbol string

// DataType identifies one of the four market-data shapes.
type DataType string

const (
	DataTicker    DataType = "ticker"
	DataOrderbook DataType = "orderbook"
	DataTrade     DataType = "trades"
	DataCandle    DataType = "candles"
)

// Valid reports whether dt is one of the four known data types.
func (dt DataType) Valid() bool {
	switch dt {
	case DataTicker, DataOrderbook, DataTrade, DataCandle:
		return true
	}
	return false
}

// Channel identifies the transport used to satisfy one data request.
type Channel string

const (
	ChannelREST      Channel = "rest"
	ChannelWebSocket Channel = "websocket"
)

// -----------------------------------------------------------------------------
// Canonical Records
// -----------------------------------------------------------------------------

// TickerRecord is the normalized ticker shape, independent of source channel.
type TickerRecord struct {
	Symbol         Symbol          // Market (e.g., "KRW-BTC")
	Price          decimal.Decimal // Last trade price (mandatory)
	Open           decimal.Decimal // Opening price
	High           decimal.Decimal // 24h high
	Low            decimal.Decimal // 24h low
	PrevClose      decimal.Decimal // Previous closing price
	Change         decimal.Decimal // Signed change vs previous close
	ChangeRate     decimal.Decimal // Signed change rate vs previous close
	Volume24h      decimal.Decimal // Accumulated 24h volume (base units)
	QuoteVolume24h decimal.Decimal // Accumulated 24h volume (quote units)
	Timestamp      int64           // Exchange timestamp (ms, mandatory)
}

// BookLevel is a single price level of one orderbook side.
type BookLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderbookRecord is the normalized orderbook shape.
// Bids are sorted best-first descending, asks best-first ascending.
type OrderbookRecord struct {
	Symbol       Symbol
	Bids         []BookLevel
	Asks         []BookLevel
	TotalBidSize decimal.Decimal
	TotalAskSize decimal.Decimal
	Timestamp    int64 // Exchange timestamp (ms, mandatory)
}

// TradeRecord is the normalized executed-trade shape.
type TradeRecord struct {
	Symbol       Symbol
	Price        decimal.Decimal // Trade price (mandatory)
	Volume       decimal.Decimal // Trade volume (base units)
	Side         string          // "ASK" (sell) or "BID" (buy)
	SequentialID int64           // Exchange-assigned ordering ID
	Timestamp    int64           // Trade timestamp (ms, mandatory)
}

// CandleRecord is the normalized OHLCV shape.
type CandleRecord struct {
	Symbol    Symbol
	Interval  string // "1m".."1M" request interval
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal // Mandatory (maps to trade_price)
	Volume    decimal.Decimal
	Timestamp int64 // Candle open timestamp (ms, mandatory)
}
