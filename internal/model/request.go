package model

import (
	"time"

	"github.com/google/uuid"
)

// DataRequest describes one abstract market-data request. Created per call,
// short-lived, and treated as immutable after construction.
type DataRequest struct {
	Symbols   []Symbol  `json:"symbols"`
	DataType  DataType  `json:"data_type"`
	Count     int       `json:"count,omitempty"`    // Trades/candles: number of records
	Interval  string    `json:"interval,omitempty"` // Candles: "1m".."1M"
	To        time.Time `json:"to,omitempty"`       // Candles: range end (zero = latest)
	UseCache  bool      `json:"use_cache"`
	RequestID string    `json:"request_id"`
}

// NewRequest builds a DataRequest with a fresh request ID and caching enabled.
func NewRequest(dataType DataType, symbols ...Symbol) DataRequest {
	return DataRequest{
		Symbols:   symbols,
		DataType:  dataType,
		UseCache:  true,
		RequestID: uuid.NewString(),
	}
}

// ChannelDecision is the outcome of channel selection for one request.
// Derived, never persisted.
type ChannelDecision struct {
	Channel    Channel `json:"channel"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// ResponseMetadata describes how a request was satisfied.
type ResponseMetadata struct {
	Channel        Channel `json:"channel"`
	Reason         string  `json:"reason"`
	Confidence     float64 `json:"confidence"`
	ResponseTimeMS float64 `json:"response_time_ms"`
	RequestID      string  `json:"request_id"`
}

// DataResponse is the envelope returned for every request. No error value
// crosses this boundary: failures are carried in Error with Success=false.
type DataResponse struct {
	Success  bool             `json:"success"`
	Data     any              `json:"data,omitempty"`
	Error    string           `json:"error,omitempty"`
	Metadata ResponseMetadata `json:"metadata"`
}
