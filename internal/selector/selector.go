package selector

import (
	"upbitflow/internal/model"
)

// Decision reasons reported in response metadata.
const (
	ReasonRestOnly           = "rest_only"
	ReasonHistoricalRange    = "historical_range"
	ReasonActiveSubscription = "active_subscription"
	ReasonTransportUnhealthy = "transport_unhealthy"
	ReasonInsufficientData   = "insufficient_data"
	ReasonHighFrequency      = "high_frequency"
	ReasonModerateFrequency  = "moderate_frequency"
	ReasonLowFrequency       = "low_frequency"
)

// StreamStatus is the slice of the subscription manager the selector needs.
type StreamStatus interface {
	Healthy(symbol model.Symbol, dataType model.DataType) bool
	Errored(symbol model.Symbol, dataType model.DataType) bool
}

// ChannelSelector decides REST versus WebSocket per request.
type ChannelSelector struct {
	analyzer *FrequencyAnalyzer
	streams  StreamStatus
}

func NewChannelSelector(analyzer *FrequencyAnalyzer, streams StreamStatus) *ChannelSelector {
	if analyzer == nil {
		analyzer = NewFrequencyAnalyzer()
	}
	return &ChannelSelector{analyzer: analyzer, streams: streams}
}

// Analyzer exposes the underlying frequency analyzer so callers can record
// request arrivals.
func (s *ChannelSelector) Analyzer() *FrequencyAnalyzer { return s.analyzer }

// Decide picks the channel for the request. The decision is made per
// request against the first symbol's stream state; multi-symbol requests
// follow the same channel for every symbol.
func (s *ChannelSelector) Decide(req model.DataRequest) model.ChannelDecision {
	// Candles have no single-shot WebSocket equivalent for ranges.
	if req.DataType == model.DataCandle {
		return model.ChannelDecision{
			Channel:    model.ChannelREST,
			Reason:     ReasonRestOnly,
			Confidence: 1.0,
		}
	}

	// Historical slices only exist over REST, except recent trades, which
	// a live subscription buffers.
	if !req.To.IsZero() {
		return model.ChannelDecision{
			Channel:    model.ChannelREST,
			Reason:     ReasonHistoricalRange,
			Confidence: 1.0,
		}
	}
	if req.Count > 1 {
		if req.DataType == model.DataTrade && len(req.Symbols) > 0 &&
			s.streams != nil && s.streams.Healthy(req.Symbols[0], model.DataTrade) {
			return model.ChannelDecision{
				Channel:    model.ChannelWebSocket,
				Reason:     ReasonActiveSubscription,
				Confidence: 0.9,
			}
		}
		return model.ChannelDecision{
			Channel:    model.ChannelREST,
			Reason:     ReasonHistoricalRange,
			Confidence: 1.0,
		}
	}

	if len(req.Symbols) == 0 {
		return model.ChannelDecision{
			Channel:    model.ChannelREST,
			Reason:     ReasonInsufficientData,
			Confidence: 0.5,
		}
	}
	symbol := req.Symbols[0]

	if s.streams != nil {
		if s.streams.Errored(symbol, req.DataType) {
			return model.ChannelDecision{
				Channel:    model.ChannelREST,
				Reason:     ReasonTransportUnhealthy,
				Confidence: 0.9,
			}
		}
		if s.streams.Healthy(symbol, req.DataType) {
			return model.ChannelDecision{
				Channel:    model.ChannelWebSocket,
				Reason:     ReasonActiveSubscription,
				Confidence: 0.95,
			}
		}
	}

	profile := s.analyzer.Profile(symbol, req.DataType)
	switch profile.Category {
	case FreqHigh:
		return model.ChannelDecision{
			Channel:    model.ChannelWebSocket,
			Reason:     ReasonHighFrequency,
			Confidence: 0.8,
		}
	case FreqModerate:
		return model.ChannelDecision{
			Channel:    model.ChannelWebSocket,
			Reason:     ReasonModerateFrequency,
			Confidence: 0.6,
		}
	case FreqLow:
		return model.ChannelDecision{
			Channel:    model.ChannelREST,
			Reason:     ReasonLowFrequency,
			Confidence: 0.7,
		}
	default:
		// Too few samples to justify opening a stream.
		return model.ChannelDecision{
			Channel:    model.ChannelREST,
			Reason:     ReasonInsufficientData,
			Confidence: 0.5,
		}
	}
}
