package stream

import (
	"encoding/json"
	"strings"

	"upbitflow/internal/model"
	"upbitflow/internal/ratelimit"
)

// decode parses one wire frame into a Message. It returns ok=false for
// frames that must be consumed rather than surfaced: status responses,
// error frames, and anything unparseable.
func (t *transport) decode(data []byte) (Message, bool) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.logger.Debug("undecodable frame", "error", err)
		return Message{}, false
	}

	// Error frames: {"error":{"name":...,"message":...}}. A rate-limit
	// rejection feeds the ws-message backoff.
	if errObj, ok := raw["error"].(map[string]any); ok {
		name, _ := errObj["name"].(string)
		message, _ := errObj["message"].(string)
		t.logger.Warn("server error frame", "name", name, "message", message)
		if isRateLimitMessage(name) || isRateLimitMessage(message) {
			t.gate.OnServerRejection(ratelimit.CategoryWSMessage)
		}
		return Message{}, false
	}

	// Keep-alive status responses: {"status":"UP"}.
	if _, ok := raw["status"]; ok {
		return Message{}, false
	}

	msgType := classify(raw)
	if msgType == MsgStatus || msgType == MsgUnknown {
		return Message{}, false
	}

	symbol, _ := firstString(raw, "cd", "code", "market")

	return Message{
		Type:    msgType,
		Symbol:  model.Symbol(symbol),
		Payload: raw,
	}, true
}

// classify infers the semantic type from the explicit type tag, falling
// back to characteristic-field matching for tag-less payloads.
func classify(raw map[string]any) MessageType {
	if tag, ok := firstString(raw, "ty", "type"); ok {
		switch {
		case tag == "ticker":
			return MsgTicker
		case tag == "trade":
			return MsgTrade
		case tag == "orderbook":
			return MsgOrderbook
		case strings.HasPrefix(tag, "candle"):
			return MsgCandle
		default:
			return MsgUnknown
		}
	}

	switch {
	case has(raw, "obu", "orderbook_units"):
		return MsgOrderbook
	case has(raw, "sid", "sequential_id"):
		return MsgTrade
	case has(raw, "cdttmu", "candle_date_time_utc"):
		return MsgCandle
	case has(raw, "scr", "signed_change_rate"):
		return MsgTicker
	}
	return MsgUnknown
}

// dataTypeOf maps a message type to its request data type.
func dataTypeOf(mt MessageType) (model.DataType, bool) {
	switch mt {
	case MsgTicker:
		return model.DataTicker, true
	case MsgTrade:
		return model.DataTrade, true
	case MsgOrderbook:
		return model.DataOrderbook, true
	case MsgCandle:
		return model.DataCandle, true
	}
	return "", false
}

func firstString(raw map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := raw[k].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

func has(raw map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := raw[k]; ok {
			return true
		}
	}
	return false
}

func isRateLimitMessage(s string) bool {
	ls := strings.ToLower(s)
	return strings.Contains(ls, "rate limit") ||
		strings.Contains(ls, "too many requests") ||
		strings.Contains(ls, "too_many_requests")
}
