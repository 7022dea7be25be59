// Package routing implements the smart data router. Each request flows
// through cache check, channel decision, execution, unification, and cache
// store, and returns a response envelope that always reports the channel
// used and the elapsed time. A WebSocket execution failure triggers exactly
// one REST fallback before the failure is surfaced.
package routing
