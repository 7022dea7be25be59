// Package selector decides which channel, REST or WebSocket, serves one
// data request. The decision combines fixed request-type rules with the
// observed request cadence per (symbol, data type) pair.
package selector
