// Package rest provides the Upbit quotation REST client.
//
// Endpoints:
//   - GET /v1/ticker?markets=...
//   - GET /v1/orderbook?markets=...
//   - GET /v1/trades/ticks?market=...&count=...
//   - GET /v1/candles/{minutes/N|days|weeks|months}?market=...&count=...
//
// The quotation endpoints are public; no request signing is required.
// Payloads are returned as raw JSON objects so the unifier can apply its
// ordered field mapping to REST and WebSocket data alike.
package rest
