// Package stream implements the WebSocket side of the routing layer.
//
// A Transport is one physical connection: it owns the only reader of its
// socket, decodes wire frames into typed Messages, and reconnects with
// bounded exponential backoff, replaying its subscriptions. The Manager
// pools Transports under max_connections × max_subscriptions_per_connection,
// assigns (symbol, data type) subscriptions to transports with spare
// capacity, migrates them on transport failure, and sweeps idle ones.
//
// Upbit's protocol has no unsubscribe message: shrinking a transport's
// symbol set means tearing the connection down and recreating it with the
// reduced set.
package stream
