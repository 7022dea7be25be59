// Package unify maps heterogeneous REST and WebSocket payloads onto the
// canonical records in internal/model.
//
// Every canonical field is resolved through an ordered candidate-key chain
// (WebSocket SIMPLE abbreviation first, REST long key second) with one
// coercion per field. Numeric fields become decimal.Decimal, never float64.
// A missing mandatory field (price, timestamp) is a *ValidationError, never
// a silent zero.
package unify
