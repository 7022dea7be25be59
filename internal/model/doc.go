// Package model defines shared data types used across the routing layer.
//
// Conventions:
//   - Prices and volumes: decimal.Decimal, never float64; derived spreads
//     and change rates must not lose precision
//   - Timestamps: int64 milliseconds since Unix epoch (Upbit native unit)
//   - IDs: Symbol strings for markets, uuid strings for requests and
//     subscriptions
package model
