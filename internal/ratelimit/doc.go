// Package ratelimit implements the per-category request budget.
//
// Each category (REST, WS-connect, WS-message) and the process as a whole
// track rolling 1s/60s timestamp windows held a safety margin below the
// advertised Upbit ceilings. Windows are pruned lazily on each check; no
// background timer runs. A server-signalled rejection (HTTP 429 or a WS
// error frame) puts the category into exponential capped backoff during
// which every acquire fails regardless of local counts.
package ratelimit
