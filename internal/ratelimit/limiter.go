package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Errors
var (
	ErrRateLimited   = errors.New("rate limit window full")
	ErrServerBackoff = errors.New("server-signalled backoff active")
	ErrTimeout       = errors.New("rate acquire timeout")
)

// Category identifies one request budget.
type Category string

const (
	CategoryREST      Category = "rest"
	CategoryWSConnect Category = "ws-connect"
	CategoryWSMessage Category = "ws-message"
)

// Limit holds the advertised ceilings for one category.
type Limit struct {
	PerSecond int
	PerMinute int
}

// Config configures a Limiter.
type Config struct {
	Limits       map[Category]Limit
	Global       Limit
	SafetyMargin float64       // Fraction of the advertised ceiling actually used
	PollInterval time.Duration // AcquireBlocking retry interval
	BackoffBase  time.Duration // First server-rejection backoff
	BackoffMax   time.Duration // Backoff cap
}

// DefaultConfig returns the Upbit public-API budgets.
func DefaultConfig() Config {
	return Config{
		Limits: map[Category]Limit{
			CategoryREST:      {PerSecond: 10, PerMinute: 600},
			CategoryWSConnect: {PerSecond: 5, PerMinute: 100},
			CategoryWSMessage: {PerSecond: 5, PerMinute: 100},
		},
		Global:       Limit{PerSecond: 25, PerMinute: 1200},
		SafetyMargin: 0.75,
		PollInterval: 20 * time.Millisecond,
		BackoffBase:  time.Second,
		BackoffMax:   60 * time.Second,
	}
}

// window is a rolling set of acquisition timestamps, pruned lazily.
type window struct {
	events []time.Time
}

// prune drops timestamps older than the minute horizon.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

// counts returns events inside the 1s and 60s horizons.
func (w *window) counts(now time.Time) (sec int, min int) {
	secCutoff := now.Add(-time.Second)
	min = len(w.events)
	for i := len(w.events) - 1; i >= 0; i-- {
		if w.events[i].After(secCutoff) {
			sec++
		} else {
			break
		}
	}
	return sec, min
}

// backoffState tracks one category's server-signalled backoff.
type backoffState struct {
	until time.Time
	level int
}

// Limiter tracks rolling request windows per category and globally.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	windows map[Category]*window
	global  window
	backoff map[Category]*backoffState
	logger  *slog.Logger

	now func() time.Time // Overridable for tests
}

// New creates a Limiter.
func New(cfg Config, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SafetyMargin <= 0 || cfg.SafetyMargin > 1 {
		cfg.SafetyMargin = 0.75
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 60 * time.Second
	}

	windows := make(map[Category]*window, len(cfg.Limits))
	for cat := range cfg.Limits {
		windows[cat] = &window{}
	}

	return &Limiter{
		cfg:     cfg,
		windows: windows,
		backoff: make(map[Category]*backoffState),
		logger:  logger,
		now:     time.Now,
	}
}

// effective scales an advertised ceiling by the safety margin, never below 1.
func (l *Limiter) effective(ceiling int) int {
	if ceiling <= 0 {
		return 0 // 0 = unlimited
	}
	n := int(float64(ceiling) * l.cfg.SafetyMargin)
	if n < 1 {
		n = 1
	}
	return n
}

// TryAcquire attempts to record one request in the given category.
// Non-blocking: returns ErrServerBackoff, ErrRateLimited, or nil.
// A success after an expired backoff clears that backoff.
func (l *Limiter) TryAcquire(cat Category) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if b, ok := l.backoff[cat]; ok && now.Before(b.until) {
		return ErrServerBackoff
	}

	w, ok := l.windows[cat]
	if !ok {
		w = &window{}
		l.windows[cat] = w
	}
	w.prune(now)
	l.global.prune(now)

	limit := l.cfg.Limits[cat]
	sec, min := w.counts(now)
	if exceeded(sec, l.effective(limit.PerSecond)) || exceeded(min, l.effective(limit.PerMinute)) {
		return ErrRateLimited
	}

	gsec, gmin := l.global.counts(now)
	if exceeded(gsec, l.effective(l.cfg.Global.PerSecond)) || exceeded(gmin, l.effective(l.cfg.Global.PerMinute)) {
		return ErrRateLimited
	}

	w.events = append(w.events, now)
	l.global.events = append(l.global.events, now)

	// First success past an expired backoff clears it.
	if _, ok := l.backoff[cat]; ok {
		delete(l.backoff, cat)
		l.logger.Debug("backoff cleared", "category", cat)
	}

	return nil
}

func exceeded(count, limit int) bool {
	return limit > 0 && count >= limit
}

// AcquireBlocking polls TryAcquire until granted, the context is cancelled,
// or the timeout elapses (ErrTimeout).
func (l *Limiter) AcquireBlocking(ctx context.Context, cat Category, timeout time.Duration) error {
	deadline := l.clockNow().Add(timeout)

	for {
		err := l.TryAcquire(cat)
		if err == nil {
			return nil
		}

		if !l.clockNow().Before(deadline) {
			return ErrTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.PollInterval):
		}
	}
}

func (l *Limiter) clockNow() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now()
}

// OnServerRejection puts a category into exponential capped backoff. Each
// consecutive rejection doubles the wait.
func (l *Limiter) OnServerRejection(cat Category) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.backoff[cat]
	if !ok {
		b = &backoffState{}
		l.backoff[cat] = b
	}
	b.level++

	wait := l.cfg.BackoffBase << (b.level - 1)
	if wait > l.cfg.BackoffMax || wait <= 0 {
		wait = l.cfg.BackoffMax
	}
	b.until = l.now().Add(wait)

	l.logger.Warn("server rejection, entering backoff",
		"category", cat,
		"level", b.level,
		"wait", wait,
	)
}

// ResetBackoff clears any backoff for the category.
func (l *Limiter) ResetBackoff(cat Category) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.backoff, cat)
}

// WindowStats is a point-in-time view of one category's windows.
type WindowStats struct {
	InLastSecond  int
	InLastMinute  int
	BackoffActive bool
}

// Stats returns current per-category window occupancy.
func (l *Limiter) Stats() map[Category]WindowStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	out := make(map[Category]WindowStats, len(l.windows))
	for cat, w := range l.windows {
		w.prune(now)
		sec, min := w.counts(now)
		b, ok := l.backoff[cat]
		out[cat] = WindowStats{
			InLastSecond:  sec,
			InLastMinute:  min,
			BackoffActive: ok && now.Before(b.until),
		}
	}
	return out
}
