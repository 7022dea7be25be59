package selector

import (
	"sync"
	"time"

	"upbitflow/internal/model"
)

// Trend classifies how the request cadence for a pair is changing.
type Trend string

const (
	TrendAccelerating Trend = "accelerating"
	TrendStable       Trend = "stable"
	TrendDecelerating Trend = "decelerating"
	TrendUnknown      Trend = "unknown"
)

// FrequencyCategory buckets the request cadence for channel selection.
type FrequencyCategory string

const (
	FreqInsufficient FrequencyCategory = "insufficient"
	FreqLow          FrequencyCategory = "low"
	FreqModerate     FrequencyCategory = "moderate"
	FreqHigh         FrequencyCategory = "high"
)

// Profile summarizes the observed cadence of one (symbol, data type) pair.
type Profile struct {
	Samples    int
	Trend      Trend
	RecentMean time.Duration // Mean of the last three intervals
	Category   FrequencyCategory
}

const (
	maxIntervalHistory = 20
	minSamples         = 6
	trendWindow        = 3

	highFreqInterval = 10 * time.Second
	lowFreqInterval  = 60 * time.Second

	// Recent-to-prior mean ratios bounding the stable band.
	acceleratingBelow = 0.8
	deceleratingAbove = 1.25
)

type pairKey struct {
	symbol   model.Symbol
	dataType model.DataType
}

type history struct {
	intervals []time.Duration
	lastSeen  time.Time
}

// FrequencyAnalyzer keeps a bounded inter-request interval history per
// (symbol, data type) pair.
type FrequencyAnalyzer struct {
	mu    sync.Mutex
	pairs map[pairKey]*history

	now func() time.Time
}

func NewFrequencyAnalyzer() *FrequencyAnalyzer {
	return &FrequencyAnalyzer{
		pairs: make(map[pairKey]*history),
		now:   time.Now,
	}
}

// Record notes one request for the pair and updates its interval history.
func (a *FrequencyAnalyzer) Record(symbol model.Symbol, dataType model.DataType) {
	key := pairKey{symbol, dataType}
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	h, ok := a.pairs[key]
	if !ok {
		h = &history{}
		a.pairs[key] = h
	}
	if !h.lastSeen.IsZero() {
		h.intervals = append(h.intervals, now.Sub(h.lastSeen))
		if len(h.intervals) > maxIntervalHistory {
			h.intervals = h.intervals[len(h.intervals)-maxIntervalHistory:]
		}
	}
	h.lastSeen = now
}

// Profile derives the cadence profile for the pair from its history.
func (a *FrequencyAnalyzer) Profile(symbol model.Symbol, dataType model.DataType) Profile {
	a.mu.Lock()
	defer a.mu.Unlock()

	h, ok := a.pairs[pairKey{symbol, dataType}]
	if !ok || len(h.intervals) < minSamples {
		samples := 0
		if ok {
			samples = len(h.intervals)
		}
		return Profile{Samples: samples, Trend: TrendUnknown, Category: FreqInsufficient}
	}

	n := len(h.intervals)
	recent := mean(h.intervals[n-trendWindow:])
	prior := mean(h.intervals[n-2*trendWindow : n-trendWindow])

	trend := TrendStable
	if prior > 0 {
		ratio := float64(recent) / float64(prior)
		switch {
		case ratio < acceleratingBelow:
			trend = TrendAccelerating
		case ratio > deceleratingAbove:
			trend = TrendDecelerating
		}
	}

	return Profile{
		Samples:    n,
		Trend:      trend,
		RecentMean: recent,
		Category:   categorize(recent, trend),
	}
}

// categorize buckets the recent mean interval, with the trend promoting or
// demoting by one bucket.
func categorize(recent time.Duration, trend Trend) FrequencyCategory {
	var cat FrequencyCategory
	switch {
	case recent <= highFreqInterval:
		cat = FreqHigh
	case recent <= lowFreqInterval:
		cat = FreqModerate
	default:
		cat = FreqLow
	}

	switch trend {
	case TrendAccelerating:
		if cat == FreqLow {
			cat = FreqModerate
		} else {
			cat = FreqHigh
		}
	case TrendDecelerating:
		if cat == FreqHigh {
			cat = FreqModerate
		} else {
			cat = FreqLow
		}
	}
	return cat
}

// Reset clears the history for every pair.
func (a *FrequencyAnalyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pairs = make(map[pairKey]*history)
}

func mean(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range ds {
		total += d
	}
	return total / time.Duration(len(ds))
}
