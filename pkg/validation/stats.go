package validation

import (
	"sort"
	"time"
)

const topCodesLimit = 10

type CodeCount struct {
	Code  string `json:"code"`
	Count int    `json:"count"`
}

// Stats aggregates attempts across every key for a monitoring dashboard.
type Stats struct {
	TotalAttempts      int            `json:"total_attempts"`
	SuccessfulAttempts int            `json:"successful_attempts"`
	FailedAttempts     int            `json:"failed_attempts"`
	SuccessRate        float64        `json:"success_rate"`
	FailureReasons     map[string]int `json:"failure_reasons"`
	TopCodes           []CodeCount    `json:"top_codes"`
	TimeWindow         time.Duration  `json:"-"`
	TimeWindowMs       int64          `json:"time_window_ms"`
}

// Stats walks the whole log, so its cost is bounded by MaxKeys and TTL. The
// window is capped at the TTL, which is all the log retains.
func (l *Log) Stats(window time.Duration) Stats {
	if window <= 0 || window > l.cfg.TTL {
		window = l.cfg.TTL
	}
	cutoff := l.now().Add(-window)

	stats := Stats{
		FailureReasons: make(map[string]int),
		TimeWindow:     window,
		TimeWindowMs:   window.Milliseconds(),
	}
	codes := make(map[string]int)

	l.mu.RLock()
	for _, kl := range l.entries {
		for _, a := range kl.attempts {
			if a.Timestamp.Before(cutoff) {
				continue
			}
			stats.TotalAttempts++
			codes[normalizeCode(a.CouponCode)]++
			if a.Success {
				stats.SuccessfulAttempts++
				continue
			}
			stats.FailedAttempts++
			reason := a.FailureReason
			if reason == "" {
				reason = "unknown"
			}
			stats.FailureReasons[reason]++
		}
	}
	l.mu.RUnlock()

	if stats.TotalAttempts > 0 {
		stats.SuccessRate = float64(stats.SuccessfulAttempts) / float64(stats.TotalAttempts) * 100
	}
	stats.TopCodes = topCodes(codes, topCodesLimit)
	return stats
}

func topCodes(counts map[string]int, limit int) []CodeCount {
	out := make([]CodeCount, 0, len(counts))
	for code, n := range counts {
		out = append(out, CodeCount{Code: code, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Code < out[j].Code
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
