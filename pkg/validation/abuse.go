package validation

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultMaxFailedAttempts       = 10
	DefaultAbuseWindow             = 15 * time.Minute
	DefaultMaxUniqueCodesPerWindow = 20
)

// Thresholds configure abuse detection. Zero fields use the defaults.
type Thresholds struct {
	MaxFailedAttempts       int
	TimeWindow              time.Duration
	MaxUniqueCodesPerWindow int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxFailedAttempts:       DefaultMaxFailedAttempts,
		TimeWindow:              DefaultAbuseWindow,
		MaxUniqueCodesPerWindow: DefaultMaxUniqueCodesPerWindow,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	if t.MaxFailedAttempts <= 0 {
		t.MaxFailedAttempts = DefaultMaxFailedAttempts
	}
	if t.TimeWindow <= 0 {
		t.TimeWindow = DefaultAbuseWindow
	}
	if t.MaxUniqueCodesPerWindow <= 0 {
		t.MaxUniqueCodesPerWindow = DefaultMaxUniqueCodesPerWindow
	}
	return t
}

type Signal string

const (
	SignalNone        Signal = ""
	SignalBruteForce  Signal = "brute_force"
	SignalEnumeration Signal = "enumeration"
)

// Metrics summarizes one key's attempts inside the detection window.
type Metrics struct {
	TotalAttempts    int `json:"total_attempts"`
	FailedAttempts   int `json:"failed_attempts"`
	UniqueCodesTried int `json:"unique_codes_tried"`
}

type AbuseResult struct {
	IsAbusive bool    `json:"is_abusive"`
	Reason    string  `json:"reason,omitempty"`
	Signal    Signal  `json:"signal,omitempty"`
	Metrics   Metrics `json:"metrics"`
}

// DetectAbuse inspects the attempts for key within th.TimeWindow. Brute force
// is checked before enumeration, so it wins the reason when both trip.
func (l *Log) DetectAbuse(key string, th Thresholds) AbuseResult {
	th = th.withDefaults()
	cutoff := l.now().Add(-th.TimeWindow)

	var m Metrics
	codes := make(map[string]struct{})

	l.mu.RLock()
	if kl, ok := l.entries[key]; ok {
		for _, a := range kl.attempts {
			if a.Timestamp.Before(cutoff) {
				continue
			}
			m.TotalAttempts++
			if !a.Success {
				m.FailedAttempts++
			}
			codes[strings.ToLower(strings.TrimSpace(a.CouponCode))] = struct{}{}
		}
	}
	l.mu.RUnlock()
	m.UniqueCodesTried = len(codes)

	switch {
	case m.FailedAttempts >= th.MaxFailedAttempts:
		return AbuseResult{
			IsAbusive: true,
			Reason:    fmt.Sprintf("too many failed attempts: %d in the last %s", m.FailedAttempts, th.TimeWindow),
			Signal:    SignalBruteForce,
			Metrics:   m,
		}
	case m.UniqueCodesTried >= th.MaxUniqueCodesPerWindow:
		return AbuseResult{
			IsAbusive: true,
			Reason:    fmt.Sprintf("too many unique codes tried: %d in the last %s", m.UniqueCodesTried, th.TimeWindow),
			Signal:    SignalEnumeration,
			Metrics:   m,
		}
	}
	return AbuseResult{Metrics: m}
}

// Detector binds a Log to configured thresholds.
type Detector struct {
	log        *Log
	thresholds Thresholds
}

func NewDetector(log *Log, th Thresholds) *Detector {
	return &Detector{log: log, thresholds: th.withDefaults()}
}

func (d *Detector) Check(key string) AbuseResult {
	return d.log.DetectAbuse(key, d.thresholds)
}

func (d *Detector) Thresholds() Thresholds {
	return d.thresholds
}
