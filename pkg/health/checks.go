package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Checker is a single named dependency check.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckFunc) Name() string                    { return c.CheckName }
func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

type HealthStatus struct {
	Healthy   bool              `json:"healthy"`
	Checks    map[string]string `json:"checks"`
	Details   map[string]any    `json:"details,omitempty"`
	Issues    []string          `json:"issues,omitempty"`
	CheckedAt time.Time         `json:"checked_at"`
}

// Check runs every checker concurrently, each bounded by timeout.
func Check(ctx context.Context, timeout time.Duration, checkers ...Checker) *HealthStatus {
	status := &HealthStatus{
		Healthy:   true,
		Checks:    make(map[string]string, len(checkers)),
		Issues:    []string{},
		CheckedAt: time.Now().UTC(),
	}

	type outcome struct {
		name string
		err  error
	}
	results := make([]outcome, len(checkers))

	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			results[i] = outcome{name: c.Name(), err: c.Check(cctx)}
		}(i, c)
	}
	wg.Wait()

	for _, r := range results {
		if r.err != nil {
			status.Healthy = false
			status.Checks[r.name] = "fail"
			status.Issues = append(status.Issues, fmt.Sprintf("%s: %v", r.name, r.err))
			continue
		}
		status.Checks[r.name] = "ok"
	}
	return status
}
