package health

import (
	"context"
	"sync"
)

// Status represents the aggregated health status.
type Status string

const (
	// Healthy indicates all components are operational.
	Healthy Status = "ok"
	// Degraded indicates partial failure.
	Degraded Status = "degraded"
	// Unhealthy indicates that no embedding provider answers.
	Unhealthy Status = "error"
)

// CheckResult represents an individual component health check outcome.
type CheckResult string

const (
	// CheckOK indicates a passing health check.
	CheckOK CheckResult = "ok"
	// CheckError indicates a failing health check.
	CheckError CheckResult = "error"
)

// Check name prefixes and the cache check name.
const (
	providerPrefix = "provider:"
	rerankerPrefix = "reranker:"
	cacheCheck     = "cache"
)

// Component is a named dependency with a health check.
type Component struct {
	Name    string
	Checker Checker
}

// Report aggregates health check results.
type Report struct {
	Status Status
	Checks map[string]CheckResult
}

// Service coordinates health checks.
type Service struct {
	providers []Component
	rerankers []Component
	cache     CachePinger
}

// New creates a Service. cache can be nil when no embedding cache is configured.
func New(providers, rerankers []Component, cache CachePinger) *Service {
	return &Service{providers: providers, rerankers: rerankers, cache: cache}
}

// Check runs every health check concurrently. The status is Unhealthy when providers are
// configured and none of them passes, Degraded when any check fails.
func (s *Service) Check(ctx context.Context) Report {
	checks := make(map[string]CheckResult)
	var mu sync.Mutex
	var wg sync.WaitGroup

	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := CheckOK
			if err := fn(ctx); err != nil {
				res = CheckError
			}
			mu.Lock()
			checks[name] = res
			mu.Unlock()
		}()
	}

	for _, c := range s.providers {
		run(providerPrefix+c.Name, c.Checker.HealthCheck)
	}
	for _, c := range s.rerankers {
		run(rerankerPrefix+c.Name, c.Checker.HealthCheck)
	}
	if s.cache != nil {
		run(cacheCheck, s.cache.Ping)
	}
	wg.Wait()

	status := Healthy
	for _, v := range checks {
		if v == CheckError {
			status = Degraded
			break
		}
	}
	if len(s.providers) > 0 {
		healthy := 0
		for _, c := range s.providers {
			if checks[providerPrefix+c.Name] == CheckOK {
				healthy++
			}
		}
		if healthy == 0 {
			status = Unhealthy
		}
	}

	return Report{Status: status, Checks: checks}
}
