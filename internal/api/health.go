package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// HealthChecker probes one dependency's reachability.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

// CheckResult is the outcome of a single dependency check.
type CheckResult struct {
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ProviderHealthChecker probes an upstream provider by requesting its
// models listing — every OpenAI-dialect provider serves one, and it
// requires no request body or API key to reach.
type ProviderHealthChecker struct {
	id      string
	baseURL string
	client  *http.Client
}

// NewProviderHealthChecker builds a checker for one configured provider.
func NewProviderHealthChecker(id, baseURL string, client *http.Client) *ProviderHealthChecker {
	return &ProviderHealthChecker{id: id, baseURL: baseURL, client: client}
}

func (c *ProviderHealthChecker) Name() string { return c.id }

func (c *ProviderHealthChecker) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Any response below 500 — even a 401 from a missing API key — proves
	// the provider is reachable; a transport-level failure or a 5xx counts
	// as unhealthy.
	if resp.StatusCode >= 500 {
		return fmt.Errorf("provider returned %d", resp.StatusCode)
	}
	return nil
}

// runHealthChecks executes all checks concurrently and collects their
// results keyed by checker name.
func runHealthChecks(ctx context.Context, checkers []HealthChecker) map[string]CheckResult {
	results := make(map[string]CheckResult, len(checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, checker := range checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)
			duration := time.Since(start)

			result := CheckResult{Status: "ok", Duration: duration.String()}
			if err != nil {
				result.Status = "error"
				result.Error = err.Error()
			}

			mu.Lock()
			results[c.Name()] = result
			mu.Unlock()
		}(checker)
	}

	wg.Wait()
	return results
}
