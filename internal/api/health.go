package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// HealthChecker defines the interface for dependency health checks.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

// HealthStatus represents the result of a health check.
type HealthStatus struct {
	Status  string                 `json:"status"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
	Version string                 `json:"version,omitempty"`
}

// CheckResult represents the result of a single dependency check.
type CheckResult struct {
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RedisHealthChecker checks that the shared quota store answers.
type RedisHealthChecker struct {
	client *redis.Client
}

func NewRedisHealthCheckerWithClient(client *redis.Client) *RedisHealthChecker {
	return &RedisHealthChecker{client: client}
}

func (c *RedisHealthChecker) Name() string {
	return "redis"
}

func (c *RedisHealthChecker) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// FreshnessSource is anything that knows how recently it was refreshed.
type FreshnessSource interface {
	Fresh(maxAge time.Duration) bool
}

// CatalogHealthChecker fails once the model catalog has gone maxAge without a
// successful refresh.
type CatalogHealthChecker struct {
	source FreshnessSource
	maxAge time.Duration
}

func NewCatalogHealthChecker(source FreshnessSource, maxAge time.Duration) *CatalogHealthChecker {
	return &CatalogHealthChecker{source: source, maxAge: maxAge}
}

func (c *CatalogHealthChecker) Name() string {
	return "catalog"
}

func (c *CatalogHealthChecker) Check(ctx context.Context) error {
	if !c.source.Fresh(c.maxAge) {
		return fmt.Errorf("model catalog not refreshed within %s", c.maxAge)
	}
	return nil
}

var errDraining = errors.New("shutting down")

// Readiness serves /health/ready. It reports not ready once draining starts
// so load balancers stop routing before the listener closes.
type Readiness struct {
	checkers []HealthChecker
	timeout  time.Duration
	version  string
	draining atomic.Bool
}

func NewReadiness(checkers []HealthChecker, timeout time.Duration, version string) *Readiness {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Readiness{checkers: checkers, timeout: timeout, version: version}
}

// Drain marks the instance not ready. It cannot be undone.
func (rd *Readiness) Drain() {
	rd.draining.Store(true)
}

func (rd *Readiness) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), rd.timeout)
	defer cancel()

	results := runHealthChecks(ctx, rd.checkers)
	if rd.draining.Load() {
		results["shutdown"] = CheckResult{Status: "error", Error: errDraining.Error()}
	}

	allHealthy := true
	for _, result := range results {
		if result.Status != "ok" {
			allHealthy = false
			break
		}
	}

	status := HealthStatus{
		Status:  "ready",
		Checks:  results,
		Version: rd.version,
	}

	httpStatus := http.StatusOK
	if !allHealthy {
		status.Status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(status)
}

// runHealthChecks executes all health checks concurrently.
func runHealthChecks(ctx context.Context, checkers []HealthChecker) map[string]CheckResult {
	results := make(map[string]CheckResult)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, checker := range checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)
			duration := time.Since(start)

			result := CheckResult{
				Status:   "ok",
				Duration: duration.String(),
			}
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

func handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
