// Package cache memoizes ranked query results in Redis. Keys embed the
// manifest generation, so a commit makes every older entry unreachable and
// the TTL reclaims it. Concurrent identical queries are collapsed with
// singleflight, and a circuit breaker keeps an unavailable Redis off the
// query path.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/searcher/executor"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/searcher/parser"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/resilience"
)

const keyPrefix = "sonic:query:"

// Backend is the key-value store behind the cache; *pkgredis.Client
// satisfies it.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

// ErrMiss is what a Backend returns for an absent key when it is not Redis.
var ErrMiss = errors.New("cache miss")

func isMiss(err error) bool {
	return errors.Is(err, ErrMiss) || pkgredis.IsNilError(err)
}

type QueryCache struct {
	backend Backend
	ttl     time.Duration
	group   singleflight.Group
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

// New creates a cache over backend. m may be nil.
func New(backend Backend, cfg config.RedisConfig, m *metrics.Metrics) *QueryCache {
	c := &QueryCache{
		backend: backend,
		ttl:     cfg.CacheTTL,
		metrics: m,
		logger:  slog.Default().With("component", "query-cache"),
	}
	c.breaker = resilience.NewCircuitBreaker("redis", resilience.BreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     30 * time.Second,
		OnStateChange: func(s resilience.State) {
			if m != nil {
				m.CircuitBreakerState.WithLabelValues("redis").Set(float64(s))
			}
		},
	})
	return c
}

// Get returns the cached results of q at generation.
func (c *QueryCache) Get(ctx context.Context, q *parser.Query, generation uint64) ([]executor.Result, bool) {
	key := BuildKey(q, generation)
	var data string
	err := c.breaker.Execute(func() error {
		v, err := c.backend.Get(ctx, key)
		if isMiss(err) {
			return nil
		}
		data = v
		return err
	})
	if err != nil {
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		c.miss()
		return nil, false
	}
	if data == "" {
		c.miss()
		return nil, false
	}
	var results []executor.Result
	if err := json.Unmarshal([]byte(data), &results); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.miss()
		return nil, false
	}
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
	c.logger.Debug("cache hit", "query", q.Raw, "key", key)
	return results, true
}

func (c *QueryCache) Set(ctx context.Context, q *parser.Query, generation uint64, results []executor.Result) {
	key := BuildKey(q, generation)
	if results == nil {
		results = []executor.Result{}
	}
	data, err := json.Marshal(results)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	err = c.breaker.Execute(func() error {
		return c.backend.Set(ctx, key, data, c.ttl)
	})
	if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns cached results or runs compute once for all
// concurrent callers of the same key. The bool reports a cache hit.
func (c *QueryCache) GetOrCompute(
	ctx context.Context,
	q *parser.Query,
	generation uint64,
	compute func() ([]executor.Result, error),
) ([]executor.Result, bool, error) {
	if results, ok := c.Get(ctx, q, generation); ok {
		return results, true, nil
	}
	key := BuildKey(q, generation)
	val, err, _ := c.group.Do(key, func() (any, error) {
		results, err := compute()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, q, generation, results)
		return results, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.([]executor.Result), false, nil
}

func (c *QueryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *QueryCache) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}

// BuildKey derives the cache key from the canonical form of q, so
// "Budget  report" and "budget AND report" share an entry.
func BuildKey(q *parser.Query, generation uint64) string {
	hash := sha256.Sum256([]byte(q.String()))
	return fmt.Sprintf("%s%d:%x", keyPrefix, generation, hash[:16])
}
