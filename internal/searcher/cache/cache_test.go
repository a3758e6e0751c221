package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/searcher/executor"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/searcher/parser"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/metrics"
)

type memoryBackend struct {
	mu   sync.Mutex
	data map[string]string
	err  error
	gets atomic.Int64
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{data: make(map[string]string)}
}

func (b *memoryBackend) Get(_ context.Context, key string) (string, error) {
	b.gets.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	v, ok := b.data[key]
	if !ok {
		return "", ErrMiss
	}
	return v, nil
}

func (b *memoryBackend) Set(_ context.Context, key string, value any, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.data[key] = string(value.([]byte))
	return nil
}

func mustParse(t *testing.T, s string) *parser.Query {
	t.Helper()
	q, err := parser.Parse(s, parser.ModeFilename)
	require.NoError(t, err)
	return q
}

func TestGetOrComputeCachesPerGeneration(t *testing.T) {
	m := metrics.New()
	c := New(newMemoryBackend(), config.RedisConfig{CacheTTL: time.Minute}, m)
	q := mustParse(t, "budget")
	calls := 0
	compute := func() ([]executor.Result, error) {
		calls++
		return []executor.Result{{DocID: 1, Path: "/docs/budget.txt", Score: 1.5}}, nil
	}

	first, hit, err := c.GetOrCompute(context.Background(), q, 3, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	second, hit, err := c.GetOrCompute(context.Background(), q, 3, compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, first[0].Path, second[0].Path)
	assert.Equal(t, 1, calls)

	_, hit, err = c.GetOrCompute(context.Background(), q, 4, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHitsTotal))
}

func TestEquivalentQueriesShareKey(t *testing.T) {
	assert.Equal(t, BuildKey(mustParse(t, "Budget  report"), 1), BuildKey(mustParse(t, "budget AND report"), 1))
	assert.NotEqual(t, BuildKey(mustParse(t, "budget report"), 1), BuildKey(mustParse(t, "budget OR report"), 1))
	content, err := parser.Parse("budget", parser.ModeContent)
	require.NoError(t, err)
	assert.NotEqual(t, BuildKey(mustParse(t, "budget"), 1), BuildKey(content, 1))
}

func TestEmptyResultsAreCached(t *testing.T) {
	c := New(newMemoryBackend(), config.RedisConfig{CacheTTL: time.Minute}, nil)
	q := mustParse(t, "nothing")
	calls := 0
	compute := func() ([]executor.Result, error) {
		calls++
		return nil, nil
	}
	for i := 0; i < 2; i++ {
		_, _, err := c.GetOrCompute(context.Background(), q, 1, compute)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, calls)
}

func TestBackendFailureFallsThroughAndTripsBreaker(t *testing.T) {
	backend := newMemoryBackend()
	backend.err = errors.New("connection refused")
	m := metrics.New()
	c := New(backend, config.RedisConfig{CacheTTL: time.Minute}, m)
	q := mustParse(t, "budget")

	for i := 0; i < 5; i++ {
		results, hit, err := c.GetOrCompute(context.Background(), q, 1, func() ([]executor.Result, error) {
			return []executor.Result{{Path: "/docs/budget.txt"}}, nil
		})
		require.NoError(t, err)
		assert.False(t, hit)
		assert.Len(t, results, 1)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("redis")))
	assert.Less(t, backend.gets.Load(), int64(5), "open breaker keeps calls off the backend")
}

func TestComputeErrorIsReturned(t *testing.T) {
	c := New(newMemoryBackend(), config.RedisConfig{}, nil)
	boom := errors.New("segment read failed")
	_, _, err := c.GetOrCompute(context.Background(), mustParse(t, "budget"), 1, func() ([]executor.Result, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	hits, misses := c.Stats()
	assert.Zero(t, hits)
	assert.Equal(t, int64(1), misses)
}
