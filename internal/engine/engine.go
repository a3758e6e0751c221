// Package engine wires the walker, indexer, store, watcher and query engine
// into one handle with an explicit lifecycle. Open it once per index
// directory and Close it to flush pending documents and stop background
// work. Redis caching, Kafka commit events and the SQL scan journal are
// optional and switched on by configuration.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/events"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/journal"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/searcher"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/searcher/cache"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/searcher/executor"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/searcher/handler"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/searcher/parser"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/store"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/walker"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/watcher"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/middleware"
	pkgredis "github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/sqldb"
)

type Engine struct {
	cfg      *config.Config
	store    *store.Store
	indexer  *indexer.Indexer
	walker   *walker.Walker
	searcher *searcher.Searcher
	cache    *cache.QueryCache
	redis    *pkgredis.Client
	producer *kafka.Producer
	events   *events.Collector
	db       *sqldb.Client
	journal  *journal.Journal
	metrics  *metrics.Metrics
	health   *health.Checker
	logger   *slog.Logger

	// bg outlives every watcher and is cancelled last, after the final
	// flush has been handed to the commit-event collector.
	bg       context.Context
	cancelBg context.CancelFunc

	mu          sync.Mutex
	watchers    []*watcher.Watcher
	stopWatches context.CancelFunc
	watchCtx    context.Context
	wg          sync.WaitGroup
	closed      bool
	closeOnce   sync.Once
	closeErr    error
}

// Stats describes the committed index plus work not yet flushed.
type Stats struct {
	store.Stats
	Pending         int
	Watching        int
	CacheHits       int64
	CacheMisses     int64
	EventsPublished int64
	EventsDropped   int64
}

// Open opens or creates the index in cfg.Index.Dir. Unreachable Redis
// disables the query cache with a warning; a journal that cannot be opened
// fails Open because the caller asked for it explicitly.
func Open(ctx context.Context, cfg *config.Config) (*Engine, error) {
	m := metrics.New()
	st, err := store.Open(cfg.Index, m)
	if err != nil {
		return nil, fmt.Errorf("opening index store: %w", err)
	}

	bg, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		store:    st,
		walker:   walker.New(cfg.Walker, m),
		metrics:  m,
		health:   health.NewChecker(2 * time.Second),
		logger:   slog.Default().With("component", "engine"),
		bg:       bg,
		cancelBg: cancel,
	}
	e.watchCtx, e.stopWatches = context.WithCancel(bg)

	var listener indexer.CommitListener
	if cfg.Kafka.Enabled {
		e.producer = kafka.NewProducer(cfg.Kafka)
		e.events = events.NewCollector(e.producer, cfg.Index.Dir, cfg.Kafka.BufferSize)
		e.events.Start(bg)
		listener = e.events
		e.logger.Info("commit events enabled", "topic", cfg.Kafka.Topic, "brokers", cfg.Kafka.Brokers)
	}

	e.indexer = indexer.New(st, cfg.Index, cfg.Indexer, m, listener)
	e.indexer.StartMergeLoop(bg)

	if cfg.Redis.Enabled {
		client, err := pkgredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			e.logger.Warn("redis unavailable, query caching disabled", "addr", cfg.Redis.Addr, "error", err)
		} else {
			e.redis = client
			e.cache = cache.New(client, cfg.Redis, m)
			e.logger.Info("query cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}

	if cfg.Journal.Enabled {
		jcfg := cfg.Journal
		if jcfg.Driver == config.DriverSQLite && jcfg.DSN == "" {
			jcfg.DSN = filepath.Join(cfg.Index.Dir, "journal.db")
		}
		db, err := sqldb.New(ctx, jcfg)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("opening scan journal: %w", err)
		}
		e.db = db
		e.journal = journal.New(db)
		if err := e.journal.Migrate(ctx); err != nil {
			e.Close()
			return nil, fmt.Errorf("migrating scan journal: %w", err)
		}
	}

	e.searcher = searcher.New(st, cfg.Search, e.cache, m)
	e.registerChecks()

	stats := st.Stats()
	e.logger.Info("engine opened",
		"dir", cfg.Index.Dir,
		"generation", stats.Generation,
		"documents", stats.Documents,
		"segments", stats.Segments,
		"corrupt", stats.Corrupt,
	)
	return e, nil
}

func (e *Engine) registerChecks() {
	e.health.Register("store", func(ctx context.Context) health.ComponentHealth {
		s := e.store.Stats()
		if s.Corrupt > 0 {
			return health.Degraded(fmt.Sprintf("%d corrupt segments, run repair", s.Corrupt))
		}
		return health.Up(fmt.Sprintf("generation %d, %d documents", s.Generation, s.Documents))
	})
	e.health.Register("watcher", func(ctx context.Context) health.ComponentHealth {
		e.mu.Lock()
		defer e.mu.Unlock()
		if len(e.watchers) == 0 {
			return health.Up("not watching")
		}
		for _, w := range e.watchers {
			select {
			case <-w.Done():
				return health.Down(errors.New("watcher stopped"))
			default:
			}
		}
		return health.Up(fmt.Sprintf("%d watchers running", len(e.watchers)))
	})
	if e.redis != nil {
		e.health.Register("redis", func(ctx context.Context) health.ComponentHealth {
			if err := e.redis.Ping(ctx); err != nil {
				return health.Degraded(err.Error())
			}
			return health.Up("")
		})
	}
	if e.db != nil {
		e.health.Register("journal", func(ctx context.Context) health.ComponentHealth {
			if err := e.db.DB.PingContext(ctx); err != nil {
				return health.Degraded(err.Error())
			}
			return health.Up(e.db.Driver())
		})
	}
}

// Query evaluates q against the snapshot current at call time.
func (e *Engine) Query(ctx context.Context, q string, mode parser.Mode) (*executor.Results, error) {
	if e.isClosed() {
		return nil, apperrors.ErrClosed
	}
	return e.searcher.Search(ctx, q, mode)
}

// Stats reports document, segment and on-disk size figures of the
// committed index.
func (e *Engine) Stats() Stats {
	s := Stats{
		Stats:   e.store.Stats(),
		Pending: e.indexer.Pending(),
	}
	e.mu.Lock()
	s.Watching = len(e.watchers)
	e.mu.Unlock()
	if e.cache != nil {
		s.CacheHits, s.CacheMisses = e.cache.Stats()
	}
	if e.events != nil {
		s.EventsPublished, s.EventsDropped = e.events.Stats()
	}
	return s
}

// History lists the most recent scan runs, newest first.
func (e *Engine) History(ctx context.Context, limit int) ([]journal.Run, error) {
	if e.journal == nil {
		return nil, apperrors.ErrJournalDisabled
	}
	return e.journal.Recent(ctx, limit)
}

// Repair drops corrupt segments from the manifest. Their files are
// re-indexed by the next scan.
func (e *Engine) Repair(ctx context.Context) (indexer.RepairResult, error) {
	if e.isClosed() {
		return indexer.RepairResult{}, apperrors.ErrClosed
	}
	return e.indexer.Repair(ctx)
}

// Flush commits whatever the indexer holds in memory and returns the
// resulting manifest generation.
func (e *Engine) Flush(ctx context.Context) (uint64, error) {
	return e.indexer.Flush(ctx)
}

// Health runs every registered component check.
func (e *Engine) Health(ctx context.Context) health.Report {
	return e.health.Run(ctx)
}

// Metrics exposes the engine's collectors.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Handler serves /search, /cache/stats, /metrics and /healthz.
func (e *Engine) Handler() http.Handler {
	mux := metrics.NewMux(e.metrics, e.health.Handler())
	handler.New(e.searcher, e.cache, e.cfg.Search.DefaultLimit, e.cfg.Search.MaxResults).Register(mux)
	var h http.Handler = mux
	h = middleware.Timeout(10 * time.Second)(h)
	h = middleware.Metrics(e.metrics, "/search", "/cache/stats", "/metrics", "/healthz")(h)
	return h
}

// Serve starts the HTTP surface on addr. The server stops on Close.
func (e *Engine) Serve(addr string) (net.Addr, error) {
	bound, shutdown, err := metrics.StartServer(addr, e.Handler())
	if err != nil {
		return nil, err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		<-e.watchCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			e.logger.Error("http shutdown failed", "error", err)
		}
	}()
	return bound, nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close stops watchers and the HTTP server, flushes the active segment and
// releases every backend. It is safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		e.stopWatches()
		e.wg.Wait()

		var errs []error
		if e.indexer != nil {
			if err := e.indexer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing indexer: %w", err))
			}
		}
		if e.events != nil {
			e.events.Close()
		}
		e.cancelBg()
		if e.producer != nil {
			if err := e.producer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing kafka producer: %w", err))
			}
		}
		if e.redis != nil {
			e.redis.Close()
		}
		if e.db != nil {
			if err := e.db.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing journal: %w", err))
			}
		}
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
		e.closeErr = errors.Join(errs...)
		e.logger.Info("engine closed")
	})
	return e.closeErr
}
