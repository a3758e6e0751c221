// Package events publishes one message per committed manifest generation
// so other processes can follow the index (invalidate caches, mirror
// stats). Publishing is best effort: the indexer never waits for Kafka.
package events

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/resilience"
)

// CommitEvent is the JSON payload of a commit message.
type CommitEvent struct {
	Generation uint64    `json:"generation"`
	Reason     string    `json:"reason"`
	Added      []uint64  `json:"added,omitempty"`
	Removed    []uint64  `json:"removed,omitempty"`
	Documents  int       `json:"documents"`
	Tombstones int       `json:"tombstones"`
	Host       string    `json:"host"`
	IndexDir   string    `json:"index_dir"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher is the sink; *kafka.Producer satisfies it.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Collector buffers commit events and publishes them from its own
// goroutine. It implements indexer.CommitListener.
type Collector struct {
	publisher Publisher
	indexDir  string
	host      string
	retry     resilience.RetryConfig
	eventCh   chan CommitEvent
	logger    *slog.Logger
	done      chan struct{}
	closeOnce sync.Once
	published atomic.Int64
	dropped   atomic.Int64
}

var _ indexer.CommitListener = (*Collector)(nil)

func NewCollector(p Publisher, indexDir string, bufferSize int) *Collector {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	host, _ := os.Hostname()
	return &Collector{
		publisher: p,
		indexDir:  indexDir,
		host:      host,
		retry:     resilience.RetryConfig{MaxAttempts: 3, InitialDelay: 200 * time.Millisecond},
		eventCh:   make(chan CommitEvent, bufferSize),
		logger:    slog.Default().With("component", "commit-events"),
		done:      make(chan struct{}),
	}
}

func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		for {
			select {
			case event, ok := <-c.eventCh:
				if !ok {
					return
				}
				c.publish(ctx, event)
			case <-ctx.Done():
				c.drainRemaining()
				return
			}
		}
	}()
	c.logger.Info("commit event collector started", "buffer_size", cap(c.eventCh))
}

// Committed queues c without blocking; a full buffer drops the event.
func (c *Collector) Committed(commit indexer.Commit) {
	event := CommitEvent{
		Generation: commit.Generation,
		Reason:     commit.Reason,
		Added:      commit.Added,
		Removed:    commit.Removed,
		Documents:  commit.Documents,
		Tombstones: commit.Tombstones,
		Host:       c.host,
		IndexDir:   c.indexDir,
		Timestamp:  commit.At.UTC(),
	}
	select {
	case c.eventCh <- event:
	default:
		c.dropped.Add(1)
		c.logger.Warn("commit event dropped (buffer full)", "generation", commit.Generation)
	}
}

// Stats reports published and dropped event counts.
func (c *Collector) Stats() (published, dropped int64) {
	return c.published.Load(), c.dropped.Load()
}

// Close stops accepting events and waits for the buffer to drain.
func (c *Collector) Close() {
	c.closeOnce.Do(func() {
		close(c.eventCh)
	})
	<-c.done
}

func (c *Collector) publish(ctx context.Context, event CommitEvent) {
	err := resilience.Retry(ctx, "publish commit event", c.retry, nil, func() error {
		return c.publisher.Publish(ctx, kafka.Event{
			Key:   strconv.FormatUint(event.Generation, 10),
			Value: event,
		})
	})
	if err != nil {
		c.dropped.Add(1)
		c.logger.Error("failed to publish commit event", "generation", event.Generation, "error", err)
		return
	}
	c.published.Add(1)
}

func (c *Collector) drainRemaining() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case event, ok := <-c.eventCh:
			if !ok {
				return
			}
			c.publish(ctx, event)
		default:
			return
		}
	}
}
