package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/inkpress/inkpress/internal/config"
	"github.com/inkpress/inkpress/internal/metrics"
	"github.com/inkpress/inkpress/internal/model"
)

const (
	defaultUsageQueueSize    = 1024
	defaultUsageWorkers      = 2
	defaultUsageTopEndpoints = 5
	defaultUsageWriteTimeout = 5 * time.Second
)

// UsageRecorderConfig sizes the recorder. Zero values take defaults.
type UsageRecorderConfig struct {
	QueueSize    int
	Workers      int
	TopEndpoints int
	WriteTimeout time.Duration
}

// StatsRange bounds a usage aggregation. Nil ends are open.
type StatsRange struct {
	Start *time.Time
	End   *time.Time
}

// UsageRecorder persists usage events in the background. Record never
// blocks the request path; persistence failures are logged and counted,
// never returned.
type UsageRecorder struct {
	store        UsageStore
	logger       *slog.Logger
	queue        chan *model.UsageEvent
	workers      int
	topN         int
	writeTimeout time.Duration

	mu        sync.RWMutex
	closed    bool
	startOnce sync.Once
	wg        sync.WaitGroup
}

func NewUsageRecorder(store UsageStore, logger *slog.Logger, cfg UsageRecorderConfig) *UsageRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultUsageQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultUsageWorkers
	}
	if cfg.TopEndpoints <= 0 {
		cfg.TopEndpoints = defaultUsageTopEndpoints
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultUsageWriteTimeout
	}
	return &UsageRecorder{
		store:        store,
		logger:       logger,
		queue:        make(chan *model.UsageEvent, cfg.QueueSize),
		workers:      cfg.Workers,
		topN:         cfg.TopEndpoints,
		writeTimeout: cfg.WriteTimeout,
	}
}

// Start launches the worker goroutines. Calling it more than once is a
// no-op.
func (r *UsageRecorder) Start() {
	r.startOnce.Do(func() {
		for i := 0; i < r.workers; i++ {
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				for ev := range r.queue {
					metrics.UsageQueueDepth.Set(float64(len(r.queue)))
					r.persist(ev)
				}
			}()
		}
	})
}

// Record queues a usage event for keyID. When the queue is full or the
// recorder has shut down, the event is dropped and logged.
func (r *UsageRecorder) Record(keyID string, ev model.UsageEvent) {
	ev.APIKeyID = keyID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(&ev, "recorder closed")
		return
	}
	select {
	case r.queue <- &ev:
		metrics.UsageQueueDepth.Set(float64(len(r.queue)))
	default:
		r.drop(&ev, "queue full")
	}
}

// Shutdown stops accepting events and waits for queued events to be
// written, or for ctx to end.
func (r *UsageRecorder) Shutdown(ctx context.Context) error {
	r.Start() // drain even if never started

	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UsageStats aggregates a key's usage events within rng.
func (r *UsageRecorder) UsageStats(ctx context.Context, keyID string, rng StatsRange) (*model.UsageStats, error) {
	if rng.Start != nil && rng.End != nil && rng.Start.After(*rng.End) {
		return nil, invalid("start_date", "must not be after end_date")
	}
	return r.store.UsageStats(ctx, keyID, config.UsageFilter{
		Start: rng.Start,
		End:   rng.End,
		TopN:  r.topN,
	})
}

func (r *UsageRecorder) persist(ev *model.UsageEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()

	if err := r.store.RecordUsage(ctx, ev); err != nil {
		metrics.UsageEvents.WithLabelValues("failed").Inc()
		r.logger.Warn("usage record failed",
			"api_key_id", ev.APIKeyID,
			"endpoint", ev.Endpoint,
			"error", err,
		)
		return
	}
	metrics.UsageEvents.WithLabelValues("recorded").Inc()
}

func (r *UsageRecorder) drop(ev *model.UsageEvent, reason string) {
	metrics.UsageEvents.WithLabelValues("dropped").Inc()
	r.logger.Warn("usage event dropped",
		"api_key_id", ev.APIKeyID,
		"endpoint", ev.Endpoint,
		"reason", reason,
	)
}
