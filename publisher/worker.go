package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kmal808/litebase/common"
	"github.com/kmal808/litebase/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default number of records buffered per sink before new ones are dropped
	DefaultQueueSize = 1024
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before giving up on a record
	DefaultMaxRetries = 10
)

// WorkerConfig configures a sink worker
type WorkerConfig struct {
	Name            string        // Sink name, used in logs and metrics
	Sink            Sink          // Destination sink
	Transformer     Transformer   // Record encoder
	Filter          Filter        // Namespace/table filter
	TopicPrefix     string        // Topic prefix (e.g., "litebase.changes")
	QueueSize       int           // Buffered records
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Maximum publish attempts per record
}

// Worker drains an in-memory queue of records into one sink. The queue is not
// durable: records still queued at shutdown, or arriving while it is full, are dropped.
type Worker struct {
	config      WorkerConfig
	queue       chan Record
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	published   atomic.Uint64
	dropped     atomic.Uint64
	failed      atomic.Uint64
	lifecycleMu sync.Mutex
}

// WorkerStats counts a worker's outcomes
type WorkerStats struct {
	Name      string `json:"name"`
	Queued    int    `json:"queued"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// NewWorker creates a new sink worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Worker{
		config: config,
		queue:  make(chan Record, config.QueueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Enqueue offers a record without blocking. It reports whether the record was
// accepted; filtered records count as accepted.
func (w *Worker) Enqueue(rec Record) bool {
	if !w.config.Filter.Match(rec.Namespace, rec.Table) {
		telemetry.ExportEventsTotal.With(w.config.Name, "filtered").Inc()
		return true
	}

	select {
	case w.queue <- rec:
		telemetry.ExportQueueDepth.With(w.config.Name).Set(float64(len(w.queue)))
		return true
	default:
		w.dropped.Add(1)
		telemetry.ExportEventsTotal.With(w.config.Name, "dropped").Inc()
		log.Warn().
			Str("worker", w.config.Name).
			Str("namespace", rec.Namespace).
			Str("table", rec.Table).
			Msg("Export queue full, dropping change")
		return false
	}
}

// Stats returns the worker's counters
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Name:      w.config.Name,
		Queued:    len(w.queue),
		Published: w.published.Load(),
		Dropped:   w.dropped.Load(),
		Failed:    w.failed.Load(),
	}
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().Str("worker", w.config.Name).Msg("Starting export worker")

	go w.run()
}

// Stop stops the worker and waits for the record in flight
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().
		Str("worker", w.config.Name).
		Int("abandoned", len(w.queue)).
		Msg("Export worker stopped")
}

func (w *Worker) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case rec := <-w.queue:
			telemetry.ExportQueueDepth.With(w.config.Name).Set(float64(len(w.queue)))
			if err := w.process(rec); err != nil {
				w.failed.Add(1)
				telemetry.ExportEventsTotal.With(w.config.Name, "failed").Inc()
				log.Error().
					Err(err).
					Str("worker", w.config.Name).
					Uint64("seq", rec.Seq).
					Msg("Failed to export change")
				continue
			}
			w.published.Add(1)
			telemetry.ExportEventsTotal.With(w.config.Name, "published").Inc()
		}
	}
}

// process publishes one record, followed by a tombstone for deletes
func (w *Worker) process(rec Record) error {
	data, err := w.config.Transformer.Transform(rec)
	if err != nil {
		return fmt.Errorf("failed to transform record: %w", err)
	}

	topic := w.buildTopic(rec.Namespace, rec.Table)
	key := rec.Key()

	if err := w.publishWithRetry(topic, key, data); err != nil {
		return err
	}

	if rec.Operation == common.OpDelete {
		if err := w.publishWithRetry(topic, key, w.config.Transformer.Tombstone(key)); err != nil {
			return err
		}
	}
	return nil
}

// buildTopic builds the topic name for a record
func (w *Worker) buildTopic(namespace, table string) string {
	if w.config.TopicPrefix == "" {
		return fmt.Sprintf("%s.%s", namespace, table)
	}
	return fmt.Sprintf("%s.%s.%s", w.config.TopicPrefix, namespace, table)
}

// publishWithRetry publishes data with exponential backoff retry
// Returns error if max retries exhausted or worker stopped
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		start := time.Now()
		err := w.config.Sink.Publish(topic, key, data)
		telemetry.ExportPublishSeconds.With(w.config.Name).Observe(time.Since(start).Seconds())
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish change, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep sleeps for the given duration, checking stopCh
// Returns true if sleep completed, false if stopped
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
