package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kmal808/litebase/cfg"
	"github.com/kmal808/litebase/common"
	"github.com/rs/zerolog/log"
)

// TenantResolver maps a namespace to the owning tenant ID
type TenantResolver func(namespace string) (string, bool)

// RegistryConfig configures the export registry
type RegistryConfig struct {
	NodeID      uint64                  // Stamped on every record
	Resolve     TenantResolver          // Optional; fills Record.TenantID
	SinkConfigs []cfg.SinkConfiguration // From config
}

// Registry fans decoded change events out to one worker per configured sink.
// It is registered on the change listener as a db.ChangeHandler.
type Registry struct {
	nodeID  uint64
	resolve TenantResolver
	seq     atomic.Uint64
	workers []*Worker
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry creates a new export registry
func NewRegistry(config RegistryConfig) (*Registry, error) {
	registry := &Registry{
		nodeID:  config.NodeID,
		resolve: config.Resolve,
		workers: make([]*Worker, 0, len(config.SinkConfigs)),
	}

	for _, sinkCfg := range config.SinkConfigs {
		if err := registry.AddSink(sinkCfg); err != nil {
			for _, worker := range registry.workers {
				worker.config.Sink.Close()
			}
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().
		Int("workers", len(registry.workers)).
		Msg("Change export registry initialized")

	return registry, nil
}

// AddSink creates and adds a new worker for the given sink configuration
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	format := config.Format
	if format == "" {
		format = "json"
	}
	trans, err := createTransformer(format)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	filter, err := NewGlobFilter(config.FilterTables, config.FilterNamespaces)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:            config.Name,
		Sink:            snk,
		Transformer:     trans,
		Filter:          filter,
		TopicPrefix:     config.TopicPrefix,
		QueueSize:       config.QueueSize,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
		MaxRetries:      config.MaxRetries,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.addWorker(worker)

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", format).
		Msg("Added change export sink")

	return nil
}

func (r *Registry) addWorker(worker *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.workers = append(r.workers, worker)
	if r.running.Load() {
		worker.Start()
	}
}

// Start starts all workers
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}

	for _, worker := range r.workers {
		worker.Start()
	}
	r.running.Store(true)
	return nil
}

// Stop stops all workers and closes their sinks
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return
	}

	for _, worker := range r.workers {
		worker.Stop()
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", worker.config.Name).Msg("Failed to close sink")
		}
	}

	log.Info().Msg("Change export registry stopped")
}

// HandleChange queues ev on every worker. Never blocks the listener.
func (r *Registry) HandleChange(ev common.ChangeEvent) {
	if !r.running.Load() {
		return
	}

	var tenantID string
	if r.resolve != nil {
		tenantID, _ = r.resolve(ev.Namespace)
	}
	rec := NewRecord(r.seq.Add(1), r.nodeID, tenantID, ev)

	r.mu.Lock()
	workers := r.workers
	r.mu.Unlock()

	for _, worker := range workers {
		worker.Enqueue(rec)
	}
}

// Stats returns per-sink counters
func (r *Registry) Stats() []WorkerStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]WorkerStats, 0, len(r.workers))
	for _, worker := range r.workers {
		stats = append(stats, worker.Stats())
	}
	return stats
}

// createSink creates a sink based on the configuration
func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory is a function that creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

// createTransformer creates a transformer based on the format
func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}

	return factory(), nil
}
