package trailhead

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Telemetry event severities.
const (
	TelemetrySeverityInfo     = "info"
	TelemetrySeverityError    = "error"
	TelemetrySeverityCritical = "critical"
)

// TelemetryEvent is a fire-and-forget audit/activity/error event. Its
// delivery pipeline is structurally parallel to domain sync but fully
// decoupled: telemetry backpressure never stalls entity flushes.
type TelemetryEvent struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// NewTelemetryEvent creates an event with an assigned id and timestamp.
func NewTelemetryEvent(kind, severity, message string) TelemetryEvent {
	return TelemetryEvent{
		ID:        uuid.NewString(),
		Kind:      kind,
		Severity:  severity,
		Message:   message,
		Timestamp: nowTimestamp(),
	}
}

// TelemetrySender delivers a batch of events. Implemented over the remote
// API in production and mocked in tests.
type TelemetrySender interface {
	Send(ctx context.Context, events []TelemetryEvent) error
}

// TelemetrySenderFunc adapts a function to the TelemetrySender interface.
type TelemetrySenderFunc func(ctx context.Context, events []TelemetryEvent) error

// Send calls the underlying function.
func (f TelemetrySenderFunc) Send(ctx context.Context, events []TelemetryEvent) error {
	return f(ctx, events)
}

// TelemetryConfig configures the offline telemetry queue.
type TelemetryConfig struct {
	// BatchSize triggers an early send when reached. Default: 25.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval triggers a send for partial batches. Default: 5s.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// MaxAttempts is the retry ceiling per batch before escalating to the
	// offline queue. Default: 3.
	MaxAttempts int `yaml:"max_attempts"`

	// OfflineDir is where batches beyond the retry ceiling are kept.
	OfflineDir string `yaml:"offline_dir"`

	// MaxOfflineBytes bounds the offline queue; oldest batches are dropped
	// first when over capacity. Default: 4MB.
	MaxOfflineBytes int64 `yaml:"max_offline_bytes"`

	// StartupDrainDelay is how long after Start to attempt a drain of
	// events left over from a previous run. Default: 10s.
	StartupDrainDelay time.Duration `yaml:"startup_drain_delay"`
}

// DefaultTelemetryConfig returns default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		BatchSize:         25,
		FlushInterval:     5 * time.Second,
		MaxAttempts:       3,
		MaxOfflineBytes:   4 * 1024 * 1024,
		StartupDrainDelay: 10 * time.Second,
	}
}

// TelemetryQueue batches events, retries failed sends with exponential
// backoff, and escalates batches beyond the retry ceiling to a
// size-bounded durable offline queue that is drained when connectivity
// returns.
type TelemetryQueue struct {
	config  TelemetryConfig
	sender  TelemetrySender
	retryer *Retryer
	cb      *CircuitBreaker

	mu      sync.Mutex
	pending []TelemetryEvent
	online  bool
	running bool

	drainMu sync.Mutex // re-entrancy guard: one drain at a time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	kick   chan struct{}
}

// NewTelemetryQueue creates a telemetry queue.
func NewTelemetryQueue(config TelemetryConfig, sender TelemetrySender) *TelemetryQueue {
	if config.BatchSize <= 0 {
		config.BatchSize = 25
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.MaxOfflineBytes <= 0 {
		config.MaxOfflineBytes = 4 * 1024 * 1024
	}
	if config.StartupDrainDelay <= 0 {
		config.StartupDrainDelay = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	tq := &TelemetryQueue{
		config: config,
		sender: sender,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       config.MaxAttempts,
			InitialBackoff:    200 * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
		}),
		cb:     NewCircuitBreaker(5, 30*time.Second),
		online: true,
		ctx:    ctx,
		cancel: cancel,
		kick:   make(chan struct{}, 1),
	}
	if config.OfflineDir != "" {
		_ = os.MkdirAll(config.OfflineDir, 0o755)
	}
	return tq
}

// Start begins the batching loop and schedules the startup drain check.
func (tq *TelemetryQueue) Start() {
	tq.mu.Lock()
	if tq.running {
		tq.mu.Unlock()
		return
	}
	tq.running = true
	tq.mu.Unlock()

	tq.wg.Add(1)
	go tq.loop()

	if tq.config.OfflineDir != "" {
		tq.wg.Add(1)
		go func() {
			defer tq.wg.Done()
			select {
			case <-tq.ctx.Done():
			case <-time.After(tq.config.StartupDrainDelay):
				tq.drainOffline()
			}
		}()
	}
}

// Stop flushes what it can and shuts the queue down.
func (tq *TelemetryQueue) Stop() {
	tq.mu.Lock()
	if !tq.running {
		tq.mu.Unlock()
		return
	}
	tq.running = false
	tq.mu.Unlock()

	tq.cancel()
	tq.wg.Wait()
	tq.sendPending()
}

// Enqueue adds an event to the current batch. Critical events bypass
// batching: they are sent immediately and escalate straight to the offline
// queue on failure, never silently dropped.
func (tq *TelemetryQueue) Enqueue(event TelemetryEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp == "" {
		event.Timestamp = nowTimestamp()
	}

	if event.Severity == TelemetrySeverityCritical {
		// The send goroutine joins the WaitGroup so Stop cannot return
		// while a critical event is mid-flight. The running check and
		// Stop's flag clear share tq.mu, so Add cannot race the Wait.
		tq.mu.Lock()
		tracked := tq.running
		if tracked {
			tq.wg.Add(1)
		}
		tq.mu.Unlock()
		if tracked {
			go func() {
				defer tq.wg.Done()
				tq.sendBatch([]TelemetryEvent{event})
			}()
		} else {
			tq.sendBatch([]TelemetryEvent{event})
		}
		return
	}

	tq.mu.Lock()
	tq.pending = append(tq.pending, event)
	full := len(tq.pending) >= tq.config.BatchSize
	tq.mu.Unlock()

	if full {
		select {
		case tq.kick <- struct{}{}:
		default:
		}
	}
}

// SetOnline records a connectivity transition. Coming back online drains
// the offline queue.
func (tq *TelemetryQueue) SetOnline(online bool) {
	tq.mu.Lock()
	was := tq.online
	tq.online = online
	tq.mu.Unlock()

	if online && !was {
		go tq.drainOffline()
	}
}

// OfflineQueueDepth returns the number of batches parked in the offline
// queue, for diagnostics and metrics.
func (tq *TelemetryQueue) OfflineQueueDepth() int {
	if tq.config.OfflineDir == "" {
		return 0
	}
	entries, err := os.ReadDir(tq.config.OfflineDir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n
}

func (tq *TelemetryQueue) loop() {
	defer tq.wg.Done()

	ticker := time.NewTicker(tq.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-tq.ctx.Done():
			return
		case <-ticker.C:
			tq.sendPending()
		case <-tq.kick:
			tq.sendPending()
		}
	}
}

// sendPending swaps out the current batch and sends it.
func (tq *TelemetryQueue) sendPending() {
	tq.mu.Lock()
	batch := tq.pending
	tq.pending = nil
	online := tq.online
	tq.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if !online {
		tq.parkOffline(batch)
		return
	}
	tq.sendBatch(batch)
}

// sendBatch retries up to the ceiling, then escalates to the offline
// queue.
func (tq *TelemetryQueue) sendBatch(batch []TelemetryEvent) {
	result := tq.retryer.Do(tq.ctx, func() error {
		return tq.cb.Execute(func() error {
			return tq.sender.Send(tq.ctx, batch)
		})
	})
	if result.LastErr == nil {
		return
	}

	slog.Warn("telemetry send failed beyond retry ceiling",
		"events", len(batch), "attempts", result.Attempts, "err", result.LastErr)
	tq.parkOffline(batch)
}

// parkOffline persists a batch to the durable offline queue, dropping the
// oldest batches when over the byte capacity.
func (tq *TelemetryQueue) parkOffline(batch []TelemetryEvent) {
	if tq.config.OfflineDir == "" {
		slog.Warn("no offline dir configured, dropping telemetry", "events", len(batch))
		return
	}

	data, err := json.Marshal(batch)
	if err != nil {
		slog.Error("telemetry batch serialize failed", "err", err)
		return
	}

	name := fmt.Sprintf("batch_%020d.json", time.Now().UnixNano())
	if err := os.WriteFile(filepath.Join(tq.config.OfflineDir, name), data, 0o644); err != nil {
		slog.Error("telemetry offline write failed", "err", err)
		return
	}

	tq.enforceOfflineCapacity()
}

// enforceOfflineCapacity drops oldest batches until under the byte bound.
func (tq *TelemetryQueue) enforceOfflineCapacity() {
	entries, err := os.ReadDir(tq.config.OfflineDir)
	if err != nil {
		return
	}
	type fileInfo struct {
		name string
		size int64
	}
	var files []fileInfo
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{e.Name(), info.Size()})
		total += info.Size()
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })

	for _, f := range files {
		if total <= tq.config.MaxOfflineBytes {
			break
		}
		if err := os.Remove(filepath.Join(tq.config.OfflineDir, f.name)); err == nil {
			total -= f.size
			slog.Warn("offline telemetry queue over capacity, dropped oldest batch", "file", f.name)
		}
	}
}

// drainOffline resends parked batches oldest-first. A re-entrancy guard
// ensures only one drain runs at a time; a batch that fails again stops
// the drain (connectivity is still bad).
func (tq *TelemetryQueue) drainOffline() {
	if tq.config.OfflineDir == "" {
		return
	}
	if !tq.drainMu.TryLock() {
		return
	}
	defer tq.drainMu.Unlock()

	entries, err := os.ReadDir(tq.config.OfflineDir)
	if err != nil {
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(tq.config.OfflineDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var batch []TelemetryEvent
		if err := json.Unmarshal(data, &batch); err != nil {
			// Undecodable batch can never be sent.
			_ = os.Remove(path)
			continue
		}

		result := tq.retryer.Do(tq.ctx, func() error {
			return tq.sender.Send(tq.ctx, batch)
		})
		if result.LastErr != nil {
			return
		}
		_ = os.Remove(path)
	}
}
