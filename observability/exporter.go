package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// IngestEventType tags events in an ingestion batch.
type IngestEventType string

const (
	EventTypeRun  IngestEventType = "run"
	EventTypeSpan IngestEventType = "span"
)

// IngestEvent is one entry in an ingestion batch.
type IngestEvent struct {
	ID        string          `json:"id"`
	Type      IngestEventType `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Body      any             `json:"body"`
}

// ingestBatch is the wire envelope accepted by the platform's ingestion API.
type ingestBatch struct {
	Batch []IngestEvent `json:"batch"`
}

// IngestConfig configures the ingestion exporter.
type IngestConfig struct {
	// Host is the platform base URL (e.g. "https://cloud.example.com").
	Host string `json:"host" yaml:"host"`

	// PublicKey / SecretKey form the basic-auth credential pair.
	PublicKey string `json:"public_key" yaml:"public_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`

	// BatchSize triggers a flush when the buffer reaches this many events.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// FlushInterval triggers a periodic flush regardless of buffer size.
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`

	// Timeout bounds each ingestion HTTP request.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultIngestConfig returns sensible defaults.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		BatchSize:     20,
		FlushInterval: 5 * time.Second,
		Timeout:       10 * time.Second,
	}
}

// IngestExporter buffers trace events and ships them to the hosted
// observability platform in batches over HTTP.
type IngestExporter struct {
	cfg        IngestConfig
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *Metrics

	mu      sync.Mutex
	buffer  []IngestEvent
	closed  bool
	done    chan struct{}
	flushed chan struct{}
}

// NewIngestExporter creates and starts the exporter's background flusher.
func NewIngestExporter(cfg IngestConfig, logger *zap.Logger) *IngestExporter {
	def := DefaultIngestConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &IngestExporter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With(zap.String("component", "ingest_exporter")),
		done:       make(chan struct{}),
		flushed:    make(chan struct{}),
	}
	go e.loop()
	return e
}

// SetMetrics attaches Prometheus instruments to the exporter.
func (e *IngestExporter) SetMetrics(m *Metrics) { e.metrics = m }

// loop flushes the buffer on a fixed interval until Close.
func (e *IngestExporter) loop() {
	defer close(e.flushed)
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.Flush(context.Background()); err != nil {
				e.logger.Warn("periodic flush failed", zap.Error(err))
			}
		case <-e.done:
			return
		}
	}
}

// enqueue adds an event and flushes when the batch is full.
func (e *IngestExporter) enqueue(ctx context.Context, ev IngestEvent) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("exporter is closed")
	}
	e.buffer = append(e.buffer, ev)
	full := len(e.buffer) >= e.cfg.BatchSize
	buffered := len(e.buffer)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.SetBufferedEvents(buffered)
	}

	if full {
		return e.Flush(ctx)
	}
	return nil
}

// ExportRun implements Exporter.
func (e *IngestExporter) ExportRun(ctx context.Context, run *Run) error {
	return e.enqueue(ctx, IngestEvent{
		ID:        "evt_" + uuid.NewString(),
		Type:      EventTypeRun,
		Timestamp: time.Now(),
		Body:      run,
	})
}

// ExportSpan implements Exporter.
func (e *IngestExporter) ExportSpan(ctx context.Context, span *Span) error {
	return e.enqueue(ctx, IngestEvent{
		ID:        "evt_" + uuid.NewString(),
		Type:      EventTypeSpan,
		Timestamp: time.Now(),
		Body:      span,
	})
}

// Flush sends all buffered events now.
func (e *IngestExporter) Flush(ctx context.Context) error {
	e.mu.Lock()
	if len(e.buffer) == 0 {
		e.mu.Unlock()
		return nil
	}
	batch := e.buffer
	e.buffer = nil
	e.mu.Unlock()

	if err := e.send(ctx, batch); err != nil {
		if e.metrics != nil {
			e.metrics.ObserveExport(false)
		}
		// Requeue so the next flush retries. Events are idempotent by id.
		e.mu.Lock()
		e.buffer = append(batch, e.buffer...)
		e.mu.Unlock()
		return err
	}
	if e.metrics != nil {
		e.metrics.ObserveExport(true)
		e.metrics.SetBufferedEvents(0)
	}
	return nil
}

// send posts one batch to the ingestion endpoint.
func (e *IngestExporter) send(ctx context.Context, batch []IngestEvent) error {
	payload, err := json.Marshal(ingestBatch{Batch: batch})
	if err != nil {
		return fmt.Errorf("marshal ingestion batch: %w", err)
	}

	endpoint := strings.TrimRight(e.cfg.Host, "/") + "/api/public/ingestion"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create ingestion request: %w", err)
	}
	req.SetBasicAuth(e.cfg.PublicKey, e.cfg.SecretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ingestion request failed: %w", err)
	}
	defer resp.Body.Close()

	// 207 means partial success; individual failures are logged server-side.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusMultiStatus {
		return fmt.Errorf("ingestion returned status %d", resp.StatusCode)
	}

	e.logger.Debug("batch exported", zap.Int("events", len(batch)))
	return nil
}

// Close stops the background flusher and sends any remaining events.
func (e *IngestExporter) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.done)
	<-e.flushed

	return e.Flush(ctx)
}
