package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"fleetwatch/internal/alerts"
	"fleetwatch/internal/engine"
	"fleetwatch/internal/logger"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/models"
	"fleetwatch/internal/storage"
)

// Publisher defines the interface for publishing reading envelopes
type Publisher interface {
	PublishBatch(ctx context.Context, envelopes []*models.Envelope) error
}

// Pool manages a pool of workers that consume reading envelopes, persist
// them, diagnose each machine, hand anomalous diagnoses to the alert
// notifier, and fan HTTP-ingested readings out to the readings topic.
type Pool struct {
	writer       storage.ReadingWriter
	publisher    Publisher
	notifier     alerts.Notifier
	envelopeChan chan *models.Envelope
	workers      int
	batchSize    int
	batchTimeout time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// Metrics
	processed atomic.Uint64
	failed    atomic.Uint64
	alerted   atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Writer       storage.ReadingWriter
	Publisher    Publisher
	Notifier     alerts.Notifier
	EnvelopeChan chan *models.Envelope
	Workers      int
	BatchSize    int
	BatchTimeout time.Duration
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}
	if cfg.Notifier == nil {
		cfg.Notifier = alerts.NewNoopNotifier()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		writer:       cfg.Writer,
		publisher:    cfg.Publisher,
		notifier:     cfg.Notifier,
		envelopeChan: cfg.EnvelopeChan,
		workers:      cfg.Workers,
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins processing envelopes
func (p *Pool) Start() {
	log := logger.WithComponent("worker_pool")
	log.Info().
		Int("workers", p.workers).
		Int("batch_size", p.batchSize).
		Dur("batch_timeout", p.batchTimeout).
		Msg("starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop gracefully stops all workers
func (p *Pool) Stop() {
	log := logger.WithComponent("worker_pool")
	log.Info().Msg("stopping worker pool")
	p.cancel()
	p.wg.Wait()
	log.Info().Msg("worker pool stopped")
}

// worker processes envelopes from the channel
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().Int("worker_id", id).Logger()

	// Panic recovery
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			log.Error().
				Interface("panic", r).
				Bytes("stack", stack).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
		}
	}()

	log.Info().Msg("worker started")
	defer log.Info().Msg("worker stopped")

	batch := make([]*models.Envelope, 0, p.batchSize)
	timer := time.NewTimer(p.batchTimeout)
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			// Flush remaining batch before exiting
			if len(batch) > 0 {
				p.processBatch(batch)
			}
			return

		case envelope, ok := <-p.envelopeChan:
			if !ok {
				// Channel closed, flush and exit
				if len(batch) > 0 {
					p.processBatch(batch)
				}
				return
			}

			batch = append(batch, envelope)

			// Process when batch is full
			if len(batch) >= p.batchSize {
				p.processBatch(batch)
				batch = batch[:0] // Reset batch
				timer.Reset(p.batchTimeout)
			}

		case <-timer.C:
			// Process on timeout if we have any readings
			if len(batch) > 0 {
				p.processBatch(batch)
				batch = batch[:0]
			}
			timer.Reset(p.batchTimeout)
		}
	}
}

// processBatch persists and diagnoses a batch of readings
func (p *Pool) processBatch(batch []*models.Envelope) {
	if len(batch) == 0 {
		return
	}

	log := logger.WithComponent("worker")
	start := time.Now()

	// Fan readings out to the readings topic, except those that already
	// arrived through it.
	if p.publisher != nil {
		fresh := make([]*models.Envelope, 0, len(batch))
		for _, envelope := range batch {
			if envelope.Origin != models.OriginKafka {
				fresh = append(fresh, envelope)
			}
		}
		if len(fresh) > 0 {
			ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
			if err := p.publisher.PublishBatch(ctx, fresh); err != nil {
				log.Error().
					Err(err).
					Int("batch_size", len(fresh)).
					Msg("failed to publish readings batch")
			}
			cancel()
		}
	}

	for _, envelope := range batch {
		if err := p.processEnvelope(envelope); err != nil {
			log.Error().
				Err(err).
				Int("machine_id", envelope.Snapshot.MachineID).
				Msg("failed to process reading")
			p.failed.Add(1)
			metrics.WorkerFailedTotal.Inc()
			continue
		}
		p.processed.Add(1)
		metrics.WorkerProcessedTotal.Inc()
	}

	duration := time.Since(start)
	metrics.WorkerBatchDuration.Observe(duration.Seconds())

	log.Debug().
		Int("batch_size", len(batch)).
		Dur("duration", duration).
		Msg("batch processed")
}

// processEnvelope persists one reading, diagnoses it, and notifies on
// anomalies. A notifier failure is logged but does not fail the reading:
// the data point is already stored.
func (p *Pool) processEnvelope(envelope *models.Envelope) error {
	ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()

	if p.writer != nil {
		if err := p.writer.InsertReading(ctx, envelope.Snapshot); err != nil {
			return err
		}
	}

	diag, err := engine.Diagnose(*envelope.Snapshot)
	if err != nil {
		return err
	}
	recordDiagnosis(diag)

	if diag.AnomalyCount == 0 {
		return nil
	}

	if err := p.notifier.Notify(ctx, diag); err != nil {
		wlog := logger.WithComponent("worker")
		wlog.Error().
			Err(err).
			Int("machine_id", diag.MachineID).
			Str("status", diag.Status.String()).
			Msg("failed to notify alert")
		return nil
	}
	p.alerted.Add(1)
	return nil
}

// recordDiagnosis updates the engine-facing metrics for one diagnosis.
func recordDiagnosis(diag models.MachineDiagnosis) {
	metrics.EvaluationsTotal.Inc()
	metrics.MachineStatusTotal.WithLabelValues(diag.Status.String()).Inc()
	for _, f := range diag.Findings {
		metrics.FindingsTotal.WithLabelValues(f.Code, f.Severity.String()).Inc()
	}
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Alerted:   p.alerted.Load(),
	}
}

// Stats holds worker pool metrics
type Stats struct {
	Processed uint64
	Failed    uint64
	Alerted   uint64
}
