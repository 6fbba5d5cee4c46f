package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetwatch/internal/alerts"
	"fleetwatch/internal/config"
	"fleetwatch/internal/handlers"
	"fleetwatch/internal/kafka"
	"fleetwatch/internal/logger"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/middleware"
	"fleetwatch/internal/models"
	"fleetwatch/internal/storage"
	"fleetwatch/internal/worker"
)

// Processor is the high-level coordinator for ingesting readings,
// diagnosing machines, and serving the fleet API.
type Processor struct {
	cfg          *config.Config
	store        storage.Store
	producer     *kafka.Producer
	consumer     *kafka.Consumer
	notifier     alerts.Notifier
	workerPool   *worker.Pool
	httpServer   *http.Server
	envelopeChan chan *models.Envelope
	wg           sync.WaitGroup
}

// New constructs a Processor with given config.
func New(cfg *config.Config) *Processor {
	return &Processor{
		cfg:          cfg,
		envelopeChan: make(chan *models.Envelope, 1000), // Buffer for 1000 readings
	}
}

// Run starts background goroutines and blocks until context cancelled.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor")
	log.Info().Msg("processor starting")

	// Initialize Postgres store
	store, err := storage.NewPostgres(p.cfg.Postgres.DSN)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize postgres")
		return fmt.Errorf("failed to initialize postgres: %w", err)
	}
	p.store = store
	defer p.store.Close()

	// Initialize Kafka producer for the readings topic
	if err := p.initProducer(); err != nil {
		log.Error().Err(err).Msg("failed to initialize producer")
		return fmt.Errorf("failed to initialize producer: %w", err)
	}
	defer p.producer.Close()

	// Initialize alert notifier
	if err := p.initNotifier(); err != nil {
		log.Error().Err(err).Msg("failed to initialize notifier")
		return fmt.Errorf("failed to initialize notifier: %w", err)
	}
	defer p.notifier.Close()

	// Initialize worker pool
	p.initWorkerPool()
	p.workerPool.Start()

	// Optional edge-readings consumer
	if p.cfg.Kafka.ConsumerGroup != "" {
		if err := p.initConsumer(ctx); err != nil {
			log.Error().Err(err).Msg("failed to initialize consumer")
			return fmt.Errorf("failed to initialize consumer: %w", err)
		}
	}

	// Initialize HTTP server
	p.initHTTPServer()

	// Start HTTP server in background
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Info().Str("addr", p.cfg.HTTP.Addr).Msg("starting HTTP server")
		if err := p.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	// Stats reporting goroutine
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reportStats(ctx)
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	// Graceful shutdown
	return p.shutdown()
}

// initProducer initializes the Kafka producer
func (p *Processor) initProducer() error {
	log := logger.WithComponent("processor")
	producer, err := kafka.NewProducer(
		p.cfg.Kafka.Brokers,
		p.cfg.Kafka.ReadingsTopic,
		p.cfg.Kafka.Producer,
	)
	if err != nil {
		return err
	}

	p.producer = producer
	log.Info().
		Strs("brokers", p.cfg.Kafka.Brokers).
		Str("topic", p.cfg.Kafka.ReadingsTopic).
		Msg("kafka producer initialized")
	return nil
}

// initNotifier initializes the Kafka alert notifier
func (p *Processor) initNotifier() error {
	minStatus, err := alerts.ParseMinStatus(p.cfg.Alerts.MinStatus)
	if err != nil {
		return err
	}

	producer, err := kafka.NewProducer(
		p.cfg.Kafka.Brokers,
		p.cfg.Kafka.AlertsTopic,
		p.cfg.Kafka.Producer,
	)
	if err != nil {
		return err
	}

	p.notifier = alerts.NewKafkaNotifier(producer, minStatus)
	plog := logger.WithComponent("processor")
	plog.Info().
		Str("topic", p.cfg.Kafka.AlertsTopic).
		Str("min_status", minStatus.String()).
		Msg("alert notifier initialized")
	return nil
}

// initWorkerPool initializes the worker pool
func (p *Processor) initWorkerPool() {
	log := logger.WithComponent("processor")
	p.workerPool = worker.NewPool(worker.Config{
		Writer:       p.store,
		Publisher:    p.producer,
		Notifier:     p.notifier,
		EnvelopeChan: p.envelopeChan,
		Workers:      p.cfg.Kafka.Producer.PoolSize,
		BatchSize:    p.cfg.Kafka.Producer.BatchSize,
		BatchTimeout: p.cfg.Kafka.Producer.BatchTimeout,
	})
	log.Info().Int("workers", p.cfg.Kafka.Producer.PoolSize).Msg("worker pool initialized")
}

// initConsumer starts the edge-readings consumer
func (p *Processor) initConsumer(ctx context.Context) error {
	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:      p.cfg.Kafka.Brokers,
		Topic:        p.cfg.Kafka.ReadingsTopic,
		GroupID:      p.cfg.Kafka.ConsumerGroup,
		EnvelopeChan: p.envelopeChan,
	})
	if err != nil {
		return err
	}
	p.consumer = consumer

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := consumer.Run(ctx); err != nil {
			plog := logger.WithComponent("processor")
			plog.Error().Err(err).Msg("consumer exited")
		}
	}()

	plog := logger.WithComponent("processor")
	plog.Info().
		Str("group", p.cfg.Kafka.ConsumerGroup).
		Msg("readings consumer initialized")
	return nil
}

// initHTTPServer initializes the HTTP server with handlers
func (p *Processor) initHTTPServer() {
	mux := http.NewServeMux()

	// Ingest handler (with middleware)
	ingestHandler := handlers.NewIngestHandler(handlers.IngestConfig{
		EnvelopeChan: p.envelopeChan,
		NodeID:       "", // Will use hostname
		MaxBodySize:  p.cfg.HTTP.MaxBodySize,
	})
	mux.Handle("/ingest", middleware.Chain(
		ingestHandler,
		middleware.Recovery,
		middleware.Logging,
		middleware.Auth(p.cfg.HTTP.AuthToken),
	))

	// Machine and fleet diagnosis endpoints
	apiMux := http.NewServeMux()
	handlers.NewMachineHandler(p.store, p.store).Register(apiMux)
	mux.Handle("/machines/", middleware.Chain(apiMux, middleware.Recovery, middleware.Logging))
	mux.Handle("/fleet/", middleware.Chain(apiMux, middleware.Recovery, middleware.Logging))

	// Health check
	mux.HandleFunc("/health", p.healthHandler)

	// Stats endpoint
	mux.HandleFunc("/stats", p.statsHandler)

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Initialize queue capacity metric
	metrics.WorkerQueueCapacity.Set(float64(cap(p.envelopeChan)))

	p.httpServer = &http.Server{
		Addr:         p.cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// shutdown performs graceful shutdown
func (p *Processor) shutdown() error {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	// 1. Stop accepting new HTTP requests
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info().Msg("stopping HTTP server")
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Close the consumer so no more readings arrive
	if p.consumer != nil {
		log.Info().Msg("closing readings consumer")
		if err := p.consumer.Close(); err != nil {
			log.Error().Err(err).Msg("consumer close error")
		}
	}

	// 3. Close envelope channel to signal no more incoming readings
	log.Info().Msg("closing envelope channel")
	close(p.envelopeChan)

	// 4. Wait for workers to finish processing (with timeout)
	done := make(chan struct{})
	go func() {
		p.workerPool.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("workers stopped gracefully")
	case <-time.After(15 * time.Second):
		log.Warn().Msg("worker shutdown timeout - forcing exit")
	}

	// 5. Close producer
	log.Info().Msg("closing kafka producer")
	if err := p.producer.Close(); err != nil {
		log.Error().Err(err).Msg("producer close error")
	}

	// 6. Wait for all goroutines
	p.wg.Wait()

	log.Info().Msg("processor stopped gracefully")
	return nil
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			workerStats := p.workerPool.Stats()
			producerStats := p.producer.Stats()

			// Update metrics
			metrics.WorkerQueueSize.Set(float64(len(p.envelopeChan)))

			log.Info().
				Uint64("worker_processed", workerStats.Processed).
				Uint64("worker_failed", workerStats.Failed).
				Uint64("worker_alerted", workerStats.Alerted).
				Uint64("producer_sent", producerStats.MessagesSent).
				Uint64("producer_failed", producerStats.MessagesFailed).
				Int("queue_size", len(p.envelopeChan)).
				Msg("stats")
		}
	}
}

// healthHandler handles health check requests
func (p *Processor) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	// Check database connectivity
	if err := p.store.Ping(ctx); err != nil {
		http.Error(w, fmt.Sprintf("unhealthy: %v", err), http.StatusServiceUnavailable)
		return
	}

	// Check Kafka connectivity
	if err := p.producer.HealthCheck(ctx); err != nil {
		http.Error(w, fmt.Sprintf("unhealthy: %v", err), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// statsHandler returns current statistics
func (p *Processor) statsHandler(w http.ResponseWriter, r *http.Request) {
	workerStats := p.workerPool.Stats()
	producerStats := p.producer.Stats()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{
		"worker": {
			"processed": %d,
			"failed": %d,
			"alerted": %d
		},
		"producer": {
			"messages_sent": %d,
			"messages_failed": %d,
			"bytes_written": %d
		},
		"channel": {
			"buffered": %d,
			"capacity": %d
		}
	}`,
		workerStats.Processed,
		workerStats.Failed,
		workerStats.Alerted,
		producerStats.MessagesSent,
		producerStats.MessagesFailed,
		producerStats.BytesWritten,
		len(p.envelopeChan),
		cap(p.envelopeChan),
	)
}
