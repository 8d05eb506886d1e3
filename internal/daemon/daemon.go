package daemon

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/harun/foreman/internal/config"
	"github.com/harun/foreman/internal/logger"
	"github.com/harun/foreman/internal/metrics"
	"github.com/harun/foreman/pkg/agent"
	"github.com/harun/foreman/pkg/breaker"
	"github.com/harun/foreman/pkg/dispatch"
	"github.com/harun/foreman/pkg/pricing"
	"github.com/harun/foreman/pkg/provider"
	"github.com/harun/foreman/pkg/queue"
	"github.com/harun/foreman/pkg/retrypolicy"
	"github.com/harun/foreman/pkg/sandbox"
	"github.com/harun/foreman/pkg/store"
)

// Daemon assembles and runs the job pipeline: store, broker, providers,
// sandbox executor, dispatcher workers and the delayed-queue pump.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store        *store.Store
	broker       queue.Broker
	redisClient  *redis.Client
	ledger       *pricing.Ledger
	breaker      *breaker.Registry
	gateway      *provider.Gateway
	executor     *sandbox.DockerExecutor
	dispatcher   *dispatch.Dispatcher
	enqueuer     *dispatch.Enqueuer
	dlq          *dispatch.DeadLetterManager
	pump         *dispatch.Pump
	metrics      *metrics.Metrics
	priceWatcher *pricing.FileWatcher
	metricsSrv   *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a daemon from configuration.
func New(cfg *config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	zl := log.Zerolog()

	d := &Daemon{config: cfg, logger: log}

	d.store, err = store.Open(cfg.DBPath, zl)
	if err != nil {
		return nil, err
	}

	if cfg.Broker.Memory {
		d.broker = queue.NewMemory()
	} else {
		d.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Broker.Addr,
			Password: cfg.Broker.Password,
			DB:       cfg.Broker.DB,
		})
		d.broker = queue.NewRedis(d.redisClient, zl)
	}

	table := pricing.NewTable()
	if cfg.Pricing.File != "" {
		if err := table.LoadFile(cfg.Pricing.File); err != nil {
			zl.Warn().Err(err).Str("path", cfg.Pricing.File).Msg("Failed to load price file, using built-in table")
		} else if d.priceWatcher, err = pricing.NewFileWatcher(table, cfg.Pricing.File, zl); err != nil {
			zl.Warn().Err(err).Msg("Price file watching disabled")
		}
	}
	d.ledger = pricing.NewLedger(table, d.store, zl)

	d.breaker = breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
	}, zl)

	registry := provider.NewRegistry()
	if key := cfg.Providers.AnthropicAPIKey; key != "" {
		registry.Register(provider.NewAnthropic(key))
	}
	if key := cfg.Providers.OpenAIAPIKey; key != "" {
		registry.Register(provider.NewOpenAI(key))
	}
	if key := cfg.Providers.GeminiAPIKey; key != "" {
		registry.Register(provider.NewGemini(key))
	}
	d.gateway = provider.NewGateway(registry, d.breaker, zl)

	if err := sandbox.CheckDocker(); err != nil {
		zl.Warn().Err(err).Msg("Docker check failed; sandbox launches will fail until the daemon is reachable")
	}
	d.executor, err = sandbox.NewDockerExecutor(cfg.Sandbox)
	if err != nil {
		return nil, err
	}

	d.metrics = metrics.NewMetrics()
	loop := agent.NewLoop(d.gateway, d.store, zl)

	d.dispatcher, err = dispatch.New(dispatch.Deps{
		Store:    d.store,
		Broker:   d.broker,
		Ledger:   d.ledger,
		Gateway:  d.gateway,
		Loop:     loop,
		Executor: d.executor,
		Policy:   retrypolicy.New(),
		Observer: d.metrics,
		Logger:   zl,
	}, cfg.Dispatcher)
	if err != nil {
		return nil, err
	}

	d.enqueuer = dispatch.NewEnqueuer(d.store, d.broker, zl)
	d.dlq = dispatch.NewDeadLetterManager(d.store, d.broker, zl)
	d.pump = dispatch.NewPump(d.broker, d.executor, zl)

	return d, nil
}

// Start launches workers and background services. Blocks until ctx is
// cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	zl := d.logger.Zerolog()
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	// Orphans from a previous crash go first.
	if n, err := d.executor.Reap(runCtx); err != nil {
		zl.Warn().Err(err).Msg("Startup container reap failed")
	} else if n > 0 {
		zl.Warn().Int("count", n).Msg("Reaped orphan containers at startup")
	}

	if err := d.pump.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start delayed-queue pump: %w", err)
	}

	workers := d.config.Dispatcher.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func(n int) {
			defer d.wg.Done()
			d.dispatcher.Run(runCtx)
		}(i)
	}
	zl.Info().Int("workers", workers).Msg("Foreman daemon started")

	if d.config.Metrics.Enabled {
		d.startMetricsServer(runCtx)
	}

	<-runCtx.Done()
	d.wg.Wait()
	return nil
}

// Stop shuts the daemon down and releases every resource.
func (d *Daemon) Stop() {
	zl := d.logger.Zerolog()
	zl.Info().Msg("Foreman daemon stopping")

	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.pump.Stop()

	if d.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsSrv.Shutdown(shutdownCtx); err != nil {
			zl.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}
	if d.priceWatcher != nil {
		if err := d.priceWatcher.Stop(); err != nil {
			zl.Warn().Err(err).Msg("Price watcher stop failed")
		}
	}
	if d.redisClient != nil {
		if err := d.redisClient.Close(); err != nil {
			zl.Warn().Err(err).Msg("Redis close failed")
		}
	}
	if err := d.store.Close(); err != nil {
		zl.Warn().Err(err).Msg("Store close failed")
	}
	if err := d.logger.Close(); err != nil {
		fmt.Println("logger close failed:", err)
	}
}

// Enqueuer exposes job submission for the CLI and the HTTP layer.
func (d *Daemon) Enqueuer() *dispatch.Enqueuer { return d.enqueuer }

// DeadLetters exposes the dead-letter manager.
func (d *Daemon) DeadLetters() *dispatch.DeadLetterManager { return d.dlq }

// Store exposes the persistent store.
func (d *Daemon) Store() *store.Store { return d.store }

// Ledger exposes the cost ledger.
func (d *Daemon) Ledger() *pricing.Ledger { return d.ledger }

// Broker exposes the queue facade.
func (d *Daemon) Broker() queue.Broker { return d.broker }

func (d *Daemon) startMetricsServer(ctx context.Context) {
	zl := d.logger.Zerolog()

	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Handler())
	d.metricsSrv = &http.Server{Addr: d.config.Metrics.Addr, Handler: mux}

	// Gauges refresh on a slow tick; counters update inline.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.metrics.ObserveBreaker(d.breaker.Snapshots())
				for _, q := range []string{queue.Incoming, queue.DelayedRetry, queue.DeadLetter} {
					if depth, err := d.broker.Depth(ctx, q); err == nil {
						d.metrics.ObserveQueueDepth(q, depth)
					}
				}
			}
		}
	}()

	go func() {
		zl.Info().Str("addr", d.config.Metrics.Addr).Msg("Metrics endpoint listening")
		if err := d.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zl.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}
