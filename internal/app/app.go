// Package app initializes and holds the long-lived application
// services and runs them until shutdown.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/pagewatch/pagewatch/internal/api"
	"github.com/pagewatch/pagewatch/internal/block"
	"github.com/pagewatch/pagewatch/internal/clock/system"
	"github.com/pagewatch/pagewatch/internal/config"
	collyfetcher "github.com/pagewatch/pagewatch/internal/fetcher/colly"
	"github.com/pagewatch/pagewatch/internal/fetcher/headless"
	"github.com/pagewatch/pagewatch/internal/fetcher/remote"
	"github.com/pagewatch/pagewatch/internal/logging"
	"github.com/pagewatch/pagewatch/internal/orchestrator"
	"github.com/pagewatch/pagewatch/internal/queue"
	"github.com/pagewatch/pagewatch/internal/scheduler"
	gcsstore "github.com/pagewatch/pagewatch/internal/storage/gcs"
	localstore "github.com/pagewatch/pagewatch/internal/storage/local"
	"github.com/pagewatch/pagewatch/internal/storage/memory"
	"github.com/pagewatch/pagewatch/internal/storage/postgres"
	"github.com/pagewatch/pagewatch/internal/tier"
	"github.com/pagewatch/pagewatch/internal/watch"
	"github.com/pagewatch/pagewatch/internal/worker"
)

// RuleBackend combines the persistence interfaces the service needs
// from one store.
type RuleBackend interface {
	watch.RuleStore
	watch.ProfileSource
}

// App holds the shared, long-lived services for the monitoring
// service.
type App struct {
	cfg        config.Config
	log        *zap.Logger
	rules      RuleBackend
	scheduler  *scheduler.Scheduler
	worker     *worker.Worker
	subscriber *queue.Subscriber
	server     *http.Server
	closers    []func()
}

// New builds the full service graph from configuration. It fails fast
// if any critical dependency cannot be initialized.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &App{cfg: cfg, log: log}
	clock := system.Clock{}

	if err := a.initRuleBackend(ctx); err != nil {
		return nil, err
	}
	snapshots, err := a.initSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	jobQueue, dequeuer, publisher, err := a.initQueue(ctx)
	if err != nil {
		return nil, err
	}

	resolver := tier.NewResolver(log.Named("tier"))
	orch := orchestrator.New(
		a.buildProviders(),
		block.NewDetector(0),
		clock,
		orchestrator.Config{
			DomainRPS:   cfg.Worker.DomainRPS,
			DomainBurst: cfg.Worker.DomainBurst,
		},
		log.Named("orchestrator"),
	)

	a.scheduler = scheduler.New(a.rules, jobQueue, clock, scheduler.Config{
		TickInterval: cfg.Scheduler.TickInterval(),
		BatchSize:    cfg.Scheduler.BatchSize,
		DomainDelay:  cfg.Scheduler.DomainDelay(),
	}, log.Named("scheduler"))

	a.worker = worker.New(
		dequeuer,
		a.rules,
		a.rules,
		resolver,
		orch,
		snapshots,
		publisher,
		clock,
		worker.Config{
			ContentType:    cfg.Storage.ContentType,
			SnapshotPrefix: cfg.Storage.Prefix,
			ChangeTopic:    cfg.PubSub.ChangeTopic,
		},
		log.Named("worker"),
	)

	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(a.scheduler, a.rules, log.Named("api")).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("application services initialized",
		zap.Bool("scheduler", cfg.Scheduler.Enabled),
		zap.Bool("worker", cfg.Worker.Enabled),
		zap.Int("port", cfg.Server.Port),
	)
	return a, nil
}

// Run starts the HTTP server, the scheduler loop, and the worker pool,
// then blocks until the context is canceled and everything has drained.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if a.cfg.Scheduler.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.scheduler.Run(ctx)
		}()
	}
	if a.cfg.Worker.Enabled {
		if a.subscriber != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := a.subscriber.Start(ctx); err != nil {
					a.log.Error("subscriber stopped", zap.Error(err))
				}
			}()
		}
		for i := 0; i < a.cfg.Worker.Concurrency; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				a.worker.Run(ctx)
			}()
		}
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	if a.cfg.Scheduler.Enabled {
		a.scheduler.Shutdown()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http shutdown", zap.Error(err))
	}
	wg.Wait()
	return nil
}

// Close releases held resources. Call after Run returns.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.log.Sync()
}

func (a *App) initRuleBackend(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.log.Warn("db.dsn not set, using in-memory rule store")
		a.rules = memory.NewRuleStore()
		return nil
	}
	store, err := postgres.NewRuleStore(ctx, postgres.RuleStoreConfig{
		DSN:      a.cfg.DB.DSN,
		MaxConns: a.cfg.DB.MaxConns,
		MinConns: a.cfg.DB.MinConns,
	})
	if err != nil {
		return fmt.Errorf("init rule store: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	a.rules = store
	return nil
}

func (a *App) initSnapshots(ctx context.Context) (watch.SnapshotStore, error) {
	switch {
	case a.cfg.Storage.GCSBucket != "":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		return gcsstore.New(client, gcsstore.Config{Bucket: a.cfg.Storage.GCSBucket})
	case a.cfg.Storage.LocalDir != "":
		return localstore.New(localstore.Config{BaseDir: a.cfg.Storage.LocalDir})
	default:
		a.log.Warn("no snapshot storage configured, snapshots disabled")
		return nil, nil
	}
}

func (a *App) initQueue(ctx context.Context) (watch.JobQueue, worker.Dequeuer, watch.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		mem := queue.NewMemory()
		return mem, mem, nil, nil
	}
	ps, err := queue.NewPubSub(ctx, a.cfg.PubSub.ProjectID, a.log.Named("queue"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init pubsub queue: %w", err)
	}
	a.closers = append(a.closers, func() { _ = ps.Close() })
	a.subscriber = ps.Subscriber("rules-run")
	return ps, a.subscriber, ps, nil
}

func (a *App) buildProviders() map[watch.Provider]watch.ProviderClient {
	providers := map[watch.Provider]watch.ProviderClient{
		watch.ProviderHTTP: collyfetcher.New(collyfetcher.Config{}),
		watch.ProviderMobileUA: collyfetcher.NewMobile(
			25 * time.Second,
		),
	}

	if chromed, err := headless.NewChromedp(headless.Config{
		MaxParallel: a.cfg.Providers.HeadlessMaxParallel,
		UserAgent:   collyfetcher.DesktopUserAgent,
	}); err == nil {
		providers[watch.ProviderHeadless] = chromed
		a.closers = append(a.closers, chromed.Close)
	} else {
		a.log.Warn("headless provider unavailable", zap.Error(err))
	}

	if a.cfg.Providers.FlaresolverrEndpoint != "" {
		if fs, err := remote.NewFlaresolverr(remote.FlaresolverrConfig{
			Endpoint: a.cfg.Providers.FlaresolverrEndpoint,
		}); err == nil {
			providers[watch.ProviderFlaresolverr] = fs
		} else {
			a.log.Warn("flaresolverr provider unavailable", zap.Error(err))
		}
	}

	if a.cfg.Providers.BrightdataProxyURL != "" {
		if proxy, err := remote.NewProxy(remote.ProxyConfig{
			ProxyURL:  a.cfg.Providers.BrightdataProxyURL,
			Provider:  watch.ProviderBrightdata,
			UserAgent: collyfetcher.DesktopUserAgent,
		}); err == nil {
			providers[watch.ProviderBrightdata] = proxy
		} else {
			a.log.Warn("brightdata provider unavailable", zap.Error(err))
		}
	}

	if gw := a.cfg.Providers.SolverGatewayURL; gw != "" {
		key := a.cfg.Providers.SolverGatewayAPIKey
		if sb, err := remote.NewScrapingBrowser(gw, key, 0); err == nil {
			providers[watch.ProviderScrapingBrowser] = sb
		}
		if tp, err := remote.NewTwocaptchaProxy(gw, key, 0); err == nil {
			providers[watch.ProviderTwocaptchaProxy] = tp
		}
		if td, err := remote.NewTwocaptchaDatadome(gw, key, 0); err == nil {
			providers[watch.ProviderTwocaptchaDatadome] = td
		}
	}

	return providers
}
