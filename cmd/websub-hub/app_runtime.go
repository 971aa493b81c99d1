package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thylacine/websub-hub-sub000/internal/api"
	"github.com/thylacine/websub-hub-sub000/internal/auth"
	"github.com/thylacine/websub-hub-sub000/internal/buildinfo"
	"github.com/thylacine/websub-hub-sub000/internal/config"
	"github.com/thylacine/websub-hub-sub000/internal/discovery"
	"github.com/thylacine/websub-hub-sub000/internal/geoip"
	"github.com/thylacine/websub-hub-sub000/internal/httpclient"
	"github.com/thylacine/websub-hub-sub000/internal/ingress"
	"github.com/thylacine/websub-hub-sub000/internal/maintenance"
	"github.com/thylacine/websub-hub-sub000/internal/metrics"
	"github.com/thylacine/websub-hub-sub000/internal/store"
	"github.com/thylacine/websub-hub-sub000/internal/store/postgres"
	"github.com/thylacine/websub-hub-sub000/internal/store/sqlite"
	"github.com/thylacine/websub-hub-sub000/internal/task"
	"github.com/thylacine/websub-hub-sub000/internal/worker"
)

type hubApp struct {
	envCfg *config.EnvConfig
	repo   store.Repository
	geoSvc *geoip.Service

	worker      *worker.Worker
	maintenance *maintenance.Service
	server      *http.Server
	listener    net.Listener
}

func run() error {
	if err := config.ApplyFileDefaults(os.Getenv("WSHUB_CONFIG_FILE")); err != nil {
		return err
	}
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	if config.IsWeakToken(envCfg.AdminToken) {
		log.Println("Warning: WSHUB_ADMIN_TOKEN is weak; consider a longer random token")
	}

	app, err := newHubApp(envCfg)
	if err != nil {
		return err
	}

	serverErrCh := app.startServices()
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.shutdown(ctx)

	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func newHubApp(envCfg *config.EnvConfig) (*hubApp, error) {
	app := &hubApp{envCfg: envCfg}

	// Phase 1: repository.
	repo, err := openRepository(envCfg)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	app.repo = repo
	log.Printf("Repository ready (%s backend)", envCfg.StoreBackend)

	// Phase 2: shared outbound client and helpers.
	userAgent := envCfg.UserAgent
	if userAgent == "" {
		userAgent = fmt.Sprintf("websub-hub/%s (go)", buildinfo.Version)
	}
	client := httpclient.New(httpclient.Config{
		UserAgent:     userAgent,
		Timeout:       envCfg.HTTPTimeout,
		RatePerSecond: envCfg.OutboundRatePerSecond,
		RateBurst:     envCfg.OutboundRateBurst,
	})

	geoSvc, err := geoip.Open(envCfg.GeoIPDBPath)
	if err != nil {
		log.Printf("Warning: geoip disabled: %v", err)
	}
	app.geoSvc = geoSvc

	hubMetrics := metrics.New()

	// Phase 3: processors and worker pool.
	processor := task.NewProcessor(task.Config{
		Repo:                repo,
		Client:              client,
		Discoverer:          discovery.New(envCfg.SelfBaseURL),
		SelfBaseURL:         envCfg.SelfBaseURL,
		StrictTopicHubLink:  envCfg.StrictTopicHubLink,
		FetchRetryDelays:    envCfg.FetchRetryDelays,
		VerifyRetryDelays:   envCfg.VerifyRetryDelays,
		DeliveryRetryDelays: envCfg.DeliveryRetryDelays,
		Metrics:             hubMetrics,
		Geo:                 geoSvc,
	})
	app.worker = worker.New(worker.Config{
		Repo:              repo,
		Processor:         processor,
		Concurrency:       envCfg.WorkerConcurrency,
		ClaimLeaseSeconds: envCfg.ClaimLeaseSeconds,
		PollInterval:      envCfg.WorkPollInterval,
		PollJitter:        envCfg.WorkPollJitter,
		Metrics:           hubMetrics,
	})
	log.Printf("Worker pool ready (node %s, concurrency %d)", app.worker.NodeID(), envCfg.WorkerConcurrency)

	// Phase 4: HTTP surface.
	ingressHub, err := ingress.New(ingress.Config{
		Repo:                  repo,
		Worker:                app.worker,
		PublicHub:             envCfg.PublicHub,
		StrictSecureCallback:  envCfg.StrictSecureCallback,
		InlineProcessing:      envCfg.InlineProcessing,
		LeaseSecondsPreferred: envCfg.LeaseSecondsPreferred,
		LeaseSecondsMin:       envCfg.LeaseSecondsMin,
		LeaseSecondsMax:       envCfg.LeaseSecondsMax,
	})
	if err != nil {
		return nil, err
	}
	handler := api.NewHandler(api.ServerConfig{
		Ingress:        ingressHub,
		Metrics:        hubMetrics,
		Authenticators: auth.FromConfig(envCfg.AdminToken),
	})

	listener, err := net.Listen("tcp", net.JoinHostPort(envCfg.ListenAddress, strconv.Itoa(envCfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("hub server listen: %w", err)
	}
	app.listener = listener
	app.server = &http.Server{Handler: handler}

	// Phase 5: maintenance.
	app.maintenance = maintenance.New(maintenance.Config{
		Repo:               repo,
		Schedule:           envCfg.MaintenanceSchedule,
		HistoryRetainCount: envCfg.ContentHistoryRetainCount,
	})

	return app, nil
}

func openRepository(envCfg *config.EnvConfig) (store.Repository, error) {
	switch envCfg.StoreBackend {
	case config.StoreBackendPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return postgres.Open(ctx, envCfg.PostgresDSN, envCfg.PostgresCacheEnabled)
	default:
		return sqlite.Open(envCfg.SQLiteStateDir)
	}
}

func (a *hubApp) startServices() <-chan error {
	a.worker.Start()
	log.Println("Worker scheduler started")

	if err := a.maintenance.Start(); err != nil {
		log.Printf("Warning: maintenance not started: %v", err)
	} else {
		log.Printf("Maintenance scheduled (%s)", a.envCfg.MaintenanceSchedule)
	}

	serverErrCh := make(chan error, 1)
	var group errgroup.Group
	group.Go(func() error {
		log.Printf("Hub server starting on http://%s", a.listener.Addr())
		return a.server.Serve(a.listener)
	})
	go func() {
		if err := group.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case serverErrCh <- err:
			default:
			}
		}
	}()
	return serverErrCh
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("Received signal %s, shutting down...", sig)
		return nil
	case err := <-serverErrCh:
		log.Printf("Received server runtime error (%v), shutting down...", err)
		return err
	}
}

func (a *hubApp) shutdown(ctx context.Context) {
	// Stop event sources first: no new ingress, then no new claims.
	if err := a.server.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Hub server stopped")

	a.worker.Stop()
	log.Println("Worker scheduler stopped")

	a.maintenance.Stop()
	log.Println("Maintenance stopped")

	if err := a.geoSvc.Close(); err != nil {
		log.Printf("GeoIP close error: %v", err)
	}

	if err := a.repo.Close(); err != nil {
		log.Printf("Repository close error: %v", err)
	}
	log.Println("Repository closed")
}
