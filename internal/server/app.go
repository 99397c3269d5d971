// Package server builds the application graph and runs it until a
// shutdown signal arrives.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/caplake/caplake/internal/api"
	"github.com/caplake/caplake/internal/backend"
	"github.com/caplake/caplake/internal/capture"
	"github.com/caplake/caplake/internal/clock/system"
	"github.com/caplake/caplake/internal/config"
	"github.com/caplake/caplake/internal/dispatcher"
	"github.com/caplake/caplake/internal/engine"
	"github.com/caplake/caplake/internal/events"
	"github.com/caplake/caplake/internal/events/sinks"
	"github.com/caplake/caplake/internal/id/uuid"
	"github.com/caplake/caplake/internal/logging"
	"github.com/caplake/caplake/internal/metrics"
	"github.com/caplake/caplake/internal/proxy"
	"github.com/caplake/caplake/internal/reaper"
	memorystore "github.com/caplake/caplake/internal/store/memory"
	redisstore "github.com/caplake/caplake/internal/store/redis"
)

// App holds the long-lived services of the capture service.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	store      capture.Store
	backend    *backend.Controller
	proxy      *proxy.Manager
	engine     capture.Engine
	dispatcher *dispatcher.Dispatcher
	reaper     *reaper.Reaper
	hub        *events.Hub
	ring       *sinks.RingSink
	api        *api.Server
}

// Build constructs the application graph from configuration. Nothing is
// started and no connections are made; Run brings the pieces up in
// dependency order.
func Build(cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	clk := system.New()

	if err := setupStore(app, clk); err != nil {
		return nil, err
	}
	if err := setupEngine(app); err != nil {
		return nil, err
	}
	setupEvents(app)

	app.proxy = proxy.New(logger.Named("proxy"), proxy.Options{
		Enabled:        cfg.Proxy.Enabled,
		Binary:         cfg.Proxy.Wireproxy,
		ConfPath:       cfg.Proxy.Conf,
		SocksAddr:      cfg.Proxy.SocksAddr,
		HealthAddr:     cfg.Proxy.HealthAddr,
		HealthInterval: cfg.Proxy.HealthInterval(),
		MaxFailures:    cfg.Proxy.MaxFailedHealthchecks,
	})

	app.dispatcher = dispatcher.New(
		app.store,
		app.engine,
		clk,
		app.proxy,
		app.hub,
		dispatcher.Config{
			Slots:          cfg.Capture.MaxConcurrent,
			MaxCaptureTime: cfg.Capture.MaxCaptureTime(),
			PollInterval:   cfg.Capture.PollInterval(),
			CancelPoll:     cfg.Capture.CancelPoll(),
		},
		logger.Named("dispatcher"),
	)

	app.reaper = reaper.New(app.store, clk, app.hub, reaper.Config{
		Interval:       cfg.Reaper.Interval(),
		MaxCaptureTime: cfg.Capture.MaxCaptureTime(),
		Grace:          cfg.Reaper.Grace(),
		Abandon:        cfg.Reaper.Abandon(),
	}, logger.Named("reaper"))

	// A nil *Controller must not reach the API as a non-nil interface.
	var backendInfo api.BackendInfo
	if app.backend != nil {
		backendInfo = app.backend
	}
	app.api = api.NewServer(
		app.store,
		backendInfo,
		app.proxy,
		app.hub,
		app.ring,
		uuid.NewUUIDGenerator(),
		clk,
		cfg,
		logger.Named("api"),
	)

	return app, nil
}

// Run starts the backend, proxy, dispatcher, reaper, and HTTP server,
// then blocks until the context is cancelled or a signal arrives. On
// shutdown it stops claiming first, drains in-flight captures, and only
// then tears the infrastructure down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.backend != nil {
		if err := a.backend.Start(ctx); err != nil {
			return fmt.Errorf("backend start: %w", err)
		}
	}
	if err := a.proxy.Start(ctx); err != nil {
		return fmt.Errorf("proxy start: %w", err)
	}

	// The watchdog and sweeper outlive the shutdown signal so captures
	// can drain with a live proxy and an active reaper behind them.
	auxCtx, auxCancel := context.WithCancel(context.Background())
	defer auxCancel()
	go a.proxy.Run(auxCtx)
	go a.reaper.Run(auxCtx)

	dispatchCtx, dispatchCancel := context.WithCancel(context.Background())
	defer dispatchCancel()
	dispatchDone := make(chan struct{})
	go func() {
		a.logger.Info("dispatcher started", zap.Int("slots", a.cfg.Capture.MaxConcurrent))
		a.dispatcher.Run(dispatchCtx)
		close(dispatchDone)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	// Stop claiming before anything else; in-flight captures keep their
	// slots until they resolve.
	dispatchCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownGrace())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown error", zap.Error(err))
	}

	a.drainDispatcher(dispatchDone)
	a.waitOngoingZero(context.Background())
	auxCancel()

	return a.Close(context.Background())
}

// waitOngoingZero polls the shared ongoing registry so a managed
// backend stop finds it idle. Entries owned by other processes get a
// bounded window, not a veto; the reaper keeps sweeping while we wait.
func (a *App) waitOngoingZero(ctx context.Context) {
	if a.backend == nil || !a.cfg.Backend.Managed {
		return
	}
	deadline := time.After(a.cfg.Capture.DrainWait())
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		n, err := a.store.OngoingCount(ctx)
		if err != nil || n == 0 {
			return
		}
		select {
		case <-deadline:
			a.logger.Warn("captures still ongoing at shutdown", zap.Int64("ongoing", n))
			return
		case <-ticker.C:
		}
	}
}

// drainDispatcher waits for in-flight captures, escalating to a forced
// abort when the drain window closes.
func (a *App) drainDispatcher(done <-chan struct{}) {
	select {
	case <-done:
		return
	case <-time.After(a.cfg.Capture.DrainWait()):
	}
	a.logger.Warn("captures still running after drain window, aborting",
		zap.Int64("in_flight", a.dispatcher.InFlight()))
	a.dispatcher.ForceStop()
	select {
	case <-done:
	case <-time.After(a.cfg.Capture.CancelGrace()):
		a.logger.Warn("captures did not stop, leaving their slots to the reaper")
	}
}

// Close releases everything Build created. Callers that never called
// Run use it directly; Run calls it as the last step of shutdown.
func (a *App) Close(ctx context.Context) error {
	closeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if a.hub != nil {
		if err := a.hub.Close(closeCtx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	a.proxy.Stop()
	if a.backend != nil && a.cfg.Backend.Managed {
		if err := a.backend.Stop(closeCtx, false); err != nil {
			if errors.Is(err, capture.ErrBusy) {
				a.logger.Warn("backend left running, captures ongoing elsewhere", zap.Error(err))
			} else {
				a.logger.Error("backend stop failed", zap.Error(err))
			}
		}
	}
	if c, ok := a.engine.(interface{ Close() }); ok {
		c.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	if err := a.logger.Sync(); err != nil {
		// Sync to a terminal fails with EINVAL; nothing actionable.
		_ = err
	}
	return nil
}

func setupStore(app *App, clk capture.Clock) error {
	switch app.cfg.Store.Driver {
	case "memory":
		st := memorystore.New(clk)
		app.store = st
		app.logger.Info("using in-memory job store")
	default:
		// The client stays lazy so the store can be handed to the
		// backend controller before the server process exists.
		rdb := redisstore.NewClient(redisstore.Options{
			Addr:   app.cfg.Store.Addr,
			Socket: app.cfg.Store.Socket,
			DB:     app.cfg.Store.DB,
		})
		st := redisstore.NewFromClient(rdb, app.logger, clk,
			app.cfg.Store.ResultsTTL(), app.cfg.Store.StatsTTL())
		app.store = st
		app.backend = backend.New(app.logger.Named("backend"), st, st, backend.Options{
			Managed:        app.cfg.Backend.Managed,
			RedisServer:    app.cfg.Backend.RedisServer,
			ConfPath:       app.cfg.Backend.Conf,
			Dir:            app.cfg.Backend.Dir,
			StartupTimeout: app.cfg.Backend.StartupTimeout(),
			PingInterval:   app.cfg.Backend.PingInterval(),
			DrainWait:      app.cfg.Backend.ForceDrain(),
		})
		target := app.cfg.Store.Addr
		if target == "" {
			target = app.cfg.Store.Socket
		}
		app.logger.Info("using redis job store", zap.String("addr", target))
	}
	return nil
}

func setupEngine(app *App) error {
	switch app.cfg.Capture.Engine {
	case "noop":
		app.engine = engine.NewNoop()
		app.logger.Info("capture engine disabled, using noop")
	default:
		eng, err := engine.NewChromedp(engine.Config{
			UserAgent:  app.cfg.Capture.UserAgent,
			ChromePath: app.cfg.Capture.ChromePath,
		})
		if err != nil {
			return fmt.Errorf("chromedp engine init failed: %w", err)
		}
		app.engine = eng
		app.logger.Info("using chromedp capture engine",
			zap.String("user_agent", app.cfg.Capture.UserAgent))
	}
	return nil
}

func setupEvents(app *App) {
	app.ring = sinks.NewRingSink(app.cfg.Events.RingSize)
	sinkList := []events.Sink{app.ring}
	if app.cfg.Events.LogEnabled {
		sinkList = append(sinkList, sinks.NewLogSink(app.logger.Named("events")))
	}
	app.hub = events.NewHub(events.Config{
		BufferSize:     app.cfg.Events.BufferSize,
		MaxBatchEvents: app.cfg.Events.MaxBatch,
		MaxBatchWait:   app.cfg.Events.MaxBatchWait(),
		SinkTimeout:    app.cfg.Events.SinkTimeout(),
		Logger:         app.logger.Named("events"),
	}, sinkList...)
}
