package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"chatrelay/internal/config"
	"chatrelay/internal/content"
	"chatrelay/internal/dispatch"
	"chatrelay/internal/httpserver"
	"chatrelay/internal/logging"
	"chatrelay/internal/mapping"
	"chatrelay/internal/observability"
	"chatrelay/internal/queue"
	"chatrelay/internal/session"
	"chatrelay/internal/source/redissource"
	"chatrelay/internal/util"
)

func main() {
	cfg := config.LoadRelay()
	logging.Init("relay", cfg.LogFormat, cfg.LogLevel)

	if err := util.InitNode(cfg.NodeID); err != nil {
		slog.Error("relay node id invalid", "node_id", cfg.NodeID, "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	observability.Register(prometheus.DefaultRegisterer)
	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		Endpoint:    cfg.OTelEndpoint,
		Headers:     cfg.OTelHeaders,
		ServiceName: cfg.OTelServiceName,
	})
	if err != nil {
		slog.Error("relay tracing init failed", "err", err)
		os.Exit(1)
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, 10*time.Second)
	defer startupCancel()

	dispatchLog, closeStore, err := openStore(startupCtx, cfg)
	if err != nil {
		slog.Error("relay store init failed", "driver", cfg.StoreDriver, "err", err)
		os.Exit(1)
	}
	defer closeStore()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()

	primary, err := openPrimary(startupCtx, cfg, rdb)
	if err != nil {
		slog.Error("relay queue init failed", "backend", cfg.QueueBackend, "err", err)
		os.Exit(1)
	}
	if err := primary.Ping(startupCtx); err != nil {
		// the journal absorbs enqueues until the primary is back
		slog.Warn("queue primary not reachable at startup", "backend", cfg.QueueBackend, "err", err)
	}
	journal, err := queue.OpenJournal(cfg.FallbackDir, cfg.FallbackMaxBytes)
	if err != nil {
		slog.Error("relay journal open failed", "dir", cfg.FallbackDir, "err", err)
		os.Exit(1)
	}
	defer journal.Close()
	q := queue.New(primary, journal, queue.Options{PrimaryTimeout: cfg.PrimaryTimeout})

	reconciler, err := queue.NewReconciler(q, cfg.ReconcileSchedule)
	if err != nil {
		slog.Error("relay reconciler init failed", "err", err)
		os.Exit(1)
	}

	sink, closeSink, err := buildSink(cfg)
	if err != nil {
		slog.Error("relay status sink init failed", "err", err)
		os.Exit(1)
	}
	defer closeSink()

	limiters := dispatch.NewLimiters(dispatch.SpecsFromConfig(cfg.RateCapacity, cfg.RateRefill), dispatch.RateSpec{})
	registry, err := buildRegistry(cfg, limiters)
	if err != nil {
		slog.Error("relay forwarder init failed", "err", err)
		os.Exit(1)
	}

	targets := mapping.NewStore(cfg.MappingPath)
	if err := targets.Load(); err != nil {
		slog.Error("relay mapping load failed", "path", cfg.MappingPath, "err", err)
		os.Exit(1)
	}

	worker, err := dispatch.NewWorker(dispatch.Config{
		Store:         dispatchLog,
		Queue:         q,
		Targets:       targets,
		Pipeline:      content.DefaultPipeline(cfg.ContentMaxLength),
		Builder:       content.Formatter{},
		Sender:        registry,
		MaxRetryCount: cfg.MaxRetryCount,
		Backoff:       dispatch.Backoff{Base: cfg.RetryBase, Cap: cfg.RetryCap, Jitter: 0.1},
		ClaimLease:    cfg.ClaimLease,
		SendTimeout:   cfg.SendTimeout,
		CacheSize:     cfg.DedupCacheSize,
	})
	if err != nil {
		slog.Error("relay dispatch init failed", "err", err)
		os.Exit(1)
	}
	runner := &dispatch.Runner{
		Source:        q,
		Processor:     worker,
		Concurrency:   cfg.WorkerConcurrency,
		BatchSize:     cfg.DequeueBatch,
		Wait:          cfg.DequeueWait,
		ShutdownGrace: cfg.ShutdownGrace,
	}

	sessions := session.NewManager(redissource.New(rdb), sink, session.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		ReconnectBase:     cfg.ReconnectBase,
		ReconnectCap:      cfg.ReconnectCap,
		MaxReconnects:     cfg.MaxReconnects,
		StableAfter:       cfg.StableAfter,
		DegradedThreshold: cfg.DegradedThreshold,
		StatusInterval:    cfg.StatusInterval,
		EventBuffer:       cfg.EventBuffer,
	})

	// ops server: health, readiness and runtime state
	ops := httpserver.New()
	(&httpserver.API{Sessions: sessions, Pools: registry, Dispatch: dispatchLog}).Register(ops.Mux)
	ops.Mux.HandleFunc("/healthz", httpserver.Healthz())
	ops.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, dispatchLog.Ping, q.Ping))
	opsSrv := &http.Server{Addr: ":" + cfg.Port, Handler: ops.Mux, ReadHeaderTimeout: 5 * time.Second}

	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: httpserver.MetricsHandler(), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 4)
	serve := func(name string, srv *http.Server) {
		slog.Info("relay listening", "server", name, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}
	go serve("ops", opsSrv)
	go serve("metrics", metricsSrv)

	// background loops
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	reconciler.Start(bgCtx)
	go func() {
		if err := targets.Watch(bgCtx, 0); err != nil {
			slog.Warn("mapping watch stopped", "err", err)
		}
	}()
	go registry.RunReports(bgCtx, sink, cfg.PoolReportInterval)
	go sessions.RunReports(bgCtx)

	runnerCtx, runnerCancel := context.WithCancel(ctx)
	defer runnerCancel()
	runnerDone := make(chan error, 1)
	go func() { runnerDone <- runner.Run(runnerCtx) }()

	sessCtx, sessCancel := context.WithCancel(ctx)
	defer sessCancel()
	pumpDone := make(chan error, 1)
	go func() { pumpDone <- sessions.Pump(sessCtx, q) }()
	for _, acct := range cfg.SourceAccounts {
		if err := sessions.Start(sessCtx, acct); err != nil {
			slog.Error("session start failed", "account_id", acct, "err", err)
		}
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		slog.Warn("systemd notify failed", "err", err)
	} else if ok {
		slog.Info("systemd notified ready")
	}
	go watchdog(bgCtx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		slog.Info("relay shutdown", "signal", sig.String())
	case err := <-errCh:
		slog.Error("relay server failed", "err", err)
		exitCode = 1
	case err := <-pumpDone:
		// nothing more can be ingested safely
		slog.Error("relay ingestion stopped", "err", err)
		exitCode = 1
		pumpDone <- err
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// stop ingesting first so buffered events reach the queue
	sessions.StopAll()
	sessCancel()
	select {
	case <-pumpDone:
	case <-time.After(cfg.ShutdownGrace):
		slog.Warn("relay shutdown timeout waiting for event pump")
	}

	runnerCancel()
	select {
	case <-runnerDone:
	case <-time.After(cfg.ShutdownGrace + 5*time.Second):
		slog.Warn("relay shutdown timeout waiting for dispatch")
	}

	bgCancel()
	reconciler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = opsSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Warn("tracing shutdown failed", "err", err)
		}
	}
	if exitCode != 0 {
		closeSink()
		_ = journal.Close()
		closeStore()
		os.Exit(exitCode)
	}
}

// watchdog pings systemd at half the configured interval when
// WatchdogSec is set on the unit.
func watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
