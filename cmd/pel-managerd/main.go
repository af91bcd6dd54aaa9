// Package main — cmd/pel-managerd/main.go
//
// PEL manager daemon entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/pel-manager/config.yaml.
//  2. Check the repository root is writable (replaces the teacher's UID-0
//     check — this daemon needs no special privilege beyond its own data
//     directory and socket paths).
//  3. Initialise structured logger (zap, JSON or console format).
//  4. Open the bbolt-backed repository (rebuilds its in-memory index and
//     sidecar from the blob files under its logs directory on open).
//  5. Start the Prometheus metrics server (127.0.0.1:9091 by default).
//  6. Dial the data-interface facade and host-link gRPC targets.
//  7. Construct the notifier and lightpath policy, then the manager, and
//     call Manager.Start (which also starts the notifier's own queue and
//     the lightpath indirection goroutine).
//  8. Start the operator Unix-domain-socket admin server.
//  9. Register a SIGHUP handler that re-reads the config and copies its
//     non-destructive fields into the daemon's Config value. The notifier,
//     lightpath policy and logger keep the settings they were built with.
// 10. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context (propagates to the notifier, metrics
//     server, and operator socket).
//  2. Stop the manager (stops the notifier, unregisters the lightpath
//     subscription).
//  3. Close the repository.
//  4. Flush the logger.
//  5. Exit 0.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/openbmc-go/pel-manager/internal/config"
	"github.com/openbmc-go/pel-manager/internal/dataiface"
	"github.com/openbmc-go/pel-manager/internal/lightpath"
	"github.com/openbmc-go/pel-manager/internal/manager"
	"github.com/openbmc-go/pel-manager/internal/notifier"
	"github.com/openbmc-go/pel-manager/internal/observability"
	"github.com/openbmc-go/pel-manager/internal/operator"
	"github.com/openbmc-go/pel-manager/internal/pel"
	"github.com/openbmc-go/pel-manager/internal/repository"
)

func main() {
	configPath := flag.String("config", "/etc/pel-manager/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("pel-managerd %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ───────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Repository root writability check ─────────────────────────
	if err := checkWritable(cfg.Repository.Root); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: repository root %q not writable: %v\n", cfg.Repository.Root, err)
		os.Exit(1)
	}

	// ── Step 3: Logger ─────────────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("pel-managerd starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.Uint8("node_position", cfg.NodePosition),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 4: Open repository ───────────────────────────────────────────
	repo, err := repository.Open(cfg.Repository.Root, cfg.Repository.CapBytes, log)
	if err != nil {
		log.Fatal("repository open failed", zap.Error(err), zap.String("root", cfg.Repository.Root))
	}
	defer repo.Close() //nolint:errcheck
	log.Info("repository opened", zap.String("root", cfg.Repository.Root))

	// ── Step 5: Metrics ────────────────────────────────────────────────────
	metrics := observability.NewMetrics()
	repo.SetMetrics(metrics)
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 6: Data-interface facade and host-link ───────────────────────
	facade, err := dataiface.DialFacade(cfg.DataInterface.FacadeTarget, log)
	if err != nil {
		log.Fatal("facade dial failed", zap.Error(err), zap.String("target", cfg.DataInterface.FacadeTarget))
	}
	defer facade.Close() //nolint:errcheck

	link, err := notifier.DialHostLink(cfg.DataInterface.HostLinkTarget, log)
	if err != nil {
		log.Fatal("host link dial failed", zap.Error(err), zap.String("target", cfg.DataInterface.HostLinkTarget))
	}
	defer link.Close() //nolint:errcheck

	// ── Step 7: Notifier, LightPath, Manager ───────────────────────────────
	notifCfg := notifier.Config{
		HostUpDelay:  cfg.Notifier.HostUpDelay,
		RetryBackoff: cfg.Notifier.RetryBackoff,
		HostFullWait: cfg.Notifier.HostFullWait,
	}
	notif := notifier.New(repo, facade, link, log, metrics, notifCfg)

	lightCfg := lightpath.Config{
		Enabled:             cfg.Lightpath.Enabled,
		PlatformSAILedGroup: cfg.Lightpath.PlatformSAILedGroup,
		DebounceCapacity:    cfg.Lightpath.DebounceCapacity,
		DebouncePeriod:      cfg.Lightpath.DebouncePeriod,
	}
	light := lightpath.New(facade, log, metrics, lightCfg)

	builder := pel.NewBuilder(cfg.NodePosition)
	mgr := manager.New(builder, repo, facade, notif, light, log, metrics)

	if err := mgr.Start(ctx); err != nil {
		log.Fatal("manager start failed", zap.Error(err))
	}
	defer mgr.Stop()
	log.Info("manager started")

	// ── Step 8: Operator admin socket ──────────────────────────────────────
	if cfg.Operator.Enabled {
		opSrv := operator.NewServer(cfg.Operator.SocketPath, mgr, repo, log, cfg.Operator.MaxConnections)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("operator server error", zap.Error(err))
			}
		}()
		log.Info("operator socket started", zap.String("path", cfg.Operator.SocketPath))
	} else {
		log.Info("operator socket disabled")
	}

	// ── Step 9: SIGHUP hot-reload ───────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config")
			next, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining current config", zap.Error(err))
				continue
			}
			config.ApplyNonDestructive(cfg, next)
			log.Info("config hot-reload applied",
				zap.Duration("host_up_delay", cfg.Notifier.HostUpDelay),
				zap.Bool("lightpath_enabled", cfg.Lightpath.Enabled),
				zap.String("log_level", cfg.Observability.LogLevel),
			)
		}
	}()

	// ── Step 10: Wait for shutdown signal ──────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	log.Info("pel-managerd shutdown complete")
}

// checkWritable verifies dir exists (creating it if missing) and that the
// process can create files in it.
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".write-check-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return zcfg.Build()
}
