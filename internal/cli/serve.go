package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"masterd/internal/buildinfo"
	"masterd/internal/config"
	"masterd/internal/gateway"
	"masterd/internal/notify"
	"masterd/internal/pipeline"
	"masterd/internal/server"
	"masterd/internal/store"
	"masterd/internal/supervisor"
	"masterd/internal/utils"
)

const (
	dbFile = "masterd.db"

	// run history is kept for a month, pruned daily
	historyRetention = 30 * 24 * time.Hour
	pruneInterval    = 24 * time.Hour
)

func serveCmd() *cobra.Command {
	var iniPath string

	c := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor, HTTP front, and control API",
		RunE: func(_ *cobra.Command, _ []string) error {
			// console logging first so configuration failures are visible
			if err := utils.Init(""); err != nil {
				return err
			}
			cfg, err := config.Load(iniPath)
			if err != nil {
				return err
			}
			if cfg.Logto != "" {
				// reattach with the file core now that the path is known
				if err := utils.Init(cfg.Logto); err != nil {
					return err
				}
			}
			defer func() { _ = utils.Sync() }()
			return serve(cfg)
		},
	}
	c.Flags().StringVar(&iniPath, "ini", "", "Path to the masterd ini file")
	return c
}

func serve(cfg *config.Settings) error {
	utils.Logger.Info("Configuration loaded",
		zap.String(utils.FieldAddr, cfg.HTTPSocket),
		zap.Int("processes", cfg.Processes))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(filepath.Join(cfg.DataDir, dbFile))
	if err != nil {
		return fmt.Errorf("open run store: %w", err)
	}
	defer func() { _ = st.Close() }()

	webhook := notify.New(cfg.NotifyURL, cfg.NotifyToken)
	defer webhook.Close()

	var (
		runs   *server.RunManager
		runner *pipeline.Runner
	)
	if cfg.Pipeline != "" {
		spec, err := pipeline.LoadSpec(cfg.Pipeline)
		if err != nil {
			return fmt.Errorf("load pipeline: %w", err)
		}
		runner = pipeline.NewRunner(cfg.DataDir, "")
		orch := pipeline.NewOrchestrator(spec, st, webhook, runner)
		runs = server.NewRunManager(cfg, spec, orch)
		utils.Logger.Info("Pipeline configured",
			zap.String(utils.FieldPath, cfg.Pipeline),
			zap.Int("jobs", len(spec.Jobs)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := supervisor.New(cfg)
	front := gateway.New(cfg, sup.Pool())
	sup.SetBacklogFunc(front.QueueDepth)

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	if err := front.Start(); err != nil {
		sup.Stop(false)
		return fmt.Errorf("start gateway: %w", err)
	}

	stopRequests := make(chan struct{}, 1)
	requestStop := func() {
		select {
		case stopRequests <- struct{}{}:
		default:
		}
	}

	var api *http.Server
	if cfg.Stats != "" {
		router := server.NewRouter(cfg, server.Deps{
			Version: buildinfo.Version,
			Pool:    sup,
			Front:   front,
			Store:   st,
			Runs:    runs,
			Stop:    requestStop,
		})
		api = &http.Server{
			Addr:         cfg.Stats,
			Handler:      router,
			ReadTimeout:  config.DefaultReadTimeout,
			WriteTimeout: config.DefaultWriteTimeout,
			IdleTimeout:  config.DefaultIdleTimeout,
		}
		go func() {
			utils.Logger.Info("Control API starting", zap.String(utils.FieldAddr, cfg.Stats))
			if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				utils.Logger.Error("Control API failed", zap.Error(err))
				requestStop()
			}
		}()
	}

	go pruneLoop(ctx, st, runner)

	if cfg.IgnoreSigpipe {
		signal.Ignore(syscall.SIGPIPE)
	}

	utils.Logger.Info("masterd up",
		zap.Int(utils.FieldPID, os.Getpid()),
		zap.String(utils.FieldAddr, front.Addr()))

	graceful := waitForShutdown(cfg, sup, stopRequests)

	if graceful {
		// stop accepting, drain in-flight requests, then retire workers with
		// the mercy timeout
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
		defer cancelShutdown()
		if err := front.Shutdown(shutdownCtx); err != nil {
			utils.Logger.Warn("Gateway shutdown error", zap.Error(err))
		}
		if api != nil {
			if err := api.Shutdown(shutdownCtx); err != nil {
				utils.Logger.Warn("Control API shutdown error", zap.Error(err))
			}
		}
		cancel()
		sup.Stop(true)
	} else {
		cancel()
		sup.Stop(false)
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), time.Second)
		defer cancelShutdown()
		_ = front.Shutdown(shutdownCtx)
		if api != nil {
			_ = api.Close()
		}
	}

	utils.Logger.Info("masterd stopped")
	return nil
}

// waitForShutdown blocks until a shutdown is requested, servicing reload
// signals in the meantime. Returns false when the exit must skip draining.
func waitForShutdown(cfg *config.Settings, sup *supervisor.Supervisor, stopRequests <-chan struct{}) bool {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGQUIT)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				utils.Logger.Info("Reload signal received",
					zap.String(utils.FieldSignal, sig.String()))
				sup.Reload()
			case syscall.SIGTERM:
				if !cfg.DieOnTerm {
					utils.Logger.Info("Reloading workers on SIGTERM (die-on-term off)")
					sup.Reload()
					continue
				}
				utils.Logger.Info("Shutdown signal received",
					zap.String(utils.FieldSignal, sig.String()))
				return true
			case syscall.SIGINT:
				utils.Logger.Info("Shutdown signal received",
					zap.String(utils.FieldSignal, sig.String()))
				return true
			case syscall.SIGQUIT:
				utils.Logger.Warn("Immediate shutdown requested",
					zap.String(utils.FieldSignal, sig.String()))
				return false
			}
		case <-stopRequests:
			utils.Logger.Info("Shutdown requested over the control API")
			return true
		}
	}
}

func pruneLoop(ctx context.Context, st *store.Store, runner *pipeline.Runner) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.Prune(ctx, historyRetention)
			if err != nil {
				utils.Logger.Warn("History prune failed", zap.Error(err))
			} else if n > 0 {
				utils.Logger.Info("History pruned", zap.Int64("runs", n))
			}
			if runner != nil {
				runner.PruneArtifacts(utils.WithComponent("serve"))
			}
		}
	}
}
