package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/comic2pdf/orchestrator/internal/config"
	"github.com/comic2pdf/orchestrator/internal/janitor"
	"github.com/comic2pdf/orchestrator/internal/logging"
	"github.com/comic2pdf/orchestrator/internal/observability"
	"github.com/comic2pdf/orchestrator/internal/recovery"
	"github.com/comic2pdf/orchestrator/internal/scheduler"
	"github.com/comic2pdf/orchestrator/internal/store"
)

// serveOptions holds CLI flags for the serve command, each defaulting to the
// value config.NewDefault() would pick, then overridden by the environment,
// then by an explicit flag.
type serveOptions struct {
	dataDir           string
	prepURL           string
	ocrURL            string
	observabilityBind string
	logFormat         string
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{logFormat: string(logging.FormatText)}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator loop: discover, dispatch, and finalize jobs",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe(opts)
		},
	}

	cmd.Flags().StringVar(&opts.dataDir, "data-dir", "", "Root data directory (overrides DATA_DIR)")
	cmd.Flags().StringVar(&opts.prepURL, "prep-url", "", "PREP worker base URL (overrides PREP_URL)")
	cmd.Flags().StringVar(&opts.ocrURL, "ocr-url", "", "OCR worker base URL (overrides OCR_URL)")
	cmd.Flags().StringVar(&opts.observabilityBind, "observability-bind", "", "Observability HTTP bind address")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", opts.logFormat, "Log output format: text or json")

	return cmd
}

func runServe(opts *serveOptions) error {
	cfg := config.NewDefault()
	cfg.Load()
	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}
	if opts.prepURL != "" {
		cfg.PrepURL = opts.prepURL
	}
	if opts.ocrURL != "" {
		cfg.OcrURL = opts.ocrURL
	}
	if opts.observabilityBind != "" {
		cfg.ObservabilityBind = opts.observabilityBind
	}

	log := logging.NewLogger(&logging.Config{
		Level:  0,
		Format: logging.Format(opts.logFormat),
		Output: os.Stdout,
	})

	layout := store.NewLayout(cfg.DataDir)
	if err := layout.EnsureLayout(); err != nil {
		log.Error("failed to create data directory layout", "error", err)
		return err
	}

	sched := scheduler.New(layout, *cfg, log)

	recovered := recovery.RecoverRunningJobs(layout, *cfg, log)
	sched.SeedInFlight(recovered)
	log.Info("startup recovery complete", "reinjected", len(recovered))

	obsServer := observability.New(sched, layout, log)
	httpServer := &http.Server{Addr: cfg.ObservabilityBind, Handler: obsServer}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("observability server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	janitorTicker := time.NewTicker(janitor.DefaultInterval)
	defer janitorTicker.Stop()

	tickInterval := time.Duration(cfg.PollIntervalMs) * time.Millisecond
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	wake := make(chan struct{}, 1)
	watchInbox(ctx, layout.InDir(), wake, log)

	log.Info("orchestrator started", "dataDir", cfg.DataDir, "pollIntervalMs", cfg.PollIntervalMs)

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received, finishing current tick")
			_ = httpServer.Shutdown(context.Background())
			return nil
		case <-ticker.C:
			sched.Tick(ctx)
		case <-wake:
			sched.Tick(ctx)
		case <-janitorTicker.C:
			inFlightKeys := map[string]struct{}{}
			for k := range sched.SnapshotInFlight() {
				inFlightKeys[k] = struct{}{}
			}
			janitor.Sweep(layout, sched.Config().KeepWorkDirDays, inFlightKeys, log)
		}
	}
}
