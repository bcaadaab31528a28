package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hubenschmidt/bagger-spl/runwatch/internal/archive"
	"github.com/hubenschmidt/bagger-spl/runwatch/internal/reconciler"
	"github.com/hubenschmidt/bagger-spl/runwatch/internal/runs"
)

const shutdownTimeout = 10 * time.Second

var (
	watchStart     bool
	watchRunID     string
	watchAddr      string
	watchTargetSPL float64
	watchMaxVolume float64
	watchWeightLow float64
	watchWeightMid float64
	watchAlignment string

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Reconcile run telemetry and serve it over HTTP",
		Args:  cobra.NoArgs,
		RunE:  runWatch,
	}
)

func init() {
	f := watchCmd.Flags()
	f.BoolVar(&watchStart, "start", false, "start a new optimisation run")
	f.StringVar(&watchRunID, "run", "", "follow an existing run id")
	f.StringVar(&watchAddr, "addr", "", "listen address (overrides RUNWATCH_ADDR)")
	f.Float64Var(&watchTargetSPL, "target-spl", 110, "target SPL in dB")
	f.Float64Var(&watchMaxVolume, "max-volume", 60, "maximum enclosure volume in litres")
	f.Float64Var(&watchWeightLow, "weight-low", 0, "low band weight (server default when unset)")
	f.Float64Var(&watchWeightMid, "weight-mid", 0, "mid band weight (server default when unset)")
	f.StringVar(&watchAlignment, "alignment", "", "preferred alignment: sealed or vented")
	watchCmd.MarkFlagsMutuallyExclusive("start", "run")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	streamURL, err := cfg.streamURL()
	if err != nil {
		return err
	}
	client := newAPIClient(cfg)

	rcfg := reconciler.Config{
		API:                client,
		StreamURL:          streamURL,
		Backoff:            cfg.backoff,
		HistoryWindow:      cfg.historyWindow,
		RunPollInterval:    cfg.runPoll,
		RosterPollInterval: cfg.rosterPoll,
		RosterLimit:        cfg.rosterLimit,
		Logger:             slog.Default(),
	}

	var store *archive.Store
	var writer *archive.Writer
	if cfg.archiveDSN != "" {
		store, err = archive.Open(cfg.archiveDriver, cfg.archiveDSN)
		if err != nil {
			return err
		}
		defer store.Close()
		writer = archive.NewWriter(store, slog.Default())
		rcfg.Archiver = writer
		slog.Info("archive enabled", "driver", cfg.archiveDriver)
	}

	rec := reconciler.New(rcfg)

	mux := http.NewServeMux()
	registerRoutes(mux, deps{rec: rec, store: store})

	addr := cfg.addr
	if watchAddr != "" {
		addr = watchAddr
	}
	srv := &http.Server{Addr: addr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("runwatch starting", "addr", addr, "gateway", cfg.gatewayURL, "reconciler_id", rec.ID())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Dispose closes SSE subscriptions so Shutdown can drain them.
		rec.Dispose()
		writer.Close()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		logTransitions(rec)
		return nil
	})

	rec.WatchRoster()
	switch {
	case watchStart:
		if run, err := rec.Start(gctx, startParams(cmd)); err == nil {
			slog.Info("run queued", "run_id", run.ID)
		}
	case watchRunID != "":
		if err := rec.Attach(watchRunID); err != nil {
			return err
		}
	}

	err = g.Wait()
	slog.Info("runwatch stopped")
	return err
}

// logTransitions logs status changes of the active run until the
// reconciler is disposed.
func logTransitions(rec *reconciler.Reconciler) {
	ch, cancel := rec.Subscribe()
	defer cancel()

	var lastID string
	var lastStatus runs.Status
	var lastStream string
	for snap := range ch {
		if snap.StreamState != lastStream {
			slog.Debug("stream state", "state", snap.StreamState)
			lastStream = snap.StreamState
		}
		if snap.Active == nil {
			continue
		}
		if snap.Active.ID == lastID && snap.Active.Status == lastStatus {
			continue
		}
		lastID, lastStatus = snap.Active.ID, snap.Active.Status
		slog.Info("run status", "run_id", lastID, "status", lastStatus, "iterations", len(snap.History))
	}
}

// startParams builds the run parameters. Weights are sent only when their
// flag was given, so an explicit 0 reaches the server.
func startParams(cmd *cobra.Command) runs.Params {
	flags := cmd.Flags()
	changed := func(name string, v float64) *float64 {
		if !flags.Changed(name) {
			return nil
		}
		return &v
	}
	return runs.Params{
		TargetSPL:       watchTargetSPL,
		MaxVolume:       watchMaxVolume,
		WeightLow:       changed("weight-low", watchWeightLow),
		WeightMid:       changed("weight-mid", watchWeightMid),
		PreferAlignment: watchAlignment,
	}
}
