package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCommand(newHandle func() (*appHandle, error)) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the journal as a long-lived process, exposing Prometheus metrics over HTTP",
		Long: `serve starts the journal's consumer loop and expiration sweeper and
blocks, serving /metrics, until interrupted (SIGINT/SIGTERM). It accepts no
records of its own: it exists for crash recovery, the sweeper, and
observability. Pair with a library caller's Put, or use put for ad-hoc
submission against the same local_directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newHandle()
			if err != nil {
				return err
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(h.reg, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: listen, Handler: mux}

			ctx := cmd.Context()
			pollCtx, stopPoll := context.WithCancel(ctx)
			defer stopPoll()
			go pollStats(pollCtx, h)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			h.log.Info("serving metrics", zap.String("listen", listen))
			select {
			case <-ctx.Done():
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					h.log.Error("metrics server failed", zap.Error(err))
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			stopPoll()
			return h.journal.Close()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":9102", "address to serve /metrics on")
	return cmd
}

// pollStats samples Journal.Stats() into the Prometheus counters/gauge every
// pollInterval: Stats is a pull API (spec §4.9), so /metrics needs something
// driving the collectors between scrapes.
func pollStats(ctx context.Context, h *appHandle) {
	var lastEnqueued, lastUploaded int64
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := h.journal.Stats()
			h.metrics.AddEnqueued(int(stats.Enqueued - lastEnqueued))
			h.metrics.AddUploaded(stats.Uploaded - lastUploaded)
			h.metrics.SetQueueDepth(stats.Queue.Pending)
			lastEnqueued = stats.Enqueued
			lastUploaded = stats.Uploaded
		}
	}
}
