package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/openfield/fieldsync/internal/coordinator"
	"github.com/openfield/fieldsync/internal/media"
	"github.com/openfield/fieldsync/internal/scheduler"
)

var daemonMetricsAddr string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync engine continuously (foreground)",
	Long: `Run the background sync engine until interrupted.

The daemon:
  1. Replays pending mutations per entity with linear backoff
  2. Uploads queued media files in parallel
  3. Watches the media directory for late-arriving captures
  4. Pauses queues when the network constraint is not met

Local edits made through the store wake the sync queue immediately;
everything else is picked up on the poll interval.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := daemonLogger()

		st := openStore(cmd, logger)
		defer st.Close()

		rs := newRemote(logger)
		coord := coordinator.New(st, rs, coordinator.Config{
			MaxAttempts: cfg.Sync.MaxAttempts,
			Logger:      logger,
		})

		// There is no platform connectivity signal in a headless daemon;
		// assume unmetered and let operators gate uploads via constraints.
		connectivity := scheduler.NewManualConnectivity(scheduler.NetworkUnmetered)

		syncQueue := scheduler.New(coord, scheduler.Config{
			Name:         "sync",
			Backoff:      cfg.Sync.Backoff,
			Workers:      cfg.Sync.Workers,
			Constraint:   func() scheduler.Constraint { return cfg.MutationConstraint() },
			Connectivity: connectivity,
			Logger:       logger,
		})
		st.SetSyncRequester(queueRequester{syncQueue})

		var mediaQueue *scheduler.Queue
		if up := newUploader(cmd.Context(), logger); up != nil {
			pipeline := media.New(st, up, media.Config{
				Parallelism: cfg.Sync.MediaWorkers,
				Logger:      logger,
			})
			mediaQueue = scheduler.New(pipeline, scheduler.Config{
				Name:         "media",
				Backoff:      cfg.Sync.Backoff,
				Workers:      1,
				Constraint:   func() scheduler.Constraint { return cfg.MediaConstraint() },
				Connectivity: connectivity,
				Logger:       logger,
			})
			coord.SetMediaRequester(func() { mediaQueue.Request(media.QueueKey) })
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		syncQueue.Start(ctx)
		if mediaQueue != nil {
			mediaQueue.Start(ctx)
		}

		// Requeue work left over from previous runs.
		entityIDs, err := st.PendingEntityIDs(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading pending entities: %v\n", err)
			os.Exit(1)
		}
		for _, id := range entityIDs {
			syncQueue.Request(id)
		}
		if mediaQueue != nil {
			mediaQueue.Request(media.QueueKey)
		}

		var watcher *media.Watcher
		if mediaQueue != nil {
			watcher, err = media.NewWatcher(func() { mediaQueue.Request(media.QueueKey) }, logger)
			if err != nil {
				logger.Printf("media watcher unavailable: %v", err)
			} else if err := os.MkdirAll(cfg.MediaDir, 0o755); err != nil {
				logger.Printf("failed to create media directory: %v", err)
			} else if err := watcher.Start(cfg.MediaDir); err != nil {
				logger.Printf("failed to watch media directory: %v", err)
			}
		}

		if daemonMetricsAddr != "" {
			go serveMetrics(daemonMetricsAddr, logger)
		}

		logger.Printf("daemon started: db=%s remote=%s pending=%d", cfg.DBPath, cfg.Remote.BaseURL, len(entityIDs))
		fmt.Printf("fieldsync daemon running (db: %s)\nPress Ctrl+C to stop\n", cfg.DBPath)

		<-ctx.Done()
		logger.Printf("shutting down")

		if watcher != nil {
			watcher.Stop()
		}
		syncQueue.Wait()
		if mediaQueue != nil {
			mediaQueue.Wait()
		}
	},
}

func init() {
	daemonCmd.Flags().StringVar(&daemonMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(daemonCmd)
}

// queueRequester adapts the sync queue to the store's wake-up hook.
type queueRequester struct {
	queue *scheduler.Queue
}

func (r queueRequester) RequestSync(entityID string) {
	r.queue.Request(entityID)
}

// daemonLogger routes logs to a rotating file when log_path is configured,
// stderr otherwise.
func daemonLogger() *log.Logger {
	if cfg.LogPath == "" {
		return log.New(os.Stderr, "[fieldsync] ", log.LstdFlags)
	}
	return log.New(&lumberjack.Logger{
		Filename:   cfg.LogPath,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     14, // days
	}, "[fieldsync] ", log.LstdFlags)
}

func serveMetrics(addr string, logger *log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Printf("metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Printf("metrics server stopped: %v", err)
	}
}
