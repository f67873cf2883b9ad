package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfield/fieldsync/internal/media"
	"github.com/openfield/fieldsync/internal/scheduler"
)

var mediaCmd = &cobra.Command{
	Use:   "media",
	Short: "Drain the media upload queue and exit",
	Long: `Upload every queued media attachment to the configured bucket once,
then exit. Mutations do not sync; use 'fieldsync sync' for a full pass.

Transient failures are reported but not retried; use 'fieldsync daemon'
for continuous uploads with backoff.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(os.Stderr, "[fieldsync] ", log.LstdFlags)

		up := newUploader(cmd.Context(), logger)
		if up == nil {
			fmt.Fprintf(os.Stderr, "Error: s3.bucket is not configured\n")
			os.Exit(1)
		}

		st := openStore(cmd, logger)
		defer st.Close()

		queued, err := st.PendingMediaCount(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading media queue: %v\n", err)
			os.Exit(1)
		}
		if queued == 0 {
			fmt.Println("Nothing to upload")
			return
		}

		pipeline := media.New(st, up, media.Config{
			Parallelism: cfg.Sync.MediaWorkers,
			Logger:      logger,
		})

		start := time.Now()
		res := pipeline.Run(cmd.Context(), media.QueueKey, 0)

		remaining, err := st.PendingMediaCount(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading media queue: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Media pass complete in %v: %d uploaded, %d remaining\n",
			time.Since(start).Round(time.Millisecond), queued-remaining, remaining)
		if res != scheduler.ResultSuccess {
			fmt.Fprintf(os.Stderr, "Error: media uploads incomplete (%s)\n", res)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(mediaCmd)
}
