package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statusSurveyID string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync queue status",
	Long: `Display the current state of the local database and sync queues.

Shows:
  - Database file location and size
  - Entities with pending mutations
  - Queued media uploads
  - Pending mutation count for a survey (with --survey)`,
	Run: func(cmd *cobra.Command, args []string) {
		info, err := os.Stat(cfg.DBPath)
		if os.IsNotExist(err) {
			fmt.Printf("\nDatabase not initialized at %s\n", cfg.DBPath)
			fmt.Printf("Run 'fieldsync sync' or 'fieldsync daemon' to create it\n\n")
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking database: %v\n", err)
			os.Exit(1)
		}

		st := openStore(cmd, nil)
		defer st.Close()

		entityIDs, err := st.PendingEntityIDs(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading pending entities: %v\n", err)
			os.Exit(1)
		}
		mediaCount, err := st.PendingMediaCount(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting media uploads: %v\n", err)
			os.Exit(1)
		}

		size := info.Size()
		sizeStr := fmt.Sprintf("%d bytes", size)
		if size > 1024*1024 {
			sizeStr = fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
		} else if size > 1024 {
			sizeStr = fmt.Sprintf("%.1f KB", float64(size)/1024)
		}

		fmt.Printf("\nSync Status\n\n")
		fmt.Printf("Database: %s\n", cfg.DBPath)
		fmt.Printf("Size: %s\n", sizeStr)
		fmt.Printf("Entities awaiting sync: %d\n", len(entityIDs))
		fmt.Printf("Media uploads queued: %d\n", mediaCount)

		if statusSurveyID != "" {
			count, err := st.PendingMutationCount(cmd.Context(), statusSurveyID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error counting mutations: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Pending mutations in survey %s: %d\n", statusSurveyID, count)
		}
		fmt.Println()
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusSurveyID, "survey", "", "survey id to count pending mutations for")
	rootCmd.AddCommand(statusCmd)
}
