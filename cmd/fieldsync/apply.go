package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openfield/fieldsync/internal/mutation"
)

var applyCmd = &cobra.Command{
	Use:   "apply <mutation.json>",
	Short: "Apply a mutation locally and queue it for sync",
	Long: `Read a mutation from a JSON file (or stdin with "-"), apply it to
the local database, and queue it for background sync.

A CREATE mutation with an empty entity id is assigned a fresh UUID. A
missing client timestamp defaults to now.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(os.Stderr, "[fieldsync] ", log.LstdFlags)

		var data []byte
		var err error
		if args[0] == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading mutation: %v\n", err)
			os.Exit(1)
		}

		var m mutation.Mutation
		if err := json.Unmarshal(data, &m); err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing mutation: %v\n", err)
			os.Exit(1)
		}

		if m.Type == mutation.TypeCreate && m.EntityID == "" {
			m.EntityID = uuid.NewString()
		}
		if m.ClientTimestamp.IsZero() {
			m.ClientTimestamp = time.Now().UTC()
		}
		if m.UserID == "" {
			m.UserID = cfg.UserID
		}

		st := openStore(cmd, logger)
		defer st.Close()

		if err := st.ApplyAndEnqueue(cmd.Context(), &m); err != nil {
			fmt.Fprintf(os.Stderr, "Error applying mutation: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Applied %s %s for %s (queued as %d)\n", m.Type, m.Kind, m.EntityID, m.ID)
	},
}

func init() {
	rootCmd.AddCommand(applyCmd)
}
