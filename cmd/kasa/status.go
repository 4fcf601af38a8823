package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kasa-pos/kasa/internal/queue"
	"github.com/kasa-pos/kasa/internal/schema"
	"github.com/kasa-pos/kasa/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show replica and sync status",
	Long: `Display the state of the local replica.

Shows:
  - Replica file location and size
  - Row counts per synchronized table
  - Pending sync queue size
  - Backend reachability`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		info, err := os.Stat(db.Path())
		if err != nil {
			return fmt.Errorf("failed to stat replica: %w", err)
		}
		size := info.Size()
		sizeStr := fmt.Sprintf("%d bytes", size)
		if size > 1024*1024 {
			sizeStr = fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
		} else if size > 1024 {
			sizeStr = fmt.Sprintf("%.1f KB", float64(size)/1024)
		}

		fmt.Printf("\n%s Replica Status\n\n", ui.RenderAccent("▣"))
		fmt.Printf("Location: %s\n", db.Path())
		fmt.Printf("Size: %s\n", sizeStr)

		for _, table := range schema.SyncedTables {
			n, err := db.Count(cmd.Context(), table)
			if err != nil {
				return err
			}
			fmt.Printf("%-10s %d\n", table+":", n)
		}

		pending, err := queue.New(db.RawDB()).Count(cmd.Context())
		if err != nil {
			return err
		}
		if pending == 0 {
			fmt.Printf("\nQueue: %s\n", ui.RenderPass("empty"))
		} else {
			fmt.Printf("\nQueue: %s\n", ui.RenderWarn(fmt.Sprintf("%d pending", pending)))
		}

		if auth, err := newAuthority(); err != nil {
			fmt.Printf("Backend: %s\n\n", ui.RenderDim("not configured"))
		} else if err := auth.Ping(cmd.Context()); err != nil {
			fmt.Printf("Backend: %s (%v)\n\n", ui.RenderErr("offline"), err)
		} else {
			fmt.Printf("Backend: %s (%s)\n\n", ui.RenderPass("online"),
				viper.GetString("remote.url"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
