package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kasa-pos/kasa/internal/bootstrap"
	"github.com/kasa-pos/kasa/internal/ui"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Seed the local replica from the backend",
	Long: `Pull the remote dataset into the local replica.

Reference tables are pulled in full; sales and tickets are limited to a
recent window. A completed bootstrap is remembered per user, so repeat
runs inside the refresh interval are no-ops unless --force is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		user, _ := cmd.Flags().GetString("user")

		db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		auth, err := newAuthority()
		if err != nil {
			return err
		}

		cfg := bootstrap.DefaultConfig(user)
		cfg.MinRefreshInterval = configDuration("bootstrap.min_refresh", time.Hour)
		cfg.SaleWindow = viper.GetInt("bootstrap.sale_window")

		fmt.Printf("%s Bootstrapping from %s...\n",
			ui.RenderAccent("⇣"), viper.GetString("remote.url"))
		start := time.Now()

		if err := bootstrap.New(db, auth, cfg).Run(cmd.Context(), force); err != nil {
			return fmt.Errorf("bootstrap failed: %w", err)
		}

		fmt.Printf("%s Bootstrap complete in %v\n",
			ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Replica: %s\n", db.Path())
		return nil
	},
}

func init() {
	bootstrapCmd.Flags().Bool("force", false, "pull even if the replica is fresh")
	bootstrapCmd.Flags().String("user", "default", "user the snapshot freshness is tracked for")
	rootCmd.AddCommand(bootstrapCmd)
}
