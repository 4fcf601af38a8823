package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kasa-pos/kasa/internal/ui"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactively write the kasa config file",
	Long: `Create or update the kasa configuration.

Prompts for the backend URL, API token, replica location, and sync
interval, then writes the result to ~/.kasa.yaml (or the --config path).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		remoteURL := viper.GetString("remote.url")
		token := viper.GetString("remote.token")
		storePath := viper.GetString("store.path")
		interval := viper.GetString("sync.interval")

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Backend URL").
					Placeholder("https://api.example.com").
					Value(&remoteURL).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("backend URL is required")
						}
						if _, err := url.ParseRequestURI(s); err != nil {
							return fmt.Errorf("not a valid URL")
						}
						return nil
					}),
				huh.NewInput().
					Title("API token").
					EchoMode(huh.EchoModePassword).
					Value(&token),
				huh.NewInput().
					Title("Replica database path").
					Value(&storePath),
				huh.NewInput().
					Title("Sync interval").
					Description("How often the daemon drains the queue, e.g. 30s, 2m").
					Value(&interval).
					Validate(func(s string) error {
						if _, err := time.ParseDuration(s); err != nil {
							return fmt.Errorf("not a valid duration")
						}
						return nil
					}),
			),
		)

		if err := form.Run(); err != nil {
			return fmt.Errorf("init cancelled: %w", err)
		}

		viper.Set("remote.url", remoteURL)
		viper.Set("remote.token", token)
		viper.Set("store.path", storePath)
		viper.Set("sync.interval", interval)

		target := cfgFile
		if target == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("cannot locate home directory: %w", err)
			}
			target = filepath.Join(home, ".kasa.yaml")
		}

		if err := viper.WriteConfigAs(target); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}

		fmt.Printf("%s Config written to %s\n", ui.RenderPass("✓"), target)
		fmt.Printf("   Run 'kasa bootstrap' to seed the replica\n")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
