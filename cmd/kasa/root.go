package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kasa-pos/kasa/internal/remote"
	"github.com/kasa-pos/kasa/internal/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "kasa",
	Short: "Offline-first sync core for the kasa point-of-sale app",
	Long: `kasa keeps a local SQLite replica of the point-of-sale and clinic
data converged with the remote backend.

Local writes land in the replica immediately and are queued for replay;
the sync daemon drains the queue whenever the backend is reachable and
applies realtime pushes coming the other way.

Start with 'kasa init' to write a config file, then 'kasa bootstrap' to
seed the replica.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default ~/.kasa.yaml)")
}

// initConfig loads viper config from --config, ~/.kasa.yaml, or KASA_
// environment variables, in ascending precedence of env over file.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".kasa")
		viper.SetConfigType("yaml")
	}

	viper.SetDefault("store.path", defaultStorePath())
	viper.SetDefault("sync.interval", "30s")
	viper.SetDefault("sync.backoff_max", "5m")
	viper.SetDefault("bootstrap.min_refresh", "1h")
	viper.SetDefault("bootstrap.sale_window", 500)
	viper.SetDefault("log.max_size_mb", 10)

	viper.SetEnvPrefix("KASA")
	viper.AutomaticEnv()

	// A missing config file is fine; 'kasa init' creates one.
	_ = viper.ReadInConfig()
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".kasa", "kasa.db")
	}
	return filepath.Join(home, ".kasa", "kasa.db")
}

// openStore opens the replica at the configured path and ensures the
// schema exists.
func openStore(cmd *cobra.Command) (*store.DB, error) {
	db, err := store.Open(viper.GetString("store.path"))
	if err != nil {
		return nil, fmt.Errorf("failed to open replica: %w", err)
	}
	if err := db.InitSchema(cmd.Context()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// newAuthority builds the remote client from config.
func newAuthority() (remote.Authority, error) {
	baseURL := viper.GetString("remote.url")
	if baseURL == "" {
		return nil, fmt.Errorf("remote.url is not configured (run 'kasa init')")
	}
	return remote.NewClient(remote.DefaultConfig(baseURL, viper.GetString("remote.token")))
}

// configDuration reads a duration key, falling back when unparseable.
func configDuration(key string, fallback time.Duration) time.Duration {
	d := viper.GetDuration(key)
	if d <= 0 {
		return fallback
	}
	return d
}
