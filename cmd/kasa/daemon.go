package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kasa-pos/kasa/internal/daemon"
	"github.com/kasa-pos/kasa/internal/queue"
	"github.com/kasa-pos/kasa/internal/realtime"
	"github.com/kasa-pos/kasa/internal/status"
	"github.com/kasa-pos/kasa/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon (foreground)",
	Long: `Keep the replica and the backend converged.

The daemon:
  1. Drains the sync queue on a timer, with backoff after failed cycles
  2. Probes connectivity and drains immediately when the link returns
  3. Applies realtime pushes from the backend to the replica
  4. Picks up sync.interval changes from the config file without restart

Logs go to stderr, or to log.file (rotated) when configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		auth, err := newAuthority()
		if err != nil {
			return err
		}

		logOut := daemonLogOutput()
		logger := log.New(logOut, "[daemon] ", log.LstdFlags)

		pub := status.NewBroadcaster(log.New(logOut, "[status] ", log.LstdFlags))

		eng := newEngine(db, auth, pub)
		applier := realtime.NewApplier(db, log.New(logOut, "[realtime] ", log.LstdFlags))
		listener := realtime.NewListener(auth, applier, log.New(logOut, "[realtime] ", log.LstdFlags))

		cfg := daemon.DefaultConfig()
		cfg.SyncInterval = configDuration("sync.interval", 30*time.Second)
		cfg.Logger = logger
		cfg.ConfigPath = viper.ConfigFileUsed()
		cfg.ReloadInterval = func() (time.Duration, error) {
			if err := viper.ReadInConfig(); err != nil {
				return 0, err
			}
			d := viper.GetDuration("sync.interval")
			if d <= 0 {
				return 0, fmt.Errorf("invalid sync.interval %q", viper.GetString("sync.interval"))
			}
			return d, nil
		}

		q := queue.New(db.RawDB())
		d, err := daemon.New(eng, q, auth, listener, pub, cfg)
		if err != nil {
			return err
		}

		fmt.Printf("%s Starting sync daemon\n", ui.RenderAccent("↻"))
		fmt.Printf("   Replica: %s\n", db.Path())
		fmt.Printf("   Backend: %s\n", viper.GetString("remote.url"))
		fmt.Printf("   Interval: %v\n", cfg.SyncInterval)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		// Log every status transition so operators can tail the file.
		statusCh, cancelSub := pub.Subscribe(16)
		go func() {
			for m := range statusCh {
				logger.Printf("Status: %s (processed=%d total=%d pending=%d failed=%d)",
					m.Status, m.Processed, m.Total, m.Count, m.Remaining)
			}
		}()
		defer cancelSub()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return d.Start(ctx)
	},
}

// daemonLogOutput returns stderr or a rotating file per log.file config.
func daemonLogOutput() io.Writer {
	path := viper.GetString("log.file")
	if path == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    viper.GetInt("log.max_size_mb"),
		MaxBackups: 3,
		MaxAge:     28,
	}
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
