package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kasa-pos/kasa/internal/engine"
	"github.com/kasa-pos/kasa/internal/queue"
	"github.com/kasa-pos/kasa/internal/remote"
	"github.com/kasa-pos/kasa/internal/status"
	"github.com/kasa-pos/kasa/internal/store"
	"github.com/kasa-pos/kasa/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the sync queue once",
	Long: `Replay all queued local writes against the backend in order.

Entries the backend confirms are removed from the queue; entries that
fail stay queued for the next run. Useful when the daemon is not
running.`,
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

		q := queue.New(db.RawDB())
		before, err := q.Count(cmd.Context())
		if err != nil {
			return err
		}
		if before == 0 {
			fmt.Printf("%s Queue is empty, nothing to sync\n", ui.RenderPass("✓"))
			return nil
		}

		fmt.Printf("%s Syncing %d queued entries...\n", ui.RenderAccent("⇡"), before)
		start := time.Now()

		eng := newEngine(db, auth, &printPublisher{})
		if err := eng.Drain(cmd.Context()); err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		after, err := q.Count(cmd.Context())
		if err != nil {
			return err
		}

		elapsed := time.Since(start).Round(time.Millisecond)
		if after == 0 {
			fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), elapsed)
		} else {
			fmt.Printf("%s %d of %d entries still queued after %v\n",
				ui.RenderWarn("⚠"), after, before, elapsed)
		}
		return nil
	},
}

// newEngine wires an engine with the standard handlers and shared logger.
func newEngine(db *store.DB, auth remote.Authority, pub status.Publisher) *engine.Engine {
	logger := log.New(os.Stderr, "[engine] ", log.LstdFlags)
	cfg := engine.DefaultConfig()
	cfg.MaxRetryDelay = configDuration("sync.backoff_max", cfg.MaxRetryDelay)
	cfg.Publisher = pub
	cfg.Logger = logger
	eng := engine.New(queue.New(db.RawDB()), cfg)
	engine.RegisterDefaults(eng, db, auth, logger)
	return eng
}

// printPublisher renders status transitions for one-shot commands.
type printPublisher struct{}

func (printPublisher) Publish(m status.Message) {
	switch m.Status {
	case status.StateSyncing:
		fmt.Printf("   %d/%d\r", m.Processed, m.Total)
	case status.StateError:
		fmt.Printf("%s %d entries failed\n", ui.RenderErr("✗"), m.Remaining)
	}
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
