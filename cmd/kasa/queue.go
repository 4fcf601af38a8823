package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kasa-pos/kasa/internal/queue"
	"github.com/kasa-pos/kasa/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List pending sync queue entries",
	Long: `Show the queued local writes waiting for replay, oldest first.

Each line is one entry: queue id, entity, action, the local record id,
and when it was enqueued.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		entries, err := queue.New(db.RawDB()).DrainOrdered(cmd.Context())
		if err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Printf("%s Queue is empty\n", ui.RenderPass("✓"))
			return nil
		}

		fmt.Printf("%s %d pending entries\n\n", ui.RenderAccent("≡"), len(entries))
		for _, e := range entries {
			fmt.Printf("%6d  %-12s %-7s #%-6d %s\n",
				e.ID, e.Entity, e.Action, e.LocalID,
				ui.RenderDim(e.EnqueuedAt.Local().Format("2006-01-02 15:04:05")))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
}
