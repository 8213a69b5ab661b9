package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/CyberFlameGO/ReadingListV1/internal/ui"
)

var resyncTimeout time.Duration

var resyncCmd = &cobra.Command{
	Use:     "resync",
	GroupID: "sync",
	Short:   "Force a full resync from scratch",
	Long: `Erase all cached remote identifiers, system fields, and both sync
checkpoints, then run a full sync: every local entity is re-uploaded and
the zone's change history is replayed from the beginning.

Local entity data is never touched. Use this when sync state is suspected
to be corrupt or after restoring the database from a backup.`,
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		coord, err := newCoordinator(st, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer coord.Close()

		fmt.Printf("%s Forcing full resync...\n", ui.RenderAccent("🔄"))
		start := time.Now()

		ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
		defer cancel()

		if err := coord.ForceFullResync(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := coord.Wait(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: resync did not finish: %v\n", err)
			os.Exit(1)
		}
		coord.Stop()

		fmt.Printf("%s Full resync complete in %v\n",
			ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
	},
}

func init() {
	resyncCmd.Flags().DurationVar(&resyncTimeout, "timeout", 10*time.Minute, "maximum time to wait for the resync to finish")
	rootCmd.AddCommand(resyncCmd)
}
