package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/CyberFlameGO/ReadingListV1/internal/ui"
)

var syncTimeout time.Duration

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync pass and exit",
	Long: `Run a single sync pass: prepare the remote environment, upload every
pending local transaction, fetch remote changes, then exit.

Checkpoints persist, so consecutive runs only transfer deltas.`,
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

		fmt.Printf("%s Syncing...\n", ui.RenderAccent("🔄"))
		start := time.Now()

		if err := coord.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting sync: %v\n", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
		defer cancel()
		if err := coord.Wait(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: sync did not finish: %v\n", err)
			os.Exit(1)
		}
		coord.Stop()

		status, err := coord.Status(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading status: %v\n", err)
			os.Exit(1)
		}
		if status.State == "disabled" {
			fmt.Fprintf(os.Stderr, "%s Sync disabled: %s\n", ui.RenderErr("✗"), status.DisableReason)
			os.Exit(1)
		}

		elapsed := time.Since(start)
		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), elapsed.Round(time.Millisecond))
		for _, kind := range []string{"book", "list", "list_item"} {
			c := status.Counts[kind]
			fmt.Printf("   %-10s %d local, %d uploaded\n", kind+":", c.Local, c.Uploaded)
		}
		if status.PendingTransactions > 0 {
			fmt.Printf("%s %d transactions still pending\n",
				ui.RenderWarn("⚠"), status.PendingTransactions)
		}
	},
}

func init() {
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 2*time.Minute, "maximum time to wait for the pass to finish")
	rootCmd.AddCommand(syncCmd)
}
