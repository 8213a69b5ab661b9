package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/CyberFlameGO/ReadingListV1/internal/ui"
)

var enableCmd = &cobra.Command{
	Use:     "enable",
	GroupID: "settings",
	Short:   "Enable sync and run an initial pass",
	Long: `Persist the sync-enabled flag and run an initial sync pass. If sync was
disabled by a terminal error (account change, remote data deleted), this
is the explicit user choice to reconcile and continue.`,
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

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		if err := coord.Enable(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error enabling sync: %v\n", err)
			os.Exit(1)
		}
		if err := coord.Wait(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: initial sync did not finish: %v\n", err)
			os.Exit(1)
		}
		coord.Stop()

		fmt.Printf("%s Sync enabled\n", ui.RenderPass("✓"))
	},
}

var disableCmd = &cobra.Command{
	Use:     "disable",
	GroupID: "settings",
	Short:   "Disable sync",
	Long: `Stop the engine and clear the sync-enabled flag. Local data, remote
data, and sync checkpoints are all retained; enable starts again where
this left off.`,
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

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := coord.Disable(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error disabling sync: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Sync disabled (local data retained)\n", ui.RenderPass("✓"))
	},
}

func init() {
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
}
