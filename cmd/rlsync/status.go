package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/CyberFlameGO/ReadingListV1/internal/engine"
	"github.com/CyberFlameGO/ReadingListV1/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync diagnostics",
	Long: `Show local sync diagnostics: per-kind entity counts, how many entities
carry a remote identifier, and the last confirmed upload time.

Reads only the local database; the remote store is never contacted.`,
	Run: func(cmd *cobra.Command, args []string) {
		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		ctx := context.Background()

		counts, err := st.EntityCounts(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading counts: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\n%s Reading List Sync Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("   %s %s\n", ui.RenderLabel("Database:"), st.Path())

		if enabled, err := engine.SyncEnabled(ctx, st); err == nil {
			if enabled {
				fmt.Printf("   %s %s\n", ui.RenderLabel("Sync:"), ui.RenderPass("enabled"))
			} else {
				fmt.Printf("   %s %s\n", ui.RenderLabel("Sync:"), ui.RenderWarn("disabled"))
			}
		}

		if t, err := engine.LastUploadTime(ctx, st); err == nil && !t.IsZero() {
			fmt.Printf("   %s %s (%s ago)\n", ui.RenderLabel("Last upload:"),
				t.Local().Format(time.RFC822), time.Since(t).Round(time.Second))
		} else {
			fmt.Printf("   %s %s\n", ui.RenderLabel("Last upload:"), ui.RenderDim("never"))
		}

		fmt.Println()
		for _, kind := range []string{"book", "list", "list_item"} {
			c := counts[kind]
			marker := ui.RenderPass("✓")
			if c.Uploaded < c.Local {
				marker = ui.RenderWarn("⚠")
			}
			fmt.Printf("   %s %-11s %4d local, %4d uploaded\n", marker, kind+":", c.Local, c.Uploaded)
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
