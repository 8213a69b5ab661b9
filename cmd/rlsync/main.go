// rlsync is the reading-list sync engine CLI: one-shot syncs, a background
// daemon, status diagnostics, and the sync settings toggle.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
