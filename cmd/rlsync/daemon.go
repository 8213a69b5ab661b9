package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/CyberFlameGO/ReadingListV1/internal/daemon"
	"github.com/CyberFlameGO/ReadingListV1/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync engine as a background process",
	Long: `Run the sync engine continuously: commits made by the app process are
picked up through the database files, remote changes are fetched
periodically, and the optional dashboard serves live diagnostics over
WebSocket.

Stop with SIGINT or SIGTERM; checkpoints persist across restarts.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := daemonLogger()

		st, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		coord, err := newCoordinator(st, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fetchInterval, err := time.ParseDuration(viper.GetString("daemon.fetch_interval"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid daemon.fetch_interval: %v\n", err)
			os.Exit(1)
		}

		cfg := daemon.DefaultConfig()
		cfg.Logger = logger
		cfg.FetchInterval = fetchInterval
		cfg.DashboardPort = viper.GetInt("dashboard.port")

		d, err := daemon.NewWithConfig(st, coord, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := d.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting daemon: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Sync daemon running (pid %d)\n", ui.RenderAccent("🚀"), os.Getpid())
		if port := cfg.DashboardPort; port > 0 {
			fmt.Printf("   Dashboard: http://localhost:%d/ws\n", port)
		}

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs

		fmt.Printf("\n%s Shutting down...\n", ui.RenderAccent("⏳"))
		d.Stop()
		fmt.Printf("%s Daemon stopped\n", ui.RenderPass("✓"))
	},
}

// daemonLogger writes to a rotating log file when daemon.log_file is set,
// otherwise to stderr.
func daemonLogger() *log.Logger {
	logFile := viper.GetString("daemon.log_file")
	if logFile == "" {
		return log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	return log.New(&lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     14, // days
		Compress:   true,
	}, "[daemon] ", log.LstdFlags)
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
