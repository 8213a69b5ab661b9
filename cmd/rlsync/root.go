package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CyberFlameGO/ReadingListV1/internal/engine"
	"github.com/CyberFlameGO/ReadingListV1/internal/remote"
	"github.com/CyberFlameGO/ReadingListV1/internal/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "rlsync",
	Short: "Reading list sync engine",
	Long: `rlsync keeps a local reading-list database in sync with the remote
record store shared by all of an account's devices.

Local writes are observed through the database change log and uploaded in
commit order with optimistic-concurrency saves; remote changes are pulled
incrementally from a change token and merged without clobbering pending
local edits.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.rlsync.yaml)")
	rootCmd.PersistentFlags().String("db", "", "path to the library database")
	rootCmd.PersistentFlags().String("remote-url", "", "remote record store base URL (or \"memory\" for an in-process store)")
	rootCmd.PersistentFlags().String("zone", engine.DefaultZone, "remote zone name")

	viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	viper.BindPFlag("remote.url", rootCmd.PersistentFlags().Lookup("remote-url"))
	viper.BindPFlag("zone", rootCmd.PersistentFlags().Lookup("zone"))

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "settings", Title: "Settings Commands:"},
	)
}

// initConfig reads the config file and environment variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigType("yaml")
			viper.SetConfigName(".rlsync")
		}
	}

	viper.SetEnvPrefix("RLSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("zone", engine.DefaultZone)
	viper.SetDefault("remote.timeout", "30s")
	viper.SetDefault("dashboard.port", 0)
	viper.SetDefault("daemon.fetch_interval", "5m")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Warning: failed to read config: %v\n", err)
		}
	}
}

// databasePath resolves the library database location.
func databasePath() (string, error) {
	if p := viper.GetString("db"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return filepath.Join(home, ".reading-list", "library.db"), nil
}

// openStore opens the library database, creating its directory if needed.
func openStore() (*store.Store, error) {
	path, err := databasePath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return store.Open(path)
}

// newRemote builds the remote store client from configuration. The special
// URL "memory" provides an in-process store for development and demos.
func newRemote() (remote.Store, error) {
	url := viper.GetString("remote.url")
	switch {
	case url == "":
		return nil, fmt.Errorf("remote.url is not configured (set it in %s or with --remote-url)", viper.ConfigFileUsed())
	case url == "memory":
		return remote.NewMemory("dev-account"), nil
	}

	timeout, err := time.ParseDuration(viper.GetString("remote.timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote.timeout: %w", err)
	}
	return remote.NewHTTPClient(remote.HTTPConfig{
		BaseURL: url,
		Token:   viper.GetString("remote.token"),
		Timeout: timeout,
	})
}

// newCoordinator wires a coordinator over the given store.
func newCoordinator(st *store.Store, logger *log.Logger) (*engine.Coordinator, error) {
	rs, err := newRemote()
	if err != nil {
		return nil, err
	}
	return engine.New(st, rs, engine.Config{
		Zone:   viper.GetString("zone"),
		Logger: logger,
	}), nil
}
