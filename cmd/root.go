// Package cmd implements the CLI surface of spec §6, structured the way
// davebream-mcpl shapes its cobra command tree: one root command carrying
// mode flags rather than a flat stdlib flag.Parse() call.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ocfleet/monitor/internal/config"
)

var (
	flagConfigPath string
	flagDaemon     bool
	flagStatus     bool
	flagStop       bool
	flagDebug      bool
)

var rootCmd = &cobra.Command{
	Use:   "ocfleetmon",
	Short: "Fleet-wide session monitor for local coding-agent servers",
	Long: "ocfleetmon discovers coding-agent servers announcing themselves on the\n" +
		"local network, tracks their sessions, and presents them in a terminal UI.",
	RunE: runRoot,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to config.yaml (default: XDG config dir)")
	rootCmd.Flags().BoolVar(&flagDaemon, "daemon", false, "detach and run headless (discovery + notifier only)")
	rootCmd.Flags().BoolVar(&flagStatus, "status", false, "print daemon PID or \"not running\"")
	rootCmd.Flags().BoolVar(&flagStop, "stop", false, "SIGTERM the daemon, remove PID file")
	rootCmd.Flags().BoolVar(&flagDebug, "debug", false, "run in foreground, dumping received UDP packets")
}

// Execute runs the CLI, matching spec §6's exit code table: 0 on every
// successful path, 1 on a fatal startup error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := flagConfigPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.LoadOrDefault(path)
}

func configPathForDaemon() string {
	if flagConfigPath != "" {
		return flagConfigPath
	}
	return config.DefaultConfigPath()
}
