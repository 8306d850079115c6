package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/eleven-am/pondpush/internal/config"
	"github.com/eleven-am/pondpush/internal/logging"
	"github.com/eleven-am/pondpush/internal/server"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pondpush",
	Short: "pondpush - Pusher compatible websocket server",
	Long: `pondpush speaks the Pusher channels protocol to websocket clients and
the Pusher HTTP API to backends. Nodes share a peer bus so a cluster behaves
like a single server.`,
	Version:      Version,
	SilenceUsage: true,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a pondpush node",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
		}
		if cmd.Flags().Changed("peer-driver") {
			cfg.Peer.Driver, _ = cmd.Flags().GetString("peer-driver")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		logging.Init(logging.Config{
			Level:  cfg.Log.Level,
			Format: cfg.Log.Format,
			Caller: cfg.Log.Caller,
			Output: os.Stderr,
		})

		srv, err := server.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return srv.Run(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pondpush version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"pondpush version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	startCmd.Flags().String("config", "", "Path to a YAML configuration file")
	startCmd.Flags().Int("port", 6001, "Port for websocket and HTTP API traffic")
	startCmd.Flags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	startCmd.Flags().String("peer-driver", "local", "Peer transport (local, redis, nats)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
}
