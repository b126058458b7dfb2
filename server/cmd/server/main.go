package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/automoto/replica/config"
	"github.com/automoto/replica/server/core"
	"github.com/automoto/replica/shared/netlog"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "replica",
		Short:         "Authoritative state replication server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML config file (defaults when empty)")

	rootCmd.AddCommand(
		serveCmd(),
		probeCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// loadConfig reads --config and applies the command's flag overrides.
func loadConfig(cmd *cobra.Command, override func(*config.Config)) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	override(&cfg)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var (
		addr      string
		name      string
		tickRate  int
		objects   int
		verbosity int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dedicated server",
		Long: `Run the dedicated server with the demo simulation.

Clients connect over WebSocket on /ws. Server state is published on
/status and Prometheus metrics on /metrics.

Examples:
  replica serve
  replica serve --addr=:9000 --tickrate=30
  replica serve -c server.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, func(c *config.Config) {
				flags := cmd.Flags()
				if flags.Changed("addr") {
					c.Server.Addr = addr
				}
				if flags.Changed("name") {
					c.Server.Name = name
				}
				if flags.Changed("tickrate") {
					c.Sync.TickRate = tickRate
				}
				if flags.Changed("objects") {
					c.Server.DemoObjects = objects
				}
				if flags.Changed("verbosity") {
					c.Server.LogVerbosity = verbosity
				}
			})
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	cmd.Flags().StringVar(&name, "name", "", "Server display name")
	cmd.Flags().IntVar(&tickRate, "tickrate", 0, "Server tick rate (updates per second)")
	cmd.Flags().IntVar(&objects, "objects", 0, "Number of demo objects to spawn")
	cmd.Flags().IntVarP(&verbosity, "verbosity", "v", 0, "Log verbosity")

	return cmd
}

func runServe(cfg config.Config) error {
	log := netlog.New(netlog.PrefixServer, cfg.Server.LogVerbosity)
	server, err := core.NewServer(cfg, core.Options{Logger: log})
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Stop(ctx); err != nil {
			log.Error("shutdown: ", err)
		}
	}()

	log.Info(fmt.Sprintf("starting %q on %s (tick rate: %d/s, version: %s)",
		cfg.Server.Name, cfg.Server.Addr, cfg.Sync.TickRate, version))
	return server.Start()
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("replica", version)
		},
	}
}
