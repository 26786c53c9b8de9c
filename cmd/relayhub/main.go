// relayhub
// Main entry point for the relay control service
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relayhub/relayhub/internal/api"
	"github.com/relayhub/relayhub/internal/auth"
	"github.com/relayhub/relayhub/internal/bus"
	"github.com/relayhub/relayhub/internal/config"
	"github.com/relayhub/relayhub/internal/engine"
	"github.com/relayhub/relayhub/internal/live"
	"github.com/relayhub/relayhub/internal/logs"
	"github.com/relayhub/relayhub/internal/storage"
)

var version = "0.1.0"

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "relayhub",
		Short: "Relay control backend",
		Long:  "Bridges browser dashboards and relay devices over a message bus and runs relay schedules.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the relayhub service",
		RunE:  runService,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relayhub v%s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/relayhub/relayhub.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newTransport(cfg *config.Config) bus.Transport {
	if cfg.Bus.Transport == "zmq" {
		zcfg := bus.DefaultZMQConfig()
		zcfg.SubEndpoint = cfg.Bus.SubEndpoint
		zcfg.PubEndpoint = cfg.Bus.PubEndpoint
		return bus.NewZMQTransport(zcfg)
	}

	mcfg := bus.DefaultMQTTConfig()
	mcfg.BrokerURL = cfg.Bus.BrokerURL
	mcfg.ClientID = cfg.Bus.ClientID
	mcfg.Username = cfg.Bus.Username
	mcfg.Password = cfg.Bus.Password
	mcfg.QoS = cfg.Bus.QoS
	return bus.NewMQTTTransport(mcfg)
}

func runService(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logs.Init(logs.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	log := logs.Component("main")

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	hub := live.NewHub(live.DefaultConfig())
	hasher := auth.NewHasher(cfg.HTTP.BcryptCost)
	busClient := bus.New(newTransport(cfg), bus.Topics{
		Registration: cfg.Bus.Topics.Registration,
		RelayStatus:  cfg.Bus.Topics.RelayStatus,
		DeviceStatus: cfg.Bus.Topics.DeviceStatus,
		RelayControl: cfg.Bus.Topics.RelayControl,
	})

	engineCfg := engine.DefaultConfig()
	engineCfg.Location = loc

	eng, err := engine.New(engineCfg, db, busClient, hub, hasher)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	apiCfg := api.DefaultConfig()
	apiCfg.ListenAddr = cfg.HTTP.ListenAddr
	apiCfg.StatusRetention = cfg.StatusRetention()
	server := api.New(apiCfg, db, eng, hasher, auth.NewTokens(cfg.HTTP.JWTSecret, cfg.TokenTTL()), hub)

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Handlers must be registered before the bus starts delivering
	log.Infof("Starting relayhub v%s (bus: %s)", version, cfg.Bus.Transport)
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	if err := busClient.Start(ctx); err != nil {
		eng.Stop()
		return fmt.Errorf("failed to start bus client: %w", err)
	}
	if err := server.Start(); err != nil {
		busClient.Close()
		eng.Stop()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// Wait for shutdown signal
	sig := <-sigChan
	log.Infof("Received signal %v, shutting down...", sig)

	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("Error stopping HTTP server: %v", err)
	}
	hub.Close()
	if err := busClient.Close(); err != nil {
		log.Errorf("Error stopping bus client: %v", err)
	}
	if err := eng.Stop(); err != nil {
		log.Errorf("Error stopping engine: %v", err)
	}

	log.Info("Shutdown complete")
	return nil
}
