package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/fleetwatch/internal/client"
	"github.com/TheMichaelB/fleetwatch/internal/config"
	"github.com/TheMichaelB/fleetwatch/internal/events"
	"github.com/TheMichaelB/fleetwatch/internal/notify"
)

var (
	configFile string
	jsonOutput bool
	verbose    bool

	cfg       *config.Config
	logger    *events.Logger
	apiClient *client.Client
)

var rootCmd = &cobra.Command{
	Use:   "fleetwatch",
	Short: "Keep a live view of platform deployments and servers",
	Long: `fleetwatch mirrors the lifecycle state of deployments and servers from
the platform, combining the push event stream with targeted polling and a
periodic full refresh.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if apiClient != nil {
			_ = apiClient.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"Config file (default: ./fleetwatch.yaml or ~/.config/fleetwatch/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(configFile)

	var err error
	cfg, err = loader.Load()
	if err != nil {
		return err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return err
	}
	events.SetDefault(logger)

	if file := loader.ConfigFile(); file != "" {
		logger.WithField("path", file).Debug("Loaded config")
	}

	var notifier notify.Notifier = notify.NewTerminal(os.Stderr)
	if jsonOutput {
		notifier = notify.Nop
	}

	apiClient, err = client.New(cfg, logger, notifier)
	return err
}
