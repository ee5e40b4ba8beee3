// ABOUTME: Entry point for beacon-orchestrator, the ARL scan-job orchestrator
// ABOUTME: Registers the cobra command tree and resolves config and data paths

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/beacon-orchestrator/internal/config"
	"github.com/2389/beacon-orchestrator/internal/orchestrator"
)

// version is set with -ldflags at build time.
var version = "dev"

const banner = `
 _
| |__   ___  __ _  ___ ___  _ __
| '_ \ / _ \/ _' |/ __/ _ \| '_ \
| |_) |  __/ (_| | (_| (_) | | | |
|_.__/ \___|\__,_|\___\___/|_| |_|
`

var (
	flagConfigPath string
	flagVerbose    bool

	configPath string
	cfg        *config.Config
	logger     *slog.Logger
)

// getConfigPath returns the path to the orchestrator config file.
// Priority: BEACON_CONFIG env var > --config flag > XDG_CONFIG_HOME/beacon/orchestrator.yaml > ~/.config/beacon/orchestrator.yaml
func getConfigPath() string {
	if envPath := os.Getenv("BEACON_CONFIG"); envPath != "" {
		return envPath
	}
	if flagConfigPath != "" {
		return flagConfigPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "orchestrator.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "beacon", "orchestrator.yaml")
}

// getDataPath returns the path to the beacon data directory.
// Priority: XDG_DATA_HOME/beacon > ~/.local/share/beacon
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "beacon")
}

var rootCmd = &cobra.Command{
	Use:          "beacon-orchestrator",
	Short:        "Distribute asset-reconnaissance scans across ARL agents",
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file (default "+getConfigPath()+")")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "debug logging")
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(initCmd, serveCmd, agentsCmd, scanCmd, jobsCmd, reconcileCmd, versionCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

// loadConfig reads the config file and sets up logging. Commands that work
// with agents or the ledger use it as their PreRunE.
func loadConfig(cmd *cobra.Command, _ []string) error {
	configPath = getConfigPath()

	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if flagVerbose {
		cfg.Logging.Level = "debug"
	}

	logger = setupLogger(cfg.Logging)
	slog.SetDefault(logger)
	return nil
}

// withOrchestrator opens the store, builds an orchestrator, restores the
// ledger and runs fn. Everything is closed when fn returns.
func withOrchestrator(ctx context.Context, fn func(o *orchestrator.Orchestrator) error) (err error) {
	s, err := orchestrator.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing store: %w", cerr)
		}
	}()

	o := orchestrator.New(cfg, s, logger)
	defer func() {
		if perr := o.PersistLedger(context.WithoutCancel(ctx)); perr != nil && err == nil {
			err = perr
		}
		if serr := o.Stop(); serr != nil && err == nil {
			err = serr
		}
	}()

	if err := o.LoadLedger(ctx); err != nil {
		return err
	}
	return fn(o)
}
