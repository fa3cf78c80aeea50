// Command medic diagnoses and repairs a Linux workstation.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"hostmedic/internal/config"
	"hostmedic/internal/logging"
)

var (
	// Global flags
	verbose  bool
	stateDir string
	timeout  time.Duration
	jsonOut  bool

	// Logger
	logger *zap.Logger
)

// ConfigFileName is the configuration file inside the state directory.
const ConfigFileName = "config.yaml"

var rootCmd = &cobra.Command{
	Use:   "medic",
	Short: "medic - evidence-gated diagnosis and safe repair for your workstation",
	Long: `medic selects a diagnostic specialist for a problem report, collects
read-only evidence, and explains what it found with ranked, cited hypotheses.

Repairs are only ever run after you type the exact confirmation phrase for
the plan's risk tier. Every change is verified afterwards and rolled back
automatically when verification fails.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&stateDir, "state-dir", "s", "", "State directory (default: $MEDIC_STATE_DIR or .medic)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "Operation timeout")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print machine-readable JSON")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(diagnoseCmd)
	rootCmd.AddCommand(fixCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(specialistsCmd)
	rootCmd.AddCommand(caseCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration for the selected state directory and
// starts category logging. The --state-dir flag wins over the environment.
func loadConfig() (*config.Config, error) {
	dir := stateDir
	if dir == "" {
		dir = os.Getenv("MEDIC_STATE_DIR")
	}
	if dir == "" {
		dir = config.DefaultStateDir
	}
	cfg, err := config.Load(filepath.Join(dir, ConfigFileName))
	if err != nil {
		return nil, err
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if verbose {
		cfg.Logging.DebugMode = true
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if verbose && logger != nil {
		logging.UseLogger(logger.Named("medic"))
	} else if err := logging.Initialize(cfg.StateDir, cfg.Logging.Settings()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// commandContext bounds a command by --timeout and cancels it on SIGINT/SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			if logger != nil {
				logger.Info("Received shutdown signal")
			}
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}
