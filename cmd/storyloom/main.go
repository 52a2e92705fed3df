package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"storyloom/internal/app"
	"storyloom/internal/config"
	"storyloom/internal/llm"
	"storyloom/internal/logging"
)

var (
	// Global flags
	verbose    bool
	dataDir    string
	configPath string
	timeout    time.Duration

	// Logger
	logger *zap.Logger

	// modelOverride replaces the configured model (tests).
	modelOverride llm.Model
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "storyloom",
	Short: "storyloom - story context assembly and writing agents",
	Long: `storyloom assembles the prompt context for an ongoing story from its
fragments (prose, characters, guidelines, knowledge, chapter markers) and runs
the writing agents on top of it: the prewriter, the writer and the librarian.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logConfig := zap.NewProductionConfig()
		if verbose {
			logConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = logConfig.Build()
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
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory (default: config data_dir)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: <data-dir>/storyloom.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout")

	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(analysisCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves the config file from the flags and applies the
// data-dir override.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		dir := dataDir
		if dir == "" {
			dir = config.DefaultConfig().DataDir
		}
		path = filepath.Join(dir, config.DefaultFileName)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

// openApp loads config, initializes category logging and wires the app.
func openApp(ctx context.Context, opts app.Options) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := logging.Initialize(cfg.LogsDir(), cfg.Logging.Options()); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	if opts.Model == nil {
		opts.Model = modelOverride
	}

	a, err := app.New(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Debug("app opened",
			zap.String("data_dir", cfg.DataDir),
			zap.String("store", cfg.Store.Backend),
		)
	}
	return a, nil
}

// commandContext returns the command's context bounded by --timeout.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
