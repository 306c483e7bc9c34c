package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/drivefetch/internal/config"
)

var (
	// Global flags
	cfgPath   string
	logLevel  string
	logFormat string
	quiet     bool
	globalCfg *config.Config
	logger    *slog.Logger
)

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drivefetch <source> [destination]",
		Short: "Download publicly shared Google Drive files in parallel",
		Long: `drivefetch downloads files shared on Google Drive. The source may be a
share link, a bare file id, or a path to a text file listing one link or id
per line. Files are written to the destination directory, which defaults to
the current directory.

Running drivefetch with a source and no subcommand is the same as
"drivefetch download".`,
		Example: `  drivefetch https://drive.google.com/file/d/XYZ/view
  drivefetch download ids.txt /data -p 4 -a $API_KEY
  drivefetch history --limit 5
  drivefetch config show`,
		Version:       "0.1.0",
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return downloadRun(cmd, args)
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(os.Stderr)

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Debug("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			if err := globalCfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			if !quiet {
				logger.Debug("config loaded", "path", cfgPath)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "only log errors")

	addDownloadFlags(cmd)

	cmd.AddCommand(
		newDownloadCmd(),
		newHistoryCmd(),
		newConfigCmd(),
	)

	return cmd
}

// newLogger builds a slog logger from the global flags.
func newLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}
	if quiet {
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// setupLogging initializes the global slog logger based on flags
func setupLogging(w io.Writer) {
	logger = newLogger(w)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":       true,
		"version":    true,
		"completion": true,
	}
	return skipConfigCmds[cmdName]
}
