package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/joshuapare/oskit/internal/logger"
	"github.com/joshuapare/oskit/internal/tracing"
	"github.com/joshuapare/oskit/kernel"
)

var (
	// Global flags
	configPath string
	logLevel   string
	jsonOut    bool
	traceOn    bool
	traceFile  string
	quiet      bool

	// cfg is the effective configuration, set by loadConfig before a command runs.
	cfg *kernel.Config
)

var rootCmd = &cobra.Command{
	Use:   "oskit",
	Short: "Exercise the console kernel: heaps, threads, sync primitives and alarms",
	Long: `oskit runs small workloads against the kernel subsystems and reports
what they did. Settings come from a YAML config file (--config) layered over
the built-in defaults; print the effective settings with "oskit config".`,
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&traceOn, "trace", false, "Record alarm spans with the stdout exporter")
	rootCmd.PersistentFlags().StringVar(&traceFile, "trace-file", "", "Write spans to this file instead of stdout")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	if cfg.Log.Level != "" {
		level, _ := logger.ParseLevel(cfg.Log.Level)
		logger.Init(logger.Options{
			Enabled: true,
			Level:   level,
			JSON:    cfg.Log.Format == "json",
		})
	}
	if cfg.Trace.Enabled {
		if err := tracing.Init("oskit", rootCmd.Version, cfg.Trace.Output); err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
	}
	return nil
}

func teardown(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return tracing.Shutdown(ctx)
}

// loadConfig reads --config over the defaults and applies flag overrides.
func loadConfig() error {
	var err error
	if configPath != "" {
		cfg, err = kernel.LoadConfig(configPath)
		if err != nil {
			return err
		}
	} else {
		cfg = kernel.DefaultConfig()
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if traceOn {
		cfg.Trace.Enabled = true
	}
	if traceFile != "" {
		cfg.Trace.Enabled = true
		cfg.Trace.Output = traceFile
	}
	return cfg.Validate()
}

// printInfo prints a message unless in quiet mode
func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
