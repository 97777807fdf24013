package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tokoroten/tokoroten/internal/config"
	"github.com/tokoroten/tokoroten/internal/logger"
	"github.com/tokoroten/tokoroten/internal/pipeline"
	"github.com/tokoroten/tokoroten/internal/store"
)

var (
	version = "0.1.0"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tokoroten",
	Short: "Turn audio into features, stems and multi-track MIDI",
	Long: `tokoroten analyzes audio files and transcribes them to MIDI.

Pipeline: audio → features → stem separation → per-stem MIDI → combined MIDI

Settings come from TOKOROTEN_* environment variables; flags override them.`,
	Version:      version,
	SilenceUsage: true,
}

// Flags shared by every command
var (
	verbose     bool
	logLevel    string
	scriptsDir  string
	databaseURL string
	noCache     bool
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&scriptsDir, "scripts-dir", "", "Python scripts directory")
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database", "", "SQLite path or postgres:// URL")
	rootCmd.PersistentFlags().BoolVar(&noCache, "no-cache", false, "Skip stem cache (force fresh separation)")

	rootCmd.AddCommand(analyzeCmd, separateCmd, transcribeCmd, processCmd, insightCmd, serveCmd)
}

// loadConfig reads the environment and applies flag overrides
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("scripts-dir") {
		cfg.ScriptsDir = scriptsDir
	} else if !dirExists(cfg.ScriptsDir) {
		cfg.ScriptsDir = findScriptsDir()
	}
	if flags.Changed("database") {
		cfg.DatabaseURL = databaseURL
	}
	if noCache {
		cfg.UseCache = false
	}
	return cfg, nil
}

// setup loads config and builds the logger and orchestrator for a command
func setup(cmd *cobra.Command, progressOut io.Writer) (config.Config, *zap.Logger, *pipeline.Orchestrator, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return cfg, nil, nil, err
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return cfg, nil, nil, err
	}
	return cfg, log, pipeline.NewOrchestrator(cfg, log, progressOut, verbose), nil
}

// openStore opens the configured database and attaches it to orch
func openStore(cfg config.Config, log *zap.Logger, orch *pipeline.Orchestrator) (*store.Store, error) {
	st, err := store.Open(cfg.DatabaseURL, log)
	if err != nil {
		return nil, err
	}
	orch.WithStore(st)
	return st, nil
}

// findScriptsDir locates the Python scripts directory
func findScriptsDir() string {
	// Check relative to executable
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Join(filepath.Dir(exe), "scripts", "python")
		if dirExists(dir) {
			return dir
		}
	}

	for _, c := range []string{
		"./scripts/python",
		"../scripts/python",
		"../../scripts/python",
	} {
		if dirExists(c) {
			return c
		}
	}

	return "scripts/python"
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// printJSON writes v as indented JSON to path, or stdout when path is empty
func printJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
