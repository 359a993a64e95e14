package main

import (
	"log/slog"
	"os"

	"segkv/pkg/config"
)

// initConfig loads options from a YAML file. A missing file yields config.Default().
func initConfig(path string) (*config.Options, error) {
	return config.Load(path)
}

// initLogger installs the process-wide slog.Logger (JSON or text) and
// hands it to the engine.
func initLogger(opts *config.Options) {
	logger := config.NewLogger(opts.Logger, os.Stdout)
	slog.SetDefault(logger)
	opts.Log = logger
	slog.Info("logger initialized", "level", opts.Logger.Level, "json", opts.Logger.JSON)
}
