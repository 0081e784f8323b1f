package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ent0n29/abel/internal/config"
	"github.com/ent0n29/abel/internal/logging"
)

const version = "0.1.0"

var (
	envFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "abel",
	Short: "Abel - personal assistant backend",
	Long: `Abel serves the assistant HTTP API: chat with tool calls, long-term
memory recall and voice, backed by Gemini or OpenAI, Supabase and Redis.
Services without credentials run in mock mode unless APP_ALLOW_MOCK_MODE=false.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load (default .env, or APP_ENV_FILE)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig applies the persistent flags on top of the environment.
func loadConfig() (config.Config, zerolog.Logger, error) {
	if envFile != "" {
		if err := os.Setenv("APP_ENV_FILE", envFile); err != nil {
			return config.Config{}, zerolog.Nop(), err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, zerolog.Nop(), fmt.Errorf("config error: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Redact: cfg.LogRedaction,
	})
	return cfg, logger, nil
}
