package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosight/gosight/waitlist/internal/config"
)

var Version = "dev"

type globalFlags struct {
	configPath string
	profile    string
	logLevel   string
}

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           "waitlist",
		Short:         "Visitor-side referral attribution and funnel tracking for the waitlist",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "config/waitlist.yaml"
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", defaultConfig, "Path to config file")
	rootCmd.PersistentFlags().StringVarP(&flags.profile, "profile", "p", "", "Visitor profile (overrides storage.profile)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (overrides log.level)")

	rootCmd.AddCommand(visitCmd(flags))
	rootCmd.AddCommand(joinCmd(flags))
	rootCmd.AddCommand(authCmd(flags))
	rootCmd.AddCommand(statusCmd(flags))
	rootCmd.AddCommand(statsCmd(flags))
	rootCmd.AddCommand(clearCmd(flags))
	rootCmd.AddCommand(trackCmd(flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, falling back to defaults when the file
// does not exist, and applies flag overrides.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if os.IsNotExist(err) {
		log.Debug().Str("path", flags.configPath).Msg("Config file not found, using defaults")
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if flags.profile != "" {
		cfg.Storage.Profile = flags.profile
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}
	zerolog.SetGlobalLevel(level)

	return cfg, nil
}
