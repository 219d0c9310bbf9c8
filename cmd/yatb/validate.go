package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/yatb/yatb/internal/config"
	"github.com/yatb/yatb/internal/models"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the configuration file without executing any backup operations.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	// Check if file exists
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.Error().Str("file", configFile).Msg("config file not found")
		return fmt.Errorf("config file not found: %s", configFile)
	}

	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to parse config")
		return err
	}

	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("configuration validation failed")
		return err
	}

	// Print configuration summary
	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  State dir: %s\n", cfg.StateDir)
	fmt.Printf("  Listen: %s\n", cfg.Listen)
	fmt.Printf("  Scheduler interval: %s\n", cfg.Scheduler.Interval)
	fmt.Printf("  Profiles: %d\n", len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		schedule := "manual only"
		if p.Schedule.Enabled {
			schedule = "daily at " + p.Schedule.Time
		}
		target := p.SourcePath
		if p.Kind == models.KindSSH {
			target = fmt.Sprintf("%s@%s:%d", p.SSH.Username, p.SSH.Host, p.SSH.Port)
		}
		fmt.Printf("    - %s (%s, %s, %s)\n", p.ID, p.Kind, target, schedule)
	}
	if cfg.Telegram != nil {
		fmt.Println("  Telegram notifications: enabled")
	}

	return nil
}
