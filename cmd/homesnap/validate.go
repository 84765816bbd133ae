package main

import (
	"fmt"
	"os"

	"github.com/fgeck/homesnap/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the configuration file without scanning or writing anything.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	if configFile != "" {
		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			log.Error().Str("file", configFile).Msg("config file not found")
			return fmt.Errorf("config file not found: %s", configFile)
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("configuration validation failed")
		return err
	}

	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  Target: %s\n", cfg.Target.BasePath)
	fmt.Printf("  Output: %s\n", cfg.Target.OutputPath)
	fmt.Printf("  Compression: %s (level %d)\n", cfg.Compression.Format, cfg.Compression.Level)
	fmt.Printf("  Max file size: %s\n", config.FormatSize(cfg.MaxFileSizeBytes))
	fmt.Printf("  Workers: %d (parallel: %v)\n", cfg.MaxWorkers, cfg.EnableParallel)
	fmt.Println()
	fmt.Println("Patterns:")
	fmt.Printf("  Include: %d\n", len(cfg.IncludePatterns))
	fmt.Printf("  Exclude: %d\n", len(cfg.ExcludePatterns))
	fmt.Printf("  Always exclude: %d\n", len(cfg.AlwaysExclude))
	fmt.Printf("  Dot directories: %v\n", cfg.DotDirectoryWhitelist)
	fmt.Println()
	fmt.Println("Git:")
	fmt.Printf("  Include repositories: %v\n", cfg.Git.IncludeRepos)
	fmt.Printf("  Respect .gitignore: %v\n", cfg.Git.RespectGitignore)
	fmt.Printf("  Include .git directory: %v\n", cfg.Git.IncludeVCSDir)
	fmt.Printf("  Override patterns: %v\n", cfg.Git.OverridePatterns)
	fmt.Println()
	fmt.Println("Restore:")
	fmt.Printf("  Conflict resolution: %s\n", cfg.Restore.ConflictResolution)
	fmt.Printf("  Preserve permissions: %v\n", cfg.Restore.PreservePermissions)

	return nil
}
