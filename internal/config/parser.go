// Package config provides configuration file parsing.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/fgeck/homesnap/internal/models"
	"github.com/fgeck/homesnap/internal/pattern"
	"github.com/mitchellh/go-homedir"
	"github.com/shirou/gopsutil/cpu"
	"github.com/spf13/viper"
)

// ErrInvalidConfig is returned when a configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser with all defaults registered.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	return &Parser{v: v}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("compression.format", DefaultFormat)
	v.SetDefault("compression.level", DefaultLevel)

	v.SetDefault("target.base_path", DefaultBasePath)
	v.SetDefault("target.output_path", DefaultOutputPath)

	v.SetDefault("git.include_repos", true)
	v.SetDefault("git.respect_gitignore", true)
	v.SetDefault("git.include_git_dir", true)
	v.SetDefault("git.gitignore_override_patterns", DefaultOverridePatterns)
	v.SetDefault("git.exclude_patterns_in_repos", true)

	v.SetDefault("restore.conflict_resolution", DefaultConflict)
	v.SetDefault("restore.preserve_permissions", true)
	v.SetDefault("restore.backup_suffix", DefaultBackupSuffix)

	v.SetDefault("dot_directory_whitelist", DefaultDotDirectoryWhitelist)
	v.SetDefault("include_patterns", DefaultIncludePatterns)
	v.SetDefault("exclude_patterns", DefaultExcludePatterns)
	v.SetDefault("always_exclude", DefaultAlwaysExclude)

	v.SetDefault("max_file_size", DefaultMaxFileSize)
	v.SetDefault("max_workers", defaultWorkers())
	v.SetDefault("enable_parallel_processing", true)
}

// defaultWorkers is half the logical CPUs, at least one.
func defaultWorkers() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		n = runtime.NumCPU()
	}
	if n/2 < 1 {
		return 1
	}
	return n / 2
}

// Default returns the configuration used when no file is given.
func Default() (*models.Config, error) {
	return NewParser().parse()
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.Config, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expanding config path: %w", err)
	}
	p.v.SetConfigFile(expanded)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*models.Config, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

func (p *Parser) parse() (*models.Config, error) {
	cfg := &models.Config{
		Compression: models.CompressionConfig{
			Format: strings.ToLower(p.v.GetString("compression.format")),
			Level:  p.v.GetInt("compression.level"),
		},
		Target: models.TargetConfig{
			BasePath:   p.expandPath(p.v.GetString("target.base_path")),
			OutputPath: p.expandPath(p.v.GetString("target.output_path")),
		},
		Git: models.GitConfig{
			IncludeRepos:           p.v.GetBool("git.include_repos"),
			RespectGitignore:       p.v.GetBool("git.respect_gitignore"),
			IncludeVCSDir:          p.v.GetBool("git.include_git_dir"),
			OverridePatterns:       p.v.GetStringSlice("git.gitignore_override_patterns"),
			ExcludePatternsInRepos: p.v.GetBool("git.exclude_patterns_in_repos"),
		},
		Restore: models.RestoreConfig{
			ConflictResolution:  strings.ToLower(p.v.GetString("restore.conflict_resolution")),
			PreservePermissions: p.v.GetBool("restore.preserve_permissions"),
			BackupSuffix:        p.v.GetString("restore.backup_suffix"),
		},
		DotDirectoryWhitelist: p.v.GetStringSlice("dot_directory_whitelist"),
		IncludePatterns:       p.v.GetStringSlice("include_patterns"),
		ExcludePatterns:       p.v.GetStringSlice("exclude_patterns"),
		AlwaysExclude:         p.v.GetStringSlice("always_exclude"),
		MaxFileSize:           p.v.GetString("max_file_size"),
		MaxWorkers:            p.v.GetInt("max_workers"),
		EnableParallel:        p.v.GetBool("enable_parallel_processing"),
	}

	home := p.v.GetString("target.home_dir")
	if home == "" {
		if dir, err := homedir.Dir(); err == nil {
			home = dir
		}
	}
	cfg.Target.HomeDir = p.expandPath(home)

	size, err := ParseSize(cfg.MaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("%w: max_file_size: %w", ErrInvalidConfig, err)
	}
	cfg.MaxFileSizeBytes = size

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandPath expands environment variables and a leading ~.
func (p *Parser) expandPath(s string) string {
	s = os.ExpandEnv(s)
	if expanded, err := homedir.Expand(s); err == nil {
		return expanded
	}
	return s
}

// LevelRange returns the accepted compression levels for a format.
// ok is false for unknown formats; "none" accepts any level.
func LevelRange(format string) (lo, hi int, ok bool) {
	switch format {
	case models.FormatZstd:
		return 1, 22, true
	case models.FormatGzip:
		return 1, 9, true
	case models.FormatLZ4:
		return 1, 12, true
	case models.FormatNone:
		return 0, 0, true
	default:
		return 0, 0, false
	}
}

// Validate performs validation on the loaded configuration.
func Validate(cfg *models.Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration is nil", ErrInvalidConfig)
	}

	lo, hi, ok := LevelRange(cfg.Compression.Format)
	if !ok {
		return fmt.Errorf("%w: compression.format must be one of: zstd, lz4, gzip, none", ErrInvalidConfig)
	}
	if cfg.Compression.Format != models.FormatNone && (cfg.Compression.Level < lo || cfg.Compression.Level > hi) {
		return fmt.Errorf("%w: %s compression level must be between %d and %d", ErrInvalidConfig,
			cfg.Compression.Format, lo, hi)
	}

	if cfg.Target.BasePath == "" {
		return fmt.Errorf("%w: target.base_path is required", ErrInvalidConfig)
	}

	switch cfg.Restore.ConflictResolution {
	case models.ConflictPrompt, models.ConflictOverwrite, models.ConflictSkip, models.ConflictBackup:
	default:
		return fmt.Errorf("%w: restore.conflict_resolution must be one of: prompt, overwrite, skip, backup",
			ErrInvalidConfig)
	}

	if cfg.MaxWorkers < 1 {
		return fmt.Errorf("%w: max_workers must be at least 1", ErrInvalidConfig)
	}
	if cfg.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("%w: max_file_size must be positive", ErrInvalidConfig)
	}

	lists := []struct {
		key      string
		patterns []string
	}{
		{"include_patterns", cfg.IncludePatterns},
		{"exclude_patterns", cfg.ExcludePatterns},
		{"always_exclude", cfg.AlwaysExclude},
		{"git.gitignore_override_patterns", cfg.Git.OverridePatterns},
	}
	for _, l := range lists {
		for _, pat := range l.patterns {
			if err := pattern.Validate(pat); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, l.key, err)
			}
		}
	}

	for _, d := range cfg.DotDirectoryWhitelist {
		if !strings.HasPrefix(d, ".") || strings.Contains(d, "/") {
			return fmt.Errorf("%w: dot_directory_whitelist entry %q must be a dot directory name", ErrInvalidConfig, d)
		}
	}

	return nil
}
