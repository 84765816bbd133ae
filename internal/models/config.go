// Package models contains the data structures used throughout homesnap.
package models

// Compression formats.
const (
	FormatZstd = "zstd"
	FormatLZ4  = "lz4"
	FormatGzip = "gzip"
	FormatNone = "none"
)

// Conflict resolution strategies used by restore.
const (
	ConflictPrompt    = "prompt"
	ConflictOverwrite = "overwrite"
	ConflictSkip      = "skip"
	ConflictBackup    = "backup"
)

// Config holds the complete, validated configuration for one run.
type Config struct {
	Compression CompressionConfig `json:"compression"`
	Target      TargetConfig      `json:"target"`
	Git         GitConfig         `json:"git"`
	Restore     RestoreConfig     `json:"restore"`

	DotDirectoryWhitelist []string `json:"dot_directory_whitelist"`
	IncludePatterns       []string `json:"include_patterns"`
	ExcludePatterns       []string `json:"exclude_patterns"`
	AlwaysExclude         []string `json:"always_exclude"`

	MaxFileSize      string `json:"max_file_size"`       // e.g. "100MB"
	MaxFileSizeBytes int64  `json:"max_file_size_bytes"` // parsed from MaxFileSize

	MaxWorkers     int  `json:"max_workers"`
	EnableParallel bool `json:"enable_parallel_processing"`
}

// CompressionConfig selects the archive stream transform.
type CompressionConfig struct {
	Format string `json:"format"` // "zstd" (default), "lz4", "gzip", "none"
	Level  int    `json:"level"`
}

// TargetConfig holds what to back up and where the archive goes.
type TargetConfig struct {
	BasePath   string `json:"base_path"`
	OutputPath string `json:"output_path"` // may contain {timestamp}
	HomeDir    string `json:"home_dir"`
}

// GitConfig controls how version-controlled trees are handled.
type GitConfig struct {
	IncludeRepos     bool     `json:"include_repos"`
	RespectGitignore bool     `json:"respect_gitignore"`
	IncludeVCSDir    bool     `json:"include_git_dir"`
	OverridePatterns []string `json:"gitignore_override_patterns"`

	// ExcludePatternsInRepos applies exclude_patterns to repository files too.
	ExcludePatternsInRepos bool `json:"exclude_patterns_in_repos"`
}

// RestoreConfig controls conflict handling during restore.
type RestoreConfig struct {
	ConflictResolution  string `json:"conflict_resolution"`
	PreservePermissions bool   `json:"preserve_permissions"`
	BackupSuffix        string `json:"backup_suffix"` // may contain {timestamp}
}
