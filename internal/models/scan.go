package models

import "time"

// Decision is the outcome of a selection query for one path.
type Decision struct {
	Path    string
	Include bool
	Reason  string
}

// PathError records a per-path failure that was skipped rather than aborting
// the surrounding operation.
type PathError struct {
	Path string
	Op   string
	Err  error
}

func (e PathError) Error() string {
	if e.Path == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e PathError) Unwrap() error {
	return e.Err
}

// ScanStats holds aggregate counters for one scan.
type ScanStats struct {
	FilesFound            int           `json:"files_found"`
	NonRepoFiles          int           `json:"non_repo_files"`
	RepoFiles             int           `json:"repo_files"`
	FilteredOut           int           `json:"filtered_out"`
	RepositoriesFound     int           `json:"repositories_found"`
	RepositoriesProcessed int           `json:"repositories_processed"`
	WorkersUsed           int           `json:"workers_used"`
	Parallel              bool          `json:"parallel"`
	DiscoveryDuration     time.Duration `json:"discovery_duration"`
	Duration              time.Duration `json:"duration"`
}

// ScanResult holds the deduplicated, sorted list of files selected by a scan.
type ScanResult struct {
	Root            string
	Files           []string
	RepositoryFiles map[string]int // repository root -> selected files
	Stats           ScanStats
	Filter          FilterStats
	Repositories    RepositoryStats
	Errors          []PathError
}

// RepositoryStats summarises the repository registry of one scan.
type RepositoryStats struct {
	TotalRepositories int `json:"total_repositories"`
	ScannedPaths      int `json:"scanned_paths"`
}

// FilterStats summarises the selection policy of one scan.
type FilterStats struct {
	GitRepositories     int   `json:"git_repositories"`
	MaxFileSizeBytes    int64 `json:"max_file_size_bytes"`
	IncludePatterns     int   `json:"include_patterns_count"`
	ExcludePatterns     int   `json:"exclude_patterns_count"`
	AlwaysExclude       int   `json:"always_exclude_patterns_count"`
	OverridePatterns    int   `json:"gitignore_override_patterns_count"`
	DotDirWhitelistSize int   `json:"dot_directory_whitelist_count"`
}
