package models

import (
	"os"
	"time"
)

// MetadataEntryName is the reserved archive entry holding ArchiveMetadata.
const MetadataEntryName = ".backup_metadata.json"

// IncompleteEntryName is the reserved trailing entry listing entries whose
// content was zero-padded because the source could not be read in full.
const IncompleteEntryName = ".backup_incomplete.json"

// ArchiveMetadata is written once as the first entry of every archive.
type ArchiveMetadata struct {
	BackupInfo      BackupInfo      `json:"backup_info"`
	Config          Config          `json:"config"`
	GitRepositories GitRepositories `json:"git_repositories"`
	FilterStats     FilterStats     `json:"filter_stats"`
}

// BackupInfo describes the archive contents.
type BackupInfo struct {
	CreatedAt        time.Time `json:"created_at"`
	TargetPath       string    `json:"target_path"`
	TotalFiles       int       `json:"total_files"`
	TotalSize        int64     `json:"total_size"`
	CompressionFmt   string    `json:"compression_format"`
	CompressionLevel int       `json:"compression_level"`
	Hostname         string    `json:"hostname,omitempty"`
}

// GitRepositories records repository counts for the archive.
type GitRepositories struct {
	RepositoryStats
	Files map[string]int `json:"files_per_repository"`
}

// FileToArchive pairs an absolute source path with its archive entry name.
type FileToArchive struct {
	Path string
	Name string
}

// ArchiveEntry describes one file stored in an archive.
type ArchiveEntry struct {
	Name    string
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
	IsDir   bool
	// Incomplete is set for entries padded with zeros after a short read.
	Incomplete bool
}

// ArchiveResult holds the result of writing an archive.
type ArchiveResult struct {
	OutputPath   string
	FilesWritten int
	BytesWritten int64
	ArchiveSize  int64
	Skipped      []PathError
	Duration     time.Duration
}

// BackupResult holds the result of a backup run.
type BackupResult struct {
	TargetPath  string
	OutputPath  string
	DryRun      bool
	TotalFiles  int
	TotalBytes  int64
	Processed   int
	Skipped     int
	ArchiveSize int64
	Files       []string
	Scan        ScanStats
	Errors      []PathError
	Duration    time.Duration
	Error       error
}

// Success reports whether the backup completed without any per-file errors.
func (r *BackupResult) Success() bool {
	return r.Error == nil && len(r.Errors) == 0
}
