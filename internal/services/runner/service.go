// Package runner orchestrates the backup and restore workflows.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/homesnap/internal/config"
	"github.com/fgeck/homesnap/internal/models"
	"github.com/fgeck/homesnap/internal/services/archive"
	"github.com/fgeck/homesnap/internal/services/finder"
	"github.com/fgeck/homesnap/internal/services/progress"
	"github.com/fgeck/homesnap/internal/services/repository"
	"github.com/fgeck/homesnap/internal/services/restore"
	"github.com/fgeck/homesnap/internal/services/scanner"
	"github.com/fgeck/homesnap/internal/services/vcs"
	"github.com/mitchellh/go-homedir"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/disk"
)

// TimestampLayout formats {timestamp} in the output path.
const TimestampLayout = "2006-01-02_15-04-05"

// ErrTargetNotFound is returned when the backup root does not exist.
var ErrTargetNotFound = errors.New("backup target not found")

// BackupOptions override parts of the configuration for a single run.
type BackupOptions struct {
	Target string
	Output string
	DryRun bool
}

// RestoreOptions describe a single restore run.
type RestoreOptions struct {
	ArchivePath string
	TargetDir   string
	Pattern     string
	DryRun      bool
	Prompter    restore.Prompter
}

// Service defines the interface for the runner.
type Service interface {
	Backup(ctx context.Context, cfg *models.Config, opts BackupOptions) (*models.BackupResult, error)
	Restore(ctx context.Context, cfg *models.Config, opts RestoreOptions) (*models.RestoreStats, error)
}

// ScannerFactory builds the scanner for one backup run.
type ScannerFactory func(cfg *models.Config) scanner.Service

// RestorerFactory builds the restore engine for one restore run.
type RestorerFactory func(cfg models.RestoreConfig, prompter restore.Prompter) restore.Service

// Impl implements the runner Service interface.
type Impl struct {
	logger      zerolog.Logger
	newScanner  ScannerFactory
	archiveSvc  archive.Service
	newRestorer RestorerFactory
	freeSpace   func(path string) (uint64, error)
	now         func() time.Time
}

// New creates a new runner service. Every backup gets a fresh repository
// registry so no cache outlives a run.
func New(logger zerolog.Logger, sink progress.Sink) *Impl {
	archiveSvc := archive.New(logger, sink)
	return &Impl{
		logger: logger,
		newScanner: func(cfg *models.Config) scanner.Service {
			finderSvc := finder.New(logger)
			registry := repository.New(logger, cfg, vcs.New(logger), finderSvc)
			return scanner.New(logger, cfg, registry, finderSvc, sink)
		},
		archiveSvc: archiveSvc,
		newRestorer: func(cfg models.RestoreConfig, prompter restore.Prompter) restore.Service {
			return restore.New(logger, cfg, archiveSvc, prompter)
		},
		freeSpace: diskFree,
		now:       time.Now,
	}
}

// NewWithServices creates a new runner with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	newScanner ScannerFactory,
	archiveSvc archive.Service,
	newRestorer RestorerFactory,
) *Impl {
	return &Impl{
		logger:      logger,
		newScanner:  newScanner,
		archiveSvc:  archiveSvc,
		newRestorer: newRestorer,
		freeSpace:   diskFree,
		now:         time.Now,
	}
}

// Backup scans the target and writes the selected files to an archive.
// Per-file problems end up in BackupResult.Errors; configuration, target and
// scan failures are returned as errors. A failed archive write returns the
// partial result with Error set alongside the error.
func (s *Impl) Backup(ctx context.Context, cfg *models.Config, opts BackupOptions) (*models.BackupResult, error) {
	start := s.now()

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	target, err := resolveTarget(firstNonEmpty(opts.Target, cfg.Target.BasePath))
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("target", target).
		Str("format", cfg.Compression.Format).
		Int("level", cfg.Compression.Level).
		Bool("dry_run", opts.DryRun).
		Msg("starting backup")

	scan, err := s.newScanner(cfg).Scan(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	output, err := s.outputPath(firstNonEmpty(opts.Output, cfg.Target.OutputPath), cfg.Compression.Format, start)
	if err != nil {
		return nil, err
	}

	files, total := s.collect(target, scan.Files, filepath.Dir(output))

	result := &models.BackupResult{
		TargetPath: target,
		OutputPath: output,
		DryRun:     opts.DryRun,
		TotalFiles: len(files),
		TotalBytes: total,
		Scan:       scan.Stats,
		Errors:     scan.Errors,
	}
	for _, f := range files {
		result.Files = append(result.Files, f.Path)
	}

	if opts.DryRun {
		result.Duration = s.now().Sub(start)
		s.logger.Info().
			Int("files", result.TotalFiles).
			Str("size", humanize.IBytes(uint64(total))).
			Msg("dry run complete, no archive written")
		return result, nil
	}

	s.checkFreeSpace(filepath.Dir(output), total)

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	meta := &models.ArchiveMetadata{
		BackupInfo: models.BackupInfo{
			CreatedAt:        start,
			TargetPath:       target,
			TotalFiles:       len(files),
			TotalSize:        total,
			CompressionFmt:   cfg.Compression.Format,
			CompressionLevel: cfg.Compression.Level,
		},
		Config: *cfg,
		GitRepositories: models.GitRepositories{
			RepositoryStats: scan.Repositories,
			Files:           scan.RepositoryFiles,
		},
		FilterStats: scan.Filter,
	}
	if host, err := os.Hostname(); err == nil {
		meta.BackupInfo.Hostname = host
	}

	written, err := s.archiveSvc.Create(ctx, archive.CreateRequest{
		OutputPath: output,
		Format:     cfg.Compression.Format,
		Level:      cfg.Compression.Level,
		Metadata:   meta,
		Files:      files,
	})
	if err != nil {
		result.Error = fmt.Errorf("writing archive failed: %w", err)
		result.Duration = s.now().Sub(start)
		return result, result.Error
	}

	result.Processed = written.FilesWritten
	result.Skipped = len(written.Skipped)
	result.ArchiveSize = written.ArchiveSize
	result.Errors = append(result.Errors, written.Skipped...)
	result.Duration = s.now().Sub(start)

	s.logger.Info().
		Str("output", output).
		Int("files", result.Processed).
		Int("skipped", result.Skipped).
		Str("archive_size", humanize.IBytes(uint64(result.ArchiveSize))).
		Dur("duration", result.Duration).
		Msg("backup completed")

	return result, nil
}

// Restore extracts an archive according to cfg.Restore.
func (s *Impl) Restore(ctx context.Context, cfg *models.Config, opts RestoreOptions) (*models.RestoreStats, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	archivePath, err := homedir.Expand(opts.ArchivePath)
	if err != nil {
		return nil, fmt.Errorf("expanding archive path: %w", err)
	}
	targetDir := opts.TargetDir
	if targetDir != "" {
		if targetDir, err = homedir.Expand(targetDir); err != nil {
			return nil, fmt.Errorf("expanding target directory: %w", err)
		}
		if targetDir, err = filepath.Abs(targetDir); err != nil {
			return nil, fmt.Errorf("resolving target directory: %w", err)
		}
	}

	return s.newRestorer(cfg.Restore, opts.Prompter).Restore(ctx, restore.Request{
		ArchivePath:   archivePath,
		TargetDir:     targetDir,
		PatternFilter: opts.Pattern,
		DryRun:        opts.DryRun,
	})
}

// collect pairs every selected file with its archive name and sums sizes.
// Earlier archives sitting in the output directory are left out.
func (s *Impl) collect(root string, paths []string, outputDir string) ([]models.FileToArchive, int64) {
	files := make([]models.FileToArchive, 0, len(paths))
	var total int64
	for _, p := range paths {
		if filepath.Dir(p) == outputDir {
			if _, ok := archive.DetectFormat(p); ok {
				s.logger.Debug().Str("path", p).Msg("skipping existing backup archive")
				continue
			}
		}
		if info, err := os.Stat(p); err == nil {
			total += info.Size()
		}
		files = append(files, models.FileToArchive{Path: p, Name: archive.ArchiveName(root, p)})
	}
	return files, total
}

// outputPath expands the output template. The extension always follows the
// compression format.
func (s *Impl) outputPath(template, format string, at time.Time) (string, error) {
	p := strings.ReplaceAll(template, "{timestamp}", at.Format(TimestampLayout))
	p, err := homedir.Expand(os.ExpandEnv(p))
	if err != nil {
		return "", fmt.Errorf("expanding output path: %w", err)
	}
	p, err = filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolving output path: %w", err)
	}
	return archive.TrimExtension(p) + archive.Extension(format), nil
}

func (s *Impl) checkFreeSpace(dir string, need int64) {
	free, err := s.freeSpace(dir)
	if err != nil {
		s.logger.Debug().Err(err).Str("dir", dir).Msg("could not determine free space")
		return
	}
	if need > 0 && free < uint64(need) {
		s.logger.Warn().
			Str("dir", dir).
			Str("free", humanize.IBytes(free)).
			Str("selected", humanize.IBytes(uint64(need))).
			Msg("free space is below the uncompressed backup size")
	}
}

// diskFree reports free bytes on the filesystem holding dir, walking up to
// the nearest existing ancestor.
func diskFree(dir string) (uint64, error) {
	for {
		if _, err := os.Stat(dir); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

func resolveTarget(p string) (string, error) {
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("expanding target path: %w", err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolving target path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrTargetNotFound, abs)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrTargetNotFound, abs)
	}
	return abs, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
