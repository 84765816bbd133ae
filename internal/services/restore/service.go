// Package restore extracts homesnap archives back onto the filesystem.
package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fgeck/homesnap/internal/models"
	"github.com/fgeck/homesnap/internal/pattern"
	"github.com/fgeck/homesnap/internal/services/archive"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// SuffixTimeLayout formats {timestamp} in the backup suffix.
const SuffixTimeLayout = "20060102_150405"

var (
	// ErrArchiveNotFound is returned when the archive path does not exist.
	ErrArchiveNotFound = errors.New("archive not found")
	// ErrCancelled is returned when the user quits at a conflict prompt or the
	// context is cancelled.
	ErrCancelled = errors.New("restore cancelled")
	// ErrUnsafePath is recorded for entries that would land outside the target directory.
	ErrUnsafePath = errors.New("entry escapes target directory")
)

// Request describes one restore run.
type Request struct {
	ArchivePath string
	// TargetDir relocates every entry beneath it when set.
	TargetDir     string
	PatternFilter string
	DryRun        bool
}

// Archive is the part of the archive service the engine reads from.
type Archive interface {
	List(ctx context.Context, path string) ([]models.ArchiveEntry, error)
	ReadMetadata(ctx context.Context, path string) (*models.ArchiveMetadata, error)
	Extract(ctx context.Context, path string, fn archive.ExtractFunc) error
}

// Service defines the interface for restore operations.
type Service interface {
	Restore(ctx context.Context, req Request) (*models.RestoreStats, error)
}

// Engine implements Service.
type Engine struct {
	logger   zerolog.Logger
	cfg      models.RestoreConfig
	archive  Archive
	prompter Prompter
	now      func() time.Time
}

// New creates a restore engine. prompter is only consulted when the conflict
// resolution is "prompt".
func New(logger zerolog.Logger, cfg models.RestoreConfig, archiveSvc Archive, prompter Prompter) *Engine {
	return &Engine{
		logger:   logger,
		cfg:      cfg,
		archive:  archiveSvc,
		prompter: prompter,
		now:      time.Now,
	}
}

// run holds the state of a single Restore call.
type run struct {
	req     Request
	targets map[string]string // entry name -> target path
	skip    map[string]bool   // target paths left untouched
	stats   *models.RestoreStats
}

func (r *run) fail(path, op string, err error) {
	r.stats.Failures = append(r.stats.Failures, models.PathError{Path: path, Op: op, Err: err})
	r.stats.Errors = len(r.stats.Failures)
}

// Restore lists the archive, resolves conflicts against the live filesystem
// and extracts every selected entry. Per-entry failures are recorded in the
// returned stats; a missing or corrupt archive and cancellation are returned
// as errors.
func (e *Engine) Restore(ctx context.Context, req Request) (*models.RestoreStats, error) {
	start := time.Now()

	if _, err := os.Stat(req.ArchivePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArchiveNotFound, req.ArchivePath)
		}
		return nil, fmt.Errorf("checking archive: %w", err)
	}

	entries, err := e.archive.List(ctx, req.ArchivePath)
	if err != nil {
		return nil, abort(ctx, fmt.Errorf("listing archive: %w", err))
	}
	entries = filterEntries(entries, req.PatternFilter)

	r := &run{
		req:     req,
		targets: make(map[string]string, len(entries)),
		skip:    make(map[string]bool),
		stats:   &models.RestoreStats{},
	}

	e.logger.Info().
		Str("archive", req.ArchivePath).
		Str("target_dir", req.TargetDir).
		Int("entries", len(entries)).
		Msg("restoring archive")

	selected, err := e.resolveTargets(ctx, r, entries)
	if err != nil {
		return nil, abort(ctx, err)
	}

	conflicts := detectConflicts(r, selected)
	r.stats.Conflicts = len(conflicts)

	if req.DryRun {
		for _, entry := range selected {
			target := r.targets[entry.Name]
			status := models.PlanNew
			if exists(target) {
				status = models.PlanOverwrite
			}
			r.stats.Plan = append(r.stats.Plan, models.PlannedEntry{Name: entry.Name, TargetPath: target, Status: status})
		}
		r.stats.Duration = time.Since(start)
		return r.stats, nil
	}

	if len(conflicts) > 0 {
		if err := e.resolveConflicts(ctx, r, conflicts); err != nil {
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}
	if err := e.extract(ctx, r); err != nil {
		return nil, abort(ctx, err)
	}

	r.stats.Duration = time.Since(start)
	e.logger.Info().
		Int("restored", r.stats.Restored).
		Int("skipped", r.stats.Skipped).
		Int("errors", r.stats.Errors).
		Int("conflicts", r.stats.Conflicts).
		Dur("duration", r.stats.Duration).
		Msg("restore finished")

	return r.stats, nil
}

// cancelled wraps err in ErrCancelled unless it already is one.
func cancelled(err error) error {
	if errors.Is(err, ErrCancelled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

// abort reports err as a cancellation when ctx is done.
func abort(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return cancelled(ctxErr)
	}
	return err
}

func filterEntries(entries []models.ArchiveEntry, filter string) []models.ArchiveEntry {
	out := entries[:0:0]
	for _, entry := range entries {
		if entry.IsDir || entry.Name == models.MetadataEntryName || entry.Name == models.IncompleteEntryName {
			continue
		}
		if filter != "" && !pattern.Match(entry.Name, []string{filter}) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// resolveTargets computes the target path of every entry. Entries stored
// incomplete or that cannot be placed safely are recorded as failures and
// dropped.
func (e *Engine) resolveTargets(ctx context.Context, r *run, entries []models.ArchiveEntry) ([]models.ArchiveEntry, error) {
	var anchor string
	if r.req.TargetDir == "" {
		for _, entry := range entries {
			if filepath.IsAbs(filepath.FromSlash(entry.Name)) {
				continue
			}
			meta, err := e.archive.ReadMetadata(ctx, r.req.ArchivePath)
			if err != nil {
				return nil, fmt.Errorf("reading archive metadata: %w", err)
			}
			anchor = meta.BackupInfo.TargetPath
			break
		}
	}

	selected := entries[:0:0]
	for _, entry := range entries {
		if entry.Incomplete {
			r.fail(entry.Name, "incomplete", archive.ErrIncompleteEntry)
			e.logger.Warn().Str("entry", entry.Name).Msg("not restoring entry stored incomplete")
			continue
		}
		target, err := targetPath(entry.Name, r.req.TargetDir, anchor)
		if err != nil {
			r.fail(entry.Name, "resolve", err)
			continue
		}
		r.targets[entry.Name] = target
		selected = append(selected, entry)
	}
	return selected, nil
}

// targetPath maps an entry name to its destination. With a target directory
// every name, absolute or not, is placed beneath it. Without one absolute
// names are used as-is and relative names are anchored at the backup root.
func targetPath(name, targetDir, anchor string) (string, error) {
	name = filepath.FromSlash(name)

	if targetDir == "" {
		if filepath.IsAbs(name) {
			return filepath.Clean(name), nil
		}
		if anchor == "" {
			return "", fmt.Errorf("%w: no backup root recorded for relative entry", ErrUnsafePath)
		}
		targetDir = anchor
	}

	base := filepath.Clean(targetDir)
	target := filepath.Join(base, strings.TrimPrefix(name, string(filepath.Separator)))
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrUnsafePath
	}
	return target, nil
}

func detectConflicts(r *run, entries []models.ArchiveEntry) []models.ConflictRecord {
	var conflicts []models.ConflictRecord
	for _, entry := range entries {
		target := r.targets[entry.Name]
		info, err := os.Lstat(target)
		if err != nil {
			continue
		}
		conflicts = append(conflicts, models.ConflictRecord{
			Entry:           entry,
			TargetPath:      target,
			Exists:          true,
			ExistingSize:    info.Size(),
			ExistingModTime: info.ModTime(),
		})
	}
	return conflicts
}

func (e *Engine) resolveConflicts(ctx context.Context, r *run, conflicts []models.ConflictRecord) error {
	e.logger.Warn().
		Int("conflicts", len(conflicts)).
		Str("resolution", e.cfg.ConflictResolution).
		Msg("existing files conflict with archive entries")

	var sticky models.ConflictAction
	for _, c := range conflicts {
		if err := ctx.Err(); err != nil {
			return cancelled(err)
		}

		var action models.ConflictAction
		switch e.cfg.ConflictResolution {
		case models.ConflictOverwrite:
			action = models.ActionOverwrite
		case models.ConflictSkip:
			action = models.ActionSkip
		case models.ConflictBackup:
			action = models.ActionBackup
		case models.ConflictPrompt:
			if sticky != "" {
				action = sticky
				break
			}
			if e.prompter == nil {
				return fmt.Errorf("%w: no prompter available for interactive conflict resolution", ErrCancelled)
			}
			choice, err := e.prompter.Choose(ctx, c)
			if err != nil {
				return cancelled(err)
			}
			action = choice.Action
			if choice.All {
				sticky = action
			}
		default:
			return fmt.Errorf("unknown conflict resolution %q", e.cfg.ConflictResolution)
		}

		if err := ctx.Err(); err != nil {
			return cancelled(err)
		}
		e.apply(r, c, action)
	}
	return nil
}

func (e *Engine) apply(r *run, c models.ConflictRecord, action models.ConflictAction) {
	switch action {
	case models.ActionSkip:
		r.skip[c.TargetPath] = true
	case models.ActionBackup:
		dst := c.TargetPath + e.backupSuffix()
		if err := copyAside(c.TargetPath, dst); err != nil {
			// Never overwrite a file whose backup failed.
			r.fail(c.TargetPath, "backup", err)
			r.skip[c.TargetPath] = true
			return
		}
		r.stats.BackedUp = append(r.stats.BackedUp, dst)
		e.logger.Info().Str("path", c.TargetPath).Str("backup", dst).Msg("backed up existing file")
	}
}

func (e *Engine) backupSuffix() string {
	suffix := e.cfg.BackupSuffix
	if suffix == "" {
		suffix = ".backup-{timestamp}"
	}
	return strings.ReplaceAll(suffix, "{timestamp}", e.now().Format(SuffixTimeLayout))
}

func (e *Engine) extract(ctx context.Context, r *run) error {
	failed := make(map[string]bool, len(r.stats.Failures))
	for _, f := range r.stats.Failures {
		failed[f.Path] = true
	}

	err := e.archive.Extract(ctx, r.req.ArchivePath, func(entry models.ArchiveEntry, src io.Reader) error {
		target, ok := r.targets[entry.Name]
		if !ok {
			return nil
		}
		if r.skip[target] {
			if !failed[target] {
				r.stats.Skipped++
			}
			return nil
		}

		if err := writeEntry(target, entry, src); err != nil {
			r.fail(target, "extract", err)
			e.logger.Warn().Err(err).Str("path", target).Msg("failed to extract entry")
			return nil
		}
		r.stats.Restored++

		if e.cfg.PreservePermissions {
			if err := applyAttributes(target, entry); err != nil {
				e.logger.Warn().Err(err).Str("path", target).Msg("could not restore permissions")
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("extracting archive: %w", err)
	}
	return nil
}

func writeEntry(target string, entry models.ArchiveEntry, src io.Reader) (err error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	perm := entry.Mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, f.Close()) }()

	_, err = io.Copy(f, src)
	return err
}

func applyAttributes(target string, entry models.ArchiveEntry) error {
	return multierr.Append(
		os.Chmod(target, entry.Mode.Perm()),
		os.Chtimes(target, entry.ModTime, entry.ModTime),
	)
}

// copyAside copies src to dst keeping its mode and modification time.
func copyAside(src, dst string) (err error) {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("cannot back up non-regular file %s", src)
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		return multierr.Combine(err, out.Close(), os.Remove(dst))
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
