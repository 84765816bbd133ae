// Package archive writes and reads compressed tar backups.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fgeck/homesnap/internal/models"
	"github.com/fgeck/homesnap/internal/services/progress"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// CreateRequest describes an archive to write.
type CreateRequest struct {
	OutputPath string
	Format     string
	Level      int
	Metadata   *models.ArchiveMetadata
	Files      []models.FileToArchive
}

// Service defines the interface for archive operations.
type Service interface {
	Create(ctx context.Context, req CreateRequest) (*models.ArchiveResult, error)
	List(ctx context.Context, path string) ([]models.ArchiveEntry, error)
	ReadMetadata(ctx context.Context, path string) (*models.ArchiveMetadata, error)
	Extract(ctx context.Context, path string, fn ExtractFunc) error
}

// Impl implements the archive Service.
type Impl struct {
	logger zerolog.Logger
	sink   progress.Sink
}

// New creates a new archive service.
func New(logger zerolog.Logger, sink progress.Sink) *Impl {
	return &Impl{
		logger: logger,
		sink:   progress.Or(sink),
	}
}

// Create writes the metadata entry followed by every file in req.Files.
// Files that vanish or cannot be read are recorded in the result and skipped.
// On any other failure the partial archive is removed.
func (s *Impl) Create(ctx context.Context, req CreateRequest) (*models.ArchiveResult, error) {
	start := time.Now()
	result := &models.ArchiveResult{OutputPath: req.OutputPath}

	if req.Metadata == nil {
		return nil, errors.New("archive metadata is required")
	}

	w, err := NewWriter(req.OutputPath, req.Format, req.Level)
	if err != nil {
		return nil, err
	}

	if err := s.write(ctx, w, req, result); err != nil {
		err = multierr.Append(err, w.Close())
		if rmErr := os.Remove(req.OutputPath); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warn().Err(rmErr).Str("path", req.OutputPath).Msg("failed to remove partial archive")
		}
		return nil, err
	}

	if err := w.Close(); err != nil {
		_ = os.Remove(req.OutputPath)
		return nil, fmt.Errorf("finalizing archive: %w", err)
	}

	if incomplete := w.Incomplete(); len(incomplete) > 0 {
		s.logger.Warn().
			Strs("entries", incomplete).
			Msg("some entries were stored zero-padded and will not be restored")
	}

	if info, err := os.Stat(req.OutputPath); err == nil {
		result.ArchiveSize = info.Size()
	}
	result.Duration = time.Since(start)

	s.logger.Info().
		Str("path", req.OutputPath).
		Int("files", result.FilesWritten).
		Int("skipped", len(result.Skipped)).
		Int64("archive_size", result.ArchiveSize).
		Dur("duration", result.Duration).
		Msg("archive written")

	return result, nil
}

func (s *Impl) write(ctx context.Context, w *Writer, req CreateRequest, result *models.ArchiveResult) error {
	if err := w.WriteMetadata(req.Metadata); err != nil {
		return err
	}

	for _, file := range req.Files {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := w.AddFile(file.Path, file.Name)
		var pathErr *models.PathError
		switch {
		case err == nil:
			result.FilesWritten++
			result.BytesWritten += n
			s.sink.Emit(models.ProgressEvent{
				Kind:  models.ProgressEntryWritten,
				Path:  file.Name,
				Count: result.FilesWritten,
			})
		case errors.As(err, &pathErr):
			result.Skipped = append(result.Skipped, *pathErr)
			s.sink.Emit(models.ProgressEvent{
				Kind:   models.ProgressEntrySkipped,
				Path:   file.Path,
				Reason: pathErr.Err.Error(),
			})
		default:
			return err
		}
	}
	return nil
}
