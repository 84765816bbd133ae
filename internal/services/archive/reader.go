package archive

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fgeck/homesnap/internal/models"
	"go.uber.org/multierr"
)

var (
	// ErrCorrupt is returned when the container cannot be decoded.
	ErrCorrupt = errors.New("archive is corrupt or not a supported format")
	// ErrNoMetadata is returned when an archive lacks the metadata entry.
	ErrNoMetadata = errors.New("archive has no metadata entry")
	// ErrIncompleteEntry marks entries whose stored content was zero-padded
	// because the source file could not be read in full.
	ErrIncompleteEntry = errors.New("entry content is incomplete")

	errStop = errors.New("stop")
)

// ExtractFunc is called once per stored file with a reader over its content.
type ExtractFunc func(entry models.ArchiveEntry, r io.Reader) error

// walk decodes the archive at path and calls fn for every tar entry.
func walk(ctx context.Context, path string, fn func(hdr *tar.Header, r io.Reader) error) (err error) {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()

	rc, _, err := newDecompressor(f)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	defer func() { err = multierr.Append(err, rc.Close()) }()

	tr := tar.NewReader(rc)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCorrupt, err)
		}

		if err := fn(hdr, tr); err != nil {
			if errors.Is(err, errStop) {
				return nil
			}
			return err
		}
	}
}

func entryOf(hdr *tar.Header) models.ArchiveEntry {
	return models.ArchiveEntry{
		Name:    hdr.Name,
		Size:    hdr.Size,
		Mode:    hdr.FileInfo().Mode(),
		ModTime: hdr.ModTime,
		IsDir:   hdr.Typeflag == tar.TypeDir,
	}
}

func reserved(name string) bool {
	return name == models.MetadataEntryName || name == models.IncompleteEntryName
}

// List returns every entry in the archive except the reserved ones. Entries
// named in the incomplete-entry list have Incomplete set.
func (s *Impl) List(ctx context.Context, path string) ([]models.ArchiveEntry, error) {
	var (
		entries    []models.ArchiveEntry
		incomplete []string
	)
	err := walk(ctx, path, func(hdr *tar.Header, r io.Reader) error {
		if hdr.Name == models.IncompleteEntryName {
			if err := json.NewDecoder(r).Decode(&incomplete); err != nil {
				return fmt.Errorf("%w: decoding incomplete entry list: %w", ErrCorrupt, err)
			}
			return nil
		}
		if reserved(hdr.Name) {
			return nil
		}
		entries = append(entries, entryOf(hdr))
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(incomplete) > 0 {
		marked := make(map[string]bool, len(incomplete))
		for _, name := range incomplete {
			marked[name] = true
		}
		for i := range entries {
			entries[i].Incomplete = marked[entries[i].Name]
		}
	}
	return entries, nil
}

// ReadMetadata decodes the metadata entry of the archive.
func (s *Impl) ReadMetadata(ctx context.Context, path string) (*models.ArchiveMetadata, error) {
	var meta *models.ArchiveMetadata
	err := walk(ctx, path, func(hdr *tar.Header, r io.Reader) error {
		if hdr.Name != models.MetadataEntryName {
			return nil
		}
		var m models.ArchiveMetadata
		if err := json.NewDecoder(r).Decode(&m); err != nil {
			return fmt.Errorf("decoding metadata: %w", err)
		}
		meta = &m
		return errStop
	})
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, ErrNoMetadata
	}
	return meta, nil
}

// Extract calls fn for every regular file entry except the reserved ones.
// An error from fn aborts the walk and is returned as-is.
func (s *Impl) Extract(ctx context.Context, path string, fn ExtractFunc) error {
	return walk(ctx, path, func(hdr *tar.Header, r io.Reader) error {
		if reserved(hdr.Name) {
			return nil
		}
		if hdr.Typeflag != tar.TypeReg {
			s.logger.Debug().Str("entry", hdr.Name).Msg("skipping non-regular archive entry")
			return nil
		}
		return fn(entryOf(hdr), r)
	})
}
