package archive

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fgeck/homesnap/internal/models"
	"go.uber.org/multierr"
)

var errNotRegular = errors.New("not a regular file")

// Writer streams files into a compressed tar container.
// The stack is output file -> compression transform -> tar writer.
type Writer struct {
	file   *os.File
	codec  io.WriteCloser
	tw     *tar.Writer
	closed bool

	// incomplete holds names of entries padded after a short read.
	incomplete []string
}

// NewWriter creates path and prepares it for writing entries.
func NewWriter(path, format string, level int) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating archive: %w", err)
	}

	codec, err := newCompressor(f, format, level)
	if err != nil {
		err = multierr.Append(err, f.Close())
		return nil, multierr.Append(err, os.Remove(path))
	}

	return &Writer{
		file:  f,
		codec: codec,
		tw:    tar.NewWriter(codec),
	}, nil
}

// WriteMetadata writes meta as the reserved metadata entry.
func (w *Writer) WriteMetadata(meta *models.ArchiveMetadata) error {
	if err := w.writeJSON(models.MetadataEntryName, meta); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return nil
}

// Incomplete returns the names of entries written so far whose content was
// zero-padded.
func (w *Writer) Incomplete() []string {
	return w.incomplete
}

func (w *Writer) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  time.Now(),
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = w.tw.Write(data)
	return err
}

// AddFile writes the file at abs as entry name and returns the bytes stored.
// Problems with the source file are returned as *models.PathError and leave
// the container usable; any other error means the container is broken.
func (w *Writer) AddFile(abs, name string) (int64, error) {
	f, err := os.Open(abs)
	if err != nil {
		return 0, &models.PathError{Path: abs, Op: "open", Err: err}
	}
	defer f.Close()
	return w.addFrom(f, abs, name)
}

// statReader is the part of *os.File addFrom needs.
type statReader interface {
	io.Reader
	Stat() (os.FileInfo, error)
}

func (w *Writer) addFrom(f statReader, abs, name string) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, &models.PathError{Path: abs, Op: "stat", Err: err}
	}
	if !info.Mode().IsRegular() {
		return 0, &models.PathError{Path: abs, Op: "stat", Err: errNotRegular}
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return 0, &models.PathError{Path: abs, Op: "stat", Err: err}
	}
	hdr.Name = name

	if err := w.tw.WriteHeader(hdr); err != nil {
		return 0, fmt.Errorf("writing header for %s: %w", name, err)
	}

	src := &sourceReader{r: f}
	n, err := io.CopyN(w.tw, src, hdr.Size)
	if err == nil {
		return n, nil
	}
	if src.err == nil {
		return n, fmt.Errorf("writing %s: %w", name, err)
	}

	// The header already promised hdr.Size bytes; pad so later entries stay aligned.
	if _, padErr := io.CopyN(w.tw, zeroReader{}, hdr.Size-n); padErr != nil {
		return n, fmt.Errorf("writing %s: %w", name, padErr)
	}
	w.incomplete = append(w.incomplete, name)
	return n, &models.PathError{Path: abs, Op: "read", Err: src.err}
}

// sourceReader remembers the error its underlying reader returned, so read
// failures can be told apart from write failures after io.CopyN.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil {
		s.err = err
		if err == io.EOF {
			s.err = io.ErrUnexpectedEOF
		}
	}
	return n, err
}

// Close finalizes the container, appending the incomplete-entry list when
// any entry was padded. Every stage is closed even if an earlier one fails.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	var err error
	if len(w.incomplete) > 0 {
		if jerr := w.writeJSON(models.IncompleteEntryName, w.incomplete); jerr != nil {
			err = fmt.Errorf("writing incomplete entry list: %w", jerr)
		}
	}
	err = multierr.Append(err, w.tw.Close())
	err = multierr.Append(err, w.codec.Close())
	err = multierr.Append(err, w.file.Close())
	return err
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// ArchiveName returns the entry name for abs: relative to root when abs lies
// under it, otherwise the absolute path.
func ArchiveName(root, abs string) string {
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}
