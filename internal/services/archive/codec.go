package archive

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/fgeck/homesnap/internal/models"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	gzipMagic = []byte{0x1f, 0x8b}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// lz4Levels lists the lz4 encoder's levels from fastest to smallest.
var lz4Levels = []lz4.CompressionLevel{
	lz4.Fast, lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4, lz4.Level5,
	lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
}

const lz4MaxLevel = 12

// lz4Level spreads the configurable range 1-12 evenly across the encoder's
// ten levels: 1 is Fast, 12 is Level9, and a higher level never compresses
// less than a lower one.
func lz4Level(level int) lz4.CompressionLevel {
	level = min(max(level, 1), lz4MaxLevel)
	idx := (level - 1) * (len(lz4Levels) - 1) / (lz4MaxLevel - 1)
	return lz4Levels[idx]
}

// Extension returns the file extension used for archives of format.
func Extension(format string) string {
	switch format {
	case models.FormatZstd:
		return ".tar.zst"
	case models.FormatLZ4:
		return ".tar.lz4"
	case models.FormatGzip:
		return ".tar.gz"
	default:
		return ".tar"
	}
}

// DetectFormat guesses the format of an archive from its file name.
func DetectFormat(name string) (string, bool) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return models.FormatZstd, true
	case strings.HasSuffix(lower, ".tar.lz4"):
		return models.FormatLZ4, true
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return models.FormatGzip, true
	case strings.HasSuffix(lower, ".tar"):
		return models.FormatNone, true
	default:
		return "", false
	}
}

// TrimExtension strips any known archive extension from name.
func TrimExtension(name string) string {
	lower := strings.ToLower(name)
	for _, ext := range []string{".tar.zst", ".tar.lz4", ".tar.gz", ".tzst", ".tgz", ".tar"} {
		if strings.HasSuffix(lower, ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return name
}

// sniff identifies the compression of a stream from its first bytes.
func sniff(br *bufio.Reader) string {
	head, _ := br.Peek(4)
	switch {
	case bytes.HasPrefix(head, zstdMagic):
		return models.FormatZstd
	case bytes.HasPrefix(head, lz4Magic):
		return models.FormatLZ4
	case bytes.HasPrefix(head, gzipMagic):
		return models.FormatGzip
	default:
		return models.FormatNone
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// newCompressor wraps w in the compression transform for format and level.
func newCompressor(w io.Writer, format string, level int) (io.WriteCloser, error) {
	switch format {
	case models.FormatZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		return enc, nil
	case models.FormatGzip:
		gz, err := gzip.NewWriterLevel(w, level)
		if err != nil {
			return nil, fmt.Errorf("creating gzip writer: %w", err)
		}
		return gz, nil
	case models.FormatLZ4:
		lw := lz4.NewWriter(w)
		if err := lw.Apply(lz4.CompressionLevelOption(lz4Level(level))); err != nil {
			return nil, fmt.Errorf("configuring lz4 writer: %w", err)
		}
		return lw, nil
	case models.FormatNone:
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("unsupported compression format %q", format)
	}
}

type zstdReadCloser struct {
	*zstd.Decoder
}

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

// newDecompressor wraps r according to the compression found in its header.
func newDecompressor(r io.Reader) (io.ReadCloser, string, error) {
	br := bufio.NewReader(r)
	format := sniff(br)

	switch format {
	case models.FormatZstd:
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, format, fmt.Errorf("creating zstd decoder: %w", err)
		}
		return zstdReadCloser{dec}, format, nil
	case models.FormatGzip:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, format, fmt.Errorf("reading gzip header: %w", err)
		}
		return gz, format, nil
	case models.FormatLZ4:
		return io.NopCloser(lz4.NewReader(br)), format, nil
	default:
		return io.NopCloser(br), format, nil
	}
}
