package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fgeck/homesnap/internal/config"
	"github.com/fgeck/homesnap/internal/models"
	"github.com/fgeck/homesnap/internal/services/archive"
	"github.com/fgeck/homesnap/internal/services/restore"
	"github.com/fgeck/homesnap/internal/services/scanner"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock implementations.
type mockScanner struct {
	scanFunc func(ctx context.Context, root string) (*models.ScanResult, error)
	roots    []string
}

func (m *mockScanner) Scan(ctx context.Context, root string) (*models.ScanResult, error) {
	m.roots = append(m.roots, root)
	if m.scanFunc != nil {
		return m.scanFunc(ctx, root)
	}
	return &models.ScanResult{Root: root}, nil
}

type mockArchive struct {
	archive.Service
	createFunc func(ctx context.Context, req archive.CreateRequest) (*models.ArchiveResult, error)
}

func (m *mockArchive) Create(ctx context.Context, req archive.CreateRequest) (*models.ArchiveResult, error) {
	return m.createFunc(ctx, req)
}

type mockRestorer struct {
	restoreFunc func(ctx context.Context, req restore.Request) (*models.RestoreStats, error)
	requests    []restore.Request
}

func (m *mockRestorer) Restore(ctx context.Context, req restore.Request) (*models.RestoreStats, error) {
	m.requests = append(m.requests, req)
	if m.restoreFunc != nil {
		return m.restoreFunc(ctx, req)
	}
	return &models.RestoreStats{Restored: 1}, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testConfig(t *testing.T) *models.Config {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Target.HomeDir = t.TempDir()
	return cfg
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func scanning(files ...string) *mockScanner {
	return &mockScanner{
		scanFunc: func(_ context.Context, root string) (*models.ScanResult, error) {
			return &models.ScanResult{
				Root:            root,
				Files:           files,
				RepositoryFiles: map[string]int{},
				Stats:           models.ScanStats{FilesFound: len(files)},
			}, nil
		},
	}
}

func newRunner(sc scanner.Service, archiveSvc archive.Service, restorer restore.Service) *Impl {
	r := NewWithServices(
		testLogger(),
		func(*models.Config) scanner.Service { return sc },
		archiveSvc,
		func(models.RestoreConfig, restore.Prompter) restore.Service { return restorer },
	)
	r.freeSpace = func(string) (uint64, error) { return 1 << 40, nil }
	r.now = func() time.Time { return time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC) }
	return r
}

func TestBackup_WritesArchive(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a.txt")
	b := filepath.Join(root, "docs", "b.md")
	writeFile(t, a, "alpha")
	writeFile(t, b, "bravo")

	outDir := t.TempDir()
	cfg := testConfig(t)
	cfg.Target.OutputPath = filepath.Join(outDir, "backup-{timestamp}.tar.zst")

	sc := scanning(a, b)
	archiveSvc := archive.New(testLogger(), nil)
	r := newRunner(sc, archiveSvc, nil)

	result, err := r.Backup(context.Background(), cfg, BackupOptions{Target: root})
	require.NoError(t, err)
	assert.True(t, result.Success())
	assert.Equal(t, []string{root}, sc.roots)
	assert.Equal(t, root, result.TargetPath)
	assert.Equal(t, filepath.Join(outDir, "backup-2024-03-04_05-06-07.tar.zst"), result.OutputPath)
	assert.Equal(t, 2, result.TotalFiles)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, int64(10), result.TotalBytes)
	assert.Positive(t, result.ArchiveSize)

	meta, err := archiveSvc.ReadMetadata(context.Background(), result.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, root, meta.BackupInfo.TargetPath)
	assert.Equal(t, 2, meta.BackupInfo.TotalFiles)
	assert.Equal(t, models.FormatZstd, meta.BackupInfo.CompressionFmt)
	assert.Equal(t, cfg.IncludePatterns, meta.Config.IncludePatterns)

	entries, err := archiveSvc.List(context.Background(), result.OutputPath)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"a.txt", "docs/b.md"}, names)
}

func TestBackup_ExtensionFollowsFormat(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a.txt")
	writeFile(t, a, "alpha")

	cfg := testConfig(t)
	cfg.Compression.Format = models.FormatGzip
	cfg.Compression.Level = 6
	out := filepath.Join(t.TempDir(), "nightly.tar.zst")

	r := newRunner(scanning(a), archive.New(testLogger(), nil), nil)
	result, err := r.Backup(context.Background(), cfg, BackupOptions{Target: root, Output: out})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(out), "nightly.tar.gz"), result.OutputPath)
	assert.FileExists(t, result.OutputPath)
}

func TestBackup_DryRun(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a.txt")
	writeFile(t, a, "alpha")

	cfg := testConfig(t)
	cfg.Target.OutputPath = filepath.Join(t.TempDir(), "out", "backup.tar.zst")

	archiveSvc := &mockArchive{createFunc: func(context.Context, archive.CreateRequest) (*models.ArchiveResult, error) {
		t.Fatal("archive must not be written during a dry run")
		return nil, nil
	}}
	r := newRunner(scanning(a), archiveSvc, nil)

	result, err := r.Backup(context.Background(), cfg, BackupOptions{Target: root, DryRun: true})
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, []string{a}, result.Files)
	assert.Equal(t, int64(5), result.TotalBytes)
	assert.NoDirExists(t, filepath.Dir(cfg.Target.OutputPath))
}

func TestBackup_RecordsSkippedFiles(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a.txt")
	writeFile(t, a, "alpha")

	cfg := testConfig(t)
	cfg.Target.OutputPath = filepath.Join(t.TempDir(), "backup.tar.zst")

	var captured archive.CreateRequest
	archiveSvc := &mockArchive{createFunc: func(_ context.Context, req archive.CreateRequest) (*models.ArchiveResult, error) {
		captured = req
		return &models.ArchiveResult{
			OutputPath:   req.OutputPath,
			FilesWritten: 0,
			Skipped:      []models.PathError{{Path: a, Op: "open", Err: os.ErrPermission}},
		}, nil
	}}
	sc := &mockScanner{scanFunc: func(_ context.Context, root string) (*models.ScanResult, error) {
		return &models.ScanResult{
			Root:   root,
			Files:  []string{a},
			Errors: []models.PathError{{Path: "/x", Op: "scan repository", Err: errors.New("boom")}},
		}, nil
	}}

	r := newRunner(sc, archiveSvc, nil)
	result, err := r.Backup(context.Background(), cfg, BackupOptions{Target: root})
	require.NoError(t, err)
	assert.False(t, result.Success())
	assert.Equal(t, 1, result.Skipped)
	assert.Len(t, result.Errors, 2)

	require.Len(t, captured.Files, 1)
	assert.Equal(t, models.FileToArchive{Path: a, Name: "a.txt"}, captured.Files[0])
	assert.Equal(t, models.FormatZstd, captured.Format)
	assert.Equal(t, 3, captured.Level)
	require.NotNil(t, captured.Metadata)
	assert.Equal(t, root, captured.Metadata.BackupInfo.TargetPath)
}

func TestBackup_SkipsEarlierArchivesInOutputDir(t *testing.T) {
	root := t.TempDir()
	outDir := filepath.Join(root, "backups")
	old := filepath.Join(outDir, "backup-old.tar.zst")
	note := filepath.Join(outDir, "README.md")
	writeFile(t, old, "old archive")
	writeFile(t, note, "notes")

	cfg := testConfig(t)
	cfg.Target.OutputPath = filepath.Join(outDir, "backup-{timestamp}.tar.zst")

	r := newRunner(scanning(old, note), archive.New(testLogger(), nil), nil)
	result, err := r.Backup(context.Background(), cfg, BackupOptions{Target: root, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, []string{note}, result.Files)
}

func TestBackup_Errors(t *testing.T) {
	root := t.TempDir()

	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Compression.Level = 99
		_, err := newRunner(scanning(), nil, nil).Backup(context.Background(), cfg, BackupOptions{Target: root})
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
	})

	t.Run("missing target", func(t *testing.T) {
		_, err := newRunner(scanning(), nil, nil).Backup(context.Background(), testConfig(t),
			BackupOptions{Target: filepath.Join(root, "missing")})
		assert.ErrorIs(t, err, ErrTargetNotFound)
	})

	t.Run("target is a file", func(t *testing.T) {
		file := filepath.Join(root, "file")
		writeFile(t, file, "x")
		_, err := newRunner(scanning(), nil, nil).Backup(context.Background(), testConfig(t), BackupOptions{Target: file})
		assert.ErrorIs(t, err, ErrTargetNotFound)
	})

	t.Run("scan failure", func(t *testing.T) {
		sc := &mockScanner{scanFunc: func(context.Context, string) (*models.ScanResult, error) {
			return nil, context.Canceled
		}}
		_, err := newRunner(sc, nil, nil).Backup(context.Background(), testConfig(t), BackupOptions{Target: root})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("archive failure", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Target.OutputPath = filepath.Join(t.TempDir(), "backup.tar.zst")
		archiveSvc := &mockArchive{createFunc: func(context.Context, archive.CreateRequest) (*models.ArchiveResult, error) {
			return nil, errors.New("disk full")
		}}
		result, err := newRunner(scanning(), archiveSvc, nil).Backup(context.Background(), cfg, BackupOptions{Target: root})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
		require.NotNil(t, result)
		assert.False(t, result.Success())
	})
}

func TestBackup_WarnsOnLowFreeSpace(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a.txt")
	writeFile(t, a, "alpha")

	cfg := testConfig(t)
	cfg.Target.OutputPath = filepath.Join(t.TempDir(), "backup.tar.zst")

	var logs bytes.Buffer
	r := newRunner(scanning(a), archive.New(testLogger(), nil), nil)
	r.logger = zerolog.New(&logs)
	r.freeSpace = func(string) (uint64, error) { return 1, nil }

	_, err := r.Backup(context.Background(), cfg, BackupOptions{Target: root})
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "free space is below the uncompressed backup size")
}

func TestRestore_PassesRequest(t *testing.T) {
	restorer := &mockRestorer{}
	r := newRunner(nil, nil, restorer)
	target := t.TempDir()

	stats, err := r.Restore(context.Background(), testConfig(t), RestoreOptions{
		ArchivePath: "/tmp/backup.tar.zst",
		TargetDir:   target,
		Pattern:     "**/*.py",
		DryRun:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Restored)
	require.Len(t, restorer.requests, 1)
	assert.Equal(t, restore.Request{
		ArchivePath:   "/tmp/backup.tar.zst",
		TargetDir:     target,
		PatternFilter: "**/*.py",
		DryRun:        true,
	}, restorer.requests[0])
}

func TestRestore_PropagatesErrors(t *testing.T) {
	restorer := &mockRestorer{restoreFunc: func(context.Context, restore.Request) (*models.RestoreStats, error) {
		return nil, restore.ErrCancelled
	}}
	_, err := newRunner(nil, nil, restorer).Restore(context.Background(), testConfig(t), RestoreOptions{ArchivePath: "/x.tar"})
	assert.ErrorIs(t, err, restore.ErrCancelled)
}

func TestRoundTrip(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{
		"a.txt":          "alpha",
		"docs/notes.md":  "notes",
		"src/main.go":    "package main",
		"deep/x/y/z.txt": "zed",
	}
	var paths []string
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		writeFile(t, p, content)
		paths = append(paths, p)
	}

	cfg := testConfig(t)
	cfg.Target.OutputPath = filepath.Join(t.TempDir(), "backup.tar.lz4")
	cfg.Compression.Format = models.FormatLZ4
	cfg.Compression.Level = 4
	cfg.Restore.ConflictResolution = models.ConflictSkip

	archiveSvc := archive.New(testLogger(), nil)
	r := newRunner(scanning(paths...), archiveSvc, nil)
	r.newRestorer = func(rc models.RestoreConfig, p restore.Prompter) restore.Service {
		return restore.New(testLogger(), rc, archiveSvc, p)
	}

	result, err := r.Backup(context.Background(), cfg, BackupOptions{Target: root})
	require.NoError(t, err)

	target := t.TempDir()
	stats, err := r.Restore(context.Background(), cfg, RestoreOptions{ArchivePath: result.OutputPath, TargetDir: target})
	require.NoError(t, err)
	assert.Equal(t, len(files), stats.Restored)

	for name, content := range files {
		data, err := os.ReadFile(filepath.Join(target, filepath.FromSlash(name)))
		require.NoError(t, err)
		assert.Equal(t, content, string(data))
	}
}

func TestOutputPath(t *testing.T) {
	r := newRunner(nil, nil, nil)
	at := time.Date(2024, 12, 31, 23, 59, 58, 0, time.UTC)

	tests := []struct {
		template string
		format   string
		want     string
	}{
		{"/b/backup-{timestamp}.tar.zst", models.FormatZstd, "/b/backup-2024-12-31_23-59-58.tar.zst"},
		{"/b/backup-{timestamp}.tar.zst", models.FormatNone, "/b/backup-2024-12-31_23-59-58.tar"},
		{"/b/backup", models.FormatLZ4, "/b/backup.tar.lz4"},
		{"/b/backup.tgz", models.FormatGzip, "/b/backup.tar.gz"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got, err := r.outputPath(tt.template, tt.format, at)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDiskFree(t *testing.T) {
	free, err := diskFree(filepath.Join(t.TempDir(), "not", "yet", "created"))
	require.NoError(t, err)
	assert.Positive(t, free)
}
