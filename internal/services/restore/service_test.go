package restore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fgeck/homesnap/internal/models"
	"github.com/fgeck/homesnap/internal/services/archive"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPrompter struct {
	choices []Choice
	err     error
	asked   []string
	// onChoose runs before every answer.
	onChoose func()
}

func (m *mockPrompter) Choose(ctx context.Context, c models.ConflictRecord) (Choice, error) {
	m.asked = append(m.asked, c.TargetPath)
	if m.onChoose != nil {
		m.onChoose()
	}
	if m.err != nil {
		return Choice{}, m.err
	}
	if len(m.choices) == 0 {
		return Choice{Action: models.ActionSkip}, nil
	}
	next := m.choices[0]
	m.choices = m.choices[1:]
	return next, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// buildArchive writes files (entry name -> content) below a fresh root and
// archives them with root-relative names.
func buildArchive(t *testing.T, files map[string]string) (archivePath, root string) {
	t.Helper()
	root = t.TempDir()

	var list []models.FileToArchive
	for name, content := range files {
		abs := filepath.Join(root, filepath.FromSlash(name))
		writeFile(t, abs, content)
		list = append(list, models.FileToArchive{Path: abs, Name: archive.ArchiveName(root, abs)})
	}

	archivePath = filepath.Join(t.TempDir(), "backup.tar.zst")
	_, err := archive.New(testLogger(), nil).Create(context.Background(), archive.CreateRequest{
		OutputPath: archivePath,
		Format:     models.FormatZstd,
		Level:      3,
		Metadata: &models.ArchiveMetadata{
			BackupInfo: models.BackupInfo{TargetPath: root, TotalFiles: len(list)},
		},
		Files: list,
	})
	require.NoError(t, err)
	return archivePath, root
}

func newEngine(resolution string, prompter Prompter) *Engine {
	cfg := models.RestoreConfig{
		ConflictResolution:  resolution,
		PreservePermissions: true,
		BackupSuffix:        ".backup-{timestamp}",
	}
	e := New(testLogger(), cfg, archive.New(testLogger(), nil), prompter)
	e.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC) }
	return e
}

func TestRestore_IntoTargetDir(t *testing.T) {
	archivePath, _ := buildArchive(t, map[string]string{
		"a.txt":         "alpha",
		"docs/notes.md": "notes",
	})
	target := t.TempDir()

	stats, err := newEngine(models.ConflictOverwrite, nil).Restore(context.Background(), Request{
		ArchivePath: archivePath,
		TargetDir:   target,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Restored)
	assert.Zero(t, stats.Skipped)
	assert.Zero(t, stats.Errors)
	assert.Zero(t, stats.Conflicts)

	assert.Equal(t, "alpha", readFile(t, filepath.Join(target, "a.txt")))
	assert.Equal(t, "notes", readFile(t, filepath.Join(target, "docs", "notes.md")))
	assert.NoFileExists(t, filepath.Join(target, models.MetadataEntryName))
}

func TestRestore_AnchorsRelativeNamesAtBackupRoot(t *testing.T) {
	archivePath, root := buildArchive(t, map[string]string{"a.txt": "alpha"})
	require.NoError(t, os.Remove(filepath.Join(root, "a.txt")))

	stats, err := newEngine(models.ConflictOverwrite, nil).Restore(context.Background(), Request{
		ArchivePath: archivePath,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Restored)
	assert.Equal(t, "alpha", readFile(t, filepath.Join(root, "a.txt")))
}

func TestRestore_SkipConflict(t *testing.T) {
	archivePath, _ := buildArchive(t, map[string]string{
		"a.txt": "from archive",
		"b.txt": "bravo",
	})
	target := t.TempDir()
	writeFile(t, filepath.Join(target, "a.txt"), "live copy")

	stats, err := newEngine(models.ConflictSkip, nil).Restore(context.Background(), Request{
		ArchivePath: archivePath,
		TargetDir:   target,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, stats.Restored)
	assert.Equal(t, 1, stats.Conflicts)
	assert.Equal(t, "live copy", readFile(t, filepath.Join(target, "a.txt")))
	assert.Equal(t, "bravo", readFile(t, filepath.Join(target, "b.txt")))
}

func TestRestore_OverwriteConflict(t *testing.T) {
	archivePath, _ := buildArchive(t, map[string]string{"a.txt": "from archive"})
	target := t.TempDir()
	writeFile(t, filepath.Join(target, "a.txt"), "live copy that is longer than the archive one")

	stats, err := newEngine(models.ConflictOverwrite, nil).Restore(context.Background(), Request{
		ArchivePath: archivePath,
		TargetDir:   target,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Restored)
	assert.Equal(t, 1, stats.Conflicts)
	assert.Equal(t, "from archive", readFile(t, filepath.Join(target, "a.txt")))
}

func TestRestore_BackupConflict(t *testing.T) {
	archivePath, _ := buildArchive(t, map[string]string{"a.txt": "from archive"})
	target := t.TempDir()
	live := filepath.Join(target, "a.txt")
	writeFile(t, live, "live copy")
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(live, old, old))

	stats, err := newEngine(models.ConflictBackup, nil).Restore(context.Background(), Request{
		ArchivePath: archivePath,
		TargetDir:   target,
	})
	require.NoError(t, err)

	backup := live + ".backup-20240506_070809"
	assert.Equal(t, []string{backup}, stats.BackedUp)
	assert.Equal(t, 1, stats.Restored)
	assert.Equal(t, "from archive", readFile(t, live))
	assert.Equal(t, "live copy", readFile(t, backup))

	info, err := os.Stat(backup)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(old))
}

func TestRestore_BackupFailureKeepsOriginal(t *testing.T) {
	archivePath, _ := buildArchive(t, map[string]string{"a.txt": "from archive"})
	target := t.TempDir()
	live := filepath.Join(target, "a.txt")
	writeFile(t, live, "live copy")
	// An existing backup path makes the exclusive create fail.
	writeFile(t, live+".backup-20240506_070809", "older backup")

	stats, err := newEngine(models.ConflictBackup, nil).Restore(context.Background(), Request{
		ArchivePath: archivePath,
		TargetDir:   target,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Errors)
	assert.Zero(t, stats.Restored)
	assert.Zero(t, stats.Skipped)
	assert.Equal(t, "live copy", readFile(t, live))
}

func TestRestore_PatternFilter(t *testing.T) {
	archivePath, _ := buildArchive(t, map[string]string{
		"a.py":       "print('a')",
		"b.txt":      "bravo",
		"pkg/c.py":   "print('c')",
		"pkg/d.json": "{}",
	})
	target := t.TempDir()

	stats, err := newEngine(models.ConflictOverwrite, nil).Restore(context.Background(), Request{
		ArchivePath:   archivePath,
		TargetDir:     target,
		PatternFilter: "**/*.py",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Restored)
	assert.FileExists(t, filepath.Join(target, "a.py"))
	assert.FileExists(t, filepath.Join(target, "pkg", "c.py"))
	assert.NoFileExists(t, filepath.Join(target, "b.txt"))
	assert.NoFileExists(t, filepath.Join(target, "pkg", "d.json"))
}

func TestRestore_DryRun(t *testing.T) {
	archivePath, _ := buildArchive(t, map[string]string{
		"a.txt": "alpha",
		"b.txt": "bravo",
	})
	target := t.TempDir()
	writeFile(t, filepath.Join(target, "a.txt"), "live")

	prompter := &mockPrompter{}
	stats, err := newEngine(models.ConflictPrompt, prompter).Restore(context.Background(), Request{
		ArchivePath: archivePath,
		TargetDir:   target,
		DryRun:      true,
	})
	require.NoError(t, err)
	assert.Empty(t, prompter.asked)
	assert.Zero(t, stats.Restored)
	assert.Equal(t, 1, stats.Conflicts)

	plan := map[string]string{}
	for _, p := range stats.Plan {
		plan[p.Name] = p.Status
	}
	assert.Equal(t, map[string]string{"a.txt": models.PlanOverwrite, "b.txt": models.PlanNew}, plan)
	assert.Equal(t, "live", readFile(t, filepath.Join(target, "a.txt")))
	assert.NoFileExists(t, filepath.Join(target, "b.txt"))
}

func TestRestore_PromptApplyToAll(t *testing.T) {
	archivePath, _ := buildArchive(t, map[string]string{
		"a.txt": "A",
		"b.txt": "B",
		"c.txt": "C",
	})
	target := t.TempDir()
	for _, n := range []string{"a.txt", "b.txt", "c.txt"} {
		writeFile(t, filepath.Join(target, n), "live")
	}

	prompter := &mockPrompter{choices: []Choice{{Action: models.ActionSkip, All: true}}}
	stats, err := newEngine(models.ConflictPrompt, prompter).Restore(context.Background(), Request{
		ArchivePath: archivePath,
		TargetDir:   target,
	})
	require.NoError(t, err)
	assert.Len(t, prompter.asked, 1)
	assert.Equal(t, 3, stats.Skipped)
	assert.Zero(t, stats.Restored)
}

func TestRestore_PromptQuitCancels(t *testing.T) {
	archivePath, _ := buildArchive(t, map[string]string{"a.txt": "A", "b.txt": "B"})
	target := t.TempDir()
	writeFile(t, filepath.Join(target, "a.txt"), "live")

	prompter := &mockPrompter{err: ErrCancelled}
	_, err := newEngine(models.ConflictPrompt, prompter).Restore(context.Background(), Request{
		ArchivePath: archivePath,
		TargetDir:   target,
	})
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, "live", readFile(t, filepath.Join(target, "a.txt")))
	assert.NoFileExists(t, filepath.Join(target, "b.txt"))
}

func TestRestore_InterruptAtPromptCancels(t *testing.T) {
	archivePath, _ := buildArchive(t, map[string]string{"a.txt": "A", "b.txt": "B", "c.txt": "C"})
	target := t.TempDir()
	for _, n := range []string{"a.txt", "b.txt", "c.txt"} {
		writeFile(t, filepath.Join(target, n), "live")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The interrupt lands while the first question is open.
	prompter := &mockPrompter{
		choices:  []Choice{{Action: models.ActionBackup}, {Action: models.ActionBackup}, {Action: models.ActionBackup}},
		onChoose: cancel,
	}

	stats, err := newEngine(models.ConflictPrompt, prompter).Restore(ctx, Request{
		ArchivePath: archivePath,
		TargetDir:   target,
	})

	require.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, stats)
	assert.Len(t, prompter.asked, 1)
	for _, n := range []string{"a.txt", "b.txt", "c.txt"} {
		assert.Equal(t, "live", readFile(t, filepath.Join(target, n)))
	}
	backups, err := filepath.Glob(filepath.Join(target, "*.backup-*"))
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestRestore_AlreadyCancelledContext(t *testing.T) {
	archivePath, _ := buildArchive(t, map[string]string{"a.txt": "A"})
	target := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newEngine(models.ConflictOverwrite, nil).Restore(ctx, Request{
		ArchivePath: archivePath,
		TargetDir:   target,
	})

	require.ErrorIs(t, err, ErrCancelled)
	assert.NoFileExists(t, filepath.Join(target, "a.txt"))
}

// incompleteArchive reports the named entries as stored incomplete.
type incompleteArchive struct {
	*archive.Impl
	names map[string]bool
}

func (a incompleteArchive) List(ctx context.Context, path string) ([]models.ArchiveEntry, error) {
	entries, err := a.Impl.List(ctx, path)
	for i := range entries {
		entries[i].Incomplete = a.names[entries[i].Name]
	}
	return entries, err
}

func TestRestore_SkipsIncompleteEntries(t *testing.T) {
	archivePath, _ := buildArchive(t, map[string]string{"a.txt": "A", "b.txt": "B"})
	target := t.TempDir()
	writeFile(t, filepath.Join(target, "a.txt"), "live")

	e := newEngine(models.ConflictOverwrite, nil)
	e.archive = incompleteArchive{Impl: archive.New(testLogger(), nil), names: map[string]bool{"a.txt": true}}

	stats, err := e.Restore(context.Background(), Request{
		ArchivePath: archivePath,
		TargetDir:   target,
	})

	require.NoError(t, err)
	assert.Equal(t, 1, stats.Restored)
	assert.Zero(t, stats.Conflicts)
	require.Len(t, stats.Failures, 1)
	assert.Equal(t, "a.txt", stats.Failures[0].Path)
	assert.Equal(t, "incomplete", stats.Failures[0].Op)
	assert.ErrorIs(t, stats.Failures[0].Err, archive.ErrIncompleteEntry)
	assert.Equal(t, "live", readFile(t, filepath.Join(target, "a.txt")))
	assert.Equal(t, "B", readFile(t, filepath.Join(target, "b.txt")))
}

func TestRestore_PromptWithoutPrompter(t *testing.T) {
	archivePath, _ := buildArchive(t, map[string]string{"a.txt": "A"})
	target := t.TempDir()
	writeFile(t, filepath.Join(target, "a.txt"), "live")

	_, err := newEngine(models.ConflictPrompt, nil).Restore(context.Background(), Request{
		ArchivePath: archivePath,
		TargetDir:   target,
	})
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestRestore_PreservesPermissions(t *testing.T) {
	root := t.TempDir()
	script := filepath.Join(root, "run.sh")
	writeFile(t, script, "#!/bin/sh\n")
	require.NoError(t, os.Chmod(script, 0o750))
	mtime := time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)
	require.NoError(t, os.Chtimes(script, mtime, mtime))

	archivePath := filepath.Join(t.TempDir(), "backup.tar")
	_, err := archive.New(testLogger(), nil).Create(context.Background(), archive.CreateRequest{
		OutputPath: archivePath,
		Format:     models.FormatNone,
		Metadata:   &models.ArchiveMetadata{BackupInfo: models.BackupInfo{TargetPath: root}},
		Files:      []models.FileToArchive{{Path: script, Name: "run.sh"}},
	})
	require.NoError(t, err)

	target := t.TempDir()
	_, err = newEngine(models.ConflictOverwrite, nil).Restore(context.Background(), Request{
		ArchivePath: archivePath,
		TargetDir:   target,
	})
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(target, "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o750), info.Mode().Perm())
	assert.True(t, info.ModTime().Equal(mtime))
}

func TestRestore_ArchiveNotFound(t *testing.T) {
	_, err := newEngine(models.ConflictOverwrite, nil).Restore(context.Background(), Request{
		ArchivePath: filepath.Join(t.TempDir(), "missing.tar.zst"),
	})
	assert.ErrorIs(t, err, ErrArchiveNotFound)
}

func TestRestore_CorruptArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.tar.gz")
	require.NoError(t, os.WriteFile(path, []byte{0x1f, 0x8b, 0x00, 0x01, 0x02}, 0o644))

	_, err := newEngine(models.ConflictOverwrite, nil).Restore(context.Background(), Request{
		ArchivePath: path,
		TargetDir:   t.TempDir(),
	})
	assert.ErrorIs(t, err, archive.ErrCorrupt)
}

func TestTargetPath(t *testing.T) {
	tests := []struct {
		name      string
		entry     string
		targetDir string
		anchor    string
		want      string
		wantErr   bool
	}{
		{"relative under target", "docs/a.md", "/restore", "", "/restore/docs/a.md", false},
		{"absolute under target", "/etc/hosts", "/restore", "", "/restore/etc/hosts", false},
		{"absolute in place", "/etc/hosts", "", "/home/u", "/etc/hosts", false},
		{"relative anchored", "docs/a.md", "", "/home/u", "/home/u/docs/a.md", false},
		{"relative without anchor", "docs/a.md", "", "", "", true},
		{"traversal", "../../etc/passwd", "/restore", "", "", true},
		{"traversal anchored", "../x", "", "/home/u", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := targetPath(tt.entry, tt.targetDir, tt.anchor)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsafePath)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConsolePrompter(t *testing.T) {
	conflict := models.ConflictRecord{
		Entry:           models.ArchiveEntry{Name: "a.txt", Size: 2048, ModTime: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		TargetPath:      "/home/u/a.txt",
		Exists:          true,
		ExistingSize:    1024,
		ExistingModTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	tests := []struct {
		name    string
		input   string
		want    Choice
		wantErr error
	}{
		{"default skip", "\n", Choice{Action: models.ActionSkip}, nil},
		{"overwrite", "o\n", Choice{Action: models.ActionOverwrite}, nil},
		{"backup", "b\n", Choice{Action: models.ActionBackup}, nil},
		{"overwrite all", "O\n", Choice{Action: models.ActionOverwrite, All: true}, nil},
		{"skip all", "S\n", Choice{Action: models.ActionSkip, All: true}, nil},
		{"backup all", "B\n", Choice{Action: models.ActionBackup, All: true}, nil},
		{"diff then overwrite", "d\no\n", Choice{Action: models.ActionOverwrite}, nil},
		{"unknown then backup", "x\nb\n", Choice{Action: models.ActionBackup}, nil},
		{"answer without newline", "o", Choice{Action: models.ActionOverwrite}, nil},
		{"quit", "q\n", Choice{}, ErrCancelled},
		{"end of input", "", Choice{}, ErrCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			p := NewConsolePrompter(strings.NewReader(tt.input), &out)

			got, err := p.Choose(context.Background(), conflict)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Contains(t, out.String(), "/home/u/a.txt")
		})
	}
}

func TestConsolePrompter_Diff(t *testing.T) {
	var out bytes.Buffer
	p := NewConsolePrompter(strings.NewReader("d\ns\n"), &out)

	_, err := p.Choose(context.Background(), models.ConflictRecord{
		Entry:           models.ArchiveEntry{Size: 2048, ModTime: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		ExistingSize:    1024,
		ExistingModTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "archive copy is 1.0 KiB larger")
	assert.Contains(t, out.String(), "archive copy is newer by 1 day")
}

func TestConsolePrompter_SequentialAnswers(t *testing.T) {
	var out bytes.Buffer
	p := NewConsolePrompter(strings.NewReader("o\nB\n"), &out)
	ctx := context.Background()

	first, err := p.Choose(ctx, models.ConflictRecord{TargetPath: "/a"})
	require.NoError(t, err)
	second, err := p.Choose(ctx, models.ConflictRecord{TargetPath: "/b"})
	require.NoError(t, err)

	assert.Equal(t, Choice{Action: models.ActionOverwrite}, first)
	assert.Equal(t, Choice{Action: models.ActionBackup, All: true}, second)
}

func TestConsolePrompter_ContextCancelledWhileWaiting(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	var out bytes.Buffer
	p := NewConsolePrompter(pr, &out)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := p.Choose(ctx, models.ConflictRecord{TargetPath: "/home/u/a.txt"})
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("Choose did not return after the context was done")
	}
}
