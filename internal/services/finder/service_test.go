package finder

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockExecutor is a mock implementation of CommandExecutor for testing.
type mockExecutor struct {
	executeFunc func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func (m *mockExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	if m.executeFunc != nil {
		return m.executeFunc(ctx, name, args...)
	}
	return nil, nil
}

type exitError struct{ code int }

func (e *exitError) Error() string { return "exit status" }
func (e *exitError) ExitCode() int { return e.code }

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{
			name:  "files only",
			query: Query{Roots: []string{"/home/u/src"}},
			want:  []string{"/home/u/src", "-type", "f", "-print0"},
		},
		{
			name:  "depth limited",
			query: Query{Roots: []string{"/home/u"}, MaxDepth: 1},
			want:  []string{"/home/u", "-maxdepth", "1", "-type", "f", "-print0"},
		},
		{
			name: "with prunes",
			query: Query{
				Roots:      []string{"/data"},
				PrunePaths: []string{"/data/repo", "/data/odd[1]"},
				PruneNames: []string{"node_modules"},
			},
			want: []string{
				"/data", "(", "-path", "/data/repo", "-o", "-path", `/data/odd\[1\]`,
				"-o", "-name", "node_modules", ")", "-prune", "-o", "-type", "f", "-print0",
			},
		},
		{
			name:  "vcs discovery",
			query: Query{Roots: []string{"/a", "/b"}, Kind: Dirs, Name: ".git", PruneMatches: true},
			want:  []string{"/a", "/b", "-type", "d", "-name", ".git", "-print0", "-prune"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildArgs(tt.query))
		})
	}
}

func TestFind_ParsesOutput(t *testing.T) {
	executor := &mockExecutor{
		executeFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			assert.Equal(t, "find", name)
			return []byte("/a/x.py\x00/a/with\nnewline.txt\x00"), nil
		},
	}

	files, err := NewWithExecutor(testLogger(), executor).Find(context.Background(), Query{Roots: []string{"/a"}})

	require.NoError(t, err)
	assert.Equal(t, []string{"/a/x.py", "/a/with\nnewline.txt"}, files)
}

func TestFind_NoRoots(t *testing.T) {
	executor := &mockExecutor{
		executeFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			t.Fatal("find must not run without roots")
			return nil, nil
		},
	}

	files, err := NewWithExecutor(testLogger(), executor).Find(context.Background(), Query{})

	assert.NoError(t, err)
	assert.Empty(t, files)
}

func TestFind_PartialResult(t *testing.T) {
	executor := &mockExecutor{
		executeFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return []byte("/a/ok.txt\x00"), &exitError{code: 1}
		},
	}

	files, err := NewWithExecutor(testLogger(), executor).Find(context.Background(), Query{Roots: []string{"/a"}})

	assert.ErrorIs(t, err, ErrPartial)
	assert.Equal(t, []string{"/a/ok.txt"}, files)
}

func TestFind_Failure(t *testing.T) {
	executor := &mockExecutor{
		executeFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return nil, errors.New("exec: \"find\": executable file not found in $PATH")
		},
	}

	files, err := NewWithExecutor(testLogger(), executor).Find(context.Background(), Query{Roots: []string{"/a"}})

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPartial)
	assert.Nil(t, files)
}

func TestFind_Timeout(t *testing.T) {
	executor := &mockExecutor{
		executeFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	svc := NewWithExecutor(testLogger(), executor).WithTimeout(10 * time.Millisecond)
	_, err := svc.Find(context.Background(), Query{Roots: []string{"/a"}})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWalk_FallbackExtensions(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "keep.py"), "x")
	writeFile(t, filepath.Join(root, "skip.bin"), "x")
	writeFile(t, filepath.Join(root, "docs", "README.MD"), "x")
	writeFile(t, filepath.Join(root, "node_modules", "pkg", "index.js"), "x")
	writeFile(t, filepath.Join(root, "repo", "main.go.txt"), "x")
	writeFile(t, filepath.Join(root, "blocked", "a.txt"), "x")

	svc := New(testLogger())
	files, err := svc.Walk(context.Background(), Query{
		Roots:      []string{root},
		PrunePaths: []string{filepath.Join(root, "repo")},
		PruneNames: []string{"node_modules"},
	}, func(path string) bool {
		return filepath.Base(path) != "blocked"
	})

	require.NoError(t, err)
	sort.Strings(files)
	assert.Equal(t, []string{
		filepath.Join(root, "docs", "README.MD"),
		filepath.Join(root, "keep.py"),
	}, files)
}

func TestWalk_MaxDepth(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "top.txt"), "x")
	writeFile(t, filepath.Join(root, "sub", "deep.txt"), "x")

	files, err := New(testLogger()).Walk(context.Background(), Query{Roots: []string{root}, MaxDepth: 1}, nil)

	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "top.txt")}, files)
}

func TestWalk_Dirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", ".git", "objects"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "b", "c", ".git"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "d"), 0o755))

	dirs, err := New(testLogger()).Walk(context.Background(), Query{
		Roots:        []string{root},
		Kind:         Dirs,
		Name:         ".git",
		PruneMatches: true,
	}, nil)

	require.NoError(t, err)
	sort.Strings(dirs)
	assert.Equal(t, []string{
		filepath.Join(root, "a", ".git"),
		filepath.Join(root, "b", "c", ".git"),
	}, dirs)
}

func TestWalk_Cancelled(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "x")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(testLogger()).Walk(ctx, Query{Roots: []string{root}}, nil)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestWalk_MissingRoot(t *testing.T) {
	files, err := New(testLogger()).Walk(context.Background(), Query{Roots: []string{"/nonexistent/homesnap"}}, nil)

	assert.ErrorIs(t, err, ErrPartial)
	assert.Empty(t, files)
}

func TestFind_RealBinary(t *testing.T) {
	if _, err := exec.LookPath("find"); err != nil {
		t.Skip("find not installed")
	}

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.bin"), "x")
	writeFile(t, filepath.Join(root, "name with space.txt"), "x")
	writeFile(t, filepath.Join(root, "node_modules", "x.js"), "x")
	writeFile(t, filepath.Join(root, "repo", "y.go"), "x")
	writeFile(t, filepath.Join(root, "sub", "z.md"), "x")

	files, err := New(testLogger()).Find(context.Background(), Query{
		Roots:      []string{root},
		PrunePaths: []string{filepath.Join(root, "repo")},
		PruneNames: []string{"node_modules"},
	})

	require.NoError(t, err)
	sort.Strings(files)
	assert.Equal(t, []string{
		filepath.Join(root, "a.bin"),
		filepath.Join(root, "name with space.txt"),
		filepath.Join(root, "sub", "z.md"),
	}, files)
}
