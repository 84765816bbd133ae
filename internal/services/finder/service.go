// Package finder enumerates files and directories under a set of roots.
package finder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// DefaultTimeout bounds every find invocation.
const DefaultTimeout = 60 * time.Second

// ErrPartial marks a result that is usable but skipped unreadable paths.
var ErrPartial = errors.New("some paths could not be read")

// FallbackExtensions are the only files the fallback walk returns.
var FallbackExtensions = []string{
	".py", ".js", ".ts", ".md", ".txt", ".json", ".yaml", ".yml", ".png", ".jpg", ".pdf",
}

// Kind selects what a query returns.
type Kind int

const (
	// Files returns regular files.
	Files Kind = iota
	// Dirs returns directories.
	Dirs
)

// Query describes one enumeration.
type Query struct {
	Roots []string
	Kind  Kind
	// Name restricts results to entries with this base name.
	Name string
	// MaxDepth limits descent below each root; 0 means unlimited.
	MaxDepth int
	// PrunePaths are absolute directories that are never entered.
	PrunePaths []string
	// PruneNames are directory base names that are never entered.
	PruneNames []string
	// PruneMatches stops descent below a matching result (e.g. .git directories).
	PruneMatches bool
}

// Service defines the interface for file enumeration.
type Service interface {
	Find(ctx context.Context, q Query) ([]string, error)
	Walk(ctx context.Context, q Query, allowDir func(path string) bool) ([]string, error)
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Execute runs a command and returns its standard output, even on failure.
func (e *DefaultExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%w: %s", err, firstLine(msg))
		}
		return out, err
	}
	return out, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

// Impl implements the Service interface.
type Impl struct {
	executor CommandExecutor
	logger   zerolog.Logger
	timeout  time.Duration
}

// New creates a new finder service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor: &DefaultExecutor{},
		logger:   logger,
		timeout:  DefaultTimeout,
	}
}

// NewWithExecutor creates a new finder service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, executor CommandExecutor) *Impl {
	return &Impl{
		executor: executor,
		logger:   logger,
		timeout:  DefaultTimeout,
	}
}

// WithTimeout overrides the per-command timeout.
func (s *Impl) WithTimeout(d time.Duration) *Impl {
	s.timeout = d
	return s
}

// BuildArgs renders q as find(1) arguments.
func BuildArgs(q Query) []string {
	args := append([]string{}, q.Roots...)
	if q.MaxDepth > 0 {
		args = append(args, "-maxdepth", strconv.Itoa(q.MaxDepth))
	}

	if len(q.PrunePaths)+len(q.PruneNames) > 0 {
		args = append(args, "(")
		first := true
		for _, p := range q.PrunePaths {
			if !first {
				args = append(args, "-o")
			}
			args = append(args, "-path", escapeGlob(filepath.Clean(p)))
			first = false
		}
		for _, n := range q.PruneNames {
			if !first {
				args = append(args, "-o")
			}
			args = append(args, "-name", escapeGlob(n))
			first = false
		}
		args = append(args, ")", "-prune", "-o")
	}

	if q.Kind == Dirs {
		args = append(args, "-type", "d")
	} else {
		args = append(args, "-type", "f")
	}
	if q.Name != "" {
		args = append(args, "-name", escapeGlob(q.Name))
	}
	args = append(args, "-print0")
	if q.PruneMatches {
		args = append(args, "-prune")
	}
	return args
}

// escapeGlob quotes find's glob metacharacters so s matches literally.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Find runs find(1). Exit status 1 with output is reported as ErrPartial
// alongside the files that were found.
func (s *Impl) Find(ctx context.Context, q Query) ([]string, error) {
	if len(q.Roots) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	out, err := s.executor.Execute(ctx, "find", BuildArgs(q)...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("find timed out or was cancelled after %s: %w", time.Since(start).Round(time.Millisecond), ctx.Err())
		}
		var ec interface{ ExitCode() int }
		if errors.As(err, &ec) && ec.ExitCode() == 1 {
			files := splitNull(out)
			s.logger.Warn().Err(err).Int("found", len(files)).Msg("find reported unreadable paths")
			return files, fmt.Errorf("%w: %w", ErrPartial, err)
		}
		return nil, fmt.Errorf("running find: %w", err)
	}

	files := splitNull(out)
	s.logger.Debug().
		Strs("roots", q.Roots).
		Int("found", len(files)).
		Dur("duration", time.Since(start)).
		Msg("find completed")
	return files, nil
}

// Walk is the in-process fallback for Find. It returns regular files with one
// of FallbackExtensions (directories when q.Kind is Dirs), consulting allowDir
// before entering any directory below a root.
func (s *Impl) Walk(ctx context.Context, q Query, allowDir func(path string) bool) ([]string, error) {
	prunePaths := make(map[string]struct{}, len(q.PrunePaths))
	for _, p := range q.PrunePaths {
		prunePaths[filepath.Clean(p)] = struct{}{}
	}
	pruneNames := make(map[string]struct{}, len(q.PruneNames))
	for _, n := range q.PruneNames {
		pruneNames[n] = struct{}{}
	}

	var result []string
	var errs error
	for _, root := range q.Roots {
		root = filepath.Clean(root)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				errs = multierr.Append(errs, err)
				if d != nil && d.IsDir() && path != root {
					return filepath.SkipDir
				}
				return nil
			}

			depth := depthBelow(root, path)
			if d.IsDir() {
				if path != root {
					if _, ok := prunePaths[path]; ok {
						return filepath.SkipDir
					}
					if _, ok := pruneNames[d.Name()]; ok {
						return filepath.SkipDir
					}
				}
				if q.Kind == Dirs && (q.Name == "" || d.Name() == q.Name) && path != root {
					result = append(result, path)
					if q.PruneMatches {
						return filepath.SkipDir
					}
				}
				if q.MaxDepth > 0 && depth >= q.MaxDepth {
					return filepath.SkipDir
				}
				if path != root && allowDir != nil && !allowDir(path) {
					return filepath.SkipDir
				}
				return nil
			}

			if q.Kind != Files || !d.Type().IsRegular() {
				return nil
			}
			if q.Name != "" && d.Name() != q.Name {
				return nil
			}
			if hasFallbackExtension(d.Name()) {
				result = append(result, path)
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			errs = multierr.Append(errs, err)
		}
	}

	s.logger.Debug().Strs("roots", q.Roots).Int("found", len(result)).Msg("fallback walk completed")
	if errs != nil {
		return result, fmt.Errorf("%w: %w", ErrPartial, errs)
	}
	return result, nil
}

func depthBelow(root, path string) int {
	if path == root {
		return 0
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}

func hasFallbackExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range FallbackExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

func splitNull(out []byte) []string {
	parts := bytes.Split(out, []byte{0})
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if len(p) == 0 {
			continue
		}
		result = append(result, string(p))
	}
	return result
}
