// Package vcs queries git for the state of a working tree.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout bounds every git invocation.
const DefaultTimeout = 30 * time.Second

// MetadataDir is the name of git's private storage directory.
const MetadataDir = ".git"

// ErrNotRepository is returned when a directory is not inside a git work tree.
var ErrNotRepository = errors.New("not a git repository")

// Service defines the interface for git queries against one repository root.
type Service interface {
	GitDir(ctx context.Context, root string) (string, error)
	TrackedFiles(ctx context.Context, root string) ([]string, error)
	UntrackedFiles(ctx context.Context, root string) ([]string, error)
	IgnoredFiles(ctx context.Context, root string) ([]string, error)
	IsIgnored(ctx context.Context, root, rel string) (bool, error)
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Execute runs a command and returns its standard output.
// Standard error is folded into the returned error.
func (e *DefaultExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%w: %s", err, msg)
		}
		return out, err
	}
	return out, nil
}

// exitCoder is satisfied by *exec.ExitError.
type exitCoder interface {
	ExitCode() int
}

// ExitCode extracts a process exit status from err, or -1 if there is none.
func ExitCode(err error) int {
	var ec exitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return -1
}

// Impl implements the Service interface.
type Impl struct {
	executor CommandExecutor
	logger   zerolog.Logger
	timeout  time.Duration
}

// New creates a new git service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor: &DefaultExecutor{},
		logger:   logger,
		timeout:  DefaultTimeout,
	}
}

// NewWithExecutor creates a new git service with a custom executor (for testing).
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

func (s *Impl) git(ctx context.Context, root string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	full := append([]string{"-C", root}, args...)
	out, err := s.executor.Execute(ctx, "git", full...)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return out, fmt.Errorf("git %s timed out after %s: %w", args[0], s.timeout, err)
	}
	return out, err
}

// GitDir returns the absolute path of the repository's metadata directory.
func (s *Impl) GitDir(ctx context.Context, root string) (string, error) {
	out, err := s.git(ctx, root, "rev-parse", "--absolute-git-dir")
	if err != nil {
		if ExitCode(err) == 128 {
			return "", fmt.Errorf("%s: %w", root, ErrNotRepository)
		}
		return "", fmt.Errorf("git rev-parse in %s: %w", root, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// TrackedFiles lists files in the index as absolute paths.
func (s *Impl) TrackedFiles(ctx context.Context, root string) ([]string, error) {
	return s.listFiles(ctx, root, "tracked", "ls-files", "-z")
}

// UntrackedFiles lists untracked files that are not ignored.
func (s *Impl) UntrackedFiles(ctx context.Context, root string) ([]string, error) {
	return s.listFiles(ctx, root, "untracked", "ls-files", "--others", "--exclude-standard", "-z")
}

// IgnoredFiles lists untracked files matched by the ignore rules.
func (s *Impl) IgnoredFiles(ctx context.Context, root string) ([]string, error) {
	return s.listFiles(ctx, root, "ignored", "ls-files", "--others", "--ignored", "--exclude-standard", "-z")
}

func (s *Impl) listFiles(ctx context.Context, root, kind string, args ...string) ([]string, error) {
	out, err := s.git(ctx, root, args...)
	if err != nil {
		return nil, fmt.Errorf("listing %s files in %s: %w", kind, root, err)
	}

	rels := SplitNull(out)
	files := make([]string, 0, len(rels))
	for _, rel := range rels {
		files = append(files, filepath.Join(root, filepath.FromSlash(rel)))
	}

	s.logger.Debug().Str("repository", root).Str("kind", kind).Int("count", len(files)).Msg("listed files")
	return files, nil
}

// IsIgnored reports whether rel (relative to root) is ignored by git.
// An error is returned for anything other than a clear yes or no.
func (s *Impl) IsIgnored(ctx context.Context, root, rel string) (bool, error) {
	_, err := s.git(ctx, root, "check-ignore", "-q", "--", filepath.ToSlash(rel))
	if err == nil {
		return true, nil
	}
	if ExitCode(err) == 1 {
		return false, nil
	}
	return false, fmt.Errorf("git check-ignore %s in %s: %w", rel, root, err)
}

// SplitNull splits NUL-separated command output, dropping empty records.
func SplitNull(out []byte) []string {
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
