// Package selection decides which files and directories belong in a backup.
package selection

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/homesnap/internal/models"
	"github.com/fgeck/homesnap/internal/pattern"
	"golang.org/x/sys/unix"
)

// Decision reasons.
const (
	ReasonInaccessible      = "inaccessible"
	ReasonAlwaysExclude     = "matches always_exclude pattern"
	ReasonTooLarge          = "file size exceeds max_file_size"
	ReasonVCSDirIncluded    = "git directory (included by config)"
	ReasonVCSDirExcluded    = "git directory (excluded by config)"
	ReasonGitignored        = "ignored by .gitignore"
	ReasonRepoExcluded      = "in git repository but matches exclude pattern"
	ReasonInRepository      = "in git repository"
	ReasonOverride          = "gitignored but matches override pattern"
	ReasonExcluded          = "matches exclude pattern"
	ReasonNoIncludePatterns = "no include patterns specified"
	ReasonIncluded          = "matches include pattern"
	ReasonNotIncluded       = "does not match any include pattern"
	ReasonDotDirNotListed   = "home dot directory not in whitelist"
	ReasonTraversalAllowed  = "directory traversal allowed"
)

// Registry is the repository lookup the policy depends on.
type Registry interface {
	OwnerOf(ctx context.Context, path string) *models.Repository
	IsIgnored(ctx context.Context, repo *models.Repository, path string) bool
	Stats() models.RepositoryStats
}

// Policy applies the include, exclude and git rules of one configuration.
// It is safe for concurrent use once repository discovery has finished.
type Policy struct {
	cfg      *models.Config
	registry Registry
	matcher  pattern.Matcher
	home     string
	dotDirs  map[string]struct{}
}

// New creates a policy for a scan rooted at root.
func New(cfg *models.Config, registry Registry, root string) *Policy {
	dotDirs := make(map[string]struct{}, len(cfg.DotDirectoryWhitelist))
	for _, d := range cfg.DotDirectoryWhitelist {
		dotDirs[d] = struct{}{}
	}
	home := ""
	if cfg.Target.HomeDir != "" {
		home = filepath.Clean(cfg.Target.HomeDir)
	}
	return &Policy{
		cfg:      cfg,
		registry: registry,
		matcher:  pattern.NewMatcher(root),
		home:     home,
		dotDirs:  dotDirs,
	}
}

func include(path, reason string) models.Decision {
	return models.Decision{Path: path, Include: true, Reason: reason}
}

func exclude(path, reason string) models.Decision {
	return models.Decision{Path: path, Include: false, Reason: reason}
}

// ShouldIncludeFile decides whether path is backed up. The first matching rule wins.
func (p *Policy) ShouldIncludeFile(ctx context.Context, path string) models.Decision {
	info, err := os.Stat(path)
	if err != nil || !readable(path) {
		return exclude(path, ReasonInaccessible)
	}

	if p.AlwaysExcluded(path) {
		return exclude(path, ReasonAlwaysExclude)
	}

	if !info.IsDir() && info.Size() > p.cfg.MaxFileSizeBytes {
		return exclude(path, sizeReason(info.Size(), p.cfg.MaxFileSizeBytes))
	}

	if repo := p.registry.OwnerOf(ctx, path); repo != nil {
		return p.repositoryDecision(ctx, repo, path)
	}

	if p.Excluded(path) {
		return exclude(path, ReasonExcluded)
	}
	if len(p.cfg.IncludePatterns) == 0 {
		return include(path, ReasonNoIncludePatterns)
	}
	if p.matcher.Match(path, p.cfg.IncludePatterns) {
		return include(path, ReasonIncluded)
	}
	return exclude(path, ReasonNotIncluded)
}

// ShouldIncludeDirectory decides whether a walker descends into path. An
// included directory only means its files are considered individually.
func (p *Policy) ShouldIncludeDirectory(ctx context.Context, path string) models.Decision {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() || !readable(path) {
		return exclude(path, ReasonInaccessible)
	}

	if p.AlwaysExcluded(path) {
		return exclude(path, ReasonAlwaysExclude)
	}

	if p.IsHomeDotDir(path) {
		if _, ok := p.dotDirs[filepath.Base(path)]; !ok {
			return exclude(path, fmt.Sprintf("%s: %s", ReasonDotDirNotListed, filepath.Base(path)))
		}
	}

	if repo := p.registry.OwnerOf(ctx, path); repo != nil {
		return p.repositoryDecision(ctx, repo, path)
	}

	if p.Excluded(path) {
		return exclude(path, ReasonExcluded)
	}
	return include(path, ReasonTraversalAllowed)
}

func (p *Policy) repositoryDecision(ctx context.Context, repo *models.Repository, path string) models.Decision {
	if repo.InVCSDir(path) {
		if p.cfg.Git.IncludeVCSDir {
			return include(path, ReasonVCSDirIncluded)
		}
		return exclude(path, ReasonVCSDirExcluded)
	}

	overridden := false
	if p.cfg.Git.RespectGitignore && p.registry.IsIgnored(ctx, repo, path) {
		if !p.MatchesOverride(repo, path) {
			return exclude(path, ReasonGitignored)
		}
		overridden = true
	}

	if p.cfg.Git.ExcludePatternsInRepos && p.Excluded(path) {
		return exclude(path, ReasonRepoExcluded)
	}

	if overridden {
		return include(path, ReasonOverride)
	}
	return include(path, ReasonInRepository)
}

// MatchesOverride reports whether path matches a gitignore override pattern,
// trying its repository-relative form as well.
func (p *Policy) MatchesOverride(repo *models.Repository, path string) bool {
	return pattern.NewMatcher(repo.Root).Match(path, p.cfg.Git.OverridePatterns)
}

// PassesSize reports whether path is within max_file_size. A file that
// cannot be stat'ed fails.
func (p *Policy) PassesSize(path string) (bool, string) {
	info, err := os.Stat(path)
	if err != nil {
		return false, ReasonInaccessible
	}
	if info.Size() > p.cfg.MaxFileSizeBytes {
		return false, sizeReason(info.Size(), p.cfg.MaxFileSizeBytes)
	}
	return true, ""
}

// AlwaysExcluded reports whether path matches always_exclude.
func (p *Policy) AlwaysExcluded(path string) bool {
	return p.matcher.Match(path, p.cfg.AlwaysExclude)
}

// Excluded reports whether path matches exclude_patterns.
func (p *Policy) Excluded(path string) bool {
	return p.matcher.Match(path, p.cfg.ExcludePatterns)
}

// IsHomeDotDir reports whether path is a dot directory directly under home.
func (p *Policy) IsHomeDotDir(path string) bool {
	if p.home == "" {
		return false
	}
	path = filepath.Clean(path)
	return filepath.Dir(path) == p.home && strings.HasPrefix(filepath.Base(path), ".")
}

// WhitelistedDotDir reports whether name is in the dot-directory whitelist.
func (p *Policy) WhitelistedDotDir(name string) bool {
	_, ok := p.dotDirs[name]
	return ok
}

// Stats summarises the policy for archive metadata.
func (p *Policy) Stats() models.FilterStats {
	return models.FilterStats{
		GitRepositories:     p.registry.Stats().TotalRepositories,
		MaxFileSizeBytes:    p.cfg.MaxFileSizeBytes,
		IncludePatterns:     len(p.cfg.IncludePatterns),
		ExcludePatterns:     len(p.cfg.ExcludePatterns),
		AlwaysExclude:       len(p.cfg.AlwaysExclude),
		OverridePatterns:    len(p.cfg.Git.OverridePatterns),
		DotDirWhitelistSize: len(p.cfg.DotDirectoryWhitelist),
	}
}

func sizeReason(size, limit int64) string {
	return fmt.Sprintf("%s (%s > %s)", ReasonTooLarge,
		humanize.IBytes(uint64(size)), humanize.IBytes(uint64(limit)))
}

func readable(path string) bool {
	return unix.Access(path, unix.R_OK) == nil
}
