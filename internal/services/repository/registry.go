// Package repository discovers git working trees and answers ownership and
// ignore queries for the files beneath them.
//
// A Registry caches what it finds and is meant to live for one scan; reusing
// it across operations on a changing filesystem needs a fresh instance.
package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fgeck/homesnap/internal/models"
	"github.com/fgeck/homesnap/internal/pattern"
	"github.com/fgeck/homesnap/internal/services/finder"
	"github.com/fgeck/homesnap/internal/services/vcs"
	"github.com/fgeck/homesnap/internal/workerpool"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// discoveryGroupSize is the number of seed paths searched by one worker.
const discoveryGroupSize = 3

// homeRootDepth limits the search of the home directory itself, which is
// enough to find ~/.git and ~/<project>/.git.
const homeRootDepth = 2

// ConventionalDirs are the home subdirectories searched besides whitelisted dot directories.
var ConventionalDirs = []string{
	"Documents", "Pictures", "Desktop", "Downloads", "Work", "Projects", "Code", "dev", "src",
}

// HomeSeeds returns the existing whitelisted dot directories and conventional
// directories directly under home, in a stable order.
func HomeSeeds(home string, whitelist []string) []string {
	var seeds []string
	seen := make(map[string]struct{})
	for _, name := range append(append([]string{}, whitelist...), ConventionalDirs...) {
		p := filepath.Join(home, name)
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			seeds = append(seeds, p)
		}
	}
	return seeds
}

// seed is one starting point for repository discovery.
type seed struct {
	path     string
	maxDepth int
}

// Registry caches the repositories discovered under one scan root.
type Registry struct {
	logger   zerolog.Logger
	vcs      vcs.Service
	finder   finder.Service
	home     string
	dotDirs  []string
	parallel bool
	workers  int

	mu       sync.RWMutex
	repos    map[string]*models.Repository
	notRepo  map[string]struct{}
	searched int
}

// New creates an empty registry.
func New(logger zerolog.Logger, cfg *models.Config, vcsSvc vcs.Service, finderSvc finder.Service) *Registry {
	return &Registry{
		logger:   logger,
		vcs:      vcsSvc,
		finder:   finderSvc,
		home:     filepath.Clean(cfg.Target.HomeDir),
		dotDirs:  cfg.DotDirectoryWhitelist,
		parallel: cfg.EnableParallel,
		workers:  cfg.MaxWorkers,
		repos:    make(map[string]*models.Repository),
		notRepo:  make(map[string]struct{}),
	}
}

// IsHome reports whether root is the configured home directory.
func (r *Registry) IsHome(root string) bool {
	return r.home != "" && r.home != "." && filepath.Clean(root) == r.home
}

func (r *Registry) seeds(root string) []seed {
	root = filepath.Clean(root)
	if !r.IsHome(root) {
		return []seed{{path: root}}
	}
	seeds := []seed{{path: root, maxDepth: homeRootDepth}}
	for _, p := range HomeSeeds(root, r.dotDirs) {
		seeds = append(seeds, seed{path: p})
	}
	return seeds
}

// Discover finds every repository under root and caches it. Parallel discovery
// falls back to a sequential search if any group fails.
func (r *Registry) Discover(ctx context.Context, root string) ([]*models.Repository, error) {
	seeds := r.seeds(root)

	var roots []string
	var err error
	if r.parallel && r.workers > 1 && len(seeds) > discoveryGroupSize {
		roots, err = r.discoverParallel(ctx, seeds)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Warn().Err(err).Msg("parallel repository discovery failed, retrying sequentially")
			roots, err = r.discoverGroup(ctx, seeds)
		}
	} else {
		roots, err = r.discoverGroup(ctx, seeds)
	}
	if err != nil {
		return nil, err
	}

	found := r.register(ctx, roots)

	r.mu.Lock()
	r.searched += len(seeds)
	r.mu.Unlock()

	r.logger.Info().Str("root", root).Int("seeds", len(seeds)).Int("repositories", len(found)).Msg("repository discovery complete")
	return found, nil
}

func (r *Registry) discoverParallel(ctx context.Context, seeds []seed) ([]string, error) {
	var tasks []workerpool.Task[[]string]
	for start := 0; start < len(seeds); start += discoveryGroupSize {
		group := seeds[start:min(start+discoveryGroupSize, len(seeds))]
		tasks = append(tasks, workerpool.Task[[]string]{
			Name: group[0].path,
			Run: func(ctx context.Context) ([]string, error) {
				return r.searchGroup(ctx, group)
			},
		})
	}

	outcomes := workerpool.Run(ctx, r.workers, tasks)
	if err := workerpool.Errors(outcomes); err != nil {
		return nil, err
	}

	var roots []string
	for _, o := range outcomes {
		roots = append(roots, o.Value...)
	}
	return roots, nil
}

// discoverGroup searches seeds with find(1), then with the in-process walk if find fails.
func (r *Registry) discoverGroup(ctx context.Context, seeds []seed) ([]string, error) {
	roots, err := r.searchGroup(ctx, seeds)
	if err == nil {
		return roots, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	r.logger.Warn().Err(err).Msg("find failed during repository discovery, walking instead")
	var walkErr error
	roots = nil
	for _, q := range queries(seeds) {
		dirs, err := r.finder.Walk(ctx, q, nil)
		if err != nil && !errors.Is(err, finder.ErrPartial) {
			walkErr = multierr.Append(walkErr, err)
			continue
		}
		roots = append(roots, parents(dirs)...)
	}
	if walkErr != nil && len(roots) == 0 {
		return nil, fmt.Errorf("discovering repositories: %w", walkErr)
	}
	return roots, nil
}

// searchGroup runs one find per depth class. Unreadable paths are tolerated.
func (r *Registry) searchGroup(ctx context.Context, seeds []seed) ([]string, error) {
	var roots []string
	for _, q := range queries(seeds) {
		dirs, err := r.finder.Find(ctx, q)
		if err != nil {
			if !errors.Is(err, finder.ErrPartial) {
				return nil, err
			}
			r.logger.Debug().Err(err).Strs("roots", q.Roots).Msg("repository search skipped unreadable paths")
		}
		roots = append(roots, parents(dirs)...)
	}
	return roots, nil
}

func queries(seeds []seed) []finder.Query {
	byDepth := make(map[int][]string)
	var depths []int
	for _, s := range seeds {
		if _, ok := byDepth[s.maxDepth]; !ok {
			depths = append(depths, s.maxDepth)
		}
		byDepth[s.maxDepth] = append(byDepth[s.maxDepth], s.path)
	}

	qs := make([]finder.Query, 0, len(depths))
	for _, d := range depths {
		qs = append(qs, finder.Query{
			Roots:        byDepth[d],
			Kind:         finder.Dirs,
			Name:         vcs.MetadataDir,
			MaxDepth:     d,
			PruneMatches: true,
		})
	}
	return qs
}

func parents(gitDirs []string) []string {
	out := make([]string, 0, len(gitDirs))
	for _, d := range gitDirs {
		out = append(out, filepath.Dir(d))
	}
	return out
}

// register validates candidate roots with git and caches the valid ones.
func (r *Registry) register(ctx context.Context, roots []string) []*models.Repository {
	sort.Strings(roots)

	var found []*models.Repository
	seen := make(map[string]struct{})
	for _, root := range roots {
		root = filepath.Clean(root)
		if _, ok := seen[root]; ok {
			continue
		}
		seen[root] = struct{}{}

		if repo := r.cached(root); repo != nil {
			found = append(found, repo)
			continue
		}
		if !r.valid(ctx, root) {
			continue
		}
		found = append(found, r.add(root))
	}

	r.mu.Lock()
	r.notRepo = make(map[string]struct{})
	r.mu.Unlock()
	return found
}

// valid reports whether root is the top of its own repository. A stray .git
// directory inside another work tree resolves to the outer git dir and is
// rejected.
func (r *Registry) valid(ctx context.Context, root string) bool {
	gitDir, err := r.vcs.GitDir(ctx, root)
	if err != nil {
		if errors.Is(err, vcs.ErrNotRepository) {
			r.logger.Debug().Str("path", root).Msg("ignoring invalid git directory")
		} else {
			r.logger.Warn().Err(err).Str("path", root).Msg("could not open repository")
		}
		return false
	}
	if !samePath(gitDir, filepath.Join(root, vcs.MetadataDir)) {
		r.logger.Debug().Str("path", root).Str("git_dir", gitDir).Msg("ignoring .git directory owned by another repository")
		return false
	}
	return true
}

func samePath(a, b string) bool {
	return canonical(a) == canonical(b)
}

func canonical(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	return filepath.Clean(p)
}

func (r *Registry) cached(root string) *models.Repository {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.repos[root]
}

func (r *Registry) add(root string) *models.Repository {
	r.mu.Lock()
	defer r.mu.Unlock()
	if repo, ok := r.repos[root]; ok {
		return repo
	}
	repo := &models.Repository{Root: root, GitDir: filepath.Join(root, vcs.MetadataDir)}
	r.repos[root] = repo
	r.logger.Debug().Str("repository", root).Msg("registered repository")
	return repo
}

// OwnerOf returns the repository containing path, or nil. Cached repositories
// are consulted first (deepest root wins); otherwise the directories above
// path are tested for a .git directory.
func (r *Registry) OwnerOf(ctx context.Context, path string) *models.Repository {
	path = filepath.Clean(path)
	if repo := r.deepestCached(path); repo != nil {
		return repo
	}

	dir := path
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		dir = filepath.Dir(path)
	}

	var visited []string
	for {
		if r.knownNotRepo(dir) {
			break
		}
		visited = append(visited, dir)

		if info, err := os.Stat(filepath.Join(dir, vcs.MetadataDir)); err == nil && info.IsDir() && r.valid(ctx, dir) {
			return r.add(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	r.mu.Lock()
	for _, d := range visited {
		r.notRepo[d] = struct{}{}
	}
	r.mu.Unlock()
	return nil
}

func (r *Registry) knownNotRepo(dir string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.notRepo[dir]
	return ok
}

func (r *Registry) deepestCached(path string) *models.Repository {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *models.Repository
	for _, repo := range r.repos {
		if repo.Contains(path) && (best == nil || len(repo.Root) > len(best.Root)) {
			best = repo
		}
	}
	return best
}

// Claimed reports whether path lies under a cached repository root.
func (r *Registry) Claimed(path string) bool {
	return r.deepestCached(filepath.Clean(path)) != nil
}

// Repositories returns the cached repositories sorted by root.
func (r *Registry) Repositories() []*models.Repository {
	r.mu.RLock()
	defer r.mu.RUnlock()

	repos := make([]*models.Repository, 0, len(r.repos))
	for _, repo := range r.repos {
		repos = append(repos, repo)
	}
	sort.Slice(repos, func(i, j int) bool { return repos[i].Root < repos[j].Root })
	return repos
}

// Roots returns the cached repository roots, sorted.
func (r *Registry) Roots() []string {
	repos := r.Repositories()
	roots := make([]string, 0, len(repos))
	for _, repo := range repos {
		roots = append(roots, repo.Root)
	}
	return roots
}

// Stats summarises the registry.
func (r *Registry) Stats() models.RepositoryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return models.RepositoryStats{
		TotalRepositories: len(r.repos),
		ScannedPaths:      r.searched,
	}
}

// IsIgnored asks git whether path is ignored. Any failure counts as not ignored.
func (r *Registry) IsIgnored(ctx context.Context, repo *models.Repository, path string) bool {
	rel, err := repo.Rel(path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return false
	}
	ignored, err := r.vcs.IsIgnored(ctx, repo.Root, rel)
	if err != nil {
		r.logger.Debug().Err(err).Str("path", path).Msg("ignore check failed, treating as not ignored")
		return false
	}
	return ignored
}

// AllFilesOf returns every tracked, untracked and ignored file of repo that
// still exists as a regular file, plus the metadata directory if requested.
// Query failures are returned alongside whatever could be listed.
func (r *Registry) AllFilesOf(ctx context.Context, repo *models.Repository, includeVCSDir bool) ([]string, error) {
	files, err := r.query(ctx, repo, r.vcs.TrackedFiles, r.vcs.UntrackedFiles, r.vcs.IgnoredFiles)
	if includeVCSDir {
		vcsFiles, walkErr := VCSDirFiles(repo)
		files = append(files, vcsFiles...)
		err = multierr.Append(err, walkErr)
	}
	return dedup(files), err
}

// TrackedAndUntracked returns tracked files and untracked files that git does not ignore.
func (r *Registry) TrackedAndUntracked(ctx context.Context, repo *models.Repository) ([]string, error) {
	files, err := r.query(ctx, repo, r.vcs.TrackedFiles, r.vcs.UntrackedFiles)
	return dedup(files), err
}

type listFunc func(ctx context.Context, root string) ([]string, error)

func (r *Registry) query(ctx context.Context, repo *models.Repository, lists ...listFunc) ([]string, error) {
	var files []string
	var errs error
	for _, list := range lists {
		got, err := list(ctx, repo.Root)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		files = append(files, got...)
	}
	return regularFiles(files), errs
}

// OverrideMatches returns the files of repo, ignored ones included, whose
// repository-relative path matches one of patterns.
func (r *Registry) OverrideMatches(ctx context.Context, repo *models.Repository, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		return nil, nil
	}

	candidates, err := r.query(ctx, repo, r.vcs.TrackedFiles, r.vcs.UntrackedFiles, r.vcs.IgnoredFiles)

	stripped := make([]string, len(patterns))
	for i, p := range patterns {
		stripped[i] = strings.ReplaceAll(p, "**/", "")
	}

	matches := func(path string) bool {
		rel, relErr := repo.Rel(path)
		if relErr != nil {
			return false
		}
		rel = filepath.ToSlash(rel)
		base := filepath.Base(path)
		for i, p := range patterns {
			if pattern.Fnmatch(rel, stripped[i]) || pattern.Fnmatch(base, stripped[i]) || pattern.Fnmatch(rel, p) {
				return true
			}
		}
		return false
	}

	globbed, walkErr := walkWorkTree(ctx, repo, matches)
	err = multierr.Append(err, walkErr)

	var result []string
	for _, f := range candidates {
		if matches(f) {
			result = append(result, f)
		}
	}
	result = append(result, globbed...)
	return dedup(result), err
}

// walkWorkTree returns regular files under repo's work tree accepted by keep,
// skipping the metadata directory and nested repositories.
func walkWorkTree(ctx context.Context, repo *models.Repository, keep func(string) bool) ([]string, error) {
	var files []string
	var errs error
	err := filepath.WalkDir(repo.Root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			errs = multierr.Append(errs, err)
			if d != nil && d.IsDir() && path != repo.Root {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path == repo.GitDir {
				return filepath.SkipDir
			}
			if path != repo.Root {
				if _, statErr := os.Stat(filepath.Join(path, vcs.MetadataDir)); statErr == nil {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if d.Type().IsRegular() && keep(path) {
			files = append(files, path)
		}
		return nil
	})
	return files, multierr.Append(errs, err)
}

// VCSDirFiles lists every regular file inside repo's metadata directory.
func VCSDirFiles(repo *models.Repository) ([]string, error) {
	var files []string
	var errs error
	err := filepath.WalkDir(repo.GitDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = multierr.Append(errs, err)
			if d != nil && d.IsDir() && path != repo.GitDir {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	return files, multierr.Append(errs, err)
}

func regularFiles(paths []string) []string {
	out := paths[:0]
	for _, p := range paths {
		info, err := os.Lstat(p)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		out = append(out, p)
	}
	return out
}

func dedup(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	sort.Strings(paths)
	out := paths[:1]
	for _, p := range paths[1:] {
		if p != out[len(out)-1] {
			out = append(out, p)
		}
	}
	return out
}
