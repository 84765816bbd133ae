// Package scanner selects the files of one backup: repositories first, then
// everything outside them, then each repository's own file set.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fgeck/homesnap/internal/models"
	"github.com/fgeck/homesnap/internal/services/finder"
	"github.com/fgeck/homesnap/internal/services/progress"
	"github.com/fgeck/homesnap/internal/services/repository"
	"github.com/fgeck/homesnap/internal/services/selection"
	"github.com/fgeck/homesnap/internal/workerpool"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// Scan phases.
const (
	PhaseDiscovering   = "discovering_repositories"
	PhaseNonRepository = "scanning_non_repository_files"
	PhaseRepository    = "scanning_repository_files"
	PhaseDeduplicating = "deduplicating"
	PhaseDone          = "done"
)

// Registry is the repository registry used by a scan.
type Registry interface {
	selection.Registry
	Discover(ctx context.Context, root string) ([]*models.Repository, error)
	IsHome(root string) bool
	AllFilesOf(ctx context.Context, repo *models.Repository, includeVCSDir bool) ([]string, error)
	TrackedAndUntracked(ctx context.Context, repo *models.Repository) ([]string, error)
	OverrideMatches(ctx context.Context, repo *models.Repository, patterns []string) ([]string, error)
}

// Service defines the interface for scanning.
type Service interface {
	Scan(ctx context.Context, root string) (*models.ScanResult, error)
}

// Impl implements the Service interface.
type Impl struct {
	logger   zerolog.Logger
	cfg      *models.Config
	registry Registry
	finder   finder.Service
	sink     progress.Sink
}

// New creates a scanner. registry should be fresh for every scan.
func New(logger zerolog.Logger, cfg *models.Config, registry Registry, finderSvc finder.Service, sink progress.Sink) *Impl {
	return &Impl{
		logger:   logger,
		cfg:      cfg,
		registry: registry,
		finder:   finderSvc,
		sink:     progress.Or(sink),
	}
}

// chunk is one independent unit of non-repository enumeration.
type chunk struct {
	path     string
	maxDepth int
}

// scan holds the state of one Scan call.
type scan struct {
	*Impl
	root   string
	policy *selection.Policy
	repos  []*models.Repository
	query  finder.Query
}

// unitResult is what one pool unit hands back to the coordinator.
type unitResult struct {
	found    int
	files    []string
	filtered int
	errs     []models.PathError
}

// Scan selects every file to back up under root. Failures of single units are
// reported in ScanResult.Errors; only cancellation aborts the scan.
func (s *Impl) Scan(ctx context.Context, root string) (*models.ScanResult, error) {
	start := time.Now()
	root = filepath.Clean(root)

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("scan root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scan root %s is not a directory", root)
	}

	result := &models.ScanResult{
		Root:            root,
		RepositoryFiles: make(map[string]int),
	}
	workers := 1
	if s.cfg.EnableParallel && s.cfg.MaxWorkers > 1 {
		workers = s.cfg.MaxWorkers
	}
	result.Stats.WorkersUsed = workers
	result.Stats.Parallel = workers > 1

	sc := &scan{Impl: s, root: root, policy: selection.New(s.cfg, s.registry, root)}

	s.phase(PhaseDiscovering)
	repos, err := s.registry.Discover(ctx, root)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn().Err(err).Msg("repository discovery failed, scanning without repositories")
		result.Errors = append(result.Errors, models.PathError{Path: root, Op: "discover repositories", Err: err})
	}
	sc.repos = repos
	result.Stats.RepositoriesFound = len(repos)
	result.Stats.DiscoveryDuration = time.Since(start)

	s.phase(PhaseNonRepository)
	sc.query = sc.pruneQuery()
	nonRepo, err := sc.scanNonRepository(ctx, workers)
	if err != nil {
		return nil, err
	}
	result.Stats.FilesFound += nonRepo.found
	result.Stats.FilteredOut += nonRepo.filtered
	result.Errors = append(result.Errors, nonRepo.errs...)
	s.sink.Emit(models.ProgressEvent{Kind: models.ProgressFilesFound, Phase: PhaseNonRepository, Count: len(nonRepo.files)})

	var repoFiles []string
	if s.cfg.Git.IncludeRepos && len(repos) > 0 {
		s.phase(PhaseRepository)
		outcomes := sc.scanRepositories(ctx, workers)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for _, o := range outcomes {
			if o.Err != nil {
				result.Errors = append(result.Errors, models.PathError{Path: o.Name, Op: "scan repository", Err: o.Err})
				continue
			}
			result.Stats.RepositoriesProcessed++
			result.Stats.FilesFound += o.Value.found
			result.Stats.FilteredOut += o.Value.filtered
			result.Errors = append(result.Errors, o.Value.errs...)
			result.RepositoryFiles[o.Name] = len(o.Value.files)
			repoFiles = append(repoFiles, o.Value.files...)
		}
		s.sink.Emit(models.ProgressEvent{Kind: models.ProgressFilesFound, Phase: PhaseRepository, Count: len(repoFiles)})
	}

	s.phase(PhaseDeduplicating)
	result.Files = Dedup(append(nonRepo.files, repoFiles...))
	result.Stats.RepoFiles = len(repoFiles)
	result.Stats.NonRepoFiles = len(result.Files) - len(repoFiles)
	result.Stats.Duration = time.Since(start)
	result.Filter = sc.policy.Stats()
	result.Repositories = s.registry.Stats()

	s.phase(PhaseDone)
	s.logger.Info().
		Str("root", root).
		Int("files", len(result.Files)).
		Int("repositories", len(repos)).
		Int("filtered", result.Stats.FilteredOut).
		Int("errors", len(result.Errors)).
		Int("workers", workers).
		Dur("duration", result.Stats.Duration).
		Msg("scan complete")
	return result, nil
}

func (s *Impl) phase(name string) {
	s.logger.Debug().Str("phase", name).Msg("scan phase")
	s.sink.Emit(models.ProgressEvent{Kind: models.ProgressPhase, Phase: name})
}

// pruneQuery pre-bakes the directories find never enters: repository roots,
// unlisted home dot directories, and literal names from `**/name/**` patterns.
func (sc *scan) pruneQuery() finder.Query {
	var q finder.Query
	for _, r := range sc.repos {
		q.PrunePaths = append(q.PrunePaths, r.Root)
	}

	home := filepath.Clean(sc.cfg.Target.HomeDir)
	if sc.cfg.Target.HomeDir != "" && (home == sc.root || strings.HasPrefix(home, sc.root+string(filepath.Separator))) {
		entries, _ := os.ReadDir(home)
		for _, e := range entries {
			if e.IsDir() && strings.HasPrefix(e.Name(), ".") && !sc.policy.WhitelistedDotDir(e.Name()) {
				q.PrunePaths = append(q.PrunePaths, filepath.Join(home, e.Name()))
			}
		}
	}

	q.PruneNames = PruneNames(sc.cfg.AlwaysExclude, sc.cfg.ExcludePatterns)
	return q
}

// PruneNames extracts plain directory names from `**/name/**` patterns.
func PruneNames(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, list := range lists {
		for _, p := range list {
			if !strings.HasPrefix(p, "**/") || !strings.HasSuffix(p, "/**") || len(p) <= 6 {
				continue
			}
			name := p[3 : len(p)-3]
			if strings.ContainsAny(name, `/*?[]{}\`) {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	return names
}

// chunks splits the non-repository scan into independent units. The home
// directory is its root (depth 1) plus the seed directories; any other root
// is its own files (depth 1) plus each top-level directory worth entering.
func (sc *scan) chunks(ctx context.Context) []chunk {
	chunks := []chunk{{path: sc.root, maxDepth: 1}}

	var dirs []string
	if sc.registry.IsHome(sc.root) {
		dirs = repository.HomeSeeds(sc.root, sc.cfg.DotDirectoryWhitelist)
	} else {
		entries, err := os.ReadDir(sc.root)
		if err != nil {
			sc.logger.Warn().Err(err).Str("path", sc.root).Msg("cannot list scan root")
		}
		for _, e := range entries {
			if e.IsDir() {
				dirs = append(dirs, filepath.Join(sc.root, e.Name()))
			}
		}
	}

	for _, d := range dirs {
		if sc.isRepoRoot(d) {
			continue
		}
		if dec := sc.policy.ShouldIncludeDirectory(ctx, d); !dec.Include {
			sc.logger.Debug().Str("path", d).Str("reason", dec.Reason).Msg("skipping directory")
			continue
		}
		chunks = append(chunks, chunk{path: d})
	}
	return chunks
}

func (sc *scan) scanNonRepository(ctx context.Context, workers int) (unitResult, error) {
	var units []chunk
	if workers > 1 || sc.registry.IsHome(sc.root) {
		units = sc.chunks(ctx)
	} else {
		units = []chunk{{path: sc.root}}
	}

	if workers <= 1 {
		return sc.enumerate(ctx, units)
	}

	tasks := make([]workerpool.Task[unitResult], 0, len(units))
	for _, u := range units {
		u := u
		tasks = append(tasks, workerpool.Task[unitResult]{
			Name: u.path,
			Run: func(ctx context.Context) (unitResult, error) {
				return sc.enumerate(ctx, []chunk{u})
			},
		})
	}

	var merged unitResult
	for _, o := range workerpool.Run(ctx, workers, tasks) {
		if o.Err != nil {
			if ctx.Err() != nil {
				return unitResult{}, ctx.Err()
			}
			sc.logger.Warn().Err(o.Err).Str("chunk", o.Name).Msg("chunk scan failed")
			merged.errs = append(merged.errs, models.PathError{Path: o.Name, Op: "scan directory", Err: o.Err})
			continue
		}
		merged.found += o.Value.found
		merged.filtered += o.Value.filtered
		merged.files = append(merged.files, o.Value.files...)
		merged.errs = append(merged.errs, o.Value.errs...)
	}
	return merged, nil
}

// enumerate lists the candidates of units with find, falling back to the
// walk, and filters them through the policy.
func (sc *scan) enumerate(ctx context.Context, units []chunk) (unitResult, error) {
	var res unitResult
	for _, q := range sc.queries(units) {
		files, err := sc.finder.Find(ctx, q)
		if err != nil && !errors.Is(err, finder.ErrPartial) {
			if ctx.Err() != nil {
				return unitResult{}, ctx.Err()
			}
			sc.logger.Warn().Err(err).Strs("roots", q.Roots).Msg("find failed, using fallback walk")
			files, err = sc.finder.Walk(ctx, q, func(dir string) bool {
				return sc.policy.ShouldIncludeDirectory(ctx, dir).Include
			})
			if err != nil && !errors.Is(err, finder.ErrPartial) {
				return unitResult{}, err
			}
		}
		if err != nil {
			res.errs = append(res.errs, models.PathError{Path: strings.Join(q.Roots, ","), Op: "enumerate", Err: err})
		}

		res.found += len(files)
		for _, f := range files {
			if sc.claimed(f) {
				continue
			}
			if ok, reason := sc.policy.PassesSize(f); !ok {
				sc.filtered(&res, f, reason)
				continue
			}
			if dec := sc.policy.ShouldIncludeFile(ctx, f); !dec.Include {
				sc.filtered(&res, f, dec.Reason)
				continue
			}
			res.files = append(res.files, f)
		}
	}
	return res, nil
}

func (sc *scan) filtered(res *unitResult, path, reason string) {
	res.filtered++
	sc.sink.Emit(models.ProgressEvent{Kind: models.ProgressFiltered, Path: path, Reason: reason})
}

// queries groups units by depth so each group is one find invocation.
func (sc *scan) queries(units []chunk) []finder.Query {
	byDepth := make(map[int][]string)
	var depths []int
	for _, u := range units {
		if _, ok := byDepth[u.maxDepth]; !ok {
			depths = append(depths, u.maxDepth)
		}
		byDepth[u.maxDepth] = append(byDepth[u.maxDepth], u.path)
	}

	qs := make([]finder.Query, 0, len(depths))
	for _, d := range depths {
		q := sc.query
		q.Roots = byDepth[d]
		q.MaxDepth = d
		q.Kind = finder.Files
		qs = append(qs, q)
	}
	return qs
}

// claimed reports whether path lies under a repository found by discovery.
func (sc *scan) claimed(path string) bool {
	for _, r := range sc.repos {
		if r.Contains(path) {
			return true
		}
	}
	return false
}

func (sc *scan) isRepoRoot(dir string) bool {
	for _, r := range sc.repos {
		if r.Root == dir {
			return true
		}
	}
	return false
}

func (sc *scan) scanRepositories(ctx context.Context, workers int) []workerpool.Outcome[unitResult] {
	tasks := make([]workerpool.Task[unitResult], 0, len(sc.repos))
	for _, repo := range sc.repos {
		repo := repo
		tasks = append(tasks, workerpool.Task[unitResult]{
			Name: repo.Root,
			Run: func(ctx context.Context) (unitResult, error) {
				return sc.scanRepository(ctx, repo)
			},
		})
	}
	return workerpool.Run(ctx, workers, tasks)
}

// scanRepository collects one repository's files and applies the universal filters.
func (sc *scan) scanRepository(ctx context.Context, repo *models.Repository) (unitResult, error) {
	var candidates []string
	var errs error

	if sc.cfg.Git.RespectGitignore {
		files, err := sc.registry.TrackedAndUntracked(ctx, repo)
		errs = multierr.Append(errs, err)
		candidates = append(candidates, files...)

		overrides, err := sc.registry.OverrideMatches(ctx, repo, sc.cfg.Git.OverridePatterns)
		errs = multierr.Append(errs, err)
		candidates = append(candidates, overrides...)

		if sc.cfg.Git.IncludeVCSDir {
			vcsFiles, err := repository.VCSDirFiles(repo)
			errs = multierr.Append(errs, err)
			candidates = append(candidates, vcsFiles...)
		}
	} else {
		files, err := sc.registry.AllFilesOf(ctx, repo, sc.cfg.Git.IncludeVCSDir)
		errs = multierr.Append(errs, err)
		candidates = files
	}
	if err := ctx.Err(); err != nil {
		return unitResult{}, err
	}

	candidates = Dedup(candidates)
	res := unitResult{found: len(candidates)}
	if errs != nil {
		sc.logger.Warn().Err(errs).Str("repository", repo.Root).Msg("repository listing incomplete")
		res.errs = append(res.errs, models.PathError{Path: repo.Root, Op: "list repository files", Err: errs})
	}

	for _, f := range candidates {
		if owner := sc.owner(f); owner != repo {
			continue
		}
		if ok, reason := sc.policy.PassesSize(f); !ok {
			sc.filtered(&res, f, reason)
			continue
		}
		if sc.policy.AlwaysExcluded(f) {
			sc.filtered(&res, f, selection.ReasonAlwaysExclude)
			continue
		}
		if sc.cfg.Git.ExcludePatternsInRepos && sc.policy.Excluded(f) {
			sc.filtered(&res, f, selection.ReasonRepoExcluded)
			continue
		}
		res.files = append(res.files, f)
	}

	sc.sink.Emit(models.ProgressEvent{Kind: models.ProgressRepository, Path: repo.Root, Count: len(res.files)})
	return res, nil
}

// owner returns the deepest discovered repository containing path.
func (sc *scan) owner(path string) *models.Repository {
	var best *models.Repository
	for _, r := range sc.repos {
		if r.Contains(path) && (best == nil || len(r.Root) > len(best.Root)) {
			best = r
		}
	}
	return best
}

// Dedup sorts paths and removes duplicates.
func Dedup(paths []string) []string {
	if len(paths) == 0 {
		return []string{}
	}
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	out := sorted[:1]
	for _, p := range sorted[1:] {
		if p != out[len(out)-1] {
			out = append(out, p)
		}
	}
	return out
}
