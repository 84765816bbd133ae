package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/homesnap/internal/config"
	"github.com/fgeck/homesnap/internal/models"
	"github.com/fgeck/homesnap/internal/services/progress"
	"github.com/fgeck/homesnap/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var createOpts struct {
	output      string
	format      string
	level       int
	dryRun      bool
	excludeGit  bool
	include     []string
	exclude     []string
	maxWorkers  int
	noParallel  bool
	printConfig bool
}

var createCmd = &cobra.Command{
	Use:   "create [target]",
	Short: "Create a backup archive",
	Long: `Scan the target directory (default: target.base_path, usually ~) and
write every selected file into a compressed archive.

The scan runs in phases:
1. Discover git repositories
2. Select files outside repositories by include/exclude patterns
3. Select repository files, honoring .gitignore and override patterns
4. Deduplicate, then write the archive (skipped with --dry-run)`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCreate,
}

func init() {
	f := createCmd.Flags()
	f.StringVarP(&createOpts.output, "output", "o", "", "output archive path ({timestamp} is expanded)")
	f.StringVar(&createOpts.format, "format", "", "compression format: zstd, lz4, gzip, none")
	f.IntVar(&createOpts.level, "level", 0, "compression level")
	f.BoolVarP(&createOpts.dryRun, "dry-run", "n", false, "list selected files without writing an archive")
	f.BoolVar(&createOpts.excludeGit, "exclude-git", false, "skip git repositories entirely")
	f.StringSliceVar(&createOpts.include, "include", nil, "additional include pattern (repeatable)")
	f.StringSliceVar(&createOpts.exclude, "exclude", nil, "additional exclude pattern (repeatable)")
	f.IntVar(&createOpts.maxWorkers, "max-workers", 0, "maximum parallel workers")
	f.BoolVar(&createOpts.noParallel, "no-parallel", false, "disable parallel scanning")
	f.BoolVar(&createOpts.printConfig, "print-config", false, "print the effective configuration and exit")
}

// applyCreateFlags overlays command line flags on cfg.
func applyCreateFlags(cmd *cobra.Command, cfg *models.Config) {
	flags := cmd.Flags()
	if createOpts.format != "" {
		cfg.Compression.Format = createOpts.format
		if !flags.Changed("level") {
			cfg.Compression.Level = defaultLevel(createOpts.format)
		}
	}
	if flags.Changed("level") {
		cfg.Compression.Level = createOpts.level
	}
	if createOpts.excludeGit {
		cfg.Git.IncludeRepos = false
	}
	cfg.IncludePatterns = append(cfg.IncludePatterns, createOpts.include...)
	cfg.ExcludePatterns = append(cfg.ExcludePatterns, createOpts.exclude...)
	if createOpts.maxWorkers > 0 {
		cfg.MaxWorkers = createOpts.maxWorkers
	}
	if createOpts.noParallel {
		cfg.EnableParallel = false
	}
}

// defaultLevel picks a sensible level when only the format is overridden.
func defaultLevel(format string) int {
	switch format {
	case models.FormatGzip:
		return 6
	case models.FormatLZ4:
		return 1
	default:
		return config.DefaultLevel
	}
}

func runCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyCreateFlags(cmd, cfg)

	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return err
	}

	if createOpts.printConfig {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	}

	var target string
	if len(args) == 1 {
		target = args[0]
	}

	ctx, cancel := signalContext()
	defer cancel()

	runnerSvc := runner.New(log.Logger, progress.NewLogSink(log.Logger))
	result, err := runnerSvc.Backup(ctx, cfg, runner.BackupOptions{
		Target: target,
		Output: createOpts.output,
		DryRun: createOpts.dryRun,
	})
	if err != nil {
		log.Error().Err(err).Msg("backup failed")
		return err
	}

	printBackupResult(result)

	if !result.Success() {
		return fmt.Errorf("backup finished with %d errors", len(result.Errors))
	}
	return nil
}

func printBackupResult(r *models.BackupResult) {
	if r.DryRun {
		for _, f := range r.Files {
			fmt.Println(f)
		}
		fmt.Println()
		fmt.Println("Dry run, no archive written.")
	}

	fmt.Println("Summary:")
	fmt.Printf("  Target: %s\n", r.TargetPath)
	fmt.Printf("  Files selected: %d (%s)\n", r.TotalFiles, humanize.IBytes(uint64(r.TotalBytes)))
	fmt.Printf("  Repositories: %d found, %d scanned\n", r.Scan.RepositoriesFound, r.Scan.RepositoriesProcessed)
	fmt.Printf("  Filtered out: %d\n", r.Scan.FilteredOut)
	fmt.Printf("  Workers: %d (parallel: %v)\n", r.Scan.WorkersUsed, r.Scan.Parallel)
	if !r.DryRun {
		fmt.Printf("  Archive: %s\n", r.OutputPath)
		fmt.Printf("  Archived: %d, skipped: %d\n", r.Processed, r.Skipped)
		fmt.Printf("  Archive size: %s\n", humanize.IBytes(uint64(r.ArchiveSize)))
	}
	fmt.Printf("  Duration: %s\n", r.Duration.Round(time.Millisecond))

	if len(r.Errors) > 0 {
		fmt.Println()
		fmt.Printf("Errors (%d):\n", len(r.Errors))
		for _, e := range r.Errors {
			fmt.Printf("  %s\n", e.Error())
		}
	}
}
