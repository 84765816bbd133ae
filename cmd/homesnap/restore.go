package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fgeck/homesnap/internal/config"
	"github.com/fgeck/homesnap/internal/models"
	"github.com/fgeck/homesnap/internal/services/progress"
	"github.com/fgeck/homesnap/internal/services/restore"
	"github.com/fgeck/homesnap/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var restoreOpts struct {
	target   string
	pattern  string
	dryRun   bool
	conflict string
}

var restoreCmd = &cobra.Command{
	Use:   "restore <archive>",
	Short: "Restore files from a backup archive",
	Long: `Restore files from a backup archive.

Without --target, files go back to where they were backed up from.
Existing files are handled according to restore.conflict_resolution
(prompt, overwrite, skip or backup).`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func init() {
	f := restoreCmd.Flags()
	f.StringVarP(&restoreOpts.target, "target", "t", "", "restore below this directory instead of the original location")
	f.StringVarP(&restoreOpts.pattern, "pattern", "p", "", "only restore entries matching this glob")
	f.BoolVarP(&restoreOpts.dryRun, "dry-run", "n", false, "show what would be restored")
	f.StringVar(&restoreOpts.conflict, "conflict", "", "conflict resolution: prompt, overwrite, skip, backup")
}

func runRestore(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if restoreOpts.conflict != "" {
		cfg.Restore.ConflictResolution = restoreOpts.conflict
	}
	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	runnerSvc := runner.New(log.Logger, progress.NewLogSink(log.Logger))
	stats, err := runnerSvc.Restore(ctx, cfg, runner.RestoreOptions{
		ArchivePath: args[0],
		TargetDir:   restoreOpts.target,
		Pattern:     restoreOpts.pattern,
		DryRun:      restoreOpts.dryRun,
		Prompter:    restore.NewConsolePrompter(os.Stdin, os.Stdout),
	})
	if errors.Is(err, restore.ErrCancelled) {
		log.Warn().Msg("restore cancelled")
		return err
	}
	if err != nil {
		log.Error().Err(err).Msg("restore failed")
		return err
	}

	printRestoreStats(stats, restoreOpts.dryRun)

	if stats.Errors > 0 {
		return fmt.Errorf("restore finished with %d errors", stats.Errors)
	}
	return nil
}

func printRestoreStats(s *models.RestoreStats, dryRun bool) {
	if dryRun {
		for _, p := range s.Plan {
			fmt.Printf("%-9s %s\n", p.Status, p.TargetPath)
		}
		fmt.Println()
		fmt.Printf("Dry run: %d entries, %d would overwrite existing files.\n", len(s.Plan), s.Conflicts)
		return
	}

	fmt.Println("Summary:")
	fmt.Printf("  Restored: %d\n", s.Restored)
	fmt.Printf("  Skipped: %d\n", s.Skipped)
	fmt.Printf("  Conflicts: %d\n", s.Conflicts)
	fmt.Printf("  Errors: %d\n", s.Errors)
	for _, b := range s.BackedUp {
		fmt.Printf("  Backed up: %s\n", b)
	}
	for _, f := range s.Failures {
		fmt.Printf("  Failed: %s\n", f.Error())
	}
}
