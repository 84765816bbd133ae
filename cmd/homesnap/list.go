package main

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/homesnap/internal/services/archive"
	"github.com/mitchellh/go-homedir"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list <archive>",
	Short: "List the contents of a backup archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runList,
}

func runList(cmd *cobra.Command, args []string) error {
	path, err := homedir.Expand(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	svc := archive.New(log.Logger, nil)

	meta, err := svc.ReadMetadata(ctx, path)
	switch {
	case errors.Is(err, archive.ErrNoMetadata):
		log.Warn().Str("archive", path).Msg("archive has no metadata entry")
	case err != nil:
		log.Error().Err(err).Str("archive", path).Msg("failed to read archive")
		return err
	default:
		fmt.Println("Backup:")
		fmt.Printf("  Created: %s\n", meta.BackupInfo.CreatedAt.Format("2006-01-02 15:04:05"))
		if meta.BackupInfo.Hostname != "" {
			fmt.Printf("  Host: %s\n", meta.BackupInfo.Hostname)
		}
		fmt.Printf("  Source: %s\n", meta.BackupInfo.TargetPath)
		fmt.Printf("  Files: %d (%s)\n", meta.BackupInfo.TotalFiles, humanize.IBytes(uint64(meta.BackupInfo.TotalSize)))
		fmt.Printf("  Compression: %s level %d\n", meta.BackupInfo.CompressionFmt, meta.BackupInfo.CompressionLevel)
		fmt.Printf("  Repositories: %d\n", meta.GitRepositories.TotalRepositories)
		fmt.Println()
	}

	entries, err := svc.List(ctx, path)
	if err != nil {
		log.Error().Err(err).Str("archive", path).Msg("failed to list archive")
		return err
	}

	var total int64
	for _, e := range entries {
		total += e.Size
		name := e.Name
		if e.Incomplete {
			name += " (incomplete)"
		}
		fmt.Printf("%s %10s %s %s\n", e.Mode, humanize.IBytes(uint64(e.Size)), e.ModTime.Format("2006-01-02 15:04"), name)
	}
	fmt.Printf("\n%d entries, %s\n", len(entries), humanize.IBytes(uint64(total)))
	return nil
}

