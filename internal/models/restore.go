package models

import "time"

// Restore plan statuses reported by dry runs.
const (
	PlanNew       = "NEW"
	PlanOverwrite = "OVERWRITE"
)

// ConflictRecord pairs an archive entry with the live file it would replace.
type ConflictRecord struct {
	Entry           ArchiveEntry
	TargetPath      string
	Exists          bool
	ExistingSize    int64
	ExistingModTime time.Time
}

// ConflictAction is a resolution chosen for one conflict.
type ConflictAction string

// Conflict actions.
const (
	ActionOverwrite ConflictAction = "overwrite"
	ActionSkip      ConflictAction = "skip"
	ActionBackup    ConflictAction = "backup"
)

// PlannedEntry is one line of a restore dry run.
type PlannedEntry struct {
	Name       string
	TargetPath string
	Status     string // PlanNew or PlanOverwrite
}

// RestoreStats holds the result of a restore run.
type RestoreStats struct {
	Restored  int
	Skipped   int
	Errors    int
	Conflicts int
	BackedUp  []string
	Plan      []PlannedEntry
	Failures  []PathError
	Duration  time.Duration
}
