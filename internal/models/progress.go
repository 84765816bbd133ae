package models

// ProgressKind identifies a progress event.
type ProgressKind string

// Progress event kinds.
const (
	ProgressPhase        ProgressKind = "phase"
	ProgressFilesFound   ProgressKind = "files_found"
	ProgressFiltered     ProgressKind = "filtered"
	ProgressRepository   ProgressKind = "repository"
	ProgressEntryWritten ProgressKind = "entry_written"
	ProgressEntrySkipped ProgressKind = "entry_skipped"
)

// ProgressEvent is emitted by the core for an external presentation layer.
type ProgressEvent struct {
	Kind   ProgressKind
	Phase  string
	Path   string
	Count  int
	Reason string
}
