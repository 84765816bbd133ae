// Package progress delivers scan and archive events to a presentation layer.
package progress

import (
	"github.com/fgeck/homesnap/internal/models"
	"github.com/rs/zerolog"
)

// Sink receives progress events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(event models.ProgressEvent)
}

// Nop discards every event.
type Nop struct{}

// Emit implements Sink.
func (Nop) Emit(models.ProgressEvent) {}

// LogSink writes events to a zerolog logger. Per-file events are logged at
// debug level, everything else at info.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink backed by logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Emit implements Sink.
func (s *LogSink) Emit(e models.ProgressEvent) {
	switch e.Kind {
	case models.ProgressPhase:
		s.logger.Info().Str("phase", e.Phase).Msg("scan phase")
	case models.ProgressFilesFound:
		s.logger.Info().Str("phase", e.Phase).Int("files", e.Count).Msg("files found")
	case models.ProgressRepository:
		s.logger.Info().Str("repository", e.Path).Int("files", e.Count).Msg("repository scanned")
	case models.ProgressFiltered:
		s.logger.Debug().Str("path", e.Path).Str("reason", e.Reason).Msg("file filtered out")
	case models.ProgressEntryWritten:
		s.logger.Debug().Str("path", e.Path).Int("entry", e.Count).Msg("archived")
	case models.ProgressEntrySkipped:
		s.logger.Warn().Str("path", e.Path).Str("reason", e.Reason).Msg("skipped")
	default:
		s.logger.Debug().Str("kind", string(e.Kind)).Str("path", e.Path).Msg("progress")
	}
}

// Or returns s, or Nop if s is nil.
func Or(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}
