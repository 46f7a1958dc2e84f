package postgres

import (
	"github.com/jkaninda/runbox/internal/storage"
)

// --- Execution ---

func toExecutionModel(e *storage.Execution) *ExecutionModel {
	return &ExecutionModel{
		ID:         e.ID,
		SessionID:  e.SessionID,
		Kind:       e.Kind,
		Command:    truncate(e.Command, maxCommandLen),
		Identity:   e.Identity,
		ExitCode:   e.ExitCode,
		DurationMs: e.DurationMs,
		TimedOut:   e.TimedOut,
		CreatedAt:  e.CreatedAt,
	}
}

func toExecutionDomain(m *ExecutionModel) *storage.Execution {
	return &storage.Execution{
		ID:         m.ID,
		SessionID:  m.SessionID,
		Kind:       m.Kind,
		Command:    m.Command,
		Identity:   m.Identity,
		ExitCode:   m.ExitCode,
		DurationMs: m.DurationMs,
		TimedOut:   m.TimedOut,
		CreatedAt:  m.CreatedAt,
	}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
