// Package history maintains the append-only change log carried by each
// completion status.
package history

import (
	"time"

	"trackline/internal/domain"
)

// TimeFormat is the layout of modifiedAt and the other persisted timestamps.
const TimeFormat = time.RFC3339Nano

// AppendIfChanged appends one entry holding changes to status.History when
// changes is non-empty. It reports whether an entry was appended.
func AppendIfChanged(status *domain.CompletionStatus, changes domain.Changes, actorID string, now time.Time) bool {
	if status == nil || len(changes) == 0 {
		return false
	}
	if actorID == "" {
		actorID = domain.UnknownActor
	}
	copied := make(domain.Changes, len(changes))
	for k, v := range changes {
		copied[k] = v
	}
	status.History = append(status.History, domain.HistoryEntry{
		ModifiedAt: now.UTC().Format(TimeFormat),
		ModifiedBy: actorID,
		Changes:    copied,
	})
	return true
}

// Pending returns the entries not yet written to the store.
func Pending(entries []domain.HistoryEntry) []domain.HistoryEntry {
	var out []domain.HistoryEntry
	for _, e := range entries {
		if e.Seq == 0 {
			out = append(out, e)
		}
	}
	return out
}
