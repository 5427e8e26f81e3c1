package domain

import "fmt"

// Status is the lifecycle state of a completion status.
type Status string

const (
	StatusNone                   Status = ""
	StatusOpen                   Status = "Open"
	StatusInProgress             Status = "In Progress"
	StatusDelegatedToIT          Status = "Delegated to IT Team"
	StatusEvidenceUploaded       Status = "Evidence Uploaded"
	StatusAuditDelegated         Status = "Audit Delegated"
	StatusExternalAuditDelegated Status = "External Audit Delegated"
	StatusAuditNonConfirm        Status = "Audit Non-Confirm"
	StatusWrongEvidence          Status = "Wrong Evidence"
	StatusAuditClosed            Status = "Audit Closed"
	StatusClosed                 Status = "Closed"
)

// reviewOutcomes are the audit verdicts. An auditor may rule on any status
// that is not yet closed, delegated or not.
var reviewOutcomes = []Status{StatusAuditClosed, StatusAuditNonConfirm, StatusWrongEvidence}

func reviewable(next ...Status) []Status {
	return append(next, reviewOutcomes...)
}

var statusTransitions = map[Status][]Status{
	StatusNone: reviewable(
		StatusOpen, StatusInProgress, StatusDelegatedToIT, StatusEvidenceUploaded,
		StatusAuditDelegated, StatusExternalAuditDelegated, StatusClosed,
	),
	StatusOpen: reviewable(
		StatusInProgress, StatusDelegatedToIT, StatusEvidenceUploaded,
		StatusAuditDelegated, StatusExternalAuditDelegated, StatusClosed,
	),
	StatusInProgress: reviewable(
		StatusDelegatedToIT, StatusEvidenceUploaded,
		StatusAuditDelegated, StatusExternalAuditDelegated, StatusClosed,
	),
	StatusDelegatedToIT: reviewable(
		StatusInProgress, StatusEvidenceUploaded,
		StatusAuditDelegated, StatusExternalAuditDelegated, StatusClosed,
	),
	StatusEvidenceUploaded: reviewable(
		StatusInProgress, StatusDelegatedToIT, StatusAuditDelegated, StatusExternalAuditDelegated,
		StatusClosed,
	),
	StatusAuditDelegated: reviewable(
		StatusDelegatedToIT, StatusExternalAuditDelegated, StatusClosed,
	),
	StatusExternalAuditDelegated: reviewable(
		StatusDelegatedToIT, StatusClosed,
	),
	StatusAuditNonConfirm: reviewable(
		StatusInProgress, StatusDelegatedToIT, StatusEvidenceUploaded,
		StatusAuditDelegated, StatusExternalAuditDelegated, StatusClosed,
	),
	StatusWrongEvidence: reviewable(
		StatusInProgress, StatusDelegatedToIT, StatusEvidenceUploaded,
		StatusAuditDelegated, StatusExternalAuditDelegated, StatusClosed,
	),
	StatusAuditClosed: {StatusClosed},
	StatusClosed:      {},
}

// Statuses returns every known status except StatusNone.
func Statuses() []Status {
	return []Status{
		StatusOpen, StatusInProgress, StatusDelegatedToIT, StatusEvidenceUploaded,
		StatusAuditDelegated, StatusExternalAuditDelegated, StatusAuditNonConfirm,
		StatusWrongEvidence, StatusAuditClosed, StatusClosed,
	}
}

// Valid reports whether s belongs to the closed status set.
func (s Status) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// Closing reports whether reaching s marks the record completed.
func (s Status) Closing() bool {
	return s == StatusAuditClosed || s == StatusClosed
}

// ParseStatus converts a caller-supplied string into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("invalid status %q", raw)
	}
	return s, nil
}

// CanTransition reports whether from -> to is allowed. Staying put always is.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
