package engine

import (
	"time"

	"trackline/internal/domain"
	"trackline/internal/history"
)

// Patch is a partial update of a completion status. Nil fields are left
// untouched. A Feedback pointing at "" clears the feedback.
type Patch struct {
	IsCompleted        *bool
	IsEvidenceUploaded *bool
	CreatedBy          *string
	AssignedBy         *string
	AssignedTo         *string
	ReviewedBy         *string
	Status             *domain.Status
	Action             *string
	Feedback           *string
	// StampCompletedAt refreshes completedAt when the result is completed and
	// some other field changed, even if isCompleted did not.
	StampCompletedAt bool
}

func ptr[T any](v T) *T { return &v }

// diff returns the requested fields whose value differs from s, keyed by
// their json name.
func (p Patch) diff(s domain.CompletionStatus) domain.Changes {
	changes := domain.Changes{}
	if p.IsCompleted != nil && *p.IsCompleted != s.IsCompleted {
		changes["isCompleted"] = *p.IsCompleted
	}
	if p.IsEvidenceUploaded != nil && *p.IsEvidenceUploaded != s.IsEvidenceUploaded {
		changes["isEvidenceUploaded"] = *p.IsEvidenceUploaded
	}
	diffString(changes, "createdBy", p.CreatedBy, s.CreatedBy)
	diffString(changes, "AssignedBy", p.AssignedBy, s.AssignedBy)
	diffString(changes, "AssignedTo", p.AssignedTo, s.AssignedTo)
	diffString(changes, "reviewedBy", p.ReviewedBy, s.ReviewedBy)
	if p.Status != nil && *p.Status != s.Status {
		changes["status"] = string(*p.Status)
	}
	diffString(changes, "action", p.Action, s.Action)
	if p.Feedback != nil {
		var cur string
		if s.Feedback != nil {
			cur = *s.Feedback
		}
		if *p.Feedback != cur {
			if *p.Feedback == "" {
				changes["feedback"] = nil
			} else {
				changes["feedback"] = *p.Feedback
			}
		}
	}
	return changes
}

func diffString(changes domain.Changes, name string, want *string, cur string) {
	if want != nil && *want != cur {
		changes[name] = *want
	}
}

// apply writes the changed fields onto s and derives completedAt. It reports
// whether s was modified.
func (p Patch) apply(s *domain.CompletionStatus, changes domain.Changes, now time.Time) bool {
	if _, ok := changes["isCompleted"]; ok {
		s.IsCompleted = *p.IsCompleted
	}
	if _, ok := changes["isEvidenceUploaded"]; ok {
		s.IsEvidenceUploaded = *p.IsEvidenceUploaded
	}
	if _, ok := changes["createdBy"]; ok {
		s.CreatedBy = *p.CreatedBy
	}
	if _, ok := changes["AssignedBy"]; ok {
		s.AssignedBy = *p.AssignedBy
	}
	if _, ok := changes["AssignedTo"]; ok {
		s.AssignedTo = *p.AssignedTo
	}
	if _, ok := changes["reviewedBy"]; ok {
		s.ReviewedBy = *p.ReviewedBy
	}
	if _, ok := changes["status"]; ok {
		s.Status = *p.Status
	}
	if _, ok := changes["action"]; ok {
		s.Action = *p.Action
	}
	if _, ok := changes["feedback"]; ok {
		if *p.Feedback == "" {
			s.Feedback = nil
		} else {
			s.Feedback = ptr(*p.Feedback)
		}
	}

	modified := len(changes) > 0
	stamp := now.UTC().Format(history.TimeFormat)
	_, completedChanged := changes["isCompleted"]
	switch {
	case s.IsCompleted && (completedChanged || (p.StampCompletedAt && len(changes) > 0) || s.CompletedAt == nil):
		s.CompletedAt = &stamp
		modified = true
	case !s.IsCompleted && s.CompletedAt != nil:
		s.CompletedAt = nil
		modified = true
	}
	if modified {
		s.UpdatedAt = stamp
	}
	return modified
}

// applyPatch is the single mutation path for an existing status: it diffs p
// against s, checks the status transition, applies the result and records the
// diff in the history under actorID.
func (e Engine) applyPatch(s *domain.CompletionStatus, p Patch, actorID string, now time.Time) (domain.Changes, bool, error) {
	changes := p.diff(*s)
	if err := e.checkTransition(s.Status, changes, p); err != nil {
		return nil, false, err
	}
	modified := p.apply(s, changes, now)
	history.AppendIfChanged(s, changes, actorID, now)
	return changes, modified, nil
}

func (e Engine) checkTransition(from domain.Status, changes domain.Changes, p Patch) error {
	if _, ok := changes["status"]; !ok {
		return nil
	}
	if e.Config != nil && !e.Config.Lifecycle.StrictTransitions {
		return nil
	}
	if !domain.CanTransition(from, *p.Status) {
		return &TransitionError{From: from, To: *p.Status}
	}
	return nil
}
