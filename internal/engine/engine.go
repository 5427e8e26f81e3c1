package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trackline/internal/config"
	"trackline/internal/domain"
	"trackline/internal/history"
	"trackline/internal/repo"
)

const (
	ActionDelegateToIT              = "Delegate to IT"
	ActionDelegateToAuditor         = "Delegate to Auditor"
	ActionDelegateToExternalAuditor = "Delegate to External Auditor"
	ActionConfirmEvidence           = "Confirm Evidence"
	ActionReturnEvidence            = "Return Evidence"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Risk   RiskAggregator
	Logger *zap.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, logger *zap.Logger) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Config: cfg,
		Risk:   r,
		Logger: logger,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) logMutation(op string, s domain.CompletionStatus, changes domain.Changes) {
	fields := make([]string, 0, len(changes))
	for k := range changes {
		fields = append(fields, k)
	}
	e.logger().Debug("completion status mutated",
		zap.String("op", op),
		zap.String("status_id", s.ID),
		zap.String("status", string(s.Status)),
		zap.Strings("changed", fields))
}

// CreateOrUpdateOptions carries the composite key plus the fields to set.
// Nil fields are left untouched.
type CreateOrUpdateOptions struct {
	Key                domain.CompositeKey
	IsCompleted        *bool
	IsEvidenceUploaded *bool
	AssignedBy         string
	AssignedTo         *string
	Status             *string
	Action             *string
	Feedback           *string
	// CreatedBy is only stored when the key is new.
	CreatedBy string
	// ActorID is used when AssignedBy is empty.
	ActorID string
}

// CreateOrUpdate finds the status stored under opts.Key, creating it when
// absent, and applies the requested fields. A freshly created status has an
// empty history.
func (e Engine) CreateOrUpdate(ctx context.Context, opts CreateOrUpdateOptions) (domain.CompletionStatus, error) {
	if missing := opts.Key.Missing(); len(missing) > 0 {
		return domain.CompletionStatus{}, invalid(missing[0], "is required")
	}
	status, err := parseStatusPtr(opts.Status)
	if err != nil {
		return domain.CompletionStatus{}, err
	}
	actor := firstNonEmpty(opts.AssignedBy, opts.ActorID)
	p := Patch{
		IsCompleted:        opts.IsCompleted,
		IsEvidenceUploaded: opts.IsEvidenceUploaded,
		AssignedTo:         opts.AssignedTo,
		Status:             status,
		Action:             opts.Action,
		Feedback:           opts.Feedback,
	}
	if opts.AssignedBy != "" {
		p.AssignedBy = ptr(opts.AssignedBy)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CompletionStatus{}, err
	}
	defer tx.Rollback()

	now := e.now()
	s, err := e.Repo.FindByCompositeKeyTx(ctx, tx, opts.Key)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		s = e.newStatus(opts.Key, firstNonEmpty(opts.CreatedBy, actor), now)
		changes := p.diff(s)
		if err := e.checkTransition(s.Status, changes, p); err != nil {
			return domain.CompletionStatus{}, err
		}
		p.apply(&s, changes, now)
		s.UpdatedAt = s.CreatedAt
		inserted, err := e.Repo.InsertStatusTx(ctx, tx, s)
		if err != nil {
			return domain.CompletionStatus{}, fmt.Errorf("insert completion status: %w", err)
		}
		if inserted {
			if err := tx.Commit(); err != nil {
				return domain.CompletionStatus{}, err
			}
			e.logger().Debug("completion status created", zap.String("status_id", s.ID), zap.String("asset_id", s.AssetID))
			return s, nil
		}
		// Another writer created the key first; patch its row instead.
		s, err = e.Repo.FindByCompositeKeyTx(ctx, tx, opts.Key)
		if err != nil {
			return domain.CompletionStatus{}, err
		}
	case err != nil:
		return domain.CompletionStatus{}, err
	}

	changes, err := e.patchAndSave(ctx, tx, &s, p, actor, now)
	if err != nil {
		return domain.CompletionStatus{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CompletionStatus{}, err
	}
	e.logMutation("create_or_update", s, changes)
	return s, nil
}

func (e Engine) newStatus(key domain.CompositeKey, actor string, now time.Time) domain.CompletionStatus {
	ts := now.UTC().Format(history.TimeFormat)
	s := domain.CompletionStatus{
		ID:        uuid.NewString(),
		ActionID:  key.ActionID,
		AssetID:   key.AssetID,
		ControlID: key.ControlID,
		FamilyID:  key.FamilyID,
		CreatedBy: actor,
		CreatedAt: ts,
		UpdatedAt: ts,
		History:   []domain.HistoryEntry{},
	}
	if key.ScopeID != "" {
		s.ScopeID = ptr(key.ScopeID)
	}
	return s
}

func (e Engine) patchAndSave(ctx context.Context, tx *sql.Tx, s *domain.CompletionStatus, p Patch, actor string, now time.Time) (domain.Changes, error) {
	changes, modified, err := e.applyPatch(s, p, actor, now)
	if err != nil {
		return nil, err
	}
	if !modified {
		return changes, nil
	}
	if err := e.Repo.SaveStatusTx(ctx, tx, s); err != nil {
		return nil, fmt.Errorf("save completion status: %w", err)
	}
	return changes, nil
}

// mutate loads id, lets build derive a patch from the current state and
// persists the result in one transaction.
func (e Engine) mutate(ctx context.Context, op, id, actor string, build func(domain.CompletionStatus) Patch) (domain.CompletionStatus, error) {
	if id == "" {
		return domain.CompletionStatus{}, invalid("id", "is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CompletionStatus{}, err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetStatusTx(ctx, tx, id)
	if err != nil {
		return domain.CompletionStatus{}, err
	}
	changes, err := e.patchAndSave(ctx, tx, &s, build(s), actor, e.now())
	if err != nil {
		return domain.CompletionStatus{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CompletionStatus{}, err
	}
	e.logMutation(op, s, changes)
	return s, nil
}

// UpdateOptions are the fields accepted by Update. Nil fields are left as is.
type UpdateOptions struct {
	ID                 string
	Status             *string
	Action             *string
	Feedback           *string
	IsEvidenceUploaded *bool
	IsCompleted        *bool
	AssignedBy         string
	ActorID            string
}

// Update patches a status by id. Requesting a closing status marks it
// completed, with a fresh completedAt when anything else changed.
func (e Engine) Update(ctx context.Context, opts UpdateOptions) (domain.CompletionStatus, error) {
	status, err := parseStatusPtr(opts.Status)
	if err != nil {
		return domain.CompletionStatus{}, err
	}
	actor := firstNonEmpty(opts.AssignedBy, opts.ActorID)
	return e.mutate(ctx, "update", opts.ID, actor, func(domain.CompletionStatus) Patch {
		p := Patch{
			IsCompleted:        opts.IsCompleted,
			IsEvidenceUploaded: opts.IsEvidenceUploaded,
			Status:             status,
			Action:             opts.Action,
			Feedback:           opts.Feedback,
		}
		if status != nil && status.Closing() {
			p.IsCompleted = ptr(true)
			p.StampCompletedAt = true
		}
		return p
	})
}

// DelegateToIT assigns the status to an IT owner.
func (e Engine) DelegateToIT(ctx context.Context, id, itOwnerID, currentUserID string) (domain.CompletionStatus, error) {
	if err := requireIdentifier("itOwnerId", itOwnerID); err != nil {
		return domain.CompletionStatus{}, err
	}
	return e.mutate(ctx, "delegate_it", id, currentUserID, func(domain.CompletionStatus) Patch {
		return Patch{
			Status:     ptr(domain.StatusDelegatedToIT),
			Action:     ptr(ActionDelegateToIT),
			AssignedTo: ptr(itOwnerID),
		}
	})
}

// DelegateToAuditor assigns the status to the configured default auditor.
func (e Engine) DelegateToAuditor(ctx context.Context, id, currentUserID string) (domain.CompletionStatus, error) {
	auditor := ""
	if e.Config != nil {
		auditor = e.Config.Actors.DefaultAuditorID
	}
	return e.delegateAudit(ctx, "delegate_auditor", id, currentUserID, auditor, domain.StatusAuditDelegated, ActionDelegateToAuditor)
}

// DelegateToExternalAuditor assigns the status to the configured external auditor.
func (e Engine) DelegateToExternalAuditor(ctx context.Context, id, currentUserID string) (domain.CompletionStatus, error) {
	auditor := ""
	if e.Config != nil {
		auditor = e.Config.Actors.ExternalAuditorID
	}
	return e.delegateAudit(ctx, "delegate_external_auditor", id, currentUserID, auditor, domain.StatusExternalAuditDelegated, ActionDelegateToExternalAuditor)
}

func (e Engine) delegateAudit(ctx context.Context, op, id, currentUserID, auditorID string, status domain.Status, action string) (domain.CompletionStatus, error) {
	if err := requireIdentifier("currentUserId", currentUserID); err != nil {
		return domain.CompletionStatus{}, err
	}
	if err := requireIdentifier("auditorId", auditorID); err != nil {
		return domain.CompletionStatus{}, err
	}
	return e.mutate(ctx, op, id, currentUserID, func(domain.CompletionStatus) Patch {
		return Patch{
			Status:     ptr(status),
			Action:     ptr(action),
			AssignedBy: ptr(currentUserID),
			AssignedTo: ptr(auditorID),
		}
	})
}

// ConfirmEvidence records an audit verdict. Feedback returns the evidence;
// no feedback closes the audit and completes the status.
func (e Engine) ConfirmEvidence(ctx context.Context, id string, feedback *string, currentUserID string) (domain.CompletionStatus, error) {
	returned := feedback != nil && *feedback != ""
	return e.mutate(ctx, "confirm_evidence", id, currentUserID, func(domain.CompletionStatus) Patch {
		p := Patch{
			IsEvidenceUploaded: ptr(true),
			Feedback:           ptr(""),
		}
		if returned {
			p.Status = ptr(domain.StatusAuditNonConfirm)
			p.Action = ptr(ActionReturnEvidence)
			p.Feedback = ptr(*feedback)
		} else {
			p.Status = ptr(domain.StatusAuditClosed)
			p.Action = ptr(ActionConfirmEvidence)
			p.IsCompleted = ptr(true)
			p.StampCompletedAt = true
		}
		e.setReviewer(&p, currentUserID)
		return p
	})
}

// RaiseQuery flags the uploaded evidence as wrong.
func (e Engine) RaiseQuery(ctx context.Context, id string, feedback *string, currentUserID string) (domain.CompletionStatus, error) {
	return e.mutate(ctx, "raise_query", id, currentUserID, func(domain.CompletionStatus) Patch {
		p := Patch{
			Status:   ptr(domain.StatusWrongEvidence),
			Feedback: ptr(""),
		}
		if feedback != nil {
			p.Feedback = ptr(*feedback)
		}
		e.setReviewer(&p, currentUserID)
		return p
	})
}

func (e Engine) setReviewer(p *Patch, reviewer string) {
	if reviewer == "" {
		return
	}
	if e.Config != nil && e.Config.Lifecycle.ConfirmOverwritesCreatedBy {
		p.CreatedBy = ptr(reviewer)
		return
	}
	p.ReviewedBy = ptr(reviewer)
}

// Get returns a status with its history.
func (e Engine) Get(ctx context.Context, id string) (domain.CompletionStatus, error) {
	return e.Repo.GetStatus(ctx, id)
}

// History returns the change log of a status, oldest first.
func (e Engine) History(ctx context.Context, id string) ([]domain.HistoryEntry, error) {
	s, err := e.Repo.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.History, nil
}

// List returns matching statuses with resolved actors.
func (e Engine) List(ctx context.Context, f repo.StatusFilters) ([]domain.CompletionStatusView, error) {
	if f.Status != "" {
		if _, err := domain.ParseStatus(f.Status); err != nil {
			return nil, invalid("status", "%v", err)
		}
	}
	return e.Repo.ListStatusViews(ctx, f)
}

// Delete removes a status together with its history.
func (e Engine) Delete(ctx context.Context, id string) error {
	if err := e.Repo.DeleteStatus(ctx, id); err != nil {
		return err
	}
	e.logger().Debug("completion status deleted", zap.String("status_id", id))
	return nil
}

func parseStatusPtr(raw *string) (*domain.Status, error) {
	if raw == nil {
		return nil, nil
	}
	st, err := domain.ParseStatus(*raw)
	if err != nil {
		return nil, invalid("status", "%v", err)
	}
	return &st, nil
}

func requireIdentifier(field, v string) error {
	if v == "" {
		return invalid(field, "is required")
	}
	if _, err := uuid.Parse(v); err != nil {
		return invalid(field, "%q is not a valid identifier", v)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
