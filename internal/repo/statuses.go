package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"trackline/internal/domain"
)

const statusColumns = `id,action_id,asset_id,scope_id,control_id,family_id,is_completed,is_evidence_uploaded,created_by,assigned_by,assigned_to,reviewed_by,status,action,feedback,completed_at,created_at,updated_at`

// StatusFilters narrows a status listing. Empty fields match anything.
type StatusFilters struct {
	ActionID   string
	AssetID    string
	ScopeID    string
	ControlID  string
	FamilyID   string
	AssignedTo string
	Status     string
}

func scanStatus(row rowScanner) (domain.CompletionStatus, error) {
	var s domain.CompletionStatus
	var scopeID, createdBy, assignedBy, assignedTo, reviewedBy, action, feedback, completedAt sql.NullString
	var status string
	var completed, evidence int
	err := row.Scan(&s.ID, &s.ActionID, &s.AssetID, &scopeID, &s.ControlID, &s.FamilyID, &completed, &evidence,
		&createdBy, &assignedBy, &assignedTo, &reviewedBy, &status, &action, &feedback, &completedAt, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.ScopeID = stringPtr(scopeID)
	s.IsCompleted = completed != 0
	s.IsEvidenceUploaded = evidence != 0
	s.CreatedBy = createdBy.String
	s.AssignedBy = assignedBy.String
	s.AssignedTo = assignedTo.String
	s.ReviewedBy = reviewedBy.String
	s.Status = domain.Status(status)
	s.Action = action.String
	s.Feedback = stringPtr(feedback)
	s.CompletedAt = stringPtr(completedAt)
	s.History = []domain.HistoryEntry{}
	return s, nil
}

// FindByCompositeKey returns the status stored under key, history included.
func (r Repo) FindByCompositeKey(ctx context.Context, key domain.CompositeKey) (domain.CompletionStatus, error) {
	return r.findByCompositeKey(ctx, nil, key)
}

func (r Repo) FindByCompositeKeyTx(ctx context.Context, tx *sql.Tx, key domain.CompositeKey) (domain.CompletionStatus, error) {
	return r.findByCompositeKey(ctx, tx, key)
}

func (r Repo) findByCompositeKey(ctx context.Context, tx *sql.Tx, key domain.CompositeKey) (domain.CompletionStatus, error) {
	q := r.q(tx)
	row := q.QueryRowContext(ctx, `SELECT `+statusColumns+` FROM completion_statuses
WHERE action_id=? AND asset_id=? AND COALESCE(scope_id,'')=? AND control_id=? AND family_id=?`,
		key.ActionID, key.AssetID, key.ScopeID, key.ControlID, key.FamilyID)
	s, err := scanStatus(row)
	if err != nil {
		return s, err
	}
	s.History, err = loadHistory(ctx, q, s.ID)
	return s, err
}

// GetStatus returns a status by id, history included.
func (r Repo) GetStatus(ctx context.Context, id string) (domain.CompletionStatus, error) {
	return r.getStatus(ctx, nil, id)
}

func (r Repo) GetStatusTx(ctx context.Context, tx *sql.Tx, id string) (domain.CompletionStatus, error) {
	return r.getStatus(ctx, tx, id)
}

func (r Repo) getStatus(ctx context.Context, tx *sql.Tx, id string) (domain.CompletionStatus, error) {
	q := r.q(tx)
	s, err := scanStatus(q.QueryRowContext(ctx, `SELECT `+statusColumns+` FROM completion_statuses WHERE id=?`, id))
	if err != nil {
		return s, err
	}
	s.History, err = loadHistory(ctx, q, s.ID)
	return s, err
}

// InsertStatusTx inserts s unless its composite key is already taken.
// It reports whether a row was written.
func (r Repo) InsertStatusTx(ctx context.Context, tx *sql.Tx, s domain.CompletionStatus) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO completion_statuses(`+statusColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT DO NOTHING`,
		s.ID, s.ActionID, s.AssetID, nullableStringPtr(s.ScopeID), s.ControlID, s.FamilyID,
		boolInt(s.IsCompleted), boolInt(s.IsEvidenceUploaded),
		nullable(s.CreatedBy), nullable(s.AssignedBy), nullable(s.AssignedTo), nullable(s.ReviewedBy),
		string(s.Status), nullable(s.Action), nullableStringPtr(s.Feedback), nullableStringPtr(s.CompletedAt),
		s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if err := insertPendingHistory(ctx, tx, &s); err != nil {
		return true, err
	}
	return true, nil
}

// SaveStatusTx writes the mutable fields of s and appends its unsaved history
// entries. Persisted entries get their Seq filled in.
func (r Repo) SaveStatusTx(ctx context.Context, tx *sql.Tx, s *domain.CompletionStatus) error {
	res, err := tx.ExecContext(ctx, `UPDATE completion_statuses SET is_completed=?, is_evidence_uploaded=?, created_by=?, assigned_by=?, assigned_to=?, reviewed_by=?, status=?, action=?, feedback=?, completed_at=?, updated_at=? WHERE id=?`,
		boolInt(s.IsCompleted), boolInt(s.IsEvidenceUploaded),
		nullable(s.CreatedBy), nullable(s.AssignedBy), nullable(s.AssignedTo), nullable(s.ReviewedBy),
		string(s.Status), nullable(s.Action), nullableStringPtr(s.Feedback), nullableStringPtr(s.CompletedAt),
		s.UpdatedAt, s.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return insertPendingHistory(ctx, tx, s)
}

// DeleteStatus removes a status and, through the foreign key, its history.
func (r Repo) DeleteStatus(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM completion_statuses WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStatuses returns statuses matching f ordered by creation time.
func (r Repo) ListStatuses(ctx context.Context, f StatusFilters) ([]domain.CompletionStatus, error) {
	var clauses []string
	var args []any
	add := func(clause, v string) {
		if v == "" {
			return
		}
		clauses = append(clauses, clause)
		args = append(args, v)
	}
	add("action_id=?", f.ActionID)
	add("asset_id=?", f.AssetID)
	add("scope_id=?", f.ScopeID)
	add("control_id=?", f.ControlID)
	add("family_id=?", f.FamilyID)
	add("assigned_to=?", f.AssignedTo)
	add("status=?", f.Status)
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+statusColumns+` FROM completion_statuses`+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.CompletionStatus
	for rows.Next() {
		s, err := scanStatus(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		h, err := loadHistory(ctx, r.DB, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].History = h
	}
	return res, nil
}

// ListStatusViews returns matching statuses with their actor ids resolved
// against the user directory. No match yields ErrNotFound.
func (r Repo) ListStatusViews(ctx context.Context, f StatusFilters) ([]domain.CompletionStatusView, error) {
	statuses, err := r.ListStatuses(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return nil, ErrNotFound
	}
	ids := map[string]struct{}{}
	collect := func(id string) {
		if id != "" {
			ids[id] = struct{}{}
		}
	}
	for _, s := range statuses {
		collect(s.CreatedBy)
		collect(s.AssignedBy)
		collect(s.AssignedTo)
		collect(s.ReviewedBy)
		for _, h := range s.History {
			collect(h.ModifiedBy)
			if v, ok := h.Changes["AssignedTo"].(string); ok {
				collect(v)
			}
		}
	}
	actors, err := r.ResolveActors(ctx, keys(ids))
	if err != nil {
		return nil, err
	}
	views := make([]domain.CompletionStatusView, 0, len(statuses))
	for _, s := range statuses {
		views = append(views, toView(s, actors))
	}
	return views, nil
}

func toView(s domain.CompletionStatus, actors map[string]domain.ActorRef) domain.CompletionStatusView {
	ref := func(id string) *domain.ActorRef {
		if id == "" {
			return nil
		}
		if a, ok := actors[id]; ok {
			return &a
		}
		return &domain.ActorRef{ID: id}
	}
	v := domain.CompletionStatusView{
		ID:                 s.ID,
		ActionID:           s.ActionID,
		AssetID:            s.AssetID,
		ScopeID:            s.ScopeID,
		ControlID:          s.ControlID,
		FamilyID:           s.FamilyID,
		IsCompleted:        s.IsCompleted,
		IsEvidenceUploaded: s.IsEvidenceUploaded,
		CreatedBy:          ref(s.CreatedBy),
		AssignedBy:         ref(s.AssignedBy),
		AssignedTo:         ref(s.AssignedTo),
		ReviewedBy:         ref(s.ReviewedBy),
		Status:             s.Status,
		Action:             s.Action,
		Feedback:           s.Feedback,
		CompletedAt:        s.CompletedAt,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
		History:            make([]domain.HistoryEntryView, 0, len(s.History)),
	}
	for _, h := range s.History {
		changes := h.Changes
		if id, ok := h.Changes["AssignedTo"].(string); ok && id != "" {
			changes = make(domain.Changes, len(h.Changes))
			for k, val := range h.Changes {
				changes[k] = val
			}
			changes["AssignedTo"] = ref(id)
		}
		v.History = append(v.History, domain.HistoryEntryView{
			ModifiedAt: h.ModifiedAt,
			ModifiedBy: ref(h.ModifiedBy),
			Changes:    changes,
		})
	}
	return v
}

func loadHistory(ctx context.Context, q querier, statusID string) ([]domain.HistoryEntry, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, modified_at, modified_by, changes_json FROM status_history WHERE status_id=? ORDER BY id`, statusID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []domain.HistoryEntry{}
	for rows.Next() {
		var e domain.HistoryEntry
		var raw string
		if err := rows.Scan(&e.Seq, &e.ModifiedAt, &e.ModifiedBy, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &e.Changes); err != nil {
			return nil, fmt.Errorf("decode history %d: %w", e.Seq, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func insertPendingHistory(ctx context.Context, tx *sql.Tx, s *domain.CompletionStatus) error {
	for i := range s.History {
		e := &s.History[i]
		if e.Seq != 0 {
			continue
		}
		data, err := json.Marshal(e.Changes)
		if err != nil {
			return fmt.Errorf("marshal history changes: %w", err)
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO status_history(status_id, modified_at, modified_by, changes_json) VALUES (?,?,?,?)`,
			s.ID, e.ModifiedAt, e.ModifiedBy, string(data))
		if err != nil {
			return err
		}
		if e.Seq, err = res.LastInsertId(); err != nil {
			return err
		}
	}
	return nil
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
