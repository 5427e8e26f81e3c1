package repo_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackline/internal/db"
	"trackline/internal/domain"
	"trackline/internal/migrate"
	"trackline/internal/repo"
)

const ts = "2024-01-01T00:00:00Z"

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}, context.Background()
}

func newStatus(key domain.CompositeKey) domain.CompletionStatus {
	s := domain.CompletionStatus{
		ID:        uuid.NewString(),
		ActionID:  key.ActionID,
		AssetID:   key.AssetID,
		ControlID: key.ControlID,
		FamilyID:  key.FamilyID,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if key.ScopeID != "" {
		scope := key.ScopeID
		s.ScopeID = &scope
	}
	return s
}

func insert(t *testing.T, r repo.Repo, ctx context.Context, s domain.CompletionStatus) bool {
	t.Helper()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	ok, err := r.InsertStatusTx(ctx, tx, s)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return ok
}

func TestInsertStatusIgnoresDuplicateKey(t *testing.T) {
	r, ctx := newTestRepo(t)
	key := domain.CompositeKey{ActionID: "a1", AssetID: "s1", ControlID: "c1", FamilyID: "f1"}
	first := newStatus(key)
	require.True(t, insert(t, r, ctx, first))
	require.False(t, insert(t, r, ctx, newStatus(key)))

	got, err := r.FindByCompositeKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Nil(t, got.ScopeID)
	assert.Empty(t, got.History)

	scoped := key
	scoped.ScopeID = "scope-1"
	_, err = r.FindByCompositeKey(ctx, scoped)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestSaveStatusAppendsHistory(t *testing.T) {
	r, ctx := newTestRepo(t)
	s := newStatus(domain.CompositeKey{ActionID: "a1", AssetID: "s1", ControlID: "c1", FamilyID: "f1"})
	require.True(t, insert(t, r, ctx, s))

	feedback := "blurry scan"
	s.Status = domain.StatusAuditNonConfirm
	s.Feedback = &feedback
	s.IsEvidenceUploaded = true
	s.History = append(s.History, domain.HistoryEntry{ModifiedAt: ts, ModifiedBy: "u1", Changes: domain.Changes{"status": "Audit Non-Confirm"}})

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.SaveStatusTx(ctx, tx, &s))
	require.NoError(t, tx.Commit())
	require.NotZero(t, s.History[0].Seq)

	// Saving again must not duplicate persisted entries.
	tx, err = r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.SaveStatusTx(ctx, tx, &s))
	require.NoError(t, tx.Commit())

	got, err := r.GetStatus(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAuditNonConfirm, got.Status)
	require.NotNil(t, got.Feedback)
	assert.Equal(t, "blurry scan", *got.Feedback)
	assert.True(t, got.IsEvidenceUploaded)
	require.Len(t, got.History, 1)
	assert.Equal(t, "u1", got.History[0].ModifiedBy)
	assert.Equal(t, "Audit Non-Confirm", got.History[0].Changes["status"])
}

func TestSaveStatusMissing(t *testing.T) {
	r, ctx := newTestRepo(t)
	s := newStatus(domain.CompositeKey{ActionID: "a", AssetID: "b", ControlID: "c", FamilyID: "d"})
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	assert.ErrorIs(t, r.SaveStatusTx(ctx, tx, &s), repo.ErrNotFound)
}

func TestDeleteStatusCascadesHistory(t *testing.T) {
	r, ctx := newTestRepo(t)
	s := newStatus(domain.CompositeKey{ActionID: "a1", AssetID: "s1", ControlID: "c1", FamilyID: "f1"})
	s.History = []domain.HistoryEntry{{ModifiedAt: ts, ModifiedBy: "u1", Changes: domain.Changes{"isCompleted": true}}}
	require.True(t, insert(t, r, ctx, s))

	require.NoError(t, r.DeleteStatus(ctx, s.ID))
	assert.ErrorIs(t, r.DeleteStatus(ctx, s.ID), repo.ErrNotFound)

	var n int
	require.NoError(t, r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM status_history WHERE status_id=?`, s.ID).Scan(&n))
	assert.Zero(t, n)
}

func TestListStatusViewsResolvesActors(t *testing.T) {
	r, ctx := newTestRepo(t)
	owner := domain.User{ID: uuid.NewString(), Username: "it-owner", Role: "IT Team", CreatedAt: ts, UpdatedAt: ts}
	require.NoError(t, r.InsertUser(ctx, nil, owner))

	s := newStatus(domain.CompositeKey{ActionID: "a1", AssetID: "s1", ControlID: "c1", FamilyID: "f1"})
	s.AssignedTo = owner.ID
	s.AssignedBy = "ghost"
	s.History = []domain.HistoryEntry{{ModifiedAt: ts, ModifiedBy: owner.ID, Changes: domain.Changes{"AssignedTo": owner.ID}}}
	require.True(t, insert(t, r, ctx, s))
	other := newStatus(domain.CompositeKey{ActionID: "a2", AssetID: "s2", ControlID: "c1", FamilyID: "f1"})
	require.True(t, insert(t, r, ctx, other))

	views, err := r.ListStatusViews(ctx, repo.StatusFilters{AssignedTo: owner.ID})
	require.NoError(t, err)
	require.Len(t, views, 1)
	v := views[0]
	require.NotNil(t, v.AssignedTo)
	assert.Equal(t, "it-owner", v.AssignedTo.Username)
	assert.Equal(t, "IT Team", v.AssignedTo.Role)
	require.NotNil(t, v.AssignedBy)
	assert.Equal(t, domain.ActorRef{ID: "ghost"}, *v.AssignedBy)
	assert.Nil(t, v.CreatedBy)
	require.Len(t, v.History, 1)
	assert.Equal(t, "it-owner", v.History[0].ModifiedBy.Username)
	assert.Equal(t, &domain.ActorRef{ID: owner.ID, Username: "it-owner", Role: "IT Team"}, v.History[0].Changes["AssignedTo"])

	all, err := r.ListStatusViews(ctx, repo.StatusFilters{ControlID: "c1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = r.ListStatusViews(ctx, repo.StatusFilters{AssetID: "nope"})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestUsersCRUD(t *testing.T) {
	r, ctx := newTestRepo(t)
	u := domain.User{ID: uuid.NewString(), Username: "auditor", Role: "Auditor", Permissions: domain.Permissions{View: true, ConfirmEvidence: true}, CreatedAt: ts, UpdatedAt: ts}
	inserted, err := r.EnsureUser(ctx, u)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = r.EnsureUser(ctx, u)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := r.GetUserByUsername(ctx, "auditor")
	require.NoError(t, err)
	assert.True(t, got.Permissions.ConfirmEvidence)

	got.Role = "External Auditor"
	require.NoError(t, r.UpdateUser(ctx, got))
	users, err := r.ListUsers(ctx, "External Auditor")
	require.NoError(t, err)
	require.Len(t, users, 1)

	require.NoError(t, r.DeleteUser(ctx, u.ID))
	_, err = r.GetUser(ctx, u.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestAPIKeyLookup(t *testing.T) {
	r, ctx := newTestRepo(t)
	u := domain.User{ID: uuid.NewString(), Username: "svc", Role: "Admin", CreatedAt: ts, UpdatedAt: ts}
	require.NoError(t, r.InsertUser(ctx, nil, u))
	key := domain.APIKey{ID: uuid.NewString(), ActorID: u.ID, Name: "ci", KeyHash: repo.HashAPIKey(" secret "), CreatedAt: ts}
	require.NoError(t, r.InsertAPIKey(ctx, nil, key))
	other := domain.APIKey{ID: uuid.NewString(), ActorID: u.ID, KeyHash: repo.HashAPIKey("other"), CreatedAt: ts}
	require.NoError(t, r.InsertAPIKey(ctx, nil, other))

	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("secret"))
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ActorID)
	assert.Equal(t, "ci", got.Name)
	assert.Nil(t, got.LastUsedAt)

	require.NoError(t, r.TouchAPIKey(ctx, key.ID, "2024-05-01T00:00:00Z"))
	keys, err := r.ListAPIKeys(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	assert.ErrorIs(t, r.DeleteAPIKey(ctx, uuid.NewString(), other.ID), repo.ErrNotFound)
	require.NoError(t, r.DeleteAPIKey(ctx, u.ID, other.ID))
	keys, err = r.ListAPIKeys(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.NotNil(t, keys[0].LastUsedAt)
	assert.Equal(t, "2024-05-01T00:00:00Z", *keys[0].LastUsedAt)

	require.NoError(t, r.DeleteUser(ctx, u.ID))
	_, err = r.GetAPIKeyByHash(ctx, key.KeyHash)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRiskCounts(t *testing.T) {
	r, ctx := newTestRepo(t)
	for i, done := range []bool{true, false, false} {
		s := newStatus(domain.CompositeKey{ActionID: uuid.NewString(), AssetID: "asset-1", ControlID: "c", FamilyID: "f"})
		s.IsCompleted = done
		s.IsEvidenceUploaded = i == 0
		require.True(t, insert(t, r, ctx, s))
	}
	require.True(t, insert(t, r, ctx, newStatus(domain.CompositeKey{ActionID: "x", AssetID: "asset-2", ControlID: "c", FamilyID: "f"})))

	c, err := r.RiskCounts(ctx, "asset-1")
	require.NoError(t, err)
	assert.Equal(t, 3, c.Total)
	assert.Equal(t, 1, c.Completed)
	assert.Equal(t, 1, c.EvidenceUploaded)
	assert.Equal(t, 2, c.Outstanding)

	empty, err := r.RiskCounts(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, empty.Total)

	byAsset, err := r.RiskCountsByAsset(ctx)
	require.NoError(t, err)
	require.Len(t, byAsset, 2)
	assert.Equal(t, "asset-2", byAsset[1].AssetID)
}
