package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trackline/internal/config"
	"trackline/internal/db"
	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T, tweak ...func(*Config)) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	e := engine.New(conn, config.Default(), zap.NewNop())
	require.NoError(t, e.SeedAuditors(context.Background()))

	cfg := Config{Engine: e, BasePath: "/api", Auth: AuthConfig{AllowLegacyActorHeader: true}}
	for _, fn := range tweak {
		fn(&cfg)
	}
	handler, err := New(cfg)
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String() + "/api", Engine: e, client: &http.Client{}}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

var keyBody = map[string]any{
	"actionId":  "a1",
	"assetId":   "s1",
	"controlId": "c1",
	"familyId":  "f1",
}

func withFields(extra map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range keyBody {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func (s *testServer) create(t *testing.T, extra map[string]any) domain.CompletionStatus {
	t.Helper()
	res, data := doJSON(t, s.Client(), http.MethodPut, s.URL+"/completion-status", withFields(extra), nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	return decode[domain.CompletionStatus](t, data)
}

func TestHealthIsOpenWhenAuthRequired(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.Auth.Required = true })
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decode[map[string]any](t, data)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 2, body["schemaVersion"])
}

func TestOversizedBodyIsRejected(t *testing.T) {
	srv := newTestServer(t)
	big := `{"feedback":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/completion-status", big, nil)
	require.Equal(t, http.StatusRequestEntityTooLarge, res.StatusCode)
	env := decode[map[string]any](t, data)
	assert.Equal(t, "body_too_large", env["code"])
}

func TestCreateThenCompleteOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	user := uuid.NewString()
	created := srv.create(t, map[string]any{"AssignedBy": user})
	assert.Empty(t, created.History)
	assert.Equal(t, user, created.CreatedBy)

	done := srv.create(t, map[string]any{"isCompleted": true, "AssignedBy": user})
	assert.Equal(t, created.ID, done.ID)
	require.NotNil(t, done.CompletedAt)
	require.Len(t, done.History, 1)
	assert.Equal(t, domain.Changes{"isCompleted": true}, done.History[0].Changes)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/completion-status/"+done.ID+"/history", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, decode[[]domain.HistoryEntry](t, data), 1)
}

func TestCreateMissingKeyIsBadRequest(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/completion-status", map[string]any{"actionId": "a1"}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	body := decode[map[string]string](t, data)
	assert.Equal(t, "bad_request", body["code"])
	assert.Contains(t, body["error"], "assetId")
}

func TestListResolvesActorsAndMissesWithLegacyShape(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/completion-status?assetId=s1", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	miss := decode[map[string]string](t, data)
	assert.Equal(t, "No matching completion status found", miss["message"])
	assert.Equal(t, "not found", miss["error"])

	u, err := srv.Engine.CreateUser(context.Background(), engine.UserCreateOptions{Username: "jo", Role: "Compliance Team"})
	require.NoError(t, err)
	srv.create(t, map[string]any{"AssignedBy": u.ID, "status": "Open"})

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/completion-status?assetId=s1&status=Open", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	views := decode[[]domain.CompletionStatusView](t, data)
	require.Len(t, views, 1)
	require.NotNil(t, views[0].CreatedBy)
	assert.Equal(t, "jo", views[0].CreatedBy.Username)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/completion-status?status=Bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestDeleteMissingIsNotFound(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/completion-status/"+uuid.NewString(), nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	body := decode[map[string]string](t, data)
	assert.Equal(t, "CompletionStatus not found", body["error"])
	assert.Equal(t, "not_found", body["code"])

	s := srv.create(t, nil)
	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/completion-status/"+s.ID, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "CompletionStatus deleted successfully", decode[MessageResponse](t, data).Message)
}

func TestDelegateAuditorRejectsMalformedUser(t *testing.T) {
	srv := newTestServer(t)
	s := srv.create(t, nil)
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/completion-status/"+s.ID+"/delegate-auditor",
		map[string]any{"currentUserId": "nope"}, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	stored, err := srv.Engine.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.History)
}

func TestDelegateAuditorUsesActorHeader(t *testing.T) {
	srv := newTestServer(t)
	s := srv.create(t, nil)
	user := uuid.NewString()
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/completion-status/"+s.ID+"/delegate-auditor",
		nil, map[string]string{"X-Actor-Id": user})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	out := decode[MutationResponse](t, data)
	assert.Equal(t, "Delegated to Auditor", out.Message)
	assert.Equal(t, config.DefaultAuditorID, out.CompletionStatus.AssignedTo)
	assert.Equal(t, user, out.CompletionStatus.AssignedBy)
	assert.Equal(t, domain.StatusAuditDelegated, out.CompletionStatus.Status)
}

func TestConfirmEvidenceClosesAudit(t *testing.T) {
	srv := newTestServer(t)
	s := srv.create(t, nil)
	reviewer := uuid.NewString()
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/completion-status/"+s.ID+"/delegate-external-auditor",
		map[string]any{"currentUserId": reviewer}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/completion-status/"+s.ID+"/confirm-evidence",
		`{"feedback":null,"currentUserId":"`+reviewer+`"}`, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	out := decode[MutationResponse](t, data)
	assert.Equal(t, "Evidence processed", out.Message)
	assert.Equal(t, domain.StatusAuditClosed, out.CompletionStatus.Status)
	assert.True(t, out.CompletionStatus.IsCompleted)
	assert.Equal(t, reviewer, out.CompletionStatus.ReviewedBy)
	assert.Empty(t, out.CompletionStatus.CreatedBy)
}

func TestUpdateNullFeedbackClears(t *testing.T) {
	srv := newTestServer(t)
	s := srv.create(t, map[string]any{"feedback": "missing page"})
	require.NotNil(t, s.Feedback)

	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/completion-status/"+s.ID, `{"feedback":null}`, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	out := decode[domain.CompletionStatus](t, data)
	assert.Nil(t, out.Feedback)
	require.NotEmpty(t, out.History)
	assert.Equal(t, domain.Changes{"feedback": nil}, out.History[len(out.History)-1].Changes)
}

func TestUpdateInvalidTransitionIsConflict(t *testing.T) {
	srv := newTestServer(t)
	s := srv.create(t, map[string]any{"status": "Closed"})

	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/completion-status/"+s.ID, map[string]any{"status": "Open"}, nil)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "invalid_transition", decode[map[string]string](t, data)["code"])
}

func TestCreateStoresCreatedBy(t *testing.T) {
	srv := newTestServer(t)
	author := uuid.NewString()
	created := srv.create(t, map[string]any{"createdBy": author, "AssignedBy": uuid.NewString()})
	assert.Equal(t, author, created.CreatedBy)

	again := srv.create(t, map[string]any{"createdBy": uuid.NewString(), "isCompleted": true})
	assert.Equal(t, created.ID, again.ID)
	assert.Equal(t, author, again.CreatedBy)
}

func TestEmptyUpdateOnClosedChangesNothing(t *testing.T) {
	srv := newTestServer(t)
	s := srv.create(t, nil)
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/completion-status/"+s.ID, map[string]any{"status": "Closed"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	closed := decode[domain.CompletionStatus](t, data)
	require.NotNil(t, closed.CompletedAt)

	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/completion-status/"+s.ID, map[string]any{}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	after := decode[domain.CompletionStatus](t, data)
	require.NotNil(t, after.CompletedAt)
	assert.Equal(t, *closed.CompletedAt, *after.CompletedAt)
	assert.Equal(t, closed.UpdatedAt, after.UpdatedAt)
	assert.Len(t, after.History, len(closed.History))
}

func TestErrorBodiesCarryOnlyTheEnvelope(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/completion-status/"+uuid.NewString(), nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.JSONEq(t, `{"error":"CompletionStatus not found","code":"not_found"}`, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/completion-status?actionId=missing", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.NotContains(t, decode[map[string]any](t, data), "$schema")
}

func TestDocsPageOpenWhenAuthRequired(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.Auth.Required = true })
	root := strings.TrimSuffix(srv.URL, "/api")
	res, data := doJSON(t, srv.Client(), http.MethodGet, root+"/docs", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "openapi.json")

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/openapi.json", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestRiskEndpoints(t *testing.T) {
	srv := newTestServer(t)
	srv.create(t, map[string]any{"isCompleted": true})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/completion-status/risk/asset/s1", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	r := decode[domain.RiskSummary](t, data)
	assert.Equal(t, 1, r.Total)
	assert.Equal(t, 0.0, r.RiskScore)
	assert.Equal(t, "Low", r.RiskLevel)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/completion-status/risk/overall", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[domain.OverallRisk](t, data).Assets, 1)
}

func TestAuthRequiredAcceptsJWTAndAPIKey(t *testing.T) {
	const secret = "s3cret"
	srv := newTestServer(t, func(c *Config) {
		c.Auth = AuthConfig{Required: true, JWTSecret: secret}
	})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/users", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decode[map[string]string](t, data)["code"])

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/users", nil, map[string]string{"X-Actor-Id": uuid.NewString()})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/users", nil, map[string]string{"Authorization": "Bearer junk"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	admin := uuid.NewString()
	token, err := SignToken(secret, admin, []string{"Admin"}, time.Hour, time.Now())
	require.NoError(t, err)
	bearer := map[string]string{"Authorization": "Bearer " + token}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/users", map[string]any{"id": admin, "username": "root", "role": "Admin"}, bearer)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/users/"+admin+"/keys", map[string]any{"name": "ci"}, bearer)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	key := decode[APIKeyResponse](t, data)
	require.NotEmpty(t, key.Key)

	// The principal becomes the creator when the body names no actor.
	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/completion-status", keyBody, map[string]string{"X-Api-Key": key.Key})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, admin, decode[domain.CompletionStatus](t, data).CreatedBy)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/users/"+admin+"/keys", nil, bearer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	keys := decode[[]domain.APIKey](t, data)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].LastUsedAt)
	assert.NotContains(t, string(data), key.Key)

	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/users/"+admin+"/keys/"+key.ID, nil, bearer)
	require.Equal(t, http.StatusOK, res.StatusCode)
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/users", nil, map[string]string{"X-Api-Key": key.Key})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestUsersCRUD(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/users", map[string]any{"username": "it-owner", "role": "IT Team"}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	u := decode[domain.User](t, data)

	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/users/"+u.ID, map[string]any{"role": "Auditor"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "Auditor", decode[domain.User](t, data).Role)

	res, _ = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/users/"+u.ID, map[string]any{"role": "Wizard"}, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/users?role=Auditor", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	// Seeded default auditor plus the promoted user.
	assert.Len(t, decode[[]domain.User](t, data), 2)

	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/users/"+u.ID, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/users/"+u.ID, nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "user not found", decode[map[string]string](t, data)["error"])
}

func TestOpenAPIDeclaresSecurity(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc struct {
		Components struct {
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
		Paths map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc.Components.SecuritySchemes, "bearerAuth")
	assert.Contains(t, doc.Paths, "/api/completion-status/{id}/confirm-evidence")
}
