package tracklinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Trackline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credentials are set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client for baseURL, which includes the API base path
// (for example http://127.0.0.1:8080/api).
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Key is the composite natural key of a completion status.
type Key struct {
	ActionID  string  `json:"actionId"`
	AssetID   string  `json:"assetId"`
	ScopeID   *string `json:"scopeId,omitempty"`
	ControlID string  `json:"controlId"`
	FamilyID  string  `json:"familyId"`
}

type HistoryEntry struct {
	ModifiedAt string         `json:"modifiedAt"`
	ModifiedBy string         `json:"modifiedBy"`
	Changes    map[string]any `json:"changes"`
}

// CompletionStatus mirrors the API model.
type CompletionStatus struct {
	ID                 string         `json:"id"`
	ActionID           string         `json:"actionId"`
	AssetID            string         `json:"assetId"`
	ScopeID            *string        `json:"scopeId"`
	ControlID          string         `json:"controlId"`
	FamilyID           string         `json:"familyId"`
	IsCompleted        bool           `json:"isCompleted"`
	IsEvidenceUploaded bool           `json:"isEvidenceUploaded"`
	CreatedBy          string         `json:"createdBy,omitempty"`
	AssignedBy         string         `json:"AssignedBy,omitempty"`
	AssignedTo         string         `json:"AssignedTo,omitempty"`
	ReviewedBy         string         `json:"reviewedBy,omitempty"`
	Status             string         `json:"status,omitempty"`
	Action             string         `json:"action,omitempty"`
	Feedback           *string        `json:"feedback"`
	CompletedAt        *string        `json:"completedAt"`
	CreatedAt          string         `json:"createdAt"`
	UpdatedAt          string         `json:"updatedAt"`
	History            []HistoryEntry `json:"history"`
}

type ActorRef struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
}

// StatusView is a listed status with actor references resolved.
type StatusView struct {
	ID                 string    `json:"id"`
	ActionID           string    `json:"actionId"`
	AssetID            string    `json:"assetId"`
	ScopeID            *string   `json:"scopeId"`
	ControlID          string    `json:"controlId"`
	FamilyID           string    `json:"familyId"`
	IsCompleted        bool      `json:"isCompleted"`
	IsEvidenceUploaded bool      `json:"isEvidenceUploaded"`
	CreatedBy          *ActorRef `json:"createdBy,omitempty"`
	AssignedBy         *ActorRef `json:"AssignedBy,omitempty"`
	AssignedTo         *ActorRef `json:"AssignedTo,omitempty"`
	ReviewedBy         *ActorRef `json:"reviewedBy,omitempty"`
	Status             string    `json:"status,omitempty"`
	Action             string    `json:"action,omitempty"`
	Feedback           *string   `json:"feedback"`
	CompletedAt        *string   `json:"completedAt"`
	CreatedAt          string    `json:"createdAt"`
	UpdatedAt          string    `json:"updatedAt"`
}

// StatusFields are the optional fields of a create-or-update or update call.
// Nil fields are not sent.
type StatusFields struct {
	IsCompleted        *bool   `json:"isCompleted,omitempty"`
	IsEvidenceUploaded *bool   `json:"isEvidenceUploaded,omitempty"`
	// CreatedBy is only read by CreateOrUpdate when the key is new.
	CreatedBy          *string `json:"createdBy,omitempty"`
	AssignedBy         *string `json:"AssignedBy,omitempty"`
	AssignedTo         *string `json:"AssignedTo,omitempty"`
	Status             *string `json:"status,omitempty"`
	Action             *string `json:"action,omitempty"`
	Feedback           *string `json:"feedback,omitempty"`
}

type ListFilters struct {
	ActionID   string
	AssetID    string
	ScopeID    string
	ControlID  string
	FamilyID   string
	AssignedTo string
	Status     string
}

type RiskSummary struct {
	AssetID           string  `json:"assetId,omitempty"`
	Total             int     `json:"total"`
	Completed         int     `json:"completed"`
	EvidenceUploaded  int     `json:"evidenceUploaded"`
	Outstanding       int     `json:"outstanding"`
	RiskScore         float64 `json:"riskScore"`
	RiskLevel         string  `json:"riskLevel"`
	CompletionPercent float64 `json:"completionPercent"`
}

type OverallRisk struct {
	RiskSummary
	Assets []RiskSummary `json:"assets"`
}

type User struct {
	ID          string          `json:"id"`
	Username    string          `json:"username"`
	Role        string          `json:"role"`
	Permissions map[string]bool `json:"permissions"`
	CreatedAt   string          `json:"createdAt"`
	UpdatedAt   string          `json:"updatedAt"`
}

// APIKey is returned once, on creation.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actorId"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key"`
	CreatedAt string `json:"createdAt"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type mutation struct {
	Message          string           `json:"message"`
	CompletionStatus CompletionStatus `json:"completionStatus"`
}

// CreateOrUpdate creates the status under key or patches the existing one.
func (c *Client) CreateOrUpdate(ctx context.Context, key Key, fields StatusFields) (CompletionStatus, error) {
	body := map[string]any{}
	if err := merge(body, key, fields); err != nil {
		return CompletionStatus{}, err
	}
	var resp CompletionStatus
	err := c.do(ctx, http.MethodPut, "completion-status", body, &resp)
	return resp, err
}

// Update patches a status by id. ClearFeedback sends an explicit null.
func (c *Client) Update(ctx context.Context, id string, fields StatusFields, clearFeedback bool) (CompletionStatus, error) {
	body := map[string]any{}
	if err := merge(body, fields); err != nil {
		return CompletionStatus{}, err
	}
	if clearFeedback {
		body["feedback"] = nil
	}
	var resp CompletionStatus
	err := c.do(ctx, http.MethodPut, statusPath(id, ""), body, &resp)
	return resp, err
}

// List returns statuses matching f. No match is reported as a 404 APIError.
func (c *Client) List(ctx context.Context, f ListFilters) ([]StatusView, error) {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("actionId", f.ActionID)
	set("assetId", f.AssetID)
	set("scopeId", f.ScopeID)
	set("controlId", f.ControlID)
	set("familyId", f.FamilyID)
	set("AssignedTo", f.AssignedTo)
	set("status", f.Status)
	endpoint := "completion-status"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []StatusView
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	var resp []HistoryEntry
	err := c.do(ctx, http.MethodGet, statusPath(id, "history"), nil, &resp)
	return resp, err
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, statusPath(id, ""), nil, nil)
}

func (c *Client) DelegateToIT(ctx context.Context, id, itOwnerID, currentUserID string) (CompletionStatus, error) {
	body := map[string]any{"itOwnerId": itOwnerID}
	if currentUserID != "" {
		body["currentUserId"] = currentUserID
	}
	return c.mutate(ctx, statusPath(id, "delegate-it"), body)
}

func (c *Client) DelegateToAuditor(ctx context.Context, id, currentUserID string) (CompletionStatus, error) {
	return c.mutate(ctx, statusPath(id, "delegate-auditor"), actorBody(currentUserID, nil))
}

func (c *Client) DelegateToExternalAuditor(ctx context.Context, id, currentUserID string) (CompletionStatus, error) {
	return c.mutate(ctx, statusPath(id, "delegate-external-auditor"), actorBody(currentUserID, nil))
}

// ConfirmEvidence closes the audit when feedback is nil and returns the
// evidence otherwise.
func (c *Client) ConfirmEvidence(ctx context.Context, id string, feedback *string, currentUserID string) (CompletionStatus, error) {
	return c.mutate(ctx, statusPath(id, "confirm-evidence"), actorBody(currentUserID, feedback))
}

func (c *Client) RaiseQuery(ctx context.Context, id string, feedback *string, currentUserID string) (CompletionStatus, error) {
	return c.mutate(ctx, statusPath(id, "raise-query"), actorBody(currentUserID, feedback))
}

func (c *Client) RiskByAsset(ctx context.Context, assetID string) (RiskSummary, error) {
	var resp RiskSummary
	err := c.do(ctx, http.MethodGet, "completion-status/risk/asset/"+url.PathEscape(assetID), nil, &resp)
	return resp, err
}

func (c *Client) OverallRisk(ctx context.Context) (OverallRisk, error) {
	var resp OverallRisk
	err := c.do(ctx, http.MethodGet, "completion-status/risk/overall", nil, &resp)
	return resp, err
}

// CreateUser registers a user. An empty role means "user".
func (c *Client) CreateUser(ctx context.Context, username, role string) (User, error) {
	body := map[string]any{"username": username}
	if role != "" {
		body["role"] = role
	}
	var resp User
	err := c.do(ctx, http.MethodPost, "users", body, &resp)
	return resp, err
}

func (c *Client) ListUsers(ctx context.Context, role string) ([]User, error) {
	endpoint := "users"
	if role != "" {
		endpoint += "?role=" + url.QueryEscape(role)
	}
	var resp []User
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) CreateAPIKey(ctx context.Context, userID, name string) (APIKey, error) {
	var resp APIKey
	err := c.do(ctx, http.MethodPost, "users/"+url.PathEscape(userID)+"/keys", map[string]any{"name": name}, &resp)
	return resp, err
}

func (c *Client) mutate(ctx context.Context, endpoint string, body map[string]any) (CompletionStatus, error) {
	var resp mutation
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp.CompletionStatus, err
}

func actorBody(currentUserID string, feedback *string) map[string]any {
	body := map[string]any{}
	if currentUserID != "" {
		body["currentUserId"] = currentUserID
	}
	if feedback != nil {
		body["feedback"] = *feedback
	}
	return body
}

// merge flattens the json encodings of parts into dst.
func merge(dst map[string]any, parts ...any) error {
	for _, p := range parts {
		b, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(b, &dst); err != nil {
			return err
		}
	}
	return nil
}

func statusPath(id, action string) string {
	p := "completion-status/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error   string `json:"error"`
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Code
			apiErr.Message = env.Error
			if env.Message != "" {
				apiErr.Message = env.Message
			}
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
