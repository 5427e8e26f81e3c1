package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"trackline/internal/engine"
	"trackline/internal/migrate"
	"trackline/internal/repo"
)

// Config wires the handler to an engine and the auth settings.
type Config struct {
	Engine         engine.Engine
	BasePath       string
	Auth           AuthConfig
	Logger         *zap.Logger
	RequestTimeout time.Duration
}

type bodyBytesKey struct{}

const maxBodyBytes = 1 << 20

// apiError is the error envelope of every failed call.
type apiError struct {
	status  int
	Message string `json:"error" example:"CompletionStatus not found"`
	Code    string `json:"code" example:"not_found"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

// listNotFoundError keeps the listing's historical 404 shape.
type listNotFoundError struct {
	Msg    string `json:"message"`
	Reason string `json:"error"`
}

func (e *listNotFoundError) GetStatus() int { return http.StatusNotFound }
func (e *listNotFoundError) Error() string  { return e.Msg }

// New returns an HTTP handler exposing the Trackline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	// Every error leaves as {"error", "code"}.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", joinDetails(msg, errs))
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", joinDetails(msg, errs))
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		router.Use(withTimeout(cfg.RequestTimeout))
	}
	router.Use(captureBody)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Trackline API", "1.0.0")
	hcfg.OpenAPIPath = path.Join(basePath, "openapi")
	hcfg.DocsPath = ""
	declareAuth(&hcfg)
	hcfg.CreateHooks = []func(huma.Config) huma.Config{linkSuccessBodies}
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine.DB)
	registerCompletionStatus(group, cfg.Engine)
	registerRisk(group, cfg.Engine)
	registerUsers(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Message: message, Code: code}
}

func joinDetails(msg string, errs []error) string {
	var parts []string
	for _, err := range errs {
		if err != nil {
			parts = append(parts, err.Error())
		}
	}
	if len(parts) == 0 {
		return msg
	}
	return msg + ": " + strings.Join(parts, "; ")
}

// handleError maps engine and store errors onto the envelope. notFound is
// the message used for repo.ErrNotFound.
func handleError(err error, notFound string) huma.StatusError {
	if err == nil {
		return nil
	}
	var verr *engine.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusBadRequest, "bad_request", verr.Error())
	}
	var terr *engine.TransitionError
	if errors.As(err, &terr) {
		return newAPIError(http.StatusConflict, "invalid_transition", terr.Error())
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", notFound)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusServiceUnavailable, "timeout", "request timed out")
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") {
		return newAPIError(http.StatusConflict, "conflict", msg)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", msg)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if status >= http.StatusInternalServerError {
				logger.Error("request failed", fields...)
				return
			}
			logger.Info("request", fields...)
		})
	}
}

func withTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// linkSuccessBodies installs huma's schema links for successful responses
// only, so error bodies stay {"error", "code"}.
func linkSuccessBodies(c huma.Config) huma.Config {
	links := huma.NewSchemaLinkTransformer("#/components/schemas/", c.SchemasPath)
	c.OnAddOperation = append(c.OnAddOperation, links.OnAddOperation)
	c.Transformers = append(c.Transformers, func(ctx huma.Context, status string, v any) (any, error) {
		if _, ok := v.(huma.StatusError); ok {
			return v, nil
		}
		return links.Transform(ctx, status, v)
	})
	return c
}

type healthBody struct {
	Status        string `json:"status"`
	SchemaVersion int    `json:"schemaVersion"`
}

func registerHealth(api huma.API, db *sql.DB) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Database reachability and schema version",
		Security:    publicOperation,
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body healthBody `json:"body"`
	}, error) {
		v, err := migrate.Version(ctx, db)
		if err != nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "database unavailable: "+err.Error())
		}
		return &struct {
			Body healthBody `json:"body"`
		}{Body: healthBody{Status: "ok", SchemaVersion: v}}, nil
	})
}

// captureBody keeps a copy of the request body in the context so handlers
// can tell an explicit JSON null from an absent field.
func captureBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "read body: "+err.Error()))
			return
		}
		if len(data) > maxBodyBytes {
			respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds 1 MiB"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(data))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyBytesKey{}, data)))
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	return outer
}

func isNullRaw(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && bytes.Equal(trimmed, []byte("null"))
}

// nullableField turns a JSON null for name into a pointer to "", which the
// engine reads as "clear".
func nullableField(ctx context.Context, name string, v *string) *string {
	if v != nil {
		return v
	}
	if isNullRaw(rawBodyMap(ctx)[name]) {
		empty := ""
		return &empty
	}
	return nil
}
