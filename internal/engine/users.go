package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trackline/internal/domain"
	"trackline/internal/history"
	"trackline/internal/repo"
)

type UserCreateOptions struct {
	ID          string
	Username    string
	Role        string
	Permissions domain.Permissions
}

func (e Engine) CreateUser(ctx context.Context, opts UserCreateOptions) (domain.User, error) {
	username := strings.TrimSpace(opts.Username)
	if username == "" {
		return domain.User{}, invalid("username", "is required")
	}
	role := opts.Role
	if role == "" {
		role = "user"
	}
	if !domain.ValidRole(role) {
		return domain.User{}, invalid("role", "%q is not one of %s", role, strings.Join(domain.Roles, ", "))
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	} else if err := requireIdentifier("id", id); err != nil {
		return domain.User{}, err
	}
	ts := e.now().UTC().Format(history.TimeFormat)
	u := domain.User{ID: id, Username: username, Role: role, Permissions: opts.Permissions, CreatedAt: ts, UpdatedAt: ts}
	if err := e.Repo.InsertUser(ctx, nil, u); err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

type UserUpdateOptions struct {
	ID          string
	Username    *string
	Role        *string
	Permissions *domain.Permissions
}

func (e Engine) UpdateUser(ctx context.Context, opts UserUpdateOptions) (domain.User, error) {
	u, err := e.Repo.GetUser(ctx, opts.ID)
	if err != nil {
		return domain.User{}, err
	}
	if opts.Username != nil {
		name := strings.TrimSpace(*opts.Username)
		if name == "" {
			return domain.User{}, invalid("username", "must not be empty")
		}
		u.Username = name
	}
	if opts.Role != nil {
		if !domain.ValidRole(*opts.Role) {
			return domain.User{}, invalid("role", "%q is not one of %s", *opts.Role, strings.Join(domain.Roles, ", "))
		}
		u.Role = *opts.Role
	}
	if opts.Permissions != nil {
		u.Permissions = *opts.Permissions
	}
	u.UpdatedAt = e.now().UTC().Format(history.TimeFormat)
	if err := e.Repo.UpdateUser(ctx, u); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func (e Engine) GetUser(ctx context.Context, id string) (domain.User, error) {
	return e.Repo.GetUser(ctx, id)
}

func (e Engine) ListUsers(ctx context.Context, role string) ([]domain.User, error) {
	return e.Repo.ListUsers(ctx, role)
}

func (e Engine) DeleteUser(ctx context.Context, id string) error {
	return e.Repo.DeleteUser(ctx, id)
}

// CreateAPIKey issues a new key for a user. The secret is returned once and
// only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if _, err := e.Repo.GetUser(ctx, actorID); err != nil {
		return domain.APIKey{}, "", err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := "tl_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.now().UTC().Format(history.TimeFormat),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

// ListAPIKeys returns the keys issued to a user. Secrets are never returned.
func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	if _, err := e.Repo.GetUser(ctx, actorID); err != nil {
		return nil, err
	}
	return e.Repo.ListAPIKeys(ctx, actorID)
}

func (e Engine) RevokeAPIKey(ctx context.Context, actorID, keyID string) error {
	if err := e.Repo.DeleteAPIKey(ctx, actorID, keyID); err != nil {
		return err
	}
	e.logger().Info("api key revoked", zap.String("actor_id", actorID), zap.String("key_id", keyID))
	return nil
}

// SeedAuditors makes sure the configured auditor identities exist in the user
// directory so that their references resolve.
func (e Engine) SeedAuditors(ctx context.Context) error {
	if e.Config == nil {
		return nil
	}
	ts := e.now().UTC().Format(history.TimeFormat)
	seeds := []domain.User{
		{ID: e.Config.Actors.DefaultAuditorID, Username: "default-auditor", Role: "Auditor"},
		{ID: e.Config.Actors.ExternalAuditorID, Username: "external-auditor", Role: "External Auditor"},
	}
	for _, u := range seeds {
		u.Permissions = domain.Permissions{View: true, ConfirmEvidence: true}
		u.CreatedAt, u.UpdatedAt = ts, ts
		if held, err := e.Repo.GetUserByUsername(ctx, u.Username); err == nil && held.ID != u.ID {
			u.Username = u.Username + "-" + u.ID[:8]
		}
		inserted, err := e.Repo.EnsureUser(ctx, u)
		if err != nil {
			return fmt.Errorf("seed %s: %w", u.Role, err)
		}
		if inserted {
			e.logger().Info("seeded auditor identity", zap.String("id", u.ID), zap.String("role", u.Role))
		}
	}
	return nil
}
