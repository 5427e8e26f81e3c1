package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"trackline/internal/domain"
	"trackline/internal/engine"
)

const userNotFound = "user not found"

type userOutput struct {
	Body domain.User `json:"body"`
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Role string `query:"role"`
	}) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		users, err := e.ListUsers(ctx, input.Role)
		if err != nil {
			return nil, handleError(err, userNotFound)
		}
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: users}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create a user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*userOutput, error) {
		opts := engine.UserCreateOptions{
			ID:       input.Body.ID,
			Username: input.Body.Username,
			Role:     input.Body.Role,
		}
		if input.Body.Permissions != nil {
			opts.Permissions = *input.Body.Permissions
		}
		u, err := e.CreateUser(ctx, opts)
		if err != nil {
			return nil, handleError(err, userNotFound)
		}
		return &userOutput{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-user",
		Method:      http.MethodGet,
		Path:        "/users/{id}",
		Summary:     "Get a user",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*userOutput, error) {
		u, err := e.GetUser(ctx, input.ID)
		if err != nil {
			return nil, handleError(err, userNotFound)
		}
		return &userOutput{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-user",
		Method:      http.MethodPatch,
		Path:        "/users/{id}",
		Summary:     "Update a user",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateUserRequest `json:"body"`
	}) (*userOutput, error) {
		u, err := e.UpdateUser(ctx, engine.UserUpdateOptions{
			ID:          input.ID,
			Username:    input.Body.Username,
			Role:        input.Body.Role,
			Permissions: input.Body.Permissions,
		})
		if err != nil {
			return nil, handleError(err, userNotFound)
		}
		return &userOutput{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-user",
		Method:      http.MethodDelete,
		Path:        "/users/{id}",
		Summary:     "Delete a user and their API keys",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		if err := e.DeleteUser(ctx, input.ID); err != nil {
			return nil, handleError(err, userNotFound)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: MessageResponse{Message: "User deleted successfully"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/users/{id}/keys",
		Summary:     "List a user's API keys",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		keys, err := e.ListAPIKeys(ctx, input.ID)
		if err != nil {
			return nil, handleError(err, userNotFound)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: keys}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-api-key",
		Method:      http.MethodDelete,
		Path:        "/users/{id}/keys/{keyId}",
		Summary:     "Revoke an API key",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		KeyID string `path:"keyId"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		if err := e.RevokeAPIKey(ctx, input.ID, input.KeyID); err != nil {
			return nil, handleError(err, "api key not found")
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: MessageResponse{Message: "API key revoked"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/users/{id}/keys",
		Summary:       "Issue an API key",
		Description:   "The key is only returned by this call.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body CreateAPIKeyRequest `json:"body" required:"false"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		key, secret, err := e.CreateAPIKey(ctx, input.ID, input.Body.Name)
		if err != nil {
			return nil, handleError(err, userNotFound)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			Key:       secret,
			CreatedAt: key.CreatedAt,
		}}, nil
	})
}
