package server

import (
	"trackline/internal/domain"
)

// Request payloads

type CreateOrUpdateRequest struct {
	_                  struct{} `json:"-" additionalProperties:"true"`
	ActionID           string   `json:"actionId,omitempty"`
	AssetID            string   `json:"assetId,omitempty"`
	ScopeID            *string  `json:"scopeId,omitempty" nullable:"true"`
	ControlID          string   `json:"controlId,omitempty"`
	FamilyID           string   `json:"familyId,omitempty"`
	IsCompleted        *bool    `json:"isCompleted,omitempty"`
	IsEvidenceUploaded *bool    `json:"isEvidenceUploaded,omitempty"`
	CreatedBy          *string  `json:"createdBy,omitempty"`
	AssignedBy         *string  `json:"AssignedBy,omitempty"`
	AssignedTo         *string  `json:"AssignedTo,omitempty"`
	Status             *string  `json:"status,omitempty"`
	Action             *string  `json:"action,omitempty"`
	Feedback           *string  `json:"feedback,omitempty" nullable:"true"`
}

type UpdateStatusRequest struct {
	_                  struct{} `json:"-" additionalProperties:"true"`
	Status             *string  `json:"status,omitempty"`
	Action             *string  `json:"action,omitempty"`
	Feedback           *string  `json:"feedback,omitempty" nullable:"true"`
	IsEvidenceUploaded *bool    `json:"isEvidenceUploaded,omitempty"`
	IsCompleted        *bool    `json:"isCompleted,omitempty"`
	AssignedBy         *string  `json:"AssignedBy,omitempty"`
}

type DelegateITRequest struct {
	_             struct{} `json:"-" additionalProperties:"true"`
	ITOwnerID     string   `json:"itOwnerId,omitempty"`
	CurrentUserID string   `json:"currentUserId,omitempty"`
}

type DelegateRequest struct {
	_             struct{} `json:"-" additionalProperties:"true"`
	CurrentUserID string   `json:"currentUserId,omitempty"`
}

type ReviewRequest struct {
	_             struct{} `json:"-" additionalProperties:"true"`
	Feedback      *string  `json:"feedback,omitempty" nullable:"true"`
	CurrentUserID string   `json:"currentUserId,omitempty"`
}

type CreateUserRequest struct {
	ID          string              `json:"id,omitempty"`
	Username    string              `json:"username"`
	Role        string              `json:"role,omitempty"`
	Permissions *domain.Permissions `json:"permissions,omitempty"`
}

type UpdateUserRequest struct {
	Username    *string             `json:"username,omitempty"`
	Role        *string             `json:"role,omitempty"`
	Permissions *domain.Permissions `json:"permissions,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Response payloads

type MessageResponse struct {
	Message string `json:"message"`
}

type MutationResponse struct {
	Message          string                  `json:"message"`
	CompletionStatus domain.CompletionStatus `json:"completionStatus"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actorId"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key"`
	CreatedAt string `json:"createdAt"`
}
