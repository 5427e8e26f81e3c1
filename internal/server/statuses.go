package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/repo"
)

const statusNotFound = "CompletionStatus not found"

type statusOutput struct {
	Body domain.CompletionStatus `json:"body"`
}

type mutationOutput struct {
	Body MutationResponse `json:"body"`
}

func mutated(message string, s domain.CompletionStatus, err error) (*mutationOutput, error) {
	if err != nil {
		return nil, handleError(err, statusNotFound)
	}
	return &mutationOutput{Body: MutationResponse{Message: message, CompletionStatus: s}}, nil
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerCompletionStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-or-update-completion-status",
		Method:      http.MethodPut,
		Path:        "/completion-status",
		Summary:     "Create or update the status of a composite key",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateOrUpdateRequest `json:"body"`
	}) (*statusOutput, error) {
		b := input.Body
		key := domain.CompositeKey{
			ActionID:  b.ActionID,
			AssetID:   b.AssetID,
			ControlID: b.ControlID,
			FamilyID:  b.FamilyID,
		}
		if b.ScopeID != nil {
			key.ScopeID = *b.ScopeID
		}
		opts := engine.CreateOrUpdateOptions{
			Key:                key,
			IsCompleted:        b.IsCompleted,
			IsEvidenceUploaded: b.IsEvidenceUploaded,
			AssignedTo:         b.AssignedTo,
			Status:             b.Status,
			Action:             b.Action,
			Feedback:           nullableField(ctx, "feedback", b.Feedback),
			ActorID:            actorOr(ctx, ""),
		}
		if b.AssignedBy != nil {
			opts.AssignedBy = *b.AssignedBy
		}
		if b.CreatedBy != nil {
			opts.CreatedBy = *b.CreatedBy
		}
		s, err := e.CreateOrUpdate(ctx, opts)
		if err != nil {
			return nil, handleError(err, statusNotFound)
		}
		return &statusOutput{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-completion-status",
		Method:      http.MethodGet,
		Path:        "/completion-status",
		Summary:     "List statuses matching the filters",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ActionID   string `query:"actionId"`
		AssetID    string `query:"assetId"`
		ScopeID    string `query:"scopeId"`
		ControlID  string `query:"controlId"`
		FamilyID   string `query:"familyId"`
		AssignedTo string `query:"AssignedTo"`
		Status     string `query:"status"`
	}) (*struct {
		Body []domain.CompletionStatusView `json:"body"`
	}, error) {
		views, err := e.List(ctx, repo.StatusFilters{
			ActionID:   input.ActionID,
			AssetID:    input.AssetID,
			ScopeID:    input.ScopeID,
			ControlID:  input.ControlID,
			FamilyID:   input.FamilyID,
			AssignedTo: input.AssignedTo,
			Status:     input.Status,
		})
		if errors.Is(err, repo.ErrNotFound) {
			return nil, &listNotFoundError{Msg: "No matching completion status found", Reason: "not found"}
		}
		if err != nil {
			return nil, handleError(err, statusNotFound)
		}
		return &struct {
			Body []domain.CompletionStatusView `json:"body"`
		}{Body: views}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-completion-status",
		Method:      http.MethodPut,
		Path:        "/completion-status/{id}",
		Summary:     "Update a status; closing statuses force completion",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body UpdateStatusRequest `json:"body"`
	}) (*statusOutput, error) {
		b := input.Body
		opts := engine.UpdateOptions{
			ID:                 input.ID,
			Status:             b.Status,
			Action:             b.Action,
			Feedback:           nullableField(ctx, "feedback", b.Feedback),
			IsEvidenceUploaded: b.IsEvidenceUploaded,
			IsCompleted:        b.IsCompleted,
			ActorID:            actorOr(ctx, ""),
		}
		if b.AssignedBy != nil {
			opts.AssignedBy = *b.AssignedBy
		}
		s, err := e.Update(ctx, opts)
		if err != nil {
			return nil, handleError(err, statusNotFound)
		}
		return &statusOutput{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-completion-status",
		Method:      http.MethodDelete,
		Path:        "/completion-status/{id}",
		Summary:     "Delete a status and its history",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		if err := e.Delete(ctx, input.ID); err != nil {
			return nil, handleError(err, statusNotFound)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: MessageResponse{Message: "CompletionStatus deleted successfully"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "completion-status-history",
		Method:      http.MethodGet,
		Path:        "/completion-status/{id}/history",
		Summary:     "Change history of a status",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.HistoryEntry `json:"body"`
	}, error) {
		h, err := e.History(ctx, input.ID)
		if err != nil {
			return nil, handleError(err, statusNotFound)
		}
		return &struct {
			Body []domain.HistoryEntry `json:"body"`
		}{Body: h}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delegate-it",
		Method:      http.MethodPut,
		Path:        "/completion-status/{id}/delegate-it",
		Summary:     "Delegate to an IT owner",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body DelegateITRequest `json:"body"`
	}) (*mutationOutput, error) {
		s, err := e.DelegateToIT(ctx, input.ID, input.Body.ITOwnerID, actorOr(ctx, input.Body.CurrentUserID))
		return mutated("Delegated to IT Team", s, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "delegate-auditor",
		Method:      http.MethodPut,
		Path:        "/completion-status/{id}/delegate-auditor",
		Summary:     "Delegate to the default auditor",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body DelegateRequest `json:"body" required:"false"`
	}) (*mutationOutput, error) {
		s, err := e.DelegateToAuditor(ctx, input.ID, actorOr(ctx, input.Body.CurrentUserID))
		return mutated("Delegated to Auditor", s, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "delegate-external-auditor",
		Method:      http.MethodPut,
		Path:        "/completion-status/{id}/delegate-external-auditor",
		Summary:     "Delegate to the external auditor",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body DelegateRequest `json:"body" required:"false"`
	}) (*mutationOutput, error) {
		s, err := e.DelegateToExternalAuditor(ctx, input.ID, actorOr(ctx, input.Body.CurrentUserID))
		return mutated("Delegated to External Auditor", s, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-evidence",
		Method:      http.MethodPut,
		Path:        "/completion-status/{id}/confirm-evidence",
		Summary:     "Confirm or return uploaded evidence",
		Description: "Without feedback the audit is closed and the status completed. With feedback the evidence is returned.",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReviewRequest `json:"body" required:"false"`
	}) (*mutationOutput, error) {
		s, err := e.ConfirmEvidence(ctx, input.ID, input.Body.Feedback, actorOr(ctx, input.Body.CurrentUserID))
		return mutated("Evidence processed", s, err)
	})

	huma.Register(api, huma.Operation{
		OperationID: "raise-query",
		Method:      http.MethodPut,
		Path:        "/completion-status/{id}/raise-query",
		Summary:     "Flag uploaded evidence as wrong",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReviewRequest `json:"body" required:"false"`
	}) (*mutationOutput, error) {
		s, err := e.RaiseQuery(ctx, input.ID, input.Body.Feedback, actorOr(ctx, input.Body.CurrentUserID))
		return mutated("Evidence processed", s, err)
	})
}

func registerRisk(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "risk-by-asset",
		Method:      http.MethodGet,
		Path:        "/completion-status/risk/asset/{assetId}",
		Summary:     "Risk of one asset",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		AssetID string `path:"assetId"`
	}) (*struct {
		Body domain.RiskSummary `json:"body"`
	}, error) {
		r, err := e.RiskByAsset(ctx, input.AssetID)
		if err != nil {
			return nil, handleError(err, "asset not found")
		}
		return &struct {
			Body domain.RiskSummary `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "risk-overall",
		Method:      http.MethodGet,
		Path:        "/completion-status/risk/overall",
		Summary:     "Risk across all assets",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.OverallRisk `json:"body"`
	}, error) {
		r, err := e.OverallRisk(ctx)
		if err != nil {
			return nil, handleError(err, "")
		}
		return &struct {
			Body domain.OverallRisk `json:"body"`
		}{Body: r}, nil
	})
}
