package server

import (
	"time"

	"worktally/internal/domain"
	"worktally/internal/state"
)

// Request payloads

type CreateProjectRequest struct {
	Name        string  `json:"name" minLength:"1"`
	Description *string `json:"description,omitempty"`
}

type UpdateProjectRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type PaymentRequest struct {
	Kind   string `json:"kind" enum:"hourly,flat"`
	Amount int64  `json:"amount" doc:"Amount in the smallest currency unit; hourly rates are per hour"`
}

type CreateSliceRequest struct {
	Start      time.Time      `json:"start"`
	End        *time.Time     `json:"end,omitempty"`
	Payment    PaymentRequest `json:"payment"`
	ProjectIDs []int64        `json:"project_ids,omitempty"`
}

type StartWorkRequest struct {
	Payment PaymentRequest `json:"payment"`
	Start   *time.Time     `json:"start,omitempty" doc:"Defaults to the current instant"`
}

type CompleteWorkRequest struct {
	End *time.Time `json:"end,omitempty" doc:"Defaults to the current instant"`
}

// Response payloads

type PaymentResponse struct {
	Kind   string `json:"kind"`
	Amount int64  `json:"amount"`
}

type ProjectResponse struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	SliceIDs    []int64 `json:"slice_ids"`
}

type SliceResponse struct {
	ID       int64           `json:"id"`
	Start    time.Time       `json:"start"`
	End      *time.Time      `json:"end,omitempty"`
	Complete bool            `json:"complete"`
	Payment  PaymentResponse `json:"payment"`
}

type OwedResponse struct {
	Amount    int64  `json:"amount"`
	Formatted string `json:"formatted"`
}

type ChangesResponse struct {
	Changes []state.Change `json:"changes"`
}

func toPayment(r PaymentRequest) domain.Payment {
	return domain.Payment{Kind: domain.PaymentKind(r.Kind), Amount: domain.Money(r.Amount)}
}

func toProjectResponse(p domain.ProjectSnapshot) ProjectResponse {
	ids := make([]int64, 0, len(p.SliceIDs))
	for _, sid := range p.SliceIDs {
		ids = append(ids, int64(sid))
	}
	return ProjectResponse{
		ID:          int64(p.ID),
		Name:        p.Name,
		Description: p.Description,
		SliceIDs:    ids,
	}
}

func toSliceResponse(s domain.SliceSnapshot) SliceResponse {
	return SliceResponse{
		ID:       int64(s.ID),
		Start:    s.Span.Start,
		End:      s.Span.End,
		Complete: s.Span.Complete(),
		Payment:  PaymentResponse{Kind: string(s.Payment.Kind), Amount: s.Payment.Amount.Pence()},
	}
}
