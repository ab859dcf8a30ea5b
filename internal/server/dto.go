package server

import (
	"encoding/json"

	"reviewline/internal/config"
	"reviewline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Name        *string `json:"name,omitempty"`
	ClientName  *string `json:"client_name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type CreateDeliverableRequest struct {
	ID          *string `json:"id,omitempty"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	DueDate     *string `json:"due_date,omitempty" format:"date-time"`
}

type SetDeliverableStatusRequest struct {
	Status string `json:"status" enum:"not_started,in_progress,delivered"`
}

type DecisionRequest struct {
	Note string `json:"note,omitempty"`
}

type RejectionRequest struct {
	Reason string `json:"reason"`
}

type CreateFeedbackRequest struct {
	ID      *string  `json:"id,omitempty"`
	Content string   `json:"content"`
	Status  string   `json:"status,omitempty" enum:"info,approved,change-requested"`
	Tags    []string `json:"tags,omitempty"`
}

type UpdateFeedbackStatusRequest struct {
	Status   string `json:"status" enum:"info,approved,change-requested"`
	Override bool   `json:"override,omitempty"`
}

type RevisionFileRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size,omitempty"`
	Type string `json:"type,omitempty"`
}

type CreateRevisionRequest struct {
	ID      *string               `json:"id,omitempty"`
	Version *string               `json:"version,omitempty"`
	Changes *string               `json:"changes,omitempty"`
	Files   []RevisionFileRequest `json:"files,omitempty"`
}

type SetRevisionStatusRequest struct {
	Status string `json:"status" enum:"approved,rejected,final"`
	Reason string `json:"reason,omitempty"`
}

type CreateRevisionCommentRequest struct {
	ID      *string `json:"id,omitempty"`
	Content string  `json:"content"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID    string `json:"actor_id"`
	Name       string `json:"name,omitempty"`
	Role       string `json:"role,omitempty" enum:"admin,client"`
	ClientMode bool   `json:"client_mode,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ClientName  string `json:"client_name,omitempty"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type DeliverableResponse struct {
	ID             string  `json:"id"`
	ProjectID      string  `json:"project_id"`
	Name           string  `json:"name"`
	Description    string  `json:"description,omitempty"`
	DueDate        *string `json:"due_date,omitempty" format:"date-time"`
	Status         string  `json:"status" enum:"not_started,in_progress,delivered,approved,rejected,in_review"`
	ApprovalStatus string  `json:"approval_status" enum:"pending,approved,changes_requested"`
	ApprovedAt     *string `json:"approved_at,omitempty" format:"date-time"`
	LastUpdated    string  `json:"last_updated" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type FeedbackResponse struct {
	ID            string   `json:"id"`
	DeliverableID string   `json:"deliverable_id"`
	Content       string   `json:"content"`
	AuthorID      string   `json:"author_id"`
	AuthorName    string   `json:"author_name"`
	Status        string   `json:"status" enum:"info,approved,change-requested"`
	Tags          []string `json:"tags"`
	Resolved      bool     `json:"resolved"`
	Role          string   `json:"role" enum:"admin,client"`
	Override      bool     `json:"override,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	ResolvedBy    *string  `json:"resolved_by,omitempty"`
	ResolvedAt    *string  `json:"resolved_at,omitempty" format:"date-time"`
	UpdatedBy     *string  `json:"updated_by,omitempty"`
	UpdatedAt     *string  `json:"updated_at,omitempty" format:"date-time"`
}

type RevisionResponse struct {
	ID              string                `json:"id"`
	DeliverableID   string                `json:"deliverable_id"`
	Version         string                `json:"version"`
	Status          string                `json:"status" enum:"pending,approved,rejected,final"`
	Changes         string                `json:"changes,omitempty"`
	Files           []domain.RevisionFile `json:"files"`
	RejectionReason string                `json:"rejection_reason,omitempty"`
	ApprovedAt      *string               `json:"approved_at,omitempty" format:"date-time"`
	RejectedAt      *string               `json:"rejected_at,omitempty" format:"date-time"`
	MarkedFinalAt   *string               `json:"marked_final_at,omitempty" format:"date-time"`
	CreatedAt       string                `json:"created_at" format:"date-time"`
}

type RevisionCommentResponse struct {
	ID         string `json:"id"`
	RevisionID string `json:"revision_id"`
	AuthorID   string `json:"author_id"`
	AuthorName string `json:"author_name"`
	Content    string `json:"content"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type ActivityResponse struct {
	ID            int64          `json:"id"`
	ActionType    string         `json:"action_type" enum:"feedback,approval,revision"`
	ActorID       string         `json:"actor_id"`
	ActorName     string         `json:"actor_name"`
	ActorRole     string         `json:"actor_role" enum:"admin,client"`
	ProjectID     string         `json:"project_id"`
	DeliverableID string         `json:"deliverable_id,omitempty"`
	Message       string         `json:"message"`
	Metadata      map[string]any `json:"metadata"`
	TS            string         `json:"ts" format:"date-time"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	Key       string `json:"key,omitempty"`
}

type WhoAmIResponse struct {
	ActorID    string `json:"actor_id"`
	Name       string `json:"name"`
	Role       string `json:"role" enum:"admin,client"`
	ClientMode bool   `json:"client_mode"`
}

type ProjectConfigResponse struct {
	Project  projectConfigSection `json:"project"`
	Client   clientConfigSection  `json:"client"`
	Webhooks []webhookResponse    `json:"webhooks"`
}

type projectConfigSection struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

type clientConfigSection struct {
	Directory string `json:"directory"`
}

type webhookResponse struct {
	Name    string   `json:"name"`
	URL     string   `json:"url"`
	Events  []string `json:"events"`
	Enabled bool     `json:"enabled"`
}

type paginatedDeliverables struct {
	Items      []DeliverableResponse `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type paginatedActivity struct {
	Items      []ActivityResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

// Mappers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		ClientName:  p.ClientName,
		Status:      p.Status,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func deliverableResponse(d domain.Deliverable) DeliverableResponse {
	return DeliverableResponse{
		ID:             d.ID,
		ProjectID:      d.ProjectID,
		Name:           d.Name,
		Description:    d.Description,
		DueDate:        d.DueDate,
		Status:         d.Status,
		ApprovalStatus: d.ApprovalStatus,
		ApprovedAt:     d.ApprovedAt,
		LastUpdated:    d.LastUpdated,
		CreatedAt:      d.CreatedAt,
	}
}

func feedbackResponse(f domain.Feedback) FeedbackResponse {
	return FeedbackResponse{
		ID:            f.ID,
		DeliverableID: f.DeliverableID,
		Content:       f.Content,
		AuthorID:      f.AuthorID,
		AuthorName:    f.AuthorName,
		Status:        f.Status,
		Tags:          nonNilSlice(f.Tags),
		Resolved:      f.Resolved,
		Role:          f.Role,
		Override:      f.Override,
		CreatedAt:     f.CreatedAt,
		ResolvedBy:    f.ResolvedBy,
		ResolvedAt:    f.ResolvedAt,
		UpdatedBy:     f.UpdatedBy,
		UpdatedAt:     f.UpdatedAt,
	}
}

func revisionResponse(rev domain.Revision) RevisionResponse {
	return RevisionResponse{
		ID:              rev.ID,
		DeliverableID:   rev.DeliverableID,
		Version:         rev.Version,
		Status:          rev.Status,
		Changes:         rev.Changes,
		Files:           nonNilSlice(rev.Files),
		RejectionReason: rev.RejectionReason,
		ApprovedAt:      rev.ApprovedAt,
		RejectedAt:      rev.RejectedAt,
		MarkedFinalAt:   rev.MarkedFinalAt,
		CreatedAt:       rev.CreatedAt,
	}
}

func revisionCommentResponse(c domain.RevisionComment) RevisionCommentResponse {
	return RevisionCommentResponse{
		ID:         c.ID,
		RevisionID: c.RevisionID,
		AuthorID:   c.AuthorID,
		AuthorName: c.AuthorName,
		Content:    c.Content,
		CreatedAt:  c.CreatedAt,
	}
}

func activityResponse(a domain.ActivityLog) ActivityResponse {
	meta := map[string]any{}
	if a.Metadata != "" {
		_ = json.Unmarshal([]byte(a.Metadata), &meta)
	}
	return ActivityResponse{
		ID:            a.ID,
		ActionType:    a.ActionType,
		ActorID:       a.ActorID,
		ActorName:     a.ActorName,
		ActorRole:     a.ActorRole,
		ProjectID:     a.ProjectID,
		DeliverableID: a.DeliverableID,
		Message:       a.Message,
		Metadata:      meta,
		TS:            a.TS,
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

func configResponse(cfg *config.Config) ProjectConfigResponse {
	resp := ProjectConfigResponse{
		Project:  projectConfigSection{ID: cfg.Project.ID, Kind: cfg.Project.Kind},
		Client:   clientConfigSection{Directory: cfg.Client.Directory},
		Webhooks: []webhookResponse{},
	}
	for _, hook := range cfg.Webhooks {
		resp.Webhooks = append(resp.Webhooks, webhookResponse{
			Name:    hook.Name,
			URL:     hook.URL,
			Events:  nonNilSlice(hook.Events),
			Enabled: hook.IsEnabled(),
		})
	}
	return resp
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func mapDeliverables(items []domain.Deliverable) []DeliverableResponse {
	res := make([]DeliverableResponse, 0, len(items))
	for _, d := range items {
		res = append(res, deliverableResponse(d))
	}
	return res
}

func mapFeedback(items []domain.Feedback) []FeedbackResponse {
	res := make([]FeedbackResponse, 0, len(items))
	for _, f := range items {
		res = append(res, feedbackResponse(f))
	}
	return res
}

func mapRevisions(items []domain.Revision) []RevisionResponse {
	res := make([]RevisionResponse, 0, len(items))
	for _, rev := range items {
		res = append(res, revisionResponse(rev))
	}
	return res
}

func mapRevisionComments(items []domain.RevisionComment) []RevisionCommentResponse {
	res := make([]RevisionCommentResponse, 0, len(items))
	for _, c := range items {
		res = append(res, revisionCommentResponse(c))
	}
	return res
}

func mapActivity(items []domain.ActivityLog) []ActivityResponse {
	res := make([]ActivityResponse, 0, len(items))
	for _, a := range items {
		res = append(res, activityResponse(a))
	}
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
