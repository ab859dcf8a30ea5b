package domain

// Deliverable statuses. status is the single source of truth for workflow
// state; approval_status is the client-facing verdict derived from it.
const (
	StatusNotStarted = "not_started"
	StatusInProgress = "in_progress"
	StatusDelivered  = "delivered"
	StatusApproved   = "approved"
	StatusRejected   = "rejected"
	StatusInReview   = "in_review"
)

const (
	ApprovalPending          = "pending"
	ApprovalApproved         = "approved"
	ApprovalChangesRequested = "changes_requested"
)

// Feedback statuses. A verdict status (approved, change-requested) also moves
// the owning deliverable.
const (
	FeedbackInfo            = "info"
	FeedbackApproved        = "approved"
	FeedbackChangeRequested = "change-requested"
)

const (
	RevisionPending  = "pending"
	RevisionApproved = "approved"
	RevisionRejected = "rejected"
	RevisionFinal    = "final"
)

// Activity action types.
const (
	ActionFeedback = "feedback"
	ActionApproval = "approval"
	ActionRevision = "revision"
)

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ClientName  string `json:"client_name,omitempty"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Deliverable struct {
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

type Feedback struct {
	ID            string   `json:"id"`
	DeliverableID string   `json:"deliverable_id"`
	Content       string   `json:"content"`
	AuthorID      string   `json:"author_id"`
	AuthorName    string   `json:"author_name"`
	Status        string   `json:"status" enum:"info,approved,change-requested"`
	Tags          []string `json:"tags,omitempty"`
	Resolved      bool     `json:"resolved"`
	Role          string   `json:"role" enum:"admin,client"`
	Override      bool     `json:"override,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	ResolvedBy    *string  `json:"resolved_by,omitempty"`
	ResolvedAt    *string  `json:"resolved_at,omitempty" format:"date-time"`
	UpdatedBy     *string  `json:"updated_by,omitempty"`
	UpdatedAt     *string  `json:"updated_at,omitempty" format:"date-time"`
}

type RevisionFile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size,omitempty"`
	Type string `json:"type,omitempty"`
}

type Revision struct {
	ID              string         `json:"id"`
	DeliverableID   string         `json:"deliverable_id"`
	Version         string         `json:"version"`
	Status          string         `json:"status" enum:"pending,approved,rejected,final"`
	Changes         string         `json:"changes,omitempty"`
	Files           []RevisionFile `json:"files,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	ApprovedAt      *string        `json:"approved_at,omitempty" format:"date-time"`
	RejectedAt      *string        `json:"rejected_at,omitempty" format:"date-time"`
	MarkedFinalAt   *string        `json:"marked_final_at,omitempty" format:"date-time"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
}

type RevisionComment struct {
	ID         string `json:"id"`
	RevisionID string `json:"revision_id"`
	AuthorID   string `json:"author_id"`
	AuthorName string `json:"author_name"`
	Content    string `json:"content"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// ActivityLog is an append-only audit record. Entries are created exclusively
// as a side effect of feedback, approval, and revision mutations.
type ActivityLog struct {
	ID            int64  `json:"id"`
	ActionType    string `json:"action_type" enum:"feedback,approval,revision"`
	ActorID       string `json:"actor_id"`
	ActorName     string `json:"actor_name"`
	ActorRole     string `json:"actor_role" enum:"admin,client"`
	ProjectID     string `json:"project_id"`
	DeliverableID string `json:"deliverable_id,omitempty"`
	Message       string `json:"message"`
	Metadata      string `json:"metadata_json,omitempty"`
	TS            string `json:"ts" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ValidDeliverableStatus reports whether s is a known deliverable status.
func ValidDeliverableStatus(s string) bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusDelivered, StatusApproved, StatusRejected, StatusInReview:
		return true
	}
	return false
}

// ValidFeedbackStatus reports whether s is a known feedback status.
func ValidFeedbackStatus(s string) bool {
	switch s {
	case FeedbackInfo, FeedbackApproved, FeedbackChangeRequested:
		return true
	}
	return false
}

// ApprovalStatusFor derives the client-facing verdict from workflow status.
func ApprovalStatusFor(status string) string {
	switch status {
	case StatusApproved:
		return ApprovalApproved
	case StatusInReview, StatusRejected:
		return ApprovalChangesRequested
	default:
		return ApprovalPending
	}
}
