package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"reviewline/internal/activity"
	"reviewline/internal/config"
	"reviewline/internal/domain"
	"reviewline/internal/engine/auth"
	"reviewline/internal/repo"
	"reviewline/internal/watch"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Activity activity.Recorder
	Hub      *watch.Hub
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Activity: activity.Recorder{DB: db},
		Hub:      watch.NewHub(),
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// record appends an audit entry. Called strictly after the mutation's
// transaction has committed; a failed append never undoes the mutation.
// The recorder shares the engine clock so audit timestamps line up with
// the mutation timestamps.
func (e Engine) record(ctx context.Context, actionType string, actor auth.Actor, projectID, deliverableID, message string, meta activity.Metadata) {
	rec := e.Activity
	if rec.Now == nil {
		rec.Now = e.Now
	}
	rec.Record(ctx, activity.Entry{
		ActionType:    actionType,
		ActorID:       actor.ID,
		ActorName:     actor.DisplayName,
		ActorRole:     actor.Role(),
		ProjectID:     projectID,
		DeliverableID: deliverableID,
		Message:       message,
		Metadata:      meta,
	})
}

func (e Engine) publish(d domain.Deliverable) {
	if e.Hub != nil {
		e.Hub.Publish(d)
	}
}

// InitProject initializes a new project with migrations already run.
func (e Engine) InitProject(ctx context.Context, projectID, name, clientName, description string, actor auth.Actor) (domain.Project, error) {
	if err := auth.RequireActor(actor); err != nil {
		return domain.Project{}, err
	}
	if name == "" {
		name = projectID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Project{
		ID:          projectID,
		Name:        name,
		ClientName:  clientName,
		Status:      "active",
		Description: description,
		CreatedAt:   now,
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Repo.EnsureActor(ctx, tx, actor.ID, now); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// DeliverableCreateOptions are parameters for creating a deliverable.
type DeliverableCreateOptions struct {
	ID          string
	ProjectID   string
	Name        string
	Description string
	DueDate     string
	Actor       auth.Actor
}

func (e Engine) CreateDeliverable(ctx context.Context, opts DeliverableCreateOptions) (domain.Deliverable, error) {
	if err := auth.RequireTeamMode(opts.Actor, "create deliverables"); err != nil {
		return domain.Deliverable{}, err
	}
	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		return domain.Deliverable{}, auth.InvalidStateError{Reason: "name is required"}
	}
	if opts.ProjectID == "" {
		return domain.Deliverable{}, auth.InvalidStateError{Reason: "project is required"}
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Deliverable{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.ProjectID+"|"+opts.Name+"|"+now)).String()
	}
	d := domain.Deliverable{
		ID:             id,
		ProjectID:      opts.ProjectID,
		Name:           opts.Name,
		Description:    opts.Description,
		DueDate:        optionalString(opts.DueDate),
		Status:         domain.StatusNotStarted,
		ApprovalStatus: domain.ApprovalStatusFor(domain.StatusNotStarted),
		LastUpdated:    now,
		CreatedAt:      now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertDeliverable(ctx, tx, d); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

// ensureDeliverableTransition validates a workflow status move. Approval,
// rejection and change requests arrive here too; reopening an already
// decided deliverable goes through ReopenDeliverable instead.
func ensureDeliverableTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.StatusNotStarted:
		if newStatus == domain.StatusInProgress {
			return nil
		}
	case domain.StatusInProgress:
		if newStatus == domain.StatusDelivered {
			return nil
		}
	case domain.StatusDelivered:
		if newStatus == domain.StatusApproved || newStatus == domain.StatusRejected || newStatus == domain.StatusInReview {
			return nil
		}
	case domain.StatusInReview:
		if newStatus == domain.StatusDelivered || newStatus == domain.StatusApproved || newStatus == domain.StatusRejected {
			return nil
		}
	case domain.StatusRejected:
		if newStatus == domain.StatusInProgress {
			return nil
		}
	}
	return auth.InvalidStateError{Reason: fmt.Sprintf("invalid deliverable status transition %s -> %s", oldStatus, newStatus)}
}

// moveDeliverable applies a validated status change inside tx, deriving the
// approval verdict from the new status so the pair stays consistent.
func (e Engine) moveDeliverable(ctx context.Context, tx *sql.Tx, d domain.Deliverable, newStatus string) (domain.Deliverable, error) {
	if err := ensureDeliverableTransition(d.Status, newStatus); err != nil {
		return d, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	d.Status = newStatus
	d.ApprovalStatus = domain.ApprovalStatusFor(newStatus)
	if newStatus == domain.StatusApproved {
		d.ApprovedAt = &now
	} else {
		d.ApprovedAt = nil
	}
	d.LastUpdated = now
	if err := e.Repo.UpdateDeliverableStatus(ctx, tx, d.ID, d.Status, d.ApprovalStatus, d.ApprovedAt, d.LastUpdated); err != nil {
		return d, err
	}
	return d, nil
}

// SetDeliverableStatus performs an operational status move: starting work,
// delivering, redelivering after review. Approval verdicts have their own
// entry points.
func (e Engine) SetDeliverableStatus(ctx context.Context, id, status string, actor auth.Actor) (domain.Deliverable, error) {
	if err := auth.RequireTeamMode(actor, "change deliverable status"); err != nil {
		return domain.Deliverable{}, err
	}
	if !domain.ValidDeliverableStatus(status) {
		return domain.Deliverable{}, auth.InvalidStateError{Reason: fmt.Sprintf("unknown deliverable status %q", status)}
	}
	switch status {
	case domain.StatusApproved, domain.StatusRejected, domain.StatusInReview:
		return domain.Deliverable{}, auth.InvalidStateError{Reason: fmt.Sprintf("status %s is set through the approval workflow", status)}
	}
	d, err := e.Repo.GetDeliverable(ctx, id)
	if err != nil {
		return d, err
	}
	from := d.Status
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()

	d, err = e.moveDeliverable(ctx, tx, d, status)
	if err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	e.record(ctx, domain.ActionApproval, actor, d.ProjectID, d.ID,
		fmt.Sprintf("%s moved %s from %s to %s", actor.DisplayName, d.Name, from, d.Status),
		activity.Metadata{"from_status": from, "to_status": d.Status})
	e.publish(d)
	return d, nil
}

// FeedbackCreateOptions are parameters for submitting feedback.
type FeedbackCreateOptions struct {
	ID            string
	DeliverableID string
	Content       string
	Status        string
	Tags          []string
	Actor         auth.Actor
}

// SubmitFeedback records a feedback entry. Verdict statuses (approved,
// change-requested) are reserved for clients and move the owning deliverable
// in the same transaction; info feedback never touches deliverable state.
func (e Engine) SubmitFeedback(ctx context.Context, opts FeedbackCreateOptions) (domain.Feedback, error) {
	if err := auth.RequireActor(opts.Actor); err != nil {
		return domain.Feedback{}, err
	}
	opts.Content = strings.TrimSpace(opts.Content)
	if opts.Content == "" {
		return domain.Feedback{}, auth.InvalidStateError{Reason: "content is required"}
	}
	if opts.Status == "" {
		opts.Status = domain.FeedbackInfo
	}
	if !domain.ValidFeedbackStatus(opts.Status) {
		return domain.Feedback{}, auth.InvalidStateError{Reason: fmt.Sprintf("unknown feedback status %q", opts.Status)}
	}
	verdict := opts.Status != domain.FeedbackInfo
	if verdict {
		if err := auth.RequireClientMode(opts.Actor, "submit verdict feedback"); err != nil {
			return domain.Feedback{}, err
		}
	}
	d, err := e.Repo.GetDeliverable(ctx, opts.DeliverableID)
	if err != nil {
		return domain.Feedback{}, err
	}
	if verdict && opts.Status == domain.FeedbackApproved && d.Status == domain.StatusApproved {
		return domain.Feedback{}, auth.ErrAlreadyApproved
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	f := domain.Feedback{
		ID:            id,
		DeliverableID: d.ID,
		Content:       opts.Content,
		AuthorID:      opts.Actor.ID,
		AuthorName:    opts.Actor.DisplayName,
		Status:        opts.Status,
		Tags:          opts.Tags,
		Role:          opts.Actor.Role(),
		CreatedAt:     now,
	}
	from := d.Status
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return f, err
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureActor(ctx, tx, opts.Actor.ID, now); err != nil {
		return f, err
	}
	if err := e.Repo.InsertFeedback(ctx, tx, f); err != nil {
		return f, err
	}
	if verdict {
		target := domain.StatusApproved
		if opts.Status == domain.FeedbackChangeRequested {
			target = domain.StatusInReview
		}
		d, err = e.moveDeliverable(ctx, tx, d, target)
		if err != nil {
			return f, err
		}
	}
	if err := tx.Commit(); err != nil {
		return f, err
	}
	if verdict {
		e.record(ctx, domain.ActionApproval, opts.Actor, d.ProjectID, d.ID,
			fmt.Sprintf("%s marked %s as %s: %s", opts.Actor.DisplayName, d.Name, opts.Status, opts.Content),
			activity.Metadata{"feedback_id": f.ID, "feedback_status": f.Status, "from_status": from, "to_status": d.Status})
		e.publish(d)
	} else {
		e.record(ctx, domain.ActionFeedback, opts.Actor, d.ProjectID, d.ID,
			fmt.Sprintf("%s left feedback on %s: %s", opts.Actor.DisplayName, d.Name, opts.Content),
			activity.Metadata{"feedback_id": f.ID, "feedback_status": f.Status})
	}
	return f, nil
}

// FeedbackStatusOptions are parameters for changing a feedback status.
type FeedbackStatusOptions struct {
	FeedbackID string
	Status     string
	Override   bool
	Actor      auth.Actor
}

// UpdateFeedbackStatus changes the status of an existing feedback entry.
// Clients change entries freely; the internal team must pass Override, which
// is persisted on the entry for the audit trail. A verdict set this way moves
// the owning deliverable just as a fresh verdict would.
func (e Engine) UpdateFeedbackStatus(ctx context.Context, opts FeedbackStatusOptions) (domain.Feedback, error) {
	if err := auth.RequireActor(opts.Actor); err != nil {
		return domain.Feedback{}, err
	}
	if !domain.ValidFeedbackStatus(opts.Status) {
		return domain.Feedback{}, auth.InvalidStateError{Reason: fmt.Sprintf("unknown feedback status %q", opts.Status)}
	}
	f, err := e.Repo.GetFeedback(ctx, opts.FeedbackID)
	if err != nil {
		return f, err
	}
	if f.Resolved {
		return f, auth.InvalidStateError{Reason: "feedback already resolved"}
	}
	if !opts.Actor.ClientMode && !opts.Override {
		return f, auth.PermissionDeniedError{Rule: "feedback status is client-owned; pass override to change it"}
	}
	verdict := opts.Status != domain.FeedbackInfo
	d, err := e.Repo.GetDeliverable(ctx, f.DeliverableID)
	if err != nil {
		return f, err
	}
	if verdict && opts.Status == domain.FeedbackApproved && d.Status == domain.StatusApproved {
		return f, auth.ErrAlreadyApproved
	}
	now := e.now().UTC().Format(time.RFC3339)
	from := f.Status
	deliverableFrom := d.Status
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return f, err
	}
	defer tx.Rollback()

	override := opts.Override && !opts.Actor.ClientMode
	if err := e.Repo.UpdateFeedbackStatus(ctx, tx, f.ID, opts.Status, override, opts.Actor.ID, now); err != nil {
		return f, err
	}
	moved := false
	if verdict {
		target := domain.StatusApproved
		if opts.Status == domain.FeedbackChangeRequested {
			target = domain.StatusInReview
		}
		if d.Status != target {
			d, err = e.moveDeliverable(ctx, tx, d, target)
			if err != nil {
				return f, err
			}
			moved = true
		}
	}
	if err := tx.Commit(); err != nil {
		return f, err
	}
	f.Status = opts.Status
	f.Override = override
	f.UpdatedBy = &opts.Actor.ID
	f.UpdatedAt = &now
	meta := activity.Metadata{"feedback_id": f.ID, "from_status": from, "to_status": f.Status, "override": override}
	action := domain.ActionFeedback
	if moved {
		action = domain.ActionApproval
		meta["deliverable_from_status"] = deliverableFrom
		meta["deliverable_to_status"] = d.Status
	}
	e.record(ctx, action, opts.Actor, d.ProjectID, d.ID,
		fmt.Sprintf("%s changed feedback on %s from %s to %s", opts.Actor.DisplayName, d.Name, from, f.Status), meta)
	if moved {
		e.publish(d)
	}
	return f, nil
}

// ResolveFeedback marks a feedback entry resolved. Resolution is reserved for
// the internal team and is terminal: a second call fails and records nothing.
func (e Engine) ResolveFeedback(ctx context.Context, feedbackID string, actor auth.Actor) (domain.Feedback, error) {
	if err := auth.RequireTeamMode(actor, "resolve feedback"); err != nil {
		return domain.Feedback{}, err
	}
	f, err := e.Repo.GetFeedback(ctx, feedbackID)
	if err != nil {
		return f, err
	}
	if f.Resolved {
		return f, auth.InvalidStateError{Reason: "feedback already resolved"}
	}
	d, err := e.Repo.GetDeliverable(ctx, f.DeliverableID)
	if err != nil {
		return f, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return f, err
	}
	defer tx.Rollback()

	if err := e.Repo.ResolveFeedback(ctx, tx, f.ID, actor.ID, now); err != nil {
		return f, err
	}
	if err := tx.Commit(); err != nil {
		return f, err
	}
	f.Resolved = true
	f.ResolvedBy = &actor.ID
	f.ResolvedAt = &now
	e.record(ctx, domain.ActionFeedback, actor, d.ProjectID, d.ID,
		fmt.Sprintf("%s resolved feedback on %s", actor.DisplayName, d.Name),
		activity.Metadata{"feedback_id": f.ID})
	return f, nil
}

// ApproveDeliverable records the internal team's approval verdict.
func (e Engine) ApproveDeliverable(ctx context.Context, id, note string, actor auth.Actor) (domain.Deliverable, error) {
	if err := auth.RequireTeamMode(actor, "approve deliverables"); err != nil {
		return domain.Deliverable{}, err
	}
	return e.decide(ctx, id, domain.StatusApproved, note, actor)
}

// RejectDeliverable records a rejection verdict. A reason is required.
func (e Engine) RejectDeliverable(ctx context.Context, id, reason string, actor auth.Actor) (domain.Deliverable, error) {
	if err := auth.RequireTeamMode(actor, "reject deliverables"); err != nil {
		return domain.Deliverable{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Deliverable{}, auth.InvalidStateError{Reason: "rejection reason is required"}
	}
	return e.decide(ctx, id, domain.StatusRejected, reason, actor)
}

// RequestChanges moves a deliverable into review.
func (e Engine) RequestChanges(ctx context.Context, id, note string, actor auth.Actor) (domain.Deliverable, error) {
	if err := auth.RequireTeamMode(actor, "request changes"); err != nil {
		return domain.Deliverable{}, err
	}
	return e.decide(ctx, id, domain.StatusInReview, note, actor)
}

func (e Engine) decide(ctx context.Context, id, target, note string, actor auth.Actor) (domain.Deliverable, error) {
	d, err := e.Repo.GetDeliverable(ctx, id)
	if err != nil {
		return d, err
	}
	if target == domain.StatusApproved && d.Status == domain.StatusApproved {
		return d, auth.ErrAlreadyApproved
	}
	from := d.Status
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()

	d, err = e.moveDeliverable(ctx, tx, d, target)
	if err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	msg := fmt.Sprintf("%s marked %s as %s", actor.DisplayName, d.Name, target)
	if note != "" {
		msg = fmt.Sprintf("%s: %s", msg, note)
	}
	e.record(ctx, domain.ActionApproval, actor, d.ProjectID, d.ID, msg,
		activity.Metadata{"from_status": from, "to_status": d.Status, "note": note})
	e.publish(d)
	return d, nil
}

// ReopenDeliverable moves a decided deliverable back to in_progress so work
// can resume. Reopening an approved deliverable is allowed but flagged as an
// override in the audit trail.
func (e Engine) ReopenDeliverable(ctx context.Context, id, reason string, actor auth.Actor) (domain.Deliverable, error) {
	if err := auth.RequireTeamMode(actor, "reopen deliverables"); err != nil {
		return domain.Deliverable{}, err
	}
	d, err := e.Repo.GetDeliverable(ctx, id)
	if err != nil {
		return d, err
	}
	switch d.Status {
	case domain.StatusApproved, domain.StatusRejected, domain.StatusInReview:
	default:
		return d, auth.InvalidStateError{Reason: fmt.Sprintf("deliverable in status %s cannot be reopened", d.Status)}
	}
	wasApproved := d.Status == domain.StatusApproved
	from := d.Status
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()

	d.Status = domain.StatusInProgress
	d.ApprovalStatus = domain.ApprovalStatusFor(d.Status)
	d.ApprovedAt = nil
	d.LastUpdated = now
	if err := e.Repo.UpdateDeliverableStatus(ctx, tx, d.ID, d.Status, d.ApprovalStatus, nil, now); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	e.record(ctx, domain.ActionApproval, actor, d.ProjectID, d.ID,
		fmt.Sprintf("%s reopened %s", actor.DisplayName, d.Name),
		activity.Metadata{"from_status": from, "to_status": d.Status, "reason": reason, "override": wasApproved})
	e.publish(d)
	return d, nil
}

// RevisionCreateOptions are parameters for publishing a revision.
type RevisionCreateOptions struct {
	ID            string
	DeliverableID string
	Version       string
	Changes       string
	Files         []domain.RevisionFile
	Actor         auth.Actor
}

// AddRevision publishes a new revision of a deliverable. Revisions start
// pending and advance through UpdateRevisionStatus.
func (e Engine) AddRevision(ctx context.Context, opts RevisionCreateOptions) (domain.Revision, error) {
	if err := auth.RequireTeamMode(opts.Actor, "publish revisions"); err != nil {
		return domain.Revision{}, err
	}
	d, err := e.Repo.GetDeliverable(ctx, opts.DeliverableID)
	if err != nil {
		return domain.Revision{}, err
	}
	version := opts.Version
	if version == "" {
		existing, err := e.Repo.ListRevisions(ctx, d.ID)
		if err != nil {
			return domain.Revision{}, err
		}
		version = fmt.Sprintf("v%d", len(existing)+1)
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	rev := domain.Revision{
		ID:            id,
		DeliverableID: d.ID,
		Version:       version,
		Status:        domain.RevisionPending,
		Changes:       opts.Changes,
		Files:         opts.Files,
		CreatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rev, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertRevision(ctx, tx, rev); err != nil {
		return rev, err
	}
	if err := tx.Commit(); err != nil {
		return rev, err
	}
	e.record(ctx, domain.ActionRevision, opts.Actor, d.ProjectID, d.ID,
		fmt.Sprintf("%s published revision %s of %s", opts.Actor.DisplayName, rev.Version, d.Name),
		activity.Metadata{"revision_id": rev.ID, "version": rev.Version, "files": len(rev.Files)})
	return rev, nil
}

// ensureRevisionTransition validates a revision status move. The lattice is
// monotonic: pending splits into approved or rejected, approved can become
// final, and nothing moves backwards.
func ensureRevisionTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.RevisionPending:
		if newStatus == domain.RevisionApproved || newStatus == domain.RevisionRejected {
			return nil
		}
	case domain.RevisionApproved:
		if newStatus == domain.RevisionFinal {
			return nil
		}
	}
	return auth.InvalidStateError{Reason: fmt.Sprintf("invalid revision status transition %s -> %s", oldStatus, newStatus)}
}

// RevisionStatusOptions are parameters for advancing a revision.
type RevisionStatusOptions struct {
	RevisionID string
	Status     string
	Reason     string
	Actor      auth.Actor
}

// UpdateRevisionStatus advances a revision through its lattice. Rejection
// requires a reason; marking final is reserved for the internal team.
func (e Engine) UpdateRevisionStatus(ctx context.Context, opts RevisionStatusOptions) (domain.Revision, error) {
	if err := auth.RequireActor(opts.Actor); err != nil {
		return domain.Revision{}, err
	}
	if opts.Status == domain.RevisionFinal {
		if err := auth.RequireTeamMode(opts.Actor, "mark revisions final"); err != nil {
			return domain.Revision{}, err
		}
	}
	opts.Reason = strings.TrimSpace(opts.Reason)
	if opts.Status == domain.RevisionRejected && opts.Reason == "" {
		return domain.Revision{}, auth.InvalidStateError{Reason: "rejection reason is required"}
	}
	rev, err := e.Repo.GetRevision(ctx, opts.RevisionID)
	if err != nil {
		return rev, err
	}
	if err := ensureRevisionTransition(rev.Status, opts.Status); err != nil {
		return rev, err
	}
	d, err := e.Repo.GetDeliverable(ctx, rev.DeliverableID)
	if err != nil {
		return rev, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	from := rev.Status
	rev.Status = opts.Status
	switch opts.Status {
	case domain.RevisionApproved:
		rev.ApprovedAt = &now
	case domain.RevisionRejected:
		rev.RejectedAt = &now
		rev.RejectionReason = opts.Reason
	case domain.RevisionFinal:
		rev.MarkedFinalAt = &now
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rev, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateRevision(ctx, tx, rev); err != nil {
		return rev, err
	}
	if err := tx.Commit(); err != nil {
		return rev, err
	}
	msg := fmt.Sprintf("%s marked revision %s of %s as %s", opts.Actor.DisplayName, rev.Version, d.Name, rev.Status)
	if opts.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, opts.Reason)
	}
	e.record(ctx, domain.ActionRevision, opts.Actor, d.ProjectID, d.ID, msg,
		activity.Metadata{"revision_id": rev.ID, "version": rev.Version, "from_status": from, "to_status": rev.Status, "reason": opts.Reason})
	return rev, nil
}

// RevisionCommentOptions are parameters for commenting on a revision.
type RevisionCommentOptions struct {
	ID         string
	RevisionID string
	Content    string
	Actor      auth.Actor
}

func (e Engine) AddRevisionComment(ctx context.Context, opts RevisionCommentOptions) (domain.RevisionComment, error) {
	if err := auth.RequireActor(opts.Actor); err != nil {
		return domain.RevisionComment{}, err
	}
	opts.Content = strings.TrimSpace(opts.Content)
	if opts.Content == "" {
		return domain.RevisionComment{}, auth.InvalidStateError{Reason: "content is required"}
	}
	rev, err := e.Repo.GetRevision(ctx, opts.RevisionID)
	if err != nil {
		return domain.RevisionComment{}, err
	}
	d, err := e.Repo.GetDeliverable(ctx, rev.DeliverableID)
	if err != nil {
		return domain.RevisionComment{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	c := domain.RevisionComment{
		ID:         id,
		RevisionID: rev.ID,
		AuthorID:   opts.Actor.ID,
		AuthorName: opts.Actor.DisplayName,
		Content:    opts.Content,
		CreatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureActor(ctx, tx, opts.Actor.ID, now); err != nil {
		return c, err
	}
	if err := e.Repo.InsertRevisionComment(ctx, tx, c); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	e.record(ctx, domain.ActionRevision, opts.Actor, d.ProjectID, d.ID,
		fmt.Sprintf("%s commented on revision %s of %s: %s", opts.Actor.DisplayName, rev.Version, d.Name, opts.Content),
		activity.Metadata{"revision_id": rev.ID, "comment_id": c.ID})
	return c, nil
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
