package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"reviewline/internal/config"
	"reviewline/internal/db"
	"reviewline/internal/domain"
	"reviewline/internal/engine"
	"reviewline/internal/engine/auth"
	"reviewline/internal/migrate"
	"reviewline/internal/repo"
)

var (
	team   = auth.Actor{ID: "alex", DisplayName: "Alex"}
	client = auth.Actor{ID: "client-1", DisplayName: "Dana", ClientMode: true}
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test", "Acme", "", team); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func mustDeliverable(t *testing.T, env testEnv, name string) domain.Deliverable {
	t.Helper()
	d, err := env.Engine.CreateDeliverable(env.Ctx, engine.DeliverableCreateOptions{
		ProjectID: "proj-1",
		Name:      name,
		Actor:     team,
	})
	if err != nil {
		t.Fatalf("create deliverable: %v", err)
	}
	return d
}

func mustDeliver(t *testing.T, env testEnv, id string) domain.Deliverable {
	t.Helper()
	if _, err := env.Engine.SetDeliverableStatus(env.Ctx, id, "in_progress", team); err != nil {
		t.Fatalf("to in_progress: %v", err)
	}
	d, err := env.Engine.SetDeliverableStatus(env.Ctx, id, "delivered", team)
	if err != nil {
		t.Fatalf("to delivered: %v", err)
	}
	return d
}

func TestDeliverableStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	d := mustDeliverable(t, env, "Homepage design")
	if d.Status != "not_started" || d.ApprovalStatus != "pending" {
		t.Fatalf("unexpected initial state: %s/%s", d.Status, d.ApprovalStatus)
	}
	// skipping in_progress is not allowed
	if _, err := env.Engine.SetDeliverableStatus(env.Ctx, d.ID, "delivered", team); err == nil {
		t.Fatalf("expected transition error")
	}
	d = mustDeliver(t, env, d.ID)
	if d.Status != "delivered" || d.ApprovalStatus != "pending" {
		t.Fatalf("unexpected delivered state: %s/%s", d.Status, d.ApprovalStatus)
	}
	// approval-family statuses only move through the workflow endpoints
	if _, err := env.Engine.SetDeliverableStatus(env.Ctx, d.ID, "approved", team); err == nil {
		t.Fatalf("expected approval-workflow error")
	}
	// clients never drive operational status
	if _, err := env.Engine.SetDeliverableStatus(env.Ctx, d.ID, "in_progress", client); err == nil {
		t.Fatalf("expected permission error")
	}
}

func TestApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	d := mustDeliverable(t, env, "Logo pack")
	mustDeliver(t, env, d.ID)

	d, err := env.Engine.ApproveDeliverable(env.Ctx, d.ID, "looks great", team)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if d.Status != "approved" || d.ApprovalStatus != "approved" || d.ApprovedAt == nil {
		t.Fatalf("unexpected approved state: %+v", d)
	}
	if _, err := env.Engine.ApproveDeliverable(env.Ctx, d.ID, "", team); !errors.Is(err, auth.ErrAlreadyApproved) {
		t.Fatalf("expected already-approved, got %v", err)
	}
}

func TestRejectRequiresReason(t *testing.T) {
	env := newTestEnv(t)
	d := mustDeliverable(t, env, "Copy deck")
	mustDeliver(t, env, d.ID)
	if _, err := env.Engine.RejectDeliverable(env.Ctx, d.ID, "", team); err == nil {
		t.Fatalf("expected reason-required error")
	}
	d, err := env.Engine.RejectDeliverable(env.Ctx, d.ID, "wrong tone", team)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if d.Status != "rejected" || d.ApprovalStatus != "changes_requested" {
		t.Fatalf("unexpected rejected state: %s/%s", d.Status, d.ApprovalStatus)
	}
	// rejected goes back to in_progress, nothing else
	if _, err := env.Engine.SetDeliverableStatus(env.Ctx, d.ID, "delivered", team); err == nil {
		t.Fatalf("expected transition error")
	}
	if _, err := env.Engine.SetDeliverableStatus(env.Ctx, d.ID, "in_progress", team); err != nil {
		t.Fatalf("back to in_progress: %v", err)
	}
}

func TestReviewRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	d := mustDeliverable(t, env, "Wireframes")
	mustDeliver(t, env, d.ID)
	d, err := env.Engine.RequestChanges(env.Ctx, d.ID, "tighten the nav", team)
	if err != nil {
		t.Fatalf("request changes: %v", err)
	}
	if d.Status != "in_review" || d.ApprovalStatus != "changes_requested" {
		t.Fatalf("unexpected review state: %s/%s", d.Status, d.ApprovalStatus)
	}
	// redeliver straight from review
	d, err = env.Engine.SetDeliverableStatus(env.Ctx, d.ID, "delivered", team)
	if err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if d.ApprovalStatus != "pending" {
		t.Fatalf("expected approval reset to pending, got %s", d.ApprovalStatus)
	}
}

func TestClientVerdictFeedbackMovesDeliverable(t *testing.T) {
	env := newTestEnv(t)
	d := mustDeliverable(t, env, "Brand guide")
	mustDeliver(t, env, d.ID)

	f, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackCreateOptions{
		DeliverableID: d.ID,
		Content:       "please rework section 2",
		Status:        "change-requested",
		Actor:         client,
	})
	if err != nil {
		t.Fatalf("verdict feedback: %v", err)
	}
	if f.Role != "client" {
		t.Fatalf("expected client role, got %s", f.Role)
	}
	d, err = env.Engine.Repo.GetDeliverable(env.Ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != "in_review" || d.ApprovalStatus != "changes_requested" {
		t.Fatalf("verdict did not move deliverable: %s/%s", d.Status, d.ApprovalStatus)
	}

	if _, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackCreateOptions{
		DeliverableID: d.ID,
		Content:       "ship it",
		Status:        "approved",
		Actor:         client,
	}); err != nil {
		t.Fatalf("approve via feedback: %v", err)
	}
	d, _ = env.Engine.Repo.GetDeliverable(env.Ctx, d.ID)
	if d.Status != "approved" || d.ApprovedAt == nil {
		t.Fatalf("expected approved, got %s", d.Status)
	}
	// approving an approved deliverable again must not re-fire
	_, err = env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackCreateOptions{
		DeliverableID: d.ID,
		Content:       "ship it again",
		Status:        "approved",
		Actor:         client,
	})
	if !errors.Is(err, auth.ErrAlreadyApproved) {
		t.Fatalf("expected already-approved, got %v", err)
	}
}

func TestVerdictFeedbackIsClientOnly(t *testing.T) {
	env := newTestEnv(t)
	d := mustDeliverable(t, env, "Deck")
	mustDeliver(t, env, d.ID)
	_, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackCreateOptions{
		DeliverableID: d.ID,
		Content:       "approving on their behalf",
		Status:        "approved",
		Actor:         team,
	})
	var pd auth.PermissionDeniedError
	if !errors.As(err, &pd) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestInfoFeedbackDefaultsAndLeavesStatusAlone(t *testing.T) {
	env := newTestEnv(t)
	d := mustDeliverable(t, env, "Sitemap")
	mustDeliver(t, env, d.ID)
	f, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackCreateOptions{
		DeliverableID: d.ID,
		Content:       "note for later",
		Actor:         team,
	})
	if err != nil {
		t.Fatalf("info feedback: %v", err)
	}
	if f.Status != "info" {
		t.Fatalf("expected default info status, got %s", f.Status)
	}
	d, _ = env.Engine.Repo.GetDeliverable(env.Ctx, d.ID)
	if d.Status != "delivered" {
		t.Fatalf("info feedback moved deliverable to %s", d.Status)
	}
}

func TestFeedbackStatusOwnership(t *testing.T) {
	env := newTestEnv(t)
	d := mustDeliverable(t, env, "Illustrations")
	mustDeliver(t, env, d.ID)
	f, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackCreateOptions{
		DeliverableID: d.ID,
		Content:       "first pass thoughts",
		Actor:         client,
	})
	if err != nil {
		t.Fatal(err)
	}

	// team without override is refused
	_, err = env.Engine.UpdateFeedbackStatus(env.Ctx, engine.FeedbackStatusOptions{
		FeedbackID: f.ID, Status: "info", Actor: team,
	})
	var pd auth.PermissionDeniedError
	if !errors.As(err, &pd) {
		t.Fatalf("expected permission denied, got %v", err)
	}

	// client escalates their own entry to a verdict without any override
	got, err := env.Engine.UpdateFeedbackStatus(env.Ctx, engine.FeedbackStatusOptions{
		FeedbackID: f.ID, Status: "change-requested", Actor: client,
	})
	if err != nil {
		t.Fatalf("client verdict update: %v", err)
	}
	if got.Override {
		t.Fatalf("client update must not carry override")
	}
	d, _ = env.Engine.Repo.GetDeliverable(env.Ctx, d.ID)
	if d.Status != "in_review" {
		t.Fatalf("verdict update did not move deliverable, got %s", d.Status)
	}

	// team with an explicit override may set a verdict; the flag is persisted
	got, err = env.Engine.UpdateFeedbackStatus(env.Ctx, engine.FeedbackStatusOptions{
		FeedbackID: f.ID, Status: "approved", Override: true, Actor: team,
	})
	if err != nil {
		t.Fatalf("override to approved: %v", err)
	}
	if !got.Override {
		t.Fatalf("override flag not persisted")
	}
	d, _ = env.Engine.Repo.GetDeliverable(env.Ctx, d.ID)
	if d.Status != "approved" {
		t.Fatalf("override verdict did not move deliverable, got %s", d.Status)
	}
}

func TestResolveFeedbackIsTeamOnlyAndTerminal(t *testing.T) {
	env := newTestEnv(t)
	d := mustDeliverable(t, env, "Style tiles")
	mustDeliver(t, env, d.ID)
	f, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackCreateOptions{
		DeliverableID: d.ID,
		Content:       "colors feel off",
		Actor:         client,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResolveFeedback(env.Ctx, f.ID, client); err == nil {
		t.Fatalf("expected client resolve to be refused")
	}
	got, err := env.Engine.ResolveFeedback(env.Ctx, f.ID, team)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !got.Resolved || got.ResolvedBy == nil {
		t.Fatalf("resolution not recorded: %+v", got)
	}
	before, _ := env.Engine.Repo.CountActivity(env.Ctx, d.ID, "")
	var inv auth.InvalidStateError
	if _, err := env.Engine.ResolveFeedback(env.Ctx, f.ID, team); !errors.As(err, &inv) {
		t.Fatalf("expected invalid state on second resolve, got %v", err)
	}
	after, _ := env.Engine.Repo.CountActivity(env.Ctx, d.ID, "")
	if after != before {
		t.Fatalf("failed resolve must not log activity: %d -> %d", before, after)
	}
	// resolved entries are frozen
	if _, err := env.Engine.UpdateFeedbackStatus(env.Ctx, engine.FeedbackStatusOptions{
		FeedbackID: f.ID, Status: "change-requested", Actor: client,
	}); !errors.As(err, &inv) {
		t.Fatalf("expected invalid state on resolved entry, got %v", err)
	}
}

func TestOneActivityEntryPerMutation(t *testing.T) {
	env := newTestEnv(t)
	d := mustDeliverable(t, env, "Landing page")
	mustDeliver(t, env, d.ID) // 2 status moves
	if _, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackCreateOptions{
		DeliverableID: d.ID, Content: "nice", Actor: client,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveDeliverable(env.Ctx, d.ID, "", team); err != nil {
		t.Fatal(err)
	}
	total, err := env.Engine.Repo.CountActivity(env.Ctx, d.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if total != 4 {
		t.Fatalf("expected 4 entries, got %d", total)
	}
	feedbackCount, _ := env.Engine.Repo.CountActivity(env.Ctx, d.ID, domain.ActionFeedback)
	approvalCount, _ := env.Engine.Repo.CountActivity(env.Ctx, d.ID, domain.ActionApproval)
	if feedbackCount != 1 || approvalCount != 3 {
		t.Fatalf("unexpected split: feedback=%d approval=%d", feedbackCount, approvalCount)
	}
}

func TestReopenApprovedFlagsOverride(t *testing.T) {
	env := newTestEnv(t)
	d := mustDeliverable(t, env, "Final report")
	mustDeliver(t, env, d.ID)
	if _, err := env.Engine.ApproveDeliverable(env.Ctx, d.ID, "", team); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ReopenDeliverable(env.Ctx, d.ID, "scope change", client); err == nil {
		t.Fatalf("expected client reopen to be refused")
	}
	d, err := env.Engine.ReopenDeliverable(env.Ctx, d.ID, "scope change", team)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if d.Status != "in_progress" || d.ApprovalStatus != "pending" || d.ApprovedAt != nil {
		t.Fatalf("unexpected reopened state: %+v", d)
	}
	entries, err := env.Engine.Repo.ListActivity(env.Ctx, repo.ActivityFilters{DeliverableID: d.ID, Limit: 1})
	if err != nil || len(entries) == 0 {
		t.Fatalf("list activity: %v", err)
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(entries[0].Metadata), &meta); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta["override"] != true {
		t.Fatalf("reopen from approved must carry override metadata, got %v", meta)
	}
	// reopening work in progress makes no sense
	if _, err := env.Engine.ReopenDeliverable(env.Ctx, d.ID, "", team); err == nil {
		t.Fatalf("expected invalid state")
	}
}

func TestRevisionLattice(t *testing.T) {
	env := newTestEnv(t)
	d := mustDeliverable(t, env, "Video edit")
	mustDeliver(t, env, d.ID)

	if _, err := env.Engine.AddRevision(env.Ctx, engine.RevisionCreateOptions{
		DeliverableID: d.ID, Actor: client,
	}); err == nil {
		t.Fatalf("expected client publish to be refused")
	}
	r1, err := env.Engine.AddRevision(env.Ctx, engine.RevisionCreateOptions{
		DeliverableID: d.ID,
		Changes:       "first cut",
		Files:         []domain.RevisionFile{{Name: "cut.mp4", URL: "https://files.example/cut.mp4"}},
		Actor:         team,
	})
	if err != nil {
		t.Fatalf("add revision: %v", err)
	}
	if r1.Version != "v1" || r1.Status != "pending" {
		t.Fatalf("unexpected revision: %+v", r1)
	}
	r2, err := env.Engine.AddRevision(env.Ctx, engine.RevisionCreateOptions{DeliverableID: d.ID, Actor: team})
	if err != nil || r2.Version != "v2" {
		t.Fatalf("expected auto v2, got %+v (%v)", r2, err)
	}

	// pending cannot jump to final
	if _, err := env.Engine.UpdateRevisionStatus(env.Ctx, engine.RevisionStatusOptions{
		RevisionID: r1.ID, Status: "final", Actor: team,
	}); err == nil {
		t.Fatalf("expected transition error")
	}
	// rejection needs a reason
	if _, err := env.Engine.UpdateRevisionStatus(env.Ctx, engine.RevisionStatusOptions{
		RevisionID: r2.ID, Status: "rejected", Actor: client,
	}); err == nil {
		t.Fatalf("expected reason-required error")
	}
	r2, err = env.Engine.UpdateRevisionStatus(env.Ctx, engine.RevisionStatusOptions{
		RevisionID: r2.ID, Status: "rejected", Reason: "audio out of sync", Actor: client,
	})
	if err != nil {
		t.Fatalf("reject revision: %v", err)
	}
	if r2.RejectionReason != "audio out of sync" || r2.RejectedAt == nil {
		t.Fatalf("rejection not recorded: %+v", r2)
	}
	// rejected is terminal
	if _, err := env.Engine.UpdateRevisionStatus(env.Ctx, engine.RevisionStatusOptions{
		RevisionID: r2.ID, Status: "approved", Actor: client,
	}); err == nil {
		t.Fatalf("expected terminal rejected")
	}

	r1, err = env.Engine.UpdateRevisionStatus(env.Ctx, engine.RevisionStatusOptions{
		RevisionID: r1.ID, Status: "approved", Actor: client,
	})
	if err != nil || r1.ApprovedAt == nil {
		t.Fatalf("approve revision: %v", err)
	}
	// final is a team call
	if _, err := env.Engine.UpdateRevisionStatus(env.Ctx, engine.RevisionStatusOptions{
		RevisionID: r1.ID, Status: "final", Actor: client,
	}); err == nil {
		t.Fatalf("expected client final to be refused")
	}
	r1, err = env.Engine.UpdateRevisionStatus(env.Ctx, engine.RevisionStatusOptions{
		RevisionID: r1.ID, Status: "final", Actor: team,
	})
	if err != nil || r1.MarkedFinalAt == nil {
		t.Fatalf("mark final: %v", err)
	}
}

func TestRevisionComments(t *testing.T) {
	env := newTestEnv(t)
	d := mustDeliverable(t, env, "Photo set")
	mustDeliver(t, env, d.ID)
	rev, err := env.Engine.AddRevision(env.Ctx, engine.RevisionCreateOptions{DeliverableID: d.ID, Actor: team})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddRevisionComment(env.Ctx, engine.RevisionCommentOptions{
		RevisionID: rev.ID, Content: "crop tighter on 3", Actor: client,
	}); err != nil {
		t.Fatalf("client comment: %v", err)
	}
	if _, err := env.Engine.AddRevisionComment(env.Ctx, engine.RevisionCommentOptions{
		RevisionID: rev.ID, Content: "will do", Actor: team,
	}); err != nil {
		t.Fatalf("team comment: %v", err)
	}
	comments, err := env.Engine.Repo.ListRevisionComments(env.Ctx, rev.ID)
	if err != nil || len(comments) != 2 {
		t.Fatalf("expected 2 comments, got %d (%v)", len(comments), err)
	}
}

func TestWhitespaceOnlyInputRefused(t *testing.T) {
	env := newTestEnv(t)
	d := mustDeliverable(t, env, "Brand book")
	mustDeliver(t, env, d.ID)

	var inv auth.InvalidStateError
	if _, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackCreateOptions{
		DeliverableID: d.ID, Content: "   \n\t", Actor: client,
	}); !errors.As(err, &inv) {
		t.Fatalf("expected invalid state for blank content, got %v", err)
	}
	if _, err := env.Engine.RejectDeliverable(env.Ctx, d.ID, "  ", team); !errors.As(err, &inv) {
		t.Fatalf("expected invalid state for blank reason, got %v", err)
	}
	rev, err := env.Engine.AddRevision(env.Ctx, engine.RevisionCreateOptions{DeliverableID: d.ID, Actor: team})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateRevisionStatus(env.Ctx, engine.RevisionStatusOptions{
		RevisionID: rev.ID, Status: "rejected", Reason: " \t", Actor: client,
	}); !errors.As(err, &inv) {
		t.Fatalf("expected invalid state for blank rejection reason, got %v", err)
	}
	if _, err := env.Engine.AddRevisionComment(env.Ctx, engine.RevisionCommentOptions{
		RevisionID: rev.ID, Content: "   ", Actor: team,
	}); !errors.As(err, &inv) {
		t.Fatalf("expected invalid state for blank comment, got %v", err)
	}

	// surrounding whitespace is stripped before storing
	f, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackCreateOptions{
		DeliverableID: d.ID, Content: "  looks great  ", Actor: client,
	})
	if err != nil {
		t.Fatalf("submit feedback: %v", err)
	}
	if f.Content != "looks great" {
		t.Fatalf("content not trimmed: %q", f.Content)
	}
	got, err := env.Engine.Repo.GetFeedback(env.Ctx, f.ID)
	if err != nil || got.Content != "looks great" {
		t.Fatalf("persisted content not trimmed: %q (%v)", got.Content, err)
	}
}

func TestActivityUsesEngineClock(t *testing.T) {
	env := newTestEnv(t)
	d := mustDeliverable(t, env, "Press kit")
	mustDeliver(t, env, d.ID)
	if _, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackCreateOptions{
		DeliverableID: d.ID, Content: "noted", Actor: client,
	}); err != nil {
		t.Fatal(err)
	}
	entries, err := env.Engine.Repo.ListActivity(env.Ctx, repo.ActivityFilters{DeliverableID: d.ID, Limit: 1})
	if err != nil || len(entries) == 0 {
		t.Fatalf("list activity: %v", err)
	}
	want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	if entries[0].TS != want {
		t.Fatalf("activity ts %s, want %s", entries[0].TS, want)
	}
}

func TestUnauthenticatedActorRefused(t *testing.T) {
	env := newTestEnv(t)
	d := mustDeliverable(t, env, "Audit")
	_, err := env.Engine.SubmitFeedback(env.Ctx, engine.FeedbackCreateOptions{
		DeliverableID: d.ID, Content: "anonymous note", Actor: auth.Actor{},
	})
	if !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}
