package repo

import (
	"context"
	"database/sql"
	"strings"

	"reviewline/internal/domain"
)

type ActivityFilters struct {
	ProjectID     string
	DeliverableID string
	ActionType    string
	Limit         int
	Cursor        int64
}

// ListActivity returns activity entries newest first; the autoincrement id is
// the store's monotonic ordering.
func (r Repo) ListActivity(ctx context.Context, f ActivityFilters) ([]domain.ActivityLog, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.DeliverableID != "" {
		clauses = append(clauses, "deliverable_id=?")
		args = append(args, f.DeliverableID)
	}
	if f.ActionType != "" {
		clauses = append(clauses, "action_type=?")
		args = append(args, f.ActionType)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,action_type,actor_id,actor_name,actor_role,project_id,deliverable_id,message,metadata_json,ts FROM activity_logs ` + where + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityLog
	for rows.Next() {
		var e domain.ActivityLog
		var deliverableID, metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.ActionType, &e.ActorID, &e.ActorName, &e.ActorRole, &e.ProjectID, &deliverableID, &e.Message, &metadata, &e.TS); err != nil {
			return nil, err
		}
		if deliverableID.Valid {
			e.DeliverableID = deliverableID.String
		}
		if metadata.Valid {
			e.Metadata = metadata.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ActivityAfter returns entries with ids greater than the cursor in ascending
// order, for webhook delivery.
func (r Repo) ActivityAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.ActivityLog, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,action_type,actor_id,actor_name,actor_role,project_id,deliverable_id,message,metadata_json,ts FROM activity_logs ` + where + ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityLog
	for rows.Next() {
		var e domain.ActivityLog
		var deliverableID, metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.ActionType, &e.ActorID, &e.ActorName, &e.ActorRole, &e.ProjectID, &deliverableID, &e.Message, &metadata, &e.TS); err != nil {
			return nil, err
		}
		if deliverableID.Valid {
			e.DeliverableID = deliverableID.String
		}
		if metadata.Valid {
			e.Metadata = metadata.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestActivityID returns the most recent activity id for a project.
func (r Repo) LatestActivityID(ctx context.Context, projectID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM activity_logs WHERE project_id=?`, projectID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// CountActivity counts entries for a deliverable, optionally by action type.
func (r Repo) CountActivity(ctx context.Context, deliverableID, actionType string) (int, error) {
	clauses := []string{"deliverable_id=?"}
	args := []any{deliverableID}
	if actionType != "" {
		clauses = append(clauses, "action_type=?")
		args = append(args, actionType)
	}
	row := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM activity_logs WHERE `+strings.Join(clauses, " AND "), args...)
	var n int
	err := row.Scan(&n)
	return n, err
}
