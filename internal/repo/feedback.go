package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"reviewline/internal/domain"
)

func (r Repo) InsertFeedback(ctx context.Context, tx *sql.Tx, f domain.Feedback) error {
	tags, err := marshalJSON(f.Tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO feedback(id,deliverable_id,content,author_id,author_name,status,tags_json,resolved,role,override,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.DeliverableID, f.Content, f.AuthorID, f.AuthorName, f.Status, nullableStringPtr(tags),
		boolInt(f.Resolved), f.Role, boolInt(f.Override), f.CreatedAt)
	return err
}

const feedbackCols = `id,deliverable_id,content,author_id,author_name,status,tags_json,resolved,role,override,created_at,resolved_by,resolved_at,updated_by,updated_at`

func scanFeedback(scan func(dest ...any) error) (domain.Feedback, error) {
	var f domain.Feedback
	var tags, resolvedBy, resolvedAt, updatedBy, updatedAt sql.NullString
	var resolved, override int
	err := scan(&f.ID, &f.DeliverableID, &f.Content, &f.AuthorID, &f.AuthorName, &f.Status, &tags,
		&resolved, &f.Role, &override, &f.CreatedAt, &resolvedBy, &resolvedAt, &updatedBy, &updatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	f.Resolved = resolved != 0
	f.Override = override != 0
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &f.Tags)
	}
	if resolvedBy.Valid {
		f.ResolvedBy = &resolvedBy.String
	}
	if resolvedAt.Valid {
		f.ResolvedAt = &resolvedAt.String
	}
	if updatedBy.Valid {
		f.UpdatedBy = &updatedBy.String
	}
	if updatedAt.Valid {
		f.UpdatedAt = &updatedAt.String
	}
	return f, nil
}

func (r Repo) GetFeedback(ctx context.Context, id string) (domain.Feedback, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+feedbackCols+` FROM feedback WHERE id=?`, id)
	return scanFeedback(row.Scan)
}

func (r Repo) GetFeedbackTx(ctx context.Context, tx *sql.Tx, id string) (domain.Feedback, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+feedbackCols+` FROM feedback WHERE id=?`, id)
	return scanFeedback(row.Scan)
}

// ListFeedback returns the feedback thread in insertion order.
func (r Repo) ListFeedback(ctx context.Context, deliverableID string) ([]domain.Feedback, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+feedbackCols+` FROM feedback WHERE deliverable_id=? ORDER BY created_at ASC, id ASC`, deliverableID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Feedback
	for rows.Next() {
		f, err := scanFeedback(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func (r Repo) UpdateFeedbackStatus(ctx context.Context, tx *sql.Tx, id, status string, override bool, updatedBy, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE feedback SET status=?, override=?, updated_by=?, updated_at=? WHERE id=?`,
		status, boolInt(override), updatedBy, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ResolveFeedback(ctx context.Context, tx *sql.Tx, id, resolvedBy, resolvedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE feedback SET resolved=1, resolved_by=?, resolved_at=? WHERE id=?`,
		resolvedBy, resolvedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
