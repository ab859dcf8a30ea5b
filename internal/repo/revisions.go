package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"reviewline/internal/domain"
)

func (r Repo) InsertRevision(ctx context.Context, tx *sql.Tx, rev domain.Revision) error {
	files, err := marshalJSON(rev.Files)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO revisions(id,deliverable_id,version,status,changes,files_json,rejection_reason,approved_at,rejected_at,marked_final_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		rev.ID, rev.DeliverableID, rev.Version, rev.Status, nullable(rev.Changes), nullableStringPtr(files),
		nullable(rev.RejectionReason), nullableStringPtr(rev.ApprovedAt), nullableStringPtr(rev.RejectedAt),
		nullableStringPtr(rev.MarkedFinalAt), rev.CreatedAt)
	return err
}

const revisionCols = `id,deliverable_id,version,status,changes,files_json,rejection_reason,approved_at,rejected_at,marked_final_at,created_at`

func scanRevision(scan func(dest ...any) error) (domain.Revision, error) {
	var rev domain.Revision
	var changes, files, reason, approvedAt, rejectedAt, finalAt sql.NullString
	err := scan(&rev.ID, &rev.DeliverableID, &rev.Version, &rev.Status, &changes, &files,
		&reason, &approvedAt, &rejectedAt, &finalAt, &rev.CreatedAt)
	if err == sql.ErrNoRows {
		return rev, ErrNotFound
	}
	if err != nil {
		return rev, err
	}
	if changes.Valid {
		rev.Changes = changes.String
	}
	if files.Valid && files.String != "" {
		_ = json.Unmarshal([]byte(files.String), &rev.Files)
	}
	if reason.Valid {
		rev.RejectionReason = reason.String
	}
	if approvedAt.Valid {
		rev.ApprovedAt = &approvedAt.String
	}
	if rejectedAt.Valid {
		rev.RejectedAt = &rejectedAt.String
	}
	if finalAt.Valid {
		rev.MarkedFinalAt = &finalAt.String
	}
	return rev, nil
}

func (r Repo) GetRevision(ctx context.Context, id string) (domain.Revision, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+revisionCols+` FROM revisions WHERE id=?`, id)
	return scanRevision(row.Scan)
}

func (r Repo) GetRevisionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Revision, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+revisionCols+` FROM revisions WHERE id=?`, id)
	return scanRevision(row.Scan)
}

// ListRevisions returns revisions oldest first, matching submission order.
func (r Repo) ListRevisions(ctx context.Context, deliverableID string) ([]domain.Revision, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+revisionCols+` FROM revisions WHERE deliverable_id=? ORDER BY created_at ASC, id ASC`, deliverableID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Revision
	for rows.Next() {
		rev, err := scanRevision(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rev)
	}
	return res, rows.Err()
}

func (r Repo) UpdateRevision(ctx context.Context, tx *sql.Tx, rev domain.Revision) error {
	files, err := marshalJSON(rev.Files)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE revisions SET status=?, changes=?, files_json=?, rejection_reason=?, approved_at=?, rejected_at=?, marked_final_at=? WHERE id=?`,
		rev.Status, nullable(rev.Changes), nullableStringPtr(files), nullable(rev.RejectionReason),
		nullableStringPtr(rev.ApprovedAt), nullableStringPtr(rev.RejectedAt), nullableStringPtr(rev.MarkedFinalAt), rev.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertRevisionComment(ctx context.Context, tx *sql.Tx, c domain.RevisionComment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO revision_comments(id,revision_id,author_id,author_name,content,created_at) VALUES (?,?,?,?,?,?)`,
		c.ID, c.RevisionID, c.AuthorID, c.AuthorName, c.Content, c.CreatedAt)
	return err
}

func (r Repo) ListRevisionComments(ctx context.Context, revisionID string) ([]domain.RevisionComment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,revision_id,author_id,author_name,content,created_at FROM revision_comments WHERE revision_id=? ORDER BY created_at ASC, id ASC`, revisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RevisionComment
	for rows.Next() {
		var c domain.RevisionComment
		if err := rows.Scan(&c.ID, &c.RevisionID, &c.AuthorID, &c.AuthorName, &c.Content, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
