package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// MessageLimit is the fixed truncation point for activity messages.
const MessageLimit = 100

// Ellipsis is appended when a message exceeds MessageLimit.
const Ellipsis = "…"

// Recorder appends audit entries to the activity log. Record is fire and
// forget: it runs after the triggering mutation has committed, and its own
// failures are logged but never surfaced, so audit problems cannot block a
// user-visible action.
type Recorder struct {
	DB     *sql.DB
	Logger *log.Logger
	Now    func() time.Time
}

type Metadata map[string]any

// Entry is one audit record to append.
type Entry struct {
	ActionType    string
	ActorID       string
	ActorName     string
	ActorRole     string
	ProjectID     string
	DeliverableID string
	Message       string
	Metadata      Metadata
}

func (r Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Recorder) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

// Record appends the entry. Errors are swallowed after being logged.
func (r Recorder) Record(ctx context.Context, e Entry) {
	if err := r.append(ctx, e); err != nil {
		r.logger().Printf("activity: append %s entry for %s failed: %v", e.ActionType, e.DeliverableID, err)
	}
}

func (r Recorder) append(ctx context.Context, e Entry) error {
	if e.Metadata == nil {
		e.Metadata = Metadata{}
	}
	data, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal activity metadata: %w", err)
	}
	ts := r.now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO activity_logs(action_type,actor_id,actor_name,actor_role,project_id,deliverable_id,message,metadata_json,ts)
VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ActionType, e.ActorID, e.ActorName, e.ActorRole, e.ProjectID, nullable(e.DeliverableID), Truncate(e.Message), string(data), ts)
	return err
}

// Truncate cuts a message at MessageLimit runes and appends an ellipsis.
// Limits are counted in runes, not bytes.
func Truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= MessageLimit {
		return s
	}
	return string(runes[:MessageLimit]) + Ellipsis
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
