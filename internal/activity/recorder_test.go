package activity_test

import (
	"bytes"
	"context"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewline/internal/activity"
	"reviewline/internal/db"
	"reviewline/internal/migrate"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", activity.Truncate("short"))

	exact := strings.Repeat("a", activity.MessageLimit)
	assert.Equal(t, exact, activity.Truncate(exact))

	over := strings.Repeat("a", activity.MessageLimit+1)
	got := activity.Truncate(over)
	assert.Equal(t, exact+activity.Ellipsis, got)
	assert.Equal(t, activity.MessageLimit+1, len([]rune(got)))
}

func TestTruncateCountsRunes(t *testing.T) {
	// 3-byte runes; byte-based truncation would cut mid-character
	over := strings.Repeat("日", activity.MessageLimit+5)
	got := activity.Truncate(over)
	require.Equal(t, activity.MessageLimit+1, len([]rune(got)))
	assert.Equal(t, strings.Repeat("日", activity.MessageLimit)+activity.Ellipsis, got)
}

func TestRecordTruncatesPersistedMessage(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))

	rec := activity.Recorder{
		DB:  conn,
		Now: func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
	rec.Record(context.Background(), activity.Entry{
		ActionType: "feedback",
		ActorID:    "alex",
		ActorName:  "Alex",
		ActorRole:  "admin",
		ProjectID:  "proj-1",
		Message:    strings.Repeat("x", 500),
	})

	var message string
	require.NoError(t, conn.QueryRow(`SELECT message FROM activity_logs`).Scan(&message))
	assert.Equal(t, strings.Repeat("x", activity.MessageLimit)+activity.Ellipsis, message)
}

func TestRecordSwallowsFailures(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	require.NoError(t, conn.Close())

	var buf bytes.Buffer
	rec := activity.Recorder{DB: conn, Logger: log.New(&buf, "", 0)}
	// must not panic or surface the error
	rec.Record(context.Background(), activity.Entry{
		ActionType: "approval",
		ActorID:    "alex",
		ActorName:  "Alex",
		ActorRole:  "admin",
		ProjectID:  "proj-1",
		Message:    "approved",
	})
	assert.Contains(t, buf.String(), "activity: append")
}
