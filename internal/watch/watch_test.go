package watch_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewline/internal/domain"
	"reviewline/internal/watch"
)

func recv(t *testing.T, ch <-chan domain.Deliverable) domain.Deliverable {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "channel closed")
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
		return domain.Deliverable{}
	}
}

func TestHubFanOut(t *testing.T) {
	hub := watch.NewHub()
	a, cancelA := hub.Subscribe("d-1")
	defer cancelA()
	b, cancelB := hub.Subscribe("d-1")
	defer cancelB()
	other, cancelOther := hub.Subscribe("d-2")
	defer cancelOther()

	hub.Publish(domain.Deliverable{ID: "d-1", Status: "delivered"})

	assert.Equal(t, "delivered", recv(t, a).Status)
	assert.Equal(t, "delivered", recv(t, b).Status)
	select {
	case d := <-other:
		t.Fatalf("unrelated subscriber received %+v", d)
	default:
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	hub := watch.NewHub()
	ch, cancel := hub.Subscribe("d-1")
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	// cancel is safe to call twice
	cancel()
	// publishing after cancel must not panic
	hub.Publish(domain.Deliverable{ID: "d-1"})
}

func TestHubSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := watch.NewHub()
	ch, cancel := hub.Subscribe("d-1")
	defer cancel()
	for i := 0; i < 20; i++ {
		hub.Publish(domain.Deliverable{ID: "d-1", Status: "in_progress"})
	}
	// buffer holds some snapshots; the rest were dropped without blocking
	n := 0
	for {
		select {
		case <-ch:
			n++
			continue
		default:
		}
		break
	}
	assert.Greater(t, n, 0)
	assert.Less(t, n, 20)
}

func TestViewOverlaysPendingPatch(t *testing.T) {
	v := watch.NewView(domain.Deliverable{ID: "d-1", Status: "delivered", ApprovalStatus: "pending"})
	assert.False(t, v.Dirty())

	v.Apply(watch.Patch{Status: "approved", ApprovalStatus: "approved"})
	assert.True(t, v.Dirty())
	cur := v.Current()
	assert.Equal(t, "approved", cur.Status)
	assert.Equal(t, "approved", cur.ApprovalStatus)
}

func TestViewConfirmedSnapshotWins(t *testing.T) {
	v := watch.NewView(domain.Deliverable{ID: "d-1", Status: "delivered", ApprovalStatus: "pending"})
	v.Apply(watch.Patch{Status: "approved", ApprovalStatus: "approved"})

	// the server decided differently; the confirmed state replaces the guess
	v.Reconcile(domain.Deliverable{ID: "d-1", Status: "in_review", ApprovalStatus: "changes_requested"})
	assert.False(t, v.Dirty())
	cur := v.Current()
	assert.Equal(t, "in_review", cur.Status)
	assert.Equal(t, "changes_requested", cur.ApprovalStatus)
}

func TestViewPartialPatch(t *testing.T) {
	v := watch.NewView(domain.Deliverable{ID: "d-1", Status: "in_progress", ApprovalStatus: "pending"})
	v.Apply(watch.Patch{Status: "delivered"})
	cur := v.Current()
	assert.Equal(t, "delivered", cur.Status)
	assert.Equal(t, "pending", cur.ApprovalStatus)
}
