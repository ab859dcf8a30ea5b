package engine

import (
	"testing"

	"pgregory.net/rapid"

	"reviewline/internal/domain"
)

var revisionStatuses = []string{
	domain.RevisionPending,
	domain.RevisionApproved,
	domain.RevisionRejected,
	domain.RevisionFinal,
}

// revisionRank orders the lattice; transitions must never decrease it.
func revisionRank(status string) int {
	switch status {
	case domain.RevisionPending:
		return 0
	case domain.RevisionApproved, domain.RevisionRejected:
		return 1
	default:
		return 2
	}
}

func TestRevisionTransitionsAreMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		status := domain.RevisionPending
		steps := rapid.SliceOfN(rapid.SampledFrom(revisionStatuses), 1, 8).Draw(t, "steps")
		for _, next := range steps {
			err := ensureRevisionTransition(status, next)
			if err != nil {
				continue
			}
			if revisionRank(next) <= revisionRank(status) {
				t.Fatalf("transition %s -> %s moved backwards", status, next)
			}
			status = next
		}
		// rejected and final accept nothing further
		if status == domain.RevisionRejected || status == domain.RevisionFinal {
			for _, next := range revisionStatuses {
				if ensureRevisionTransition(status, next) == nil {
					t.Fatalf("terminal status %s accepted %s", status, next)
				}
			}
		}
	})
}

func TestDeliverableTransitionsNeverSelfLoop(t *testing.T) {
	statuses := []string{
		domain.StatusNotStarted,
		domain.StatusInProgress,
		domain.StatusDelivered,
		domain.StatusApproved,
		domain.StatusRejected,
		domain.StatusInReview,
	}
	rapid.Check(t, func(t *rapid.T) {
		from := rapid.SampledFrom(statuses).Draw(t, "from")
		if ensureDeliverableTransition(from, from) == nil {
			t.Fatalf("self transition %s -> %s allowed", from, from)
		}
		// approved is terminal inside the table; only ReopenDeliverable leaves it
		if ensureDeliverableTransition(domain.StatusApproved, from) == nil {
			t.Fatalf("approved accepted %s", from)
		}
	})
}
