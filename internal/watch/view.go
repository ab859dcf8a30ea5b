package watch

import (
	"sync"

	"reviewline/internal/domain"
)

// Patch is a local edit applied before the server confirms it.
type Patch struct {
	Status         string
	ApprovalStatus string
}

// View tracks one deliverable as a client sees it: the last confirmed
// snapshot plus at most one optimistic local patch. Reconciliation is
// last-writer-wins on the confirmed stream, so a snapshot always replaces
// the optimistic overlay regardless of which side wrote first.
type View struct {
	mu        sync.Mutex
	confirmed domain.Deliverable
	pending   *Patch
}

func NewView(initial domain.Deliverable) *View {
	return &View{confirmed: initial}
}

// Apply stages a local patch. The patched state is visible through Current
// until the next confirmed snapshot arrives.
func (v *View) Apply(p Patch) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pending = &p
}

// Reconcile replaces the view with a confirmed snapshot and drops any
// pending patch. The snapshot wins even when it disagrees with the local
// edit; the caller learns the true state rather than keeping a guess.
func (v *View) Reconcile(d domain.Deliverable) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.confirmed = d
	v.pending = nil
}

// Current returns the deliverable as the client should render it: the
// confirmed snapshot with the pending patch overlaid, if one exists.
func (v *View) Current() domain.Deliverable {
	v.mu.Lock()
	defer v.mu.Unlock()
	d := v.confirmed
	if v.pending != nil {
		if v.pending.Status != "" {
			d.Status = v.pending.Status
		}
		if v.pending.ApprovalStatus != "" {
			d.ApprovalStatus = v.pending.ApprovalStatus
		}
	}
	return d
}

// Dirty reports whether an optimistic patch is still awaiting confirmation.
func (v *View) Dirty() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pending != nil
}
