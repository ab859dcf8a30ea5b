package auth

import (
	"errors"
	"fmt"
)

// Actor is the identity every engine operation runs as. ClientMode marks an
// external client acting on their own project; everything else is the
// internal team. Approval authority and resolution authority are disjoint:
// clients verdict, admins close the loop.
type Actor struct {
	ID          string
	DisplayName string
	Email       string
	RoleClaim   string
	ClientMode  bool
}

// Role returns the audit-trail role tag for the actor.
func (a Actor) Role() string {
	if a.ClientMode {
		return "client"
	}
	return "admin"
}

// Authenticated reports whether the actor carries an identity at all.
func (a Actor) Authenticated() bool {
	return a.ID != ""
}

// ErrUnauthenticated indicates no actor identity was supplied.
var ErrUnauthenticated = errors.New("authentication required")

// ErrAlreadyApproved indicates a direct approval hit an already-approved
// deliverable; callers must not re-fire side effects.
var ErrAlreadyApproved = errors.New("deliverable already approved")

// PermissionDeniedError indicates the actor lacks the mode or role the
// requested transition needs. Rule is the human-readable gate that failed.
type PermissionDeniedError struct {
	Rule string
}

func (e PermissionDeniedError) Error() string {
	return e.Rule
}

// InvalidStateError indicates an operation is not valid from the entity's
// current state.
type InvalidStateError struct {
	Reason string
}

func (e InvalidStateError) Error() string {
	return e.Reason
}

// RequireActor returns ErrUnauthenticated for a zero actor.
func RequireActor(a Actor) error {
	if !a.Authenticated() {
		return ErrUnauthenticated
	}
	return nil
}

// RequireClientMode gates verdict actions to client-mode actors.
func RequireClientMode(a Actor, action string) error {
	if err := RequireActor(a); err != nil {
		return err
	}
	if !a.ClientMode {
		return PermissionDeniedError{Rule: fmt.Sprintf("only clients can %s", action)}
	}
	return nil
}

// RequireTeamMode gates internal actions to non-client actors.
func RequireTeamMode(a Actor, action string) error {
	if err := RequireActor(a); err != nil {
		return err
	}
	if a.ClientMode {
		return PermissionDeniedError{Rule: fmt.Sprintf("only the internal team can %s", action)}
	}
	return nil
}
