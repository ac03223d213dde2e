package state

import "errors"

var (
	ErrCallNotFound        = errors.New("call not found")
	ErrCallAlreadyAccepted = errors.New("call already accepted")
	ErrNoVolunteers        = errors.New("no volunteers available")
	ErrNotVIUser           = errors.New("connection is not bound to a VI user")
	ErrNotVolunteer        = errors.New("connection is not bound to a volunteer")
	ErrSessionNotFound     = errors.New("session not found")
	ErrNotCallOwner        = errors.New("call is not owned by this connection")
)
