package types

import (
	"time"

	"github.com/coder/websocket"
)

// Role of a joined user.
type Role string

const (
	RoleVIUser    Role = "VI_USER"
	RoleVolunteer Role = "VOLUNTEER"
)

// Identity is the already-authenticated user bound to one connection.
// It is supplied by the client on join and trusted as-is.
type Identity struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Role        Role   `json:"role"`
	Language    string `json:"language,omitempty"`
	IsAvailable bool   `json:"isAvailable,omitempty"`
}

// IsVolunteer reports whether the identity is a well-formed volunteer.
// A malformed identity degrades to "not a volunteer" rather than failing.
func (id Identity) IsVolunteer() bool {
	return id.ID != "" && id.Role == RoleVolunteer
}

// VolunteerEntry is one availability-pool member. A volunteer with two
// tabs open has two independent entries keyed by connection id.
type VolunteerEntry struct {
	UserID       string `json:"userId"`
	Name         string `json:"name"`
	ConnectionID string `json:"connectionId"`
}

// WaitingCall is a pending request not yet matched to a volunteer.
type WaitingCall struct {
	CallID    string
	VIUser    PartyState
	CreatedAt time.Time
}

// PartyState tracks one side of a call, including the reconnection flags
// used by the disconnection grace protocol.
type PartyState struct {
	ID             string
	Name           string
	ConnectionID   string
	Disconnected   bool
	DisconnectedAt time.Time
}

// Side names a session participant for supervisor bookkeeping.
type Side string

const (
	SideVIUser    Side = "viUser"
	SideVolunteer Side = "volunteer"
)

// CallSession is one matched VI-user/volunteer pairing. A call id exists
// in at most one of the waiting queue and the session table.
type CallSession struct {
	CallID         string
	VIUser         PartyState
	Volunteer      PartyState
	StartTime      time.Time
	VolunteerReady bool
	VIUserReady    bool
	OfferSent      bool
}

// Party returns the state for the given side.
func (s *CallSession) Party(side Side) *PartyState {
	if side == SideVolunteer {
		return &s.Volunteer
	}
	return &s.VIUser
}

// SideOf reports which side of the session a connection belongs to.
func (s *CallSession) SideOf(connectionID string) (Side, bool) {
	switch connectionID {
	case s.VIUser.ConnectionID:
		return SideVIUser, true
	case s.Volunteer.ConnectionID:
		return SideVolunteer, true
	}
	return "", false
}

// SideOfUser reports which side a user id belongs to.
func (s *CallSession) SideOfUser(userID string) (Side, bool) {
	switch userID {
	case s.VIUser.ID:
		return SideVIUser, true
	case s.Volunteer.ID:
		return SideVolunteer, true
	}
	return "", false
}

// ClientConn wraps one websocket connection. Outbound frames go through
// the buffered Send channel drained by the server's write pump; sends are
// non-blocking so a stalled client cannot back up the coordinator.
type ClientConn struct {
	Conn         *websocket.Conn
	ConnectionID string
	Send         chan []byte
}

// CoordinatorStats is the /api/stats snapshot.
type CoordinatorStats struct {
	ConnectedClients    int `json:"connected_clients"`
	AvailableVolunteers int `json:"available_volunteers"`
	WaitingCalls        int `json:"waiting_calls"`
	ActiveSessions      int `json:"active_sessions"`
	ActiveRooms         int `json:"active_rooms"`
}
