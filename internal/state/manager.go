// Package state holds the coordinator's mutable tables: the connection
// registry, availability pool, waiting queue, session table and room
// membership. One RWMutex guards all of them so check-then-act sequences
// (notably call acceptance) are atomic with respect to each other.
// Fine-grained per-table locks would reintroduce the accept race this
// design exists to prevent.
package state

import (
	"sort"
	"sync"
	"time"

	"sightline/internal/types"
	"sightline/pkg/protocol"
)

type Manager struct {
	mu         sync.RWMutex
	identities map[string]types.Identity        // connectionID -> bound identity
	clients    map[string]*types.ClientConn     // connectionID -> live connection
	volunteers map[string]types.VolunteerEntry  // connectionID -> pool entry
	waiting    map[string]*types.WaitingCall    // callID -> pending request
	sessions   map[string]*types.CallSession    // callID -> active call
	rooms      map[string]map[string]struct{}   // roomID -> member connectionIDs
}

func NewManager() *Manager {
	return &Manager{
		identities: make(map[string]types.Identity),
		clients:    make(map[string]*types.ClientConn),
		volunteers: make(map[string]types.VolunteerEntry),
		waiting:    make(map[string]*types.WaitingCall),
		sessions:   make(map[string]*types.CallSession),
		rooms:      make(map[string]map[string]struct{}),
	}
}

// AddClient registers a live connection before any identity is bound.
func (m *Manager) AddClient(conn *types.ClientConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[conn.ConnectionID] = conn
}

// Client returns the live connection for a connection id.
func (m *Manager) Client(connectionID string) (*types.ClientConn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[connectionID]
	return c, ok
}

// Identity returns the identity bound to a connection, if any.
func (m *Manager) Identity(connectionID string) (types.Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.identities[connectionID]
	return id, ok
}

// JoinResult describes what Bind decided for a joining connection.
type JoinResult struct {
	// Reconnected is set when the identity matched a live session side;
	// Session is a copy taken after the connection id swap and PeerConnID
	// is the other side's connection (empty if that side is down too).
	Reconnected bool
	Session     types.CallSession
	PeerConnID  string

	// PooledVolunteer is set when the join inserted an availability entry.
	PooledVolunteer bool
}

// Bind attaches an identity to a connection. A user who already owns a
// side of an active session is treated as reconnecting: the session's
// connection id is swapped, the disconnected flag cleared and the new
// connection joined to the call room. That path always wins over the
// volunteer-availability path; a mid-call volunteer is never re-pooled.
func (m *Manager) Bind(connectionID string, identity types.Identity) JoinResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.identities[connectionID] = identity

	if identity.ID != "" {
		for _, session := range m.sessions {
			side, ok := session.SideOfUser(identity.ID)
			if !ok {
				continue
			}
			party := session.Party(side)
			party.ConnectionID = connectionID
			party.Disconnected = false
			party.DisconnectedAt = time.Time{}

			m.joinRoomLocked(connectionID, protocol.RoomID(session.CallID))

			peer := session.Party(otherSide(side))
			peerConn := ""
			if !peer.Disconnected {
				peerConn = peer.ConnectionID
			}
			return JoinResult{Reconnected: true, Session: *session, PeerConnID: peerConn}
		}
	}

	if identity.IsVolunteer() && identity.IsAvailable {
		m.volunteers[connectionID] = types.VolunteerEntry{
			UserID:       identity.ID,
			Name:         identity.Name,
			ConnectionID: connectionID,
		}
		return JoinResult{PooledVolunteer: true}
	}

	return JoinResult{}
}

// JoinRoom adds a connection to a room. Idempotent.
func (m *Manager) JoinRoom(connectionID, roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joinRoomLocked(connectionID, roomID)
}

func (m *Manager) joinRoomLocked(connectionID, roomID string) {
	members, ok := m.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		m.rooms[roomID] = members
	}
	members[connectionID] = struct{}{}
}

// RoomMembers returns the live connections in a room, excluding the
// sender when exceptConnID is non-empty.
func (m *Manager) RoomMembers(roomID, exceptConnID string) []*types.ClientConn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.roomMembersLocked(roomID, exceptConnID)
}

func (m *Manager) roomMembersLocked(roomID, exceptConnID string) []*types.ClientConn {
	var out []*types.ClientConn
	for connID := range m.rooms[roomID] {
		if connID == exceptConnID {
			continue
		}
		if c, ok := m.clients[connID]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Volunteers returns a pool snapshot sorted by name.
func (m *Manager) Volunteers() []types.VolunteerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.volunteersLocked("")
}

func (m *Manager) volunteersLocked(exceptConnID string) []types.VolunteerEntry {
	out := make([]types.VolunteerEntry, 0, len(m.volunteers))
	for connID, v := range m.volunteers {
		if connID == exceptConnID {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StartCall enqueues a waiting call for the VI user bound to the
// connection. When the pool is empty the request fails immediately and
// nothing is queued; the caller must retry later.
func (m *Manager) StartCall(connectionID, callID string) (types.WaitingCall, []types.VolunteerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	identity, ok := m.identities[connectionID]
	if !ok || identity.Role != types.RoleVIUser {
		return types.WaitingCall{}, nil, ErrNotVIUser
	}
	if len(m.volunteers) == 0 {
		return types.WaitingCall{}, nil, ErrNoVolunteers
	}

	call := &types.WaitingCall{
		CallID: callID,
		VIUser: types.PartyState{
			ID:           identity.ID,
			Name:         identity.Name,
			ConnectionID: connectionID,
		},
		CreatedAt: time.Now(),
	}
	m.waiting[callID] = call
	return *call, m.volunteersLocked(""), nil
}

// CancelCall removes a waiting call owned by this connection's user and
// returns the pool members to notify. A call already promoted to a
// session (or never queued) yields ErrCallNotFound.
func (m *Manager) CancelCall(connectionID, callID string) ([]types.VolunteerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call, ok := m.waiting[callID]
	if !ok {
		return nil, ErrCallNotFound
	}
	if call.VIUser.ConnectionID != connectionID {
		return nil, ErrNotCallOwner
	}
	delete(m.waiting, callID)
	return m.volunteersLocked(""), nil
}

// AcceptResult carries everything the server needs to notify both parties
// after a successful acceptance.
type AcceptResult struct {
	Session types.CallSession
	// VIUserLive reports whether the VI user's connection was still
	// registered at acceptance time. When false the session is created
	// anyway and the grace protocol reconciles.
	VIUserLive bool
	// OtherVolunteers are the remaining pool entries to send call_taken.
	OtherVolunteers []types.VolunteerEntry
}

// AcceptCall promotes a waiting call to a session on behalf of the
// volunteer bound to the connection. Lookup, race check, session insert,
// queue delete and pool removal happen under one lock acquisition so two
// concurrent accepts for the same call id are strictly ordered: the
// loser observes the session and gets ErrCallAlreadyAccepted.
func (m *Manager) AcceptCall(connectionID, callID string) (AcceptResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	identity, ok := m.identities[connectionID]
	if !ok || identity.Role != types.RoleVolunteer {
		return AcceptResult{}, ErrNotVolunteer
	}

	call, ok := m.waiting[callID]
	if !ok {
		if _, taken := m.sessions[callID]; taken {
			return AcceptResult{}, ErrCallAlreadyAccepted
		}
		return AcceptResult{}, ErrCallNotFound
	}
	if _, taken := m.sessions[callID]; taken {
		return AcceptResult{}, ErrCallAlreadyAccepted
	}

	session := &types.CallSession{
		CallID: callID,
		VIUser: call.VIUser,
		Volunteer: types.PartyState{
			ID:           identity.ID,
			Name:         identity.Name,
			ConnectionID: connectionID,
		},
		StartTime: time.Now(),
	}
	m.sessions[callID] = session
	delete(m.waiting, callID)
	delete(m.volunteers, connectionID)

	roomID := protocol.RoomID(callID)
	m.joinRoomLocked(connectionID, roomID)

	_, viLive := m.clients[call.VIUser.ConnectionID]
	if viLive {
		m.joinRoomLocked(call.VIUser.ConnectionID, roomID)
	} else {
		// VI user dropped while waiting; leave the session in place and
		// let the reconnection protocol pick it up.
		session.VIUser.Disconnected = true
		session.VIUser.DisconnectedAt = time.Now()
	}

	return AcceptResult{
		Session:         *session,
		VIUserLive:      viLive,
		OtherVolunteers: m.volunteersLocked(connectionID),
	}, nil
}

// EndResult describes an explicit call termination.
type EndResult struct {
	Found    bool
	Session  types.CallSession
	Duration time.Duration
	// Members captured before the room was dismantled, for the final
	// call_ended broadcast.
	Members []*types.ClientConn
	// VolunteerRepooled reports whether the ending volunteer was put
	// back into the availability pool.
	VolunteerRepooled bool
}

// EndCall removes the session and, when the ending party is a volunteer
// whose last known preference is "available", re-inserts their pool
// entry. It tolerates the session being gone already so stale UIs still
// converge on the broadcast the caller performs.
func (m *Manager) EndCall(connectionID, callID string) EndResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	roomID := protocol.RoomID(callID)
	session, ok := m.sessions[callID]
	if !ok {
		return EndResult{Members: m.roomMembersLocked(roomID, "")}
	}

	members := m.roomMembersLocked(roomID, "")
	delete(m.sessions, callID)
	delete(m.rooms, roomID)

	repooled := false
	if identity, bound := m.identities[connectionID]; bound &&
		identity.IsVolunteer() && identity.IsAvailable {
		m.volunteers[connectionID] = types.VolunteerEntry{
			UserID:       identity.ID,
			Name:         identity.Name,
			ConnectionID: connectionID,
		}
		repooled = true
	}

	return EndResult{
		Found:             true,
		Session:           *session,
		Duration:          time.Since(session.StartTime),
		Members:           members,
		VolunteerRepooled: repooled,
	}
}

// UpdateAvailability toggles the pool entry for a volunteer connection.
func (m *Manager) UpdateAvailability(connectionID string, isAvailable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	identity, ok := m.identities[connectionID]
	if !ok || !identity.IsVolunteer() {
		return ErrNotVolunteer
	}
	identity.IsAvailable = isAvailable
	m.identities[connectionID] = identity

	if isAvailable {
		m.volunteers[connectionID] = types.VolunteerEntry{
			UserID:       identity.ID,
			Name:         identity.Name,
			ConnectionID: connectionID,
		}
	} else {
		delete(m.volunteers, connectionID)
	}
	return nil
}

// ReadyResult reports the outcome of a peer-ready signal.
type ReadyResult struct {
	// TriggerOffer is set exactly once per session: when both sides have
	// signaled ready and no offer exists yet.
	TriggerOffer    bool
	VolunteerConnID string
}

// MarkPeerReady records one side's readiness for the WebRTC handshake.
// When both legs are ready and no offer has been sent, the volunteer's
// connection is designated to originate exactly one offer.
func (m *Manager) MarkPeerReady(roomID string, role types.Role) ReadyResult {
	callID := protocol.CallIDFromRoom(roomID)
	if callID == "" {
		return ReadyResult{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[callID]
	if !ok {
		return ReadyResult{}
	}
	switch role {
	case types.RoleVolunteer:
		session.VolunteerReady = true
	case types.RoleVIUser:
		session.VIUserReady = true
	}

	if session.VolunteerReady && session.VIUserReady && !session.OfferSent {
		session.OfferSent = true
		return ReadyResult{TriggerOffer: true, VolunteerConnID: session.Volunteer.ConnectionID}
	}
	return ReadyResult{}
}

// DroppedSide identifies a session side that entered the grace window.
type DroppedSide struct {
	CallID string
	Side   types.Side
}

// DisconnectResult is the state fallout of one connection drop.
type DisconnectResult struct {
	// DroppedSides need a supervisor timer each.
	DroppedSides []DroppedSide
	// CancelledWaiting are waiting calls owned by the dropped VI user,
	// removed immediately (unmatched requests get no grace period).
	CancelledWaiting []string
}

// Disconnect unbinds a connection: pool entry removed, owned waiting
// calls cancelled, session sides marked disconnected for the supervisor,
// room memberships and registry entries cleared.
func (m *Manager) Disconnect(connectionID string) DisconnectResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result DisconnectResult

	delete(m.volunteers, connectionID)

	now := time.Now()
	for callID, session := range m.sessions {
		side, ok := session.SideOf(connectionID)
		if !ok {
			continue
		}
		party := session.Party(side)
		party.Disconnected = true
		party.DisconnectedAt = now
		result.DroppedSides = append(result.DroppedSides, DroppedSide{CallID: callID, Side: side})
	}

	for callID, call := range m.waiting {
		if call.VIUser.ConnectionID == connectionID {
			delete(m.waiting, callID)
			result.CancelledWaiting = append(result.CancelledWaiting, callID)
		}
	}

	for roomID, members := range m.rooms {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(m.rooms, roomID)
		}
	}

	delete(m.identities, connectionID)
	delete(m.clients, connectionID)

	return result
}

// ReapResult is the outcome of a grace-window expiry check.
type ReapResult struct {
	// Expired is set when the side never reconnected and the session was
	// removed; the call is over.
	Expired  bool
	Session  types.CallSession
	Duration time.Duration
	// EndedBy is the surviving party's user id (the disconnector is gone).
	EndedBy string
	Members []*types.ClientConn
}

// ReapDisconnected runs at grace expiry. It re-reads live state rather
// than trusting anything captured at scheduling time: a session already
// gone or a side that reconnected makes this a no-op.
func (m *Manager) ReapDisconnected(callID string, side types.Side) ReapResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[callID]
	if !ok {
		return ReapResult{}
	}
	if !session.Party(side).Disconnected {
		return ReapResult{}
	}

	roomID := protocol.RoomID(callID)
	members := m.roomMembersLocked(roomID, "")
	delete(m.sessions, callID)
	delete(m.rooms, roomID)

	return ReapResult{
		Expired:  true,
		Session:  *session,
		Duration: time.Since(session.StartTime),
		EndedBy:  session.Party(otherSide(side)).ID,
		Members:  members,
	}
}

// Session returns a copy of an active session.
func (m *Manager) Session(callID string) (types.CallSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[callID]; ok {
		return *s, true
	}
	return types.CallSession{}, false
}

// WaitingCall returns a copy of a queued request.
func (m *Manager) WaitingCall(callID string) (types.WaitingCall, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.waiting[callID]; ok {
		return *c, true
	}
	return types.WaitingCall{}, false
}

// Stats snapshots the coordinator for the dashboard endpoints.
func (m *Manager) Stats() types.CoordinatorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return types.CoordinatorStats{
		ConnectedClients:    len(m.clients),
		AvailableVolunteers: len(m.volunteers),
		WaitingCalls:        len(m.waiting),
		ActiveSessions:      len(m.sessions),
		ActiveRooms:         len(m.rooms),
	}
}

func otherSide(side types.Side) types.Side {
	if side == types.SideVIUser {
		return types.SideVolunteer
	}
	return types.SideVIUser
}
