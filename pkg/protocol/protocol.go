// Package protocol defines the wire catalog shared between the sightline
// server and its clients. Every message is a JSON Envelope whose Type is
// one of the closed sets below; unknown types are ignored by both sides
// rather than relayed blindly.
package protocol

import "encoding/json"

// Client-to-server message types.
const (
	TypeJoin               = "join"
	TypeJoinRoom           = "joinRoom"
	TypeStartCall          = "start_call"
	TypeAcceptCall         = "accept_call"
	TypeCancelCall         = "cancel_call"
	TypeEndCall            = "end_call"
	TypeUpdateAvailability = "update_availability"
)

// WebRTC signaling types, relayed verbatim in both directions.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypePeerReady    = "peer-ready"
)

// Server-to-client message types.
const (
	TypeCallWaiting         = "call_waiting"
	TypeCallFailed          = "call_failed"
	TypeIncomingCall        = "incoming_call"
	TypeCallConnected       = "call_connected"
	TypeCallAccepted        = "call_accepted"
	TypeCallTaken           = "call_taken"
	TypeCallNotFound        = "call_not_found"
	TypeCallAlreadyAccepted = "call_already_accepted"
	TypeCallCancelled       = "call_cancelled"
	TypeCallEnded           = "call_ended"
	TypeUserReconnected     = "user_reconnected"
	TypeCreateOffer         = "create-offer"
	TypeAvailabilityUpdated = "availability_updated"
)

// User roles carried on join.
const (
	RoleVIUser    = "VI_USER"
	RoleVolunteer = "VOLUNTEER"
)

// End-of-call reasons.
const (
	ReasonUserAction    = "user_action"
	ReasonCleanup       = "cleanup"
	ReasonDisconnection = "disconnection"
)

// Envelope frames every message. Data stays raw so signaling payloads can
// be relayed without interpretation.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals v into a ready-to-send envelope.
func NewEnvelope(msgType string, v any) (Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: msgType, Data: data}, nil
}

// Join announces an authenticated identity on a fresh connection.
type Join struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	Language    string `json:"language,omitempty"`
	IsAvailable bool   `json:"isAvailable,omitempty"`
}

type JoinRoom struct {
	RoomID string `json:"roomId"`
}

type CallRef struct {
	CallID string `json:"callId"`
}

type UpdateAvailability struct {
	IsAvailable bool `json:"isAvailable"`
}

// Signal wraps the relayed WebRTC exchange. Payload is opaque to the
// server; only RoomID (and Role for peer-ready) is inspected.
type Signal struct {
	RoomID  string          `json:"roomId"`
	Role    string          `json:"role,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type CallWaiting struct {
	CallID              string `json:"callId"`
	Message             string `json:"message"`
	AvailableVolunteers int    `json:"availableVolunteers"`
}

type CallFailed struct {
	Error string `json:"error"`
}

type CallerPublic struct {
	Name     string `json:"name"`
	Language string `json:"language"`
}

// IncomingCall fans out to every available volunteer.
type IncomingCall struct {
	CallID    string       `json:"callId"`
	VIUser    CallerPublic `json:"viUser"`
	Timestamp int64        `json:"timestamp"`
}

// Party is the public half of a session participant.
type Party struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type CallConnected struct {
	CallID    string `json:"callId"`
	VIUser    Party  `json:"viUser"`
	Volunteer Party  `json:"volunteer"`
	RoomID    string `json:"roomId"`
}

// CallAccepted acknowledges the winning volunteer before the shared
// call_connected event goes out.
type CallAccepted struct {
	CallID    string `json:"callId"`
	Volunteer Party  `json:"volunteer"`
	RoomID    string `json:"roomId"`
}

type CallEnded struct {
	CallID   string `json:"callId"`
	Duration int64  `json:"duration"` // milliseconds
	EndedBy  string `json:"endedBy,omitempty"`
	Reason   string `json:"reason"`
	Message  string `json:"message,omitempty"`
}

type UserReconnected struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type CreateOffer struct {
	RoomID string `json:"roomId"`
}

type AvailabilityUpdated struct {
	IsAvailable bool `json:"isAvailable"`
}

// RoomID derives the multicast room name for a call.
func RoomID(callID string) string {
	return "room_" + callID
}

// CallIDFromRoom recovers the call id from a room name. Returns "" when
// the name is not a call room.
func CallIDFromRoom(roomID string) string {
	const prefix = "room_"
	if len(roomID) > len(prefix) && roomID[:len(prefix)] == prefix {
		return roomID[len(prefix):]
	}
	return ""
}
