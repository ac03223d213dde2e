package client

// Config holds connection settings and the identity announced on join.
type Config struct {
	ServerURL string
	UserAgent string

	UserID      string
	Name        string
	Role        string // protocol.RoleVIUser or protocol.RoleVolunteer
	Language    string
	IsAvailable bool
}

// EventHandler defines callbacks for server events. Implementations that
// only care about a few events can embed NopHandler.
type EventHandler interface {
	OnConnected()
	OnDisconnected()
	OnCallWaiting(callID string, availableVolunteers int)
	OnCallFailed(reason string)
	OnIncomingCall(callID, callerName, language string)
	OnCallConnected(callID, roomID string)
	OnCallTaken(callID string)
	OnCallEnded(callID string, durationMillis int64, reason string)
	OnUserReconnected(userID, userName string)
	OnCreateOffer(roomID string)
	OnServerEvent(eventType string, data []byte)
}

// NopHandler ignores every event.
type NopHandler struct{}

func (NopHandler) OnConnected()                                    {}
func (NopHandler) OnDisconnected()                                 {}
func (NopHandler) OnCallWaiting(string, int)                       {}
func (NopHandler) OnCallFailed(string)                             {}
func (NopHandler) OnIncomingCall(string, string, string)           {}
func (NopHandler) OnCallConnected(string, string)                  {}
func (NopHandler) OnCallTaken(string)                              {}
func (NopHandler) OnCallEnded(string, int64, string)               {}
func (NopHandler) OnUserReconnected(string, string)                {}
func (NopHandler) OnCreateOffer(string)                            {}
func (NopHandler) OnServerEvent(string, []byte)                    {}
