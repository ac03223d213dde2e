package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"

	"sightline/internal/state"
	"sightline/internal/types"
	"sightline/pkg/protocol"
)

// handleJoin binds an identity to the connection. A malformed payload
// degrades to an anonymous, non-volunteer binding rather than rejecting
// the connection.
func (s *Server) handleJoin(client *types.ClientConn, data json.RawMessage, log *slog.Logger) {
	var join protocol.Join
	if err := json.Unmarshal(data, &join); err != nil {
		log.Warn("malformed join payload, treating as anonymous", "err", err)
	}

	identity := types.Identity{
		ID:          join.ID,
		Name:        join.Name,
		Role:        types.Role(join.Role),
		Language:    join.Language,
		IsAvailable: join.IsAvailable,
	}

	result := s.state.Bind(client.ConnectionID, identity)
	switch {
	case result.Reconnected:
		session := result.Session
		roomID := protocol.RoomID(session.CallID)
		log.Info("user reconnected to call", "user", identity.ID, "call", session.CallID)

		s.send(client, protocol.TypeCallConnected, protocol.CallConnected{
			CallID:    session.CallID,
			VIUser:    protocol.Party{ID: session.VIUser.ID, Name: session.VIUser.Name},
			Volunteer: protocol.Party{ID: session.Volunteer.ID, Name: session.Volunteer.Name},
			RoomID:    roomID,
		})
		if peer, ok := s.state.Client(result.PeerConnID); ok {
			s.send(peer, protocol.TypeUserReconnected, protocol.UserReconnected{
				UserID:   identity.ID,
				UserName: identity.Name,
			})
		}
	case result.PooledVolunteer:
		log.Info("volunteer available", "user", identity.ID, "name", identity.Name)
	default:
		log.Debug("user joined", "user", identity.ID, "role", join.Role)
	}
}

func (s *Server) handleJoinRoom(client *types.ClientConn, data json.RawMessage, log *slog.Logger) {
	var req protocol.JoinRoom
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID == "" {
		log.Warn("malformed joinRoom payload", "err", err)
		return
	}
	s.state.JoinRoom(client.ConnectionID, req.RoomID)
	log.Debug("joined room", "room", req.RoomID)
}

// handleStartCall queues a request and fans the offer out to every
// pooled volunteer. An empty pool fails immediately; nothing is queued
// for later availability.
func (s *Server) handleStartCall(client *types.ClientConn, log *slog.Logger) {
	callID := "call_" + ksuid.New().String()

	call, pool, err := s.state.StartCall(client.ConnectionID, callID)
	switch {
	case errors.Is(err, state.ErrNoVolunteers):
		s.send(client, protocol.TypeCallFailed, protocol.CallFailed{
			Error: "No volunteers are currently available. Please try again later.",
		})
		return
	case errors.Is(err, state.ErrNotVIUser):
		log.Warn("start_call from non-VI connection")
		s.send(client, protocol.TypeCallFailed, protocol.CallFailed{
			Error: "Only VI users can start calls.",
		})
		return
	case err != nil:
		log.Error("start_call failed", "err", err)
		return
	}

	identity, _ := s.state.Identity(client.ConnectionID)
	language := identity.Language
	if language == "" {
		language = "en"
	}

	incoming := protocol.IncomingCall{
		CallID:    callID,
		VIUser:    protocol.CallerPublic{Name: call.VIUser.Name, Language: language},
		Timestamp: time.Now().UnixMilli(),
	}
	for _, v := range pool {
		if target, ok := s.state.Client(v.ConnectionID); ok {
			s.send(target, protocol.TypeIncomingCall, incoming)
		}
	}

	s.send(client, protocol.TypeCallWaiting, protocol.CallWaiting{
		CallID:              callID,
		Message:             "Looking for available volunteers...",
		AvailableVolunteers: len(pool),
	})
	log.Info("call waiting", "call", callID, "volunteers_notified", len(pool))
}

// handleAcceptCall promotes the waiting call under the coordinator lock;
// the loser of a race gets call_already_accepted and no state changes.
func (s *Server) handleAcceptCall(client *types.ClientConn, data json.RawMessage, log *slog.Logger) {
	var ref protocol.CallRef
	if err := json.Unmarshal(data, &ref); err != nil || ref.CallID == "" {
		log.Warn("malformed accept_call payload", "err", err)
		return
	}

	result, err := s.state.AcceptCall(client.ConnectionID, ref.CallID)
	switch {
	case errors.Is(err, state.ErrCallNotFound):
		s.send(client, protocol.TypeCallNotFound, protocol.CallRef{CallID: ref.CallID})
		return
	case errors.Is(err, state.ErrCallAlreadyAccepted):
		s.send(client, protocol.TypeCallAlreadyAccepted, protocol.CallRef{CallID: ref.CallID})
		return
	case errors.Is(err, state.ErrNotVolunteer):
		log.Warn("accept_call from non-volunteer connection")
		return
	case err != nil:
		log.Error("accept_call failed", "err", err)
		return
	}

	session := result.Session
	roomID := protocol.RoomID(session.CallID)
	connected := protocol.CallConnected{
		CallID:    session.CallID,
		VIUser:    protocol.Party{ID: session.VIUser.ID, Name: session.VIUser.Name},
		Volunteer: protocol.Party{ID: session.Volunteer.ID, Name: session.Volunteer.Name},
		RoomID:    roomID,
	}

	s.send(client, protocol.TypeCallAccepted, protocol.CallAccepted{
		CallID:    session.CallID,
		Volunteer: connected.Volunteer,
		RoomID:    roomID,
	})
	s.send(client, protocol.TypeCallConnected, connected)

	if result.VIUserLive {
		if viConn, ok := s.state.Client(session.VIUser.ConnectionID); ok {
			s.send(viConn, protocol.TypeCallConnected, connected)
		}
	} else {
		// Caller dropped while waiting; the session stands and the grace
		// protocol reconciles when (if) they reconnect.
		log.Warn("VI user connection gone at acceptance", "call", session.CallID)
		s.scheduleReap(session.CallID, types.SideVIUser)
	}

	for _, v := range result.OtherVolunteers {
		if target, ok := s.state.Client(v.ConnectionID); ok {
			s.send(target, protocol.TypeCallTaken, protocol.CallRef{CallID: session.CallID})
		}
	}

	log.Info("call connected", "call", session.CallID,
		"vi_user", session.VIUser.ID, "volunteer", session.Volunteer.ID)

	// Record creation is a detached follow-up; failure never rolls back
	// the live session.
	go func() {
		pctx, span, cancel := s.persistCtx("create_call_record")
		defer cancel()
		defer span.End()
		span.SetAttributes(attribute.String("call.id", session.CallID))
		if err := s.gateway.CreateCallRecord(pctx, session.CallID, roomID, session.VIUser.ID, session.Volunteer.ID); err != nil {
			s.log.Error("create call record failed", "call", session.CallID, "err", err)
		}
	}()
}

func (s *Server) handleCancelCall(client *types.ClientConn, data json.RawMessage, log *slog.Logger) {
	var ref protocol.CallRef
	if err := json.Unmarshal(data, &ref); err != nil || ref.CallID == "" {
		log.Warn("malformed cancel_call payload", "err", err)
		return
	}

	pool, err := s.state.CancelCall(client.ConnectionID, ref.CallID)
	if err != nil {
		// Already accepted, already cancelled or not the owner: nothing
		// to retract.
		log.Debug("cancel_call no-op", "call", ref.CallID, "err", err)
		return
	}

	for _, v := range pool {
		if target, ok := s.state.Client(v.ConnectionID); ok {
			s.send(target, protocol.TypeCallCancelled, protocol.CallRef{CallID: ref.CallID})
		}
	}
	log.Info("call cancelled", "call", ref.CallID)
}

// handleEndCall terminates a session. The call_ended broadcast goes to
// the room even when no session exists so stale UIs converge.
func (s *Server) handleEndCall(client *types.ClientConn, data json.RawMessage, log *slog.Logger) {
	var ref protocol.CallRef
	if err := json.Unmarshal(data, &ref); err != nil || ref.CallID == "" {
		log.Warn("malformed end_call payload", "err", err)
		return
	}

	identity, _ := s.state.Identity(client.ConnectionID)
	result := s.state.EndCall(client.ConnectionID, ref.CallID)

	ended := protocol.CallEnded{
		CallID:  ref.CallID,
		EndedBy: identity.Name,
		Reason:  protocol.ReasonCleanup,
	}
	if result.Found {
		ended.Duration = result.Duration.Milliseconds()
		ended.Reason = protocol.ReasonUserAction
	}
	for _, member := range result.Members {
		s.send(member, protocol.TypeCallEnded, ended)
	}

	if !result.Found {
		log.Debug("end_call for unknown session", "call", ref.CallID)
		return
	}
	log.Info("call ended", "call", ref.CallID,
		"duration", result.Duration, "ended_by", identity.ID,
		"volunteer_repooled", result.VolunteerRepooled)

	s.finishCallPersistence(result.Session, identity.ID)
}

func (s *Server) handleUpdateAvailability(client *types.ClientConn, data json.RawMessage, log *slog.Logger) {
	var req protocol.UpdateAvailability
	if err := json.Unmarshal(data, &req); err != nil {
		log.Warn("malformed update_availability payload", "err", err)
		return
	}

	if err := s.state.UpdateAvailability(client.ConnectionID, req.IsAvailable); err != nil {
		log.Debug("update_availability ignored", "err", err)
		return
	}
	s.send(client, protocol.TypeAvailabilityUpdated, protocol.AvailabilityUpdated{
		IsAvailable: req.IsAvailable,
	})
	log.Info("availability updated", "available", req.IsAvailable)
}

// handleRelay forwards offer/answer/ice-candidate frames verbatim to the
// rest of the room. Payload contents are never inspected.
func (s *Server) handleRelay(client *types.ClientConn, env protocol.Envelope, log *slog.Logger) {
	roomID := relayRoom(env.Data)
	if roomID == "" {
		log.Warn("signal without room", "type", env.Type)
		return
	}

	raw, err := json.Marshal(env)
	if err != nil {
		log.Error("re-marshal relay envelope", "err", err)
		return
	}
	for _, member := range s.state.RoomMembers(roomID, client.ConnectionID) {
		s.sendRaw(member, raw, env.Type)
	}
	log.Debug("relayed signal", "type", env.Type, "room", roomID)
}

// handlePeerReady records handshake readiness and, once both legs are
// ready, instructs the volunteer to originate exactly one offer. The
// frame is also forwarded like any other signal.
func (s *Server) handlePeerReady(client *types.ClientConn, env protocol.Envelope, log *slog.Logger) {
	var sig protocol.Signal
	if err := json.Unmarshal(env.Data, &sig); err != nil || sig.RoomID == "" {
		log.Warn("malformed peer-ready payload", "err", err)
		return
	}

	role := types.Role(sig.Role)
	if identity, ok := s.state.Identity(client.ConnectionID); ok && identity.Role != "" {
		role = identity.Role
	}

	ready := s.state.MarkPeerReady(sig.RoomID, role)
	if ready.TriggerOffer {
		if volunteer, ok := s.state.Client(ready.VolunteerConnID); ok {
			s.send(volunteer, protocol.TypeCreateOffer, protocol.CreateOffer{RoomID: sig.RoomID})
		}
		log.Info("both peers ready, offer requested", "room", sig.RoomID)
	}

	s.handleRelay(client, env, log)
}

// handleDisconnect runs the drop sequence: pool entry removed,
// waiting calls cancelled immediately, session sides put on grace timers.
func (s *Server) handleDisconnect(client *types.ClientConn, log *slog.Logger) {
	result := s.state.Disconnect(client.ConnectionID)

	for _, callID := range result.CancelledWaiting {
		log.Info("waiting call cancelled by disconnect", "call", callID)
	}
	for _, dropped := range result.DroppedSides {
		log.Info("call side disconnected, grace window open",
			"call", dropped.CallID, "side", dropped.Side, "grace", s.gracePeriod)
		s.scheduleReap(dropped.CallID, dropped.Side)
	}
}

// relayRoom pulls the roomId out of an opaque signal payload without
// decoding the rest.
func relayRoom(data json.RawMessage) string {
	var probe struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.RoomID
}
