package main

import (
	"net/http/httptest"
	"testing"
	"time"

	"sightline/pkg/protocol"
)

// setupCall gets one VI user and one volunteer into an active call and
// returns their connections plus the connected payload.
func setupCall(t *testing.T, s *Server, ts *httptest.Server) (*testConn, *testConn, protocol.CallConnected) {
	t.Helper()

	viUser := dial(t, ts)
	viUser.join("u-ana", "Ana", protocol.RoleVIUser, false)
	volunteer := dial(t, ts)
	volunteer.join("u-vik", "Vik", protocol.RoleVolunteer, true)
	eventually(t, time.Second, func() bool {
		return s.state.Stats().AvailableVolunteers == 1
	}, "volunteer pooled")

	viUser.send(protocol.TypeStartCall, struct{}{})
	var incoming protocol.IncomingCall
	volunteer.expect(protocol.TypeIncomingCall, &incoming)
	volunteer.send(protocol.TypeAcceptCall, protocol.CallRef{CallID: incoming.CallID})

	var connected protocol.CallConnected
	volunteer.expect(protocol.TypeCallConnected, &connected)
	viUser.expect(protocol.TypeCallConnected, nil)
	return viUser, volunteer, connected
}

// TestReconnectionWithinGrace: a drop followed by a rejoin inside the
// window keeps the session alive with the same call and room ids.
func TestReconnectionWithinGrace(t *testing.T) {
	s, _, ts := newTestServer(t, 2*time.Second)
	viUser, volunteer, connected := setupCall(t, s, ts)

	// Simulate a tab crash on the VI side, then rejoin with the same
	// user id on a fresh connection.
	viUser.close()
	eventually(t, time.Second, func() bool {
		session, ok := s.state.Session(connected.CallID)
		return ok && session.VIUser.Disconnected
	}, "VI side marked disconnected")

	viUser2 := dial(t, ts)
	viUser2.join("u-ana", "Ana", protocol.RoleVIUser, false)

	var reconnected protocol.CallConnected
	viUser2.expect(protocol.TypeCallConnected, &reconnected)
	if reconnected.CallID != connected.CallID || reconnected.RoomID != connected.RoomID {
		t.Fatalf("reconnection changed ids: %+v vs %+v", reconnected, connected)
	}

	var peerNote protocol.UserReconnected
	volunteer.expect(protocol.TypeUserReconnected, &peerNote)
	if peerNote.UserID != "u-ana" {
		t.Fatalf("peer notified about wrong user: %q", peerNote.UserID)
	}

	// Past the original grace window: no call_ended, the session lives.
	volunteer.expectNone(protocol.TypeCallEnded, 2500*time.Millisecond)
	if _, ok := s.state.Session(connected.CallID); !ok {
		t.Fatalf("session should survive reconnection")
	}
}

// TestGraceExpiryEndsCall: no reconnection within the window produces
// exactly one call_ended{disconnection} plus the persistence side-effects.
func TestGraceExpiryEndsCall(t *testing.T) {
	s, mem, ts := newTestServer(t, 300*time.Millisecond)
	viUser, volunteer, connected := setupCall(t, s, ts)

	eventually(t, 2*time.Second, func() bool {
		rec, ok := mem.Call(connected.CallID)
		return ok && rec.Status == "ongoing"
	}, "call record created")

	viUser.close()

	var ended protocol.CallEnded
	volunteer.expect(protocol.TypeCallEnded, &ended)
	if ended.Reason != protocol.ReasonDisconnection {
		t.Fatalf("expected disconnection reason, got %q", ended.Reason)
	}
	if ended.CallID != connected.CallID {
		t.Fatalf("ended wrong call: %q", ended.CallID)
	}

	if _, ok := s.state.Session(connected.CallID); ok {
		t.Fatalf("expired session still present")
	}

	// Ended-by is the surviving party; both users get a stat bump.
	eventually(t, 2*time.Second, func() bool {
		rec, ok := mem.Call(connected.CallID)
		return ok && rec.Status == "completed" && rec.EndedBy == "u-vik"
	}, "record completed with surviving party")
	eventually(t, 2*time.Second, func() bool {
		a, okA := mem.Stats("u-ana")
		v, okV := mem.Stats("u-vik")
		return okA && okV && a.TotalCalls == 1 && v.TotalCalls == 1
	}, "stats incremented")
}

// TestIdempotentEndCall: ending a call that no longer exists still
// broadcasts call_ended{cleanup} to whoever sits in the room.
func TestIdempotentEndCall(t *testing.T) {
	s, _, ts := newTestServer(t, 30*time.Second)
	viUser, volunteer, connected := setupCall(t, s, ts)

	viUser.send(protocol.TypeEndCall, protocol.CallRef{CallID: connected.CallID})
	viUser.expect(protocol.TypeCallEnded, nil)
	volunteer.expect(protocol.TypeCallEnded, nil)

	// Stale UI sends a second end for the same call. The session and
	// room are gone; rejoining the room and ending again still yields a
	// cleanup broadcast.
	viUser.send(protocol.TypeJoinRoom, protocol.JoinRoom{RoomID: connected.RoomID})
	viUser.send(protocol.TypeEndCall, protocol.CallRef{CallID: connected.CallID})
	var ended protocol.CallEnded
	viUser.expect(protocol.TypeCallEnded, &ended)
	if ended.Reason != protocol.ReasonCleanup {
		t.Fatalf("expected cleanup reason for sessionless end, got %q", ended.Reason)
	}
}
