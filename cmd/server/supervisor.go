package main

import (
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"sightline/internal/store"
	"sightline/internal/types"
	"sightline/pkg/protocol"
)

// scheduleReap arms one grace-window timer for a disconnected session
// side. The timer carries only keys; the re-check at fire time against
// live state is the sole source of truth, so a reconnection needs no
// explicit cancellation and a session ended through another path makes
// the timer a no-op. Both sides dropping arms two independent timers;
// whichever fires first while the session still exists ends the call.
func (s *Server) scheduleReap(callID string, side types.Side) {
	time.AfterFunc(s.gracePeriod, func() {
		result := s.state.ReapDisconnected(callID, side)
		if !result.Expired {
			return
		}

		s.log.Info("grace window expired, ending call",
			"call", callID, "side", side, "duration", result.Duration)

		ended := protocol.CallEnded{
			CallID:   callID,
			Duration: result.Duration.Milliseconds(),
			Reason:   protocol.ReasonDisconnection,
			Message:  "The other participant disconnected",
		}
		for _, member := range result.Members {
			s.send(member, protocol.TypeCallEnded, ended)
		}

		s.finishCallPersistence(result.Session, result.EndedBy)
	})
}

// finishCallPersistence runs the end-of-call gateway writes off the
// event path: close the call record, then bump both users' counters
// with the recorded duration. Each write fails independently and a
// failure is only logged; a lost stat increment stays lost.
func (s *Server) finishCallPersistence(session types.CallSession, endedByUserID string) {
	go func() {
		ctx, span, cancel := s.persistCtx("end_call_record")
		defer cancel()
		defer span.End()
		span.SetAttributes(
			attribute.String("call.id", session.CallID),
			attribute.String("call.ended_by", endedByUserID),
		)

		minutes, err := s.gateway.EndCallRecord(ctx, session.CallID, endedByUserID)
		if err != nil {
			if !errors.Is(err, store.ErrCallRecordNotFound) {
				s.log.Error("end call record failed", "call", session.CallID, "err", err)
			}
			return
		}

		for _, userID := range []string{session.VIUser.ID, session.Volunteer.ID} {
			if userID == "" {
				continue
			}
			if err := s.gateway.IncrementUserStats(ctx, userID, minutes); err != nil {
				s.log.Error("stat increment failed", "user", userID, "err", err)
			}
		}
	}()
}
