// Package store is the persistence gateway consumed by the signaling
// core. Every write is a best-effort side-effect: the in-memory session
// lifecycle is authoritative for real-time behavior and a failed write
// here is logged by the caller, never surfaced into the protocol.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrCallRecordNotFound = errors.New("call record not found")

// CallRecord is the durable log of one matched call.
type CallRecord struct {
	CallID          string
	RoomID          string
	VIUserID        string
	VolunteerID     string
	StartTime       time.Time
	EndTime         time.Time
	DurationMinutes int
	Status          string // "ongoing" or "completed"
	EndedBy         string
}

// Gateway records call lifecycle and user stats. The three operations
// fail independently; callers treat all failures as non-fatal.
type Gateway interface {
	// CreateCallRecord logs the start of a call.
	CreateCallRecord(ctx context.Context, callID, roomID, viUserID, volunteerID string) error
	// EndCallRecord marks the call completed and returns its rounded
	// duration in minutes.
	EndCallRecord(ctx context.Context, callID, endedByUserID string) (int, error)
	// IncrementUserStats adds one call and the given minutes to a user's
	// lifetime counters.
	IncrementUserStats(ctx context.Context, userID string, durationMinutes int) error
}
