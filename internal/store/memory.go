package store

import (
	"context"
	"sync"
	"time"
)

// UserStats are the lifetime counters kept per user.
type UserStats struct {
	TotalCalls   int
	TotalMinutes int
}

// Memory is the in-process gateway used when no Postgres/Redis is
// configured, and by tests.
type Memory struct {
	mu    sync.RWMutex
	calls map[string]*CallRecord
	stats map[string]*UserStats
}

func NewMemory() *Memory {
	return &Memory{
		calls: make(map[string]*CallRecord),
		stats: make(map[string]*UserStats),
	}
}

func (m *Memory) CreateCallRecord(_ context.Context, callID, roomID, viUserID, volunteerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.calls[callID]; exists {
		return nil
	}
	m.calls[callID] = &CallRecord{
		CallID:      callID,
		RoomID:      roomID,
		VIUserID:    viUserID,
		VolunteerID: volunteerID,
		StartTime:   time.Now(),
		Status:      "ongoing",
	}
	return nil
}

func (m *Memory) EndCallRecord(_ context.Context, callID, endedByUserID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[callID]
	if !ok || rec.Status != "ongoing" {
		return 0, ErrCallRecordNotFound
	}
	rec.EndTime = time.Now()
	rec.Status = "completed"
	rec.EndedBy = endedByUserID
	rec.DurationMinutes = roundMinutes(rec.EndTime.Sub(rec.StartTime))
	return rec.DurationMinutes, nil
}

func (m *Memory) IncrementUserStats(_ context.Context, userID string, durationMinutes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[userID]
	if !ok {
		s = &UserStats{}
		m.stats[userID] = s
	}
	s.TotalCalls++
	s.TotalMinutes += durationMinutes
	return nil
}

// Call returns a copy of a recorded call.
func (m *Memory) Call(callID string) (CallRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.calls[callID]; ok {
		return *rec, true
	}
	return CallRecord{}, false
}

// Stats returns a copy of a user's counters.
func (m *Memory) Stats(userID string) (UserStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.stats[userID]; ok {
		return *s, true
	}
	return UserStats{}, false
}
