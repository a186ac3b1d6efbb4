package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/confer/internal/domain"
)

type moderationKey struct {
	room domain.RoomID
	id   domain.ParticipantID
}

// MemoryModeration is an in-process stand-in for the moderation service.
type MemoryModeration struct {
	mu     sync.RWMutex
	status map[moderationKey]domain.ModerationStatus
}

func NewMemoryModeration() *MemoryModeration {
	return &MemoryModeration{status: make(map[moderationKey]domain.ModerationStatus)}
}

func (m *MemoryModeration) Status(_ context.Context, room domain.RoomID, id domain.ParticipantID) (domain.ModerationStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status[moderationKey{room, id}], nil
}

func (m *MemoryModeration) SetBanned(room domain.RoomID, id domain.ParticipantID, banned bool) {
	m.update(room, id, func(s *domain.ModerationStatus) { s.Banned = banned })
}

func (m *MemoryModeration) SetPublishMuted(room domain.RoomID, id domain.ParticipantID, muted bool) {
	m.update(room, id, func(s *domain.ModerationStatus) { s.PublishMuted = muted })
}

func (m *MemoryModeration) update(room domain.RoomID, id domain.ParticipantID, fn func(*domain.ModerationStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := moderationKey{room, id}
	s := m.status[key]
	fn(&s)
	if s == (domain.ModerationStatus{}) {
		delete(m.status, key)
	} else {
		m.status[key] = s
	}
	log.Info().
		Str("module", "app.moderation").
		Str("room", string(room)).
		Str("participant", string(id)).
		Bool("banned", s.Banned).
		Bool("publish_muted", s.PublishMuted).
		Msg("moderation updated")
}
