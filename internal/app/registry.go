package app

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/confer/internal/core"
	"github.com/dkeye/confer/internal/domain"
	"github.com/dkeye/confer/internal/metrics"
)

var ErrNoSession = errors.New("no signaling session")

type sessionEntry struct {
	SID         core.SessionID
	Participant domain.Participant
	Signal      core.SignalConnection
	Cancel      context.CancelFunc
}

// Registry maps participants to their live signaling connection.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.ParticipantID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[domain.ParticipantID]*sessionEntry),
	}
}

// BindSignal registers the connection of p. A previous connection of the same
// participant is returned so the caller can close it.
func (r *Registry) BindSignal(
	sid core.SessionID,
	p domain.Participant,
	signal core.SignalConnection,
	cancel context.CancelFunc,
) (replaced core.SignalConnection, replacedCancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[p.ID]; ok && old.Signal != signal {
		replaced, replacedCancel = old.Signal, old.Cancel
	} else if !ok {
		metrics.Sessions.Inc()
	}
	p.SignalID = string(sid)
	r.sessions[p.ID] = &sessionEntry{SID: sid, Participant: p, Signal: signal, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("participant", string(p.ID)).Msg("bound signal")
	return replaced, replacedCancel
}

// Unbind removes the participant only while signal is still its connection.
// Two tabs with one client token share a session id.
func (r *Registry) Unbind(id domain.ParticipantID, signal core.SignalConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok || e.Signal != signal {
		return false
	}
	delete(r.sessions, id)
	metrics.Sessions.Dec()
	log.Info().Str("module", "app.registry").Str("sid", string(e.SID)).Str("participant", string(id)).Msg("unbind session")
	return true
}

// Current reports whether signal is the live connection of id.
func (r *Registry) Current(id domain.ParticipantID, signal core.SignalConnection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	return ok && e.Signal == signal
}

func (r *Registry) Participant(id domain.ParticipantID) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[id]; ok {
		return e.Participant, true
	}
	return domain.Participant{}, false
}

func (r *Registry) UpdateProfile(id domain.ParticipantID, name, avatar string) (domain.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return domain.Participant{}, ErrNoSession
	}
	if name != "" {
		if err := e.Participant.SetDisplayName(name); err != nil {
			return domain.Participant{}, err
		}
	}
	if err := e.Participant.SetAvatar(avatar); err != nil {
		return domain.Participant{}, err
	}
	log.Info().Str("module", "app.registry").Str("participant", string(id)).Str("display_name", e.Participant.DisplayName).Msg("updated profile")
	return e.Participant, nil
}

// SendTo enqueues frame on the participant's connection without blocking.
func (r *Registry) SendTo(id domain.ParticipantID, frame core.Frame) error {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return e.Signal.TrySend(frame)
}

// Cancel stops the participant's connection; the adapter runs the cleanup.
func (r *Registry) Cancel(id domain.ParticipantID) bool {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("participant", string(id)).Msg("canceled session")
	return true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
