// Package orch wires presence, calls and media forwarding to the signaling
// sessions of participants.
package orch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/confer/internal/app"
	"github.com/dkeye/confer/internal/app/call"
	"github.com/dkeye/confer/internal/app/presence"
	"github.com/dkeye/confer/internal/app/sfu"
	"github.com/dkeye/confer/internal/core"
	"github.com/dkeye/confer/internal/domain"
	"github.com/dkeye/confer/internal/protocol"
)

// Moderator is the moderation collaborator plus the admin operations exposed
// over REST.
type Moderator interface {
	core.Moderation
	SetBanned(room domain.RoomID, id domain.ParticipantID, banned bool)
	SetPublishMuted(room domain.RoomID, id domain.ParticipantID, muted bool)
}

type Options struct {
	Registry            *app.Registry
	Moderation          Moderator
	Identity            core.IdentityProvider
	Transports          core.TransportFactory
	Policy              app.Policy
	Codecs              []protocol.Codec
	MaxGroupSize        int
	SubscriptionTimeout time.Duration
	StaleCacheSize      int
}

type Orchestrator struct {
	Registry   *app.Registry
	Presence   *presence.Registry
	Router     *sfu.Router
	Calls      *call.Tracker
	Moderation Moderator
	Identity   core.IdentityProvider
	Transports core.TransportFactory
	Policy     app.Policy
	Codecs     []protocol.Codec

	mu      sync.Mutex
	members map[domain.ParticipantID]*memberState
	recv    map[string]recvEntry
}

// memberState is what one connected participant owns on the media side.
// Its mutex serializes that participant's negotiations.
type memberState struct {
	mu     sync.Mutex
	room   domain.RoomID
	send   core.MediaTransport
	closed bool
}

type recvEntry struct {
	owner domain.ParticipantID
	subID string
	t     core.MediaTransport
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		Registry:   opts.Registry,
		Moderation: opts.Moderation,
		Identity:   opts.Identity,
		Transports: opts.Transports,
		Policy:     opts.Policy,
		Codecs:     opts.Codecs,
		Router:     sfu.NewRouter(opts.SubscriptionTimeout),
		Calls:      call.NewTracker(opts.StaleCacheSize),
		members:    make(map[domain.ParticipantID]*memberState),
		recv:       make(map[string]recvEntry),
	}
	if o.Registry == nil {
		o.Registry = app.NewRegistry()
	}
	var moderation core.Moderation
	if opts.Moderation != nil {
		moderation = opts.Moderation
	}
	o.Presence = presence.NewRegistry(moderation, o, opts.MaxGroupSize)
	o.Router.SetListener(o)
	return o
}

func (o *Orchestrator) state(id domain.ParticipantID) (*memberState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.members[id]
	return st, ok
}

func (o *Orchestrator) ensureState(id domain.ParticipantID) *memberState {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.members[id]
	if !ok {
		st = &memberState{}
		o.members[id] = st
	}
	return st
}

// activeState returns the participant's state locked, provided it is in a
// room. The caller unlocks.
func (o *Orchestrator) activeState(id domain.ParticipantID) (*memberState, error) {
	st, ok := o.state(id)
	if !ok {
		return nil, domain.ErrNotInRoom
	}
	st.mu.Lock()
	if st.closed || st.room == "" {
		st.mu.Unlock()
		return nil, domain.ErrNotInRoom
	}
	return st, nil
}

// emit encodes and enqueues one frame for id. A full queue is resolved by the
// backpressure policy.
func (o *Orchestrator) emit(id domain.ParticipantID, typ string, room domain.RoomID, payload any) {
	frame, err := protocol.Encode(typ, room, "", payload)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", typ).Msg("encode frame")
		return
	}
	o.deliver(id, typ, frame)
}

func (o *Orchestrator) deliver(id domain.ParticipantID, typ string, frame core.Frame) {
	err := o.Registry.SendTo(id, frame)
	if err == nil || !errors.Is(err, core.ErrBackpressure) {
		return
	}
	action := app.KickMember
	if o.Policy != nil {
		action = o.Policy.OnBackPressure(id, typ)
	}
	switch action {
	case app.KickMember:
		log.Warn().Str("module", "orch").Str("participant", string(id)).Str("type", typ).Msg("backpressure, kicking")
		// callers may hold a room lock, release must not run inline
		go o.Kick(context.Background(), id, ReasonBackpressure)
	case app.DropFrame, app.NoAction:
	}
}

// MembershipChanged implements presence.Notifier.
func (o *Orchestrator) MembershipChanged(room domain.RoomID, recipients []domain.ParticipantID, members []domain.Participant) {
	frame, err := protocol.Encode(protocol.TypeMembershipUpdated, room, "", protocol.MembershipPayload{
		RoomID:       room,
		Participants: members,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode membership")
		return
	}
	for _, id := range recipients {
		o.deliver(id, protocol.TypeMembershipUpdated, frame)
	}
}

// broadcastRoom sends to every member of room except one.
func (o *Orchestrator) broadcastRoom(room domain.RoomID, except domain.ParticipantID, typ string, payload any) {
	frame, err := protocol.Encode(typ, room, "", payload)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", typ).Msg("encode frame")
		return
	}
	for _, p := range o.Presence.Snapshot(room) {
		if p.ID != except {
			o.deliver(p.ID, typ, frame)
		}
	}
}
