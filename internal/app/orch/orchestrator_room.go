package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/confer/internal/core"
	"github.com/dkeye/confer/internal/domain"
	"github.com/dkeye/confer/internal/protocol"
)

// Connect identifies a new signaling connection and binds it. A previous
// connection of the same participant is released and closed.
func (o *Orchestrator) Connect(
	ctx context.Context,
	sid core.SessionID,
	claim core.Claim,
	signal core.SignalConnection,
	cancel context.CancelFunc,
) (domain.Participant, error) {
	p, err := o.Identity.Identify(ctx, sid, claim)
	if err != nil {
		return domain.Participant{}, err
	}
	replaced, replacedCancel := o.Registry.BindSignal(sid, p, signal, cancel)
	if replaced != nil {
		log.Info().Str("module", "orch").Str("participant", string(p.ID)).Msg("replacing previous connection")
		if err := o.Release(ctx, p.ID, ReasonReplaced); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("participant", string(p.ID)).Msg("release of replaced connection")
		}
		if replacedCancel != nil {
			replacedCancel()
		}
		replaced.Close()
	}
	o.ensureState(p.ID)
	return p, nil
}

// Disconnect runs the supervisor for a closed connection, unless the
// participant has already reconnected on another one.
func (o *Orchestrator) Disconnect(ctx context.Context, id domain.ParticipantID, signal core.SignalConnection) {
	if !o.Registry.Current(id, signal) {
		return
	}
	if err := o.Release(ctx, id, ReasonDisconnect); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("participant", string(id)).Msg("release on disconnect")
	}
	o.Registry.Unbind(id, signal)
}

// Join moves the participant into roomID. Media allocated for a previous room
// is released first; presence handles the implicit leave.
func (o *Orchestrator) Join(
	ctx context.Context,
	id domain.ParticipantID,
	roomID domain.RoomID,
	p protocol.JoinPayload,
) ([]domain.Participant, error) {
	if p.Participant.DisplayName != "" || p.Participant.Avatar != "" {
		if _, err := o.Registry.UpdateProfile(id, p.Participant.DisplayName, p.Participant.Avatar); err != nil {
			return nil, domain.NewError(domain.CodeBadRequest, "bad profile").Wrap(err)
		}
	}
	participant, ok := o.Registry.Participant(id)
	if !ok {
		return nil, domain.NewError(domain.CodeNotFound, "no session")
	}
	if p.Credential != "" {
		// credentials presented on join may grant roles
		granted, err := o.Identity.Identify(ctx, core.SessionID(participant.SignalID), core.Claim{
			DisplayName: participant.DisplayName,
			Avatar:      participant.Avatar,
			Credential:  p.Credential,
		})
		if err == nil {
			participant.Roles |= granted.Roles
		}
	}
	participant.Tracks = nil

	st := o.ensureState(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.room != "" && st.room != roomID {
		log.Info().Str("module", "orch").Str("participant", string(id)).Str("from_room", string(st.room)).Msg("switching rooms")
		o.releaseMedia(id, st)
	}

	members, err := o.Presence.Join(ctx, roomID, p.Topology, participant)
	if err != nil {
		if current, ok := o.Presence.RoomOf(id); !ok || current != st.room {
			st.room = ""
		}
		return nil, err
	}
	st.room = roomID
	log.Info().Str("module", "orch").Str("participant", string(id)).Str("room", string(roomID)).Msg("added to room")
	return members, nil
}

// Leave is the explicit exit path: it runs the full supervisor but keeps the
// signaling connection.
func (o *Orchestrator) Leave(ctx context.Context, id domain.ParticipantID) error {
	return o.Release(ctx, id, ReasonLeave)
}

// Kick releases the participant and closes its connection.
func (o *Orchestrator) Kick(ctx context.Context, id domain.ParticipantID, reason Reason) {
	if err := o.Release(ctx, id, reason); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("participant", string(id)).Msg("release on kick")
	}
	o.Registry.Cancel(id)
}

// KickFromRoom kicks id only if it is a member of room.
func (o *Orchestrator) KickFromRoom(ctx context.Context, room domain.RoomID, id domain.ParticipantID) bool {
	if current, ok := o.Presence.RoomOf(id); !ok || current != room {
		return false
	}
	o.Kick(ctx, id, ReasonKick)
	return true
}

func (o *Orchestrator) Ban(ctx context.Context, room domain.RoomID, id domain.ParticipantID, banned bool) {
	o.Moderation.SetBanned(room, id, banned)
	if banned {
		o.KickFromRoom(ctx, room, id)
	}
}

// Mute stops everything id publishes in room; a muted participant cannot
// rejoin until unmuted.
func (o *Orchestrator) Mute(room domain.RoomID, id domain.ParticipantID, muted bool) {
	o.Moderation.SetPublishMuted(room, id, muted)
	if current, ok := o.Presence.RoomOf(id); muted && ok && current == room {
		o.Router.ClosePublisher(id)
	}
}

func (o *Orchestrator) Rooms() []domain.RoomInfo {
	return o.Presence.Rooms()
}

func (o *Orchestrator) Members(room domain.RoomID) ([]domain.Participant, bool) {
	members := o.Presence.Snapshot(room)
	return members, len(members) > 0
}
