package signal

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/confer/internal/domain"
	"github.com/dkeye/confer/internal/protocol"
)

func (ctl *SignalWSController) handleJoin(ctx context.Context, s *wsSession, env protocol.Envelope) {
	var p protocol.JoinPayload
	if err := env.Bind(&p); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.replyError(s, env.ID, err)
		return
	}
	if env.RoomID == "" {
		ctl.replyError(s, env.ID, domain.NewError(domain.CodeBadRequest, "missing roomId"))
		return
	}
	if ctl.Limiter != nil && !ctl.Limiter.Allow(s.id) {
		log.Warn().Str("module", "signal").Str("participant", string(s.id)).Msg("join rate limited")
		ctl.replyError(s, env.ID, domain.ErrRateLimited)
		return
	}

	log.Info().Str("module", "signal").Str("sid", string(s.sid)).Str("room_id", string(env.RoomID)).Msg("join")
	members, err := ctl.Orch.Join(ctx, s.id, env.RoomID, p)
	if err != nil {
		ctl.replyError(s, env.ID, err)
		return
	}
	ctl.reply(s, env, protocol.TypeJoined, protocol.MembershipPayload{
		RoomID:       env.RoomID,
		Participants: members,
	})
}

// handleLeave leaves the current room; the connection stays open.
func (ctl *SignalWSController) handleLeave(ctx context.Context, s *wsSession, env protocol.Envelope) {
	log.Info().Str("module", "signal").Str("sid", string(s.sid)).Msg("leave")
	if err := ctl.Orch.Leave(ctx, s.id); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(s.sid)).Msg("leave finished with errors")
	}
	ctl.reply(s, env, protocol.TypeLeft, nil)
}
