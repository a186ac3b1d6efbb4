package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/confer/internal/protocol"
)

func (ctl *SignalWSController) handleCall(s *wsSession, env protocol.Envelope) {
	var p protocol.CallPayload
	if err := env.Bind(&p); err != nil {
		ctl.replyError(s, env.ID, err)
		return
	}

	var err error
	switch env.Type {
	case protocol.TypeCallOffer:
		err = ctl.Orch.CallOffer(s.id, env.RoomID, p)
	case protocol.TypeCallAnswer:
		err = ctl.Orch.CallAnswer(s.id, env.RoomID, p)
	case protocol.TypeCallICECandidate:
		err = ctl.Orch.CallCandidate(s.id, env.RoomID, p)
	case protocol.TypeCallEnd:
		err = ctl.Orch.CallEnd(s.id, env.RoomID, p)
	}
	if err != nil {
		log.Info().Err(err).Str("module", "signal").Str("type", env.Type).Str("to", string(p.To)).Msg("call message rejected")
		ctl.replyError(s, env.ID, err)
		return
	}
	ctl.ack(s, env)
}
