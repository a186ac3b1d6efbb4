package signal

import "github.com/dkeye/confer/internal/protocol"

func (ctl *SignalWSController) handlePing(s *wsSession, env protocol.Envelope) {
	ctl.reply(s, env, protocol.TypePong, nil)
}
