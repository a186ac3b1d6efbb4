package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/confer/internal/core"
	"github.com/dkeye/confer/internal/domain"
	"github.com/dkeye/confer/internal/protocol"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.pingPeriod())
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

// readPump hands each frame to the connection's single worker, so handlers
// run in arrival order without blocking reads. On exit the disconnect runs
// after every queued handler.
func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, s *wsSession) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(s.sid)).Msg("readPump closing")
		s.pool.Submit(func() {
			ctl.Orch.Disconnect(context.WithoutCancel(ctx), s.id, s.conn)
		})
		s.pool.StopWait()
		cancel()
		s.conn.Close()
	}()

	if ctl.ReadLimit > 0 {
		s.conn.conn.SetReadLimit(ctl.ReadLimit)
	}
	pongWait := ctl.pingPeriod() * 10 / 9
	_ = s.conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.conn.SetPongHandler(func(string) error {
		return s.conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(s.sid)).Msg("readPump read error")
			}
			return
		}
		_ = s.conn.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.pool.Submit(func() {
			ctl.handleSignal(ctx, s, data)
		})
	}
}

func (ctl *SignalWSController) pingPeriod() time.Duration {
	if ctl.PingPeriod <= 0 {
		return 54 * time.Second
	}
	return ctl.PingPeriod
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, s *wsSession, data []byte) {
	if ctx.Err() != nil {
		return
	}
	env, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(s.sid)).Msg("bad json")
		ctl.replyError(s, "", domain.NewError(domain.CodeBadRequest, "bad envelope"))
		return
	}

	switch env.Type {
	case protocol.TypeJoin:
		ctl.handleJoin(ctx, s, env)
	case protocol.TypeLeave:
		ctl.handleLeave(ctx, s, env)
	case protocol.TypePing:
		ctl.handlePing(s, env)
	case protocol.TypeCallOffer, protocol.TypeCallAnswer, protocol.TypeCallICECandidate, protocol.TypeCallEnd:
		ctl.handleCall(s, env)
	case protocol.TypeGetCapabilities:
		ctl.handleCapabilities(s, env)
	case protocol.TypePublish:
		ctl.handlePublish(ctx, s, env)
	case protocol.TypeGetProducers:
		ctl.handleGetProducers(s, env)
	case protocol.TypeConsume:
		ctl.handleConsume(ctx, s, env)
	case protocol.TypeConsumeAnswer:
		ctl.handleConsumeAnswer(s, env)
	case protocol.TypeResume:
		ctl.handleResume(s, env)
	case protocol.TypeTransportCandidate:
		ctl.handleCandidate(s, env)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.replyError(s, env.ID, domain.NewError(domain.CodeBadRequest, "unknown type "+env.Type))
	}
}

func (ctl *SignalWSController) reply(s *wsSession, env protocol.Envelope, typ string, payload any) {
	frame, err := protocol.Encode(typ, env.RoomID, env.ID, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("type", typ).Msg("encode reply")
		return
	}
	ctl.send(s, frame)
}

// ack confirms a fire-and-forget message when the client asked for it.
func (ctl *SignalWSController) ack(s *wsSession, env protocol.Envelope) {
	if env.ID != "" {
		ctl.reply(s, env, protocol.TypeAck, nil)
	}
}

func (ctl *SignalWSController) replyError(s *wsSession, id string, err error) {
	ctl.send(s, errorFrame(id, err))
}

func (ctl *SignalWSController) send(s *wsSession, frame core.Frame) {
	if err := s.conn.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(s.sid)).Msg("reply dropped")
	}
}

func errorFrame(id string, err error) []byte {
	frame, encErr := protocol.EncodeError(id, err)
	if encErr != nil {
		return []byte(`{"type":"error","payload":{"code":"INTERNAL"}}`)
	}
	return frame
}
