package signal

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/confer/internal/domain"
	"github.com/dkeye/confer/internal/protocol"
)

func (ctl *SignalWSController) handleCapabilities(s *wsSession, env protocol.Envelope) {
	ctl.reply(s, env, protocol.TypeCapabilities, ctl.Orch.Capabilities())
}

func (ctl *SignalWSController) handlePublish(ctx context.Context, s *wsSession, env protocol.Envelope) {
	var p protocol.PublishPayload
	if err := env.Bind(&p); err != nil {
		ctl.replyError(s, env.ID, err)
		return
	}
	resp, err := ctl.Orch.Publish(ctx, s.id, p)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(s.sid)).Msg("publish failed")
		ctl.replyError(s, env.ID, err)
		return
	}
	ctl.reply(s, env, protocol.TypePublished, resp)
}

func (ctl *SignalWSController) handleGetProducers(s *wsSession, env protocol.Envelope) {
	producers, err := ctl.Orch.Producers(s.id)
	if err != nil {
		ctl.replyError(s, env.ID, err)
		return
	}
	ctl.reply(s, env, protocol.TypeProducers, protocol.ProducersPayload{Producers: producers})
}

func (ctl *SignalWSController) handleConsume(ctx context.Context, s *wsSession, env protocol.Envelope) {
	var p protocol.ConsumePayload
	if err := env.Bind(&p); err != nil {
		ctl.replyError(s, env.ID, err)
		return
	}
	resp, err := ctl.Orch.Consume(ctx, s.id, p.ProducerID)
	if err != nil {
		if !domain.IsStale(err) {
			log.Warn().Err(err).Str("module", "signal").Str("producer", p.ProducerID).Msg("consume failed")
		}
		ctl.replyError(s, env.ID, err)
		return
	}
	ctl.reply(s, env, protocol.TypeConsumeOffer, resp)
}

func (ctl *SignalWSController) handleConsumeAnswer(s *wsSession, env protocol.Envelope) {
	var p protocol.ConsumeAnswerPayload
	if err := env.Bind(&p); err != nil {
		ctl.replyError(s, env.ID, err)
		return
	}
	if err := ctl.Orch.ConsumeAnswer(s.id, p); err != nil {
		ctl.replyError(s, env.ID, err)
		return
	}
	ctl.ack(s, env)
}

func (ctl *SignalWSController) handleResume(s *wsSession, env protocol.Envelope) {
	var p protocol.ResumePayload
	if err := env.Bind(&p); err != nil {
		ctl.replyError(s, env.ID, err)
		return
	}
	if err := ctl.Orch.Resume(s.id, p.SubscriptionID); err != nil {
		ctl.replyError(s, env.ID, err)
		return
	}
	ctl.ack(s, env)
}

func (ctl *SignalWSController) handleCandidate(s *wsSession, env protocol.Envelope) {
	var p protocol.CandidatePayload
	if err := env.Bind(&p); err != nil {
		ctl.replyError(s, env.ID, err)
		return
	}
	if err := ctl.Orch.Candidate(s.id, p); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("transport", p.TransportID).Msg("add ice candidate")
		ctl.replyError(s, env.ID, err)
		return
	}
	ctl.ack(s, env)
}
