package orch

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/confer/internal/app/call"
	"github.com/dkeye/confer/internal/domain"
	"github.com/dkeye/confer/internal/protocol"
)

// CallOffer relays an offer from id to p.To. An offer that lost a glare
// tie-break is dropped silently.
func (o *Orchestrator) CallOffer(id domain.ParticipantID, room domain.RoomID, p protocol.CallPayload) error {
	if _, ok := o.Registry.Participant(p.To); !ok {
		return domain.NewError(domain.CodeNotFound, "participant is not connected")
	}
	if p.Kind == "" {
		p.Kind = domain.MediaAudio
	}
	deliver, err := o.Calls.Offer(id, p.To, p.Kind)
	if err != nil {
		return callError(err)
	}
	if !deliver {
		return nil
	}
	p.From = id
	o.emit(p.To, protocol.TypeCallOffer, room, p)
	return nil
}

func (o *Orchestrator) CallAnswer(id domain.ParticipantID, room domain.RoomID, p protocol.CallPayload) error {
	if err := o.Calls.Answer(id, p.To); err != nil {
		return callError(err)
	}
	p.From = id
	o.emit(p.To, protocol.TypeCallAnswer, room, p)
	return nil
}

func (o *Orchestrator) CallCandidate(id domain.ParticipantID, room domain.RoomID, p protocol.CallPayload) error {
	if p.Candidate == nil {
		return domain.NewError(domain.CodeBadRequest, "missing candidate")
	}
	if err := o.Calls.Candidate(id, p.To); err != nil {
		return callError(err)
	}
	p.From = id
	o.emit(p.To, protocol.TypeCallICECandidate, room, p)
	return nil
}

// CallEnd relays the end once; ending an ended call is a no-op.
func (o *Orchestrator) CallEnd(id domain.ParticipantID, room domain.RoomID, p protocol.CallPayload) error {
	if !o.Calls.End(id, p.To) {
		return nil
	}
	p.From = id
	o.emit(p.To, protocol.TypeCallEnd, room, p)
	return nil
}

// endCalls ends every call of id, tells each peer and reports how many ended.
func (o *Orchestrator) endCalls(id domain.ParticipantID, reason string) int {
	peers := o.Calls.EndAll(id)
	for _, peer := range peers {
		log.Info().Str("module", "orch.call").Str("participant", string(id)).Str("peer", string(peer)).Msg("ending call")
		o.emit(peer, protocol.TypeCallEnd, "", protocol.CallPayload{From: id, To: peer, Reason: reason})
	}
	return len(peers)
}

// callError maps tracker errors; staleness is absorbed.
func callError(err error) error {
	switch {
	case errors.Is(err, call.ErrStale):
		return nil
	case errors.Is(err, call.ErrNoSession):
		return domain.NewError(domain.CodeNotFound, "no call in progress").Wrap(err)
	case errors.Is(err, call.ErrSelfCall), errors.Is(err, call.ErrInvalidTransition):
		return domain.NewError(domain.CodeBadRequest, "invalid call message").Wrap(err)
	}
	return err
}
