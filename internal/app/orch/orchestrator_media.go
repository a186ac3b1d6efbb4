package orch

import (
	"context"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/confer/internal/app/sfu"
	"github.com/dkeye/confer/internal/core"
	"github.com/dkeye/confer/internal/domain"
	"github.com/dkeye/confer/internal/protocol"
)

func (o *Orchestrator) Capabilities() protocol.CapabilitiesPayload {
	return protocol.CapabilitiesPayload{Codecs: o.Codecs}
}

// Publish negotiates the participant's single send transport and reserves one
// publication per requested kind. Kinds no longer requested are unpublished.
func (o *Orchestrator) Publish(ctx context.Context, id domain.ParticipantID, p protocol.PublishPayload) (protocol.PublishedPayload, error) {
	st, err := o.activeState(id)
	if err != nil {
		return protocol.PublishedPayload{}, err
	}
	// transports are closed unlocked, their OnClosed hook takes st.mu
	var stale []core.MediaTransport
	defer func() {
		st.mu.Unlock()
		for _, t := range stale {
			t.Close()
		}
	}()

	if topology, _ := o.Presence.Topology(st.room); topology != domain.TopologyGroup {
		return protocol.PublishedPayload{}, domain.NewError(domain.CodeBadRequest, "publishing requires a group room")
	}
	if o.Moderation != nil {
		status, err := o.Moderation.Status(ctx, st.room, id)
		if err == nil && status.Denied() {
			return protocol.PublishedPayload{}, domain.ErrModerationDenied
		}
	}
	participant, _ := o.Presence.Member(st.room, id)

	logger := log.With().
		Str("module", "orch.media").
		Str("participant", string(id)).
		Str("transport", p.TransportID).
		Logger()

	created := false
	if st.send == nil || st.send.ID() != p.TransportID {
		if st.send != nil {
			logger.Info().Str("old_transport", st.send.ID()).Msg("replacing send transport")
			o.Router.ClosePublisher(id)
			stale = append(stale, st.send)
			st.send = nil
		}
		t, err := o.Transports.NewTransport(p.TransportID, id, domain.DirectionSend)
		if err != nil {
			return protocol.PublishedPayload{}, domain.NewError(domain.CodeNegotiation, "create send transport").Wrap(err)
		}
		o.bindSendTransport(id, st.room, t)
		st.send = t
		created = true
	}

	wanted := make(map[domain.TrackKind]bool, len(p.Kinds))
	producers := make([]protocol.ProducerPayload, 0, len(p.Kinds))
	for _, kind := range p.Kinds {
		if wanted[kind] {
			continue
		}
		wanted[kind] = true
		info := o.Router.Reserve(st.room, id, kind, participant.IsAdmin(), p.TransportID)
		producers = append(producers, producerPayload(info))
	}
	for _, kind := range []domain.TrackKind{domain.TrackAudio, domain.TrackVideo} {
		if info, ok := o.Router.PublicationOf(id, kind); ok && !wanted[kind] {
			o.Router.Unpublish(info.ID)
		}
	}

	answer, err := st.send.ApplyOffer(p.SDP)
	if err != nil {
		logger.Error().Err(err).Msg("apply publish offer")
		if created {
			o.Router.ClosePublisher(id)
			stale = append(stale, st.send)
			st.send = nil
		}
		return protocol.PublishedPayload{}, domain.NewError(domain.CodeNegotiation, "publish negotiation failed").Wrap(err)
	}
	logger.Info().Int("producers", len(producers)).Msg("published")
	return protocol.PublishedPayload{TransportID: p.TransportID, SDP: answer, Producers: producers}, nil
}

func (o *Orchestrator) bindSendTransport(id domain.ParticipantID, room domain.RoomID, t core.MediaTransport) {
	t.OnICECandidate(func(c webrtc.ICECandidateInit) {
		o.emit(id, protocol.TypeTransportCandidate, room, protocol.CandidatePayload{TransportID: t.ID(), Candidate: c})
	})
	t.OnTrack(func(_ context.Context, track core.RemoteTrack) {
		kind := domain.TrackKind(track.Kind().String())
		if !kind.Valid() {
			return
		}
		o.Router.Bind(id, kind, track, t.RequestKeyframe)
	})
	t.OnClosed(func() {
		st, ok := o.state(id)
		if !ok {
			return
		}
		st.mu.Lock()
		current := st.send == t
		if current {
			st.send = nil
		}
		st.mu.Unlock()
		if current {
			log.Info().Str("module", "orch.media").Str("participant", string(id)).Msg("send transport closed")
			o.Router.ClosePublisher(id)
		}
	})
}

// Consume creates a recv transport carrying one subscription to producerID
// and returns the server offer. The subscription stays paused until resumed.
func (o *Orchestrator) Consume(ctx context.Context, id domain.ParticipantID, producerID string) (protocol.ConsumeOfferPayload, error) {
	st, err := o.activeState(id)
	if err != nil {
		return protocol.ConsumeOfferPayload{}, err
	}
	defer st.mu.Unlock()

	info, src, err := o.Router.Source(producerID)
	if err != nil {
		return protocol.ConsumeOfferPayload{}, err
	}
	if info.Room != st.room {
		return protocol.ConsumeOfferPayload{}, domain.ErrProducerGone
	}

	logger := log.With().
		Str("module", "orch.media").
		Str("participant", string(id)).
		Str("producer", producerID).
		Logger()

	tid := uuid.NewString()
	t, err := o.Transports.NewTransport(tid, id, domain.DirectionRecv)
	if err != nil {
		return protocol.ConsumeOfferPayload{}, domain.NewError(domain.CodeNegotiation, "create recv transport").Wrap(err)
	}
	local, err := webrtc.NewTrackLocalStaticRTP(src.Codec().RTPCodecCapability, string(info.Kind), string(info.Owner))
	if err != nil {
		t.Close()
		return protocol.ConsumeOfferPayload{}, domain.NewError(domain.CodeNegotiation, "create local track").Wrap(err)
	}
	if err := t.AddTrack(local); err != nil {
		t.Close()
		return protocol.ConsumeOfferPayload{}, domain.NewError(domain.CodeNegotiation, "add track").Wrap(err)
	}

	sub, err := o.Router.Subscribe(id, producerID, tid, local)
	if err != nil {
		t.Close()
		return protocol.ConsumeOfferPayload{}, err
	}
	subID := sub.ID
	t.OnICECandidate(func(c webrtc.ICECandidateInit) {
		o.emit(id, protocol.TypeTransportCandidate, info.Room, protocol.CandidatePayload{TransportID: tid, Candidate: c})
	})
	t.OnKeyframeRequest(func() { o.Router.RequestKeyframe(subID) })
	t.OnClosed(func() {
		o.dropRecv(tid)
		o.Router.CloseSubscription(subID)
	})

	offer, err := t.CreateOffer()
	if err != nil {
		logger.Error().Err(err).Msg("create consume offer")
		o.Router.CloseSubscription(subID)
		t.Close()
		return protocol.ConsumeOfferPayload{}, domain.NewError(domain.CodeNegotiation, "consume negotiation failed").Wrap(err)
	}

	o.mu.Lock()
	o.recv[tid] = recvEntry{owner: id, subID: subID, t: t}
	o.mu.Unlock()

	logger.Info().Str("subscription", subID).Str("transport", tid).Msg("consumer created")
	return protocol.ConsumeOfferPayload{
		TransportID:    tid,
		SubscriptionID: subID,
		ProducerID:     producerID,
		Kind:           info.Kind,
		ParticipantID:  info.Owner,
		Admin:          info.Admin,
		SDP:            offer,
	}, nil
}

// ConsumeAnswer applies the subscriber's answer. A transport already torn
// down (producer closed meanwhile) is stale.
func (o *Orchestrator) ConsumeAnswer(id domain.ParticipantID, p protocol.ConsumeAnswerPayload) error {
	e, ok := o.recvOf(id, p.TransportID)
	if !ok {
		return domain.ErrProducerGone
	}
	if err := e.t.ApplyAnswer(p.SDP); err != nil {
		return domain.NewError(domain.CodeNegotiation, "consume answer").Wrap(err)
	}
	return nil
}

func (o *Orchestrator) Resume(id domain.ParticipantID, subscriptionID string) error {
	return o.Router.Resume(id, subscriptionID)
}

// Candidate adds a trickled candidate to one of the participant's transports.
// Candidates for unknown transports are stale and dropped.
func (o *Orchestrator) Candidate(id domain.ParticipantID, p protocol.CandidatePayload) error {
	var t core.MediaTransport
	if st, ok := o.state(id); ok {
		st.mu.Lock()
		if st.send != nil && st.send.ID() == p.TransportID {
			t = st.send
		}
		st.mu.Unlock()
	}
	if t == nil {
		if e, ok := o.recvOf(id, p.TransportID); ok {
			t = e.t
		}
	}
	if t == nil {
		log.Debug().Str("module", "orch.media").Str("participant", string(id)).Str("transport", p.TransportID).Msg("candidate for unknown transport")
		return nil
	}
	return t.AddICECandidate(p.Candidate)
}

func (o *Orchestrator) Producers(id domain.ParticipantID) ([]protocol.ProducerPayload, error) {
	room, ok := o.Presence.RoomOf(id)
	if !ok {
		return nil, domain.ErrNotInRoom
	}
	infos := o.Router.Producers(room, id)
	out := make([]protocol.ProducerPayload, len(infos))
	for i, info := range infos {
		out[i] = producerPayload(info)
	}
	return out, nil
}

func (o *Orchestrator) recvOf(id domain.ParticipantID, tid string) (recvEntry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.recv[tid]
	if !ok || e.owner != id {
		return recvEntry{}, false
	}
	return e, true
}

func (o *Orchestrator) dropRecv(tid string) (recvEntry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.recv[tid]
	if ok {
		delete(o.recv, tid)
	}
	return e, ok
}

// closeRecv closes the recv transport carrying a subscription the router
// already removed.
func (o *Orchestrator) closeRecv(s sfu.SubscriptionInfo) {
	if e, ok := o.dropRecv(s.TransportID); ok {
		e.t.Close()
	}
}

// PublicationAdded implements sfu.Listener.
func (o *Orchestrator) PublicationAdded(p sfu.ProducerInfo) {
	o.Presence.SetTracks(p.Owner, o.Router.Published(p.Owner))
	o.broadcastRoom(p.Room, p.Owner, protocol.TypeNewProducer, producerPayload(p))
}

// PublicationRemoved implements sfu.Listener.
func (o *Orchestrator) PublicationRemoved(p sfu.ProducerInfo, subs []sfu.SubscriptionInfo) {
	for _, s := range subs {
		o.closeRecv(s)
	}
	o.Presence.SetTracks(p.Owner, o.Router.Published(p.Owner))
	o.broadcastRoom(p.Room, p.Owner, protocol.TypeProducerClosed, producerPayload(p))
}

// SubscriptionClosed implements sfu.Listener.
func (o *Orchestrator) SubscriptionClosed(s sfu.SubscriptionInfo, reason error) {
	o.closeRecv(s)
	room, _ := o.Presence.RoomOf(s.Subscriber)
	o.emit(s.Subscriber, protocol.TypeSubscriptionClosed, room, protocol.SubscriptionClosedPayload{
		SubscriptionID: s.ID,
		ProducerID:     s.ProducerID,
		Code:           domain.CodeOf(reason),
	})
}

func producerPayload(p sfu.ProducerInfo) protocol.ProducerPayload {
	return protocol.ProducerPayload{
		ProducerID:    p.ID,
		Kind:          p.Kind,
		ParticipantID: p.Owner,
		Admin:         p.Admin,
	}
}
