package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/confer/internal/app/call"
	appcore "github.com/dkeye/confer/internal/core"
	"github.com/dkeye/confer/internal/domain"
	"github.com/dkeye/confer/internal/protocol"
)

const waitFor = 2 * time.Second

func candidate(c string) *webrtc.ICECandidateInit {
	return &webrtc.ICECandidateInit{Candidate: c}
}

func lastCall(t *testing.T, sig *fakeSig, typ string) protocol.CallPayload {
	t.Helper()
	sent := sig.sentOf(typ)
	require.NotEmpty(t, sent, typ)
	var p protocol.CallPayload
	require.NoError(t, json.Unmarshal(sent[len(sent)-1].Payload, &p))
	return p
}

func TestCallConnectsBothSides(t *testing.T) {
	ctx := context.Background()
	aliceSig, bobSig := newFakeSig(t, "alice"), newFakeSig(t, "bob")
	link(aliceSig, bobSig)

	aliceTransports, bobTransports := &fakeFactory{}, &fakeFactory{}
	incoming := make(chan *CallSession, 1)
	alice := NewCallManager(aliceSig, aliceTransports, &StaticSource{}, CallOptions{})
	bob := NewCallManager(bobSig, bobTransports, &StaticSource{}, CallOptions{
		OnIncoming: func(s *CallSession) { incoming <- s },
	})
	t.Cleanup(alice.Close)
	t.Cleanup(bob.Close)

	out, err := alice.Initiate(ctx, "bob", domain.MediaVideo)
	require.NoError(t, err)
	require.True(t, out.Initiator())

	var in *CallSession
	select {
	case in = <-incoming:
	case <-time.After(waitFor):
		t.Fatal("no incoming call")
	}
	require.Equal(t, call.StateOffering, out.State())
	require.Equal(t, call.StateAnswering, in.State())
	require.Equal(t, domain.MediaVideo, in.Kind())
	require.Equal(t, domain.ParticipantID("alice"), in.Peer())
	require.False(t, in.Initiator())

	require.NoError(t, in.Accept(ctx))
	require.Equal(t, call.StateConnected, in.State())
	require.Eventually(t, func() bool { return out.State() == call.StateConnected }, waitFor, 5*time.Millisecond)

	sendSide := aliceTransports.all()
	require.Len(t, sendSide, 1)
	require.Len(t, sendSide[0].tracks, 2)
	answerSide := bobTransports.all()
	require.Len(t, answerSide, 1)
	require.Equal(t, []string{"offer-" + sendSide[0].id}, answerSide[0].offers)
	require.Equal(t, []string{"answer-" + answerSide[0].id}, sendSide[0].answers)

	// trickled candidates reach the other side once both descriptions are set
	sendSide[0].gather("a1")
	answerSide[0].gather("b1")
	require.Eventually(t, func() bool {
		return len(answerSide[0].remoteCandidates()) == 1 && len(sendSide[0].remoteCandidates()) == 1
	}, waitFor, 5*time.Millisecond)
	require.Equal(t, []string{"a1"}, answerSide[0].remoteCandidates())
	require.Equal(t, []string{"b1"}, sendSide[0].remoteCandidates())

	out.End()
	select {
	case <-in.Done():
	case <-time.After(waitFor):
		t.Fatal("remote side still in the call")
	}
	require.Equal(t, call.StateEnded, in.State())
	require.Equal(t, EndReasonHangup, in.Reason())
	require.True(t, answerSide[0].isClosed())
	require.True(t, sendSide[0].isClosed())
}

func TestCallAutoAnswer(t *testing.T) {
	ctx := context.Background()
	aliceSig, bobSig := newFakeSig(t, "alice"), newFakeSig(t, "bob")
	link(aliceSig, bobSig)

	var states []call.State
	alice := NewCallManager(aliceSig, &fakeFactory{}, &StaticSource{}, CallOptions{})
	bob := NewCallManager(bobSig, &fakeFactory{}, &StaticSource{}, CallOptions{
		AutoAnswer: true,
		OnState:    func(_ *CallSession, s call.State) { states = append(states, s) },
	})

	out, err := alice.Initiate(ctx, "bob", domain.MediaAudio)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return out.State() == call.StateConnected }, waitFor, 5*time.Millisecond)

	bobSig.drain()
	in, ok := bob.Session("alice")
	require.True(t, ok)
	require.Equal(t, call.StateConnected, in.State())
	require.Equal(t, []call.State{call.StateAnswering, call.StateConnected}, states)
}

func TestCallRemoteEndReleases(t *testing.T) {
	sig := newFakeSig(t, "alice")
	transports := &fakeFactory{}
	source := &StaticSource{}
	m := NewCallManager(sig, transports, source, CallOptions{})

	s, err := m.Initiate(context.Background(), "bob", domain.MediaVideo)
	require.NoError(t, err)
	require.Equal(t, 1, source.Acquired())
	offer := lastCall(t, sig, protocol.TypeCallOffer)
	require.Equal(t, domain.ParticipantID("bob"), offer.To)
	require.Equal(t, domain.MediaVideo, offer.Kind)

	sig.deliver(protocol.TypeCallAnswer, protocol.CallPayload{From: "bob", SDP: "answer"})
	sig.drain()
	require.Equal(t, call.StateConnected, s.State())

	sig.deliver(protocol.TypeCallEnd, protocol.CallPayload{From: "bob", Reason: "disconnect"})
	sig.drain()

	require.Equal(t, call.StateEnded, s.State())
	require.Equal(t, "disconnect", s.Reason())
	require.True(t, transports.all()[0].isClosed())
	require.Zero(t, source.Acquired())
	require.Empty(t, sig.sentOf(protocol.TypeCallEnd))
	_, ok := m.Session("bob")
	require.False(t, ok)
	select {
	case <-s.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestCallEndTwice(t *testing.T) {
	sig := newFakeSig(t, "alice")
	transports := &fakeFactory{}
	m := NewCallManager(sig, transports, &StaticSource{}, CallOptions{})

	s, err := m.Initiate(context.Background(), "bob", domain.MediaAudio)
	require.NoError(t, err)

	s.End()
	s.End()
	require.Len(t, sig.sentOf(protocol.TypeCallEnd), 1)
	require.Equal(t, EndReasonHangup, lastCall(t, sig, protocol.TypeCallEnd).Reason)

	// an answer for the ended call is discarded
	sig.deliver(protocol.TypeCallAnswer, protocol.CallPayload{From: "bob", SDP: "late"})
	sig.drain()
	require.Empty(t, transports.all()[0].answers)
	require.Equal(t, call.StateEnded, s.State())
}

func TestCallCandidatesBeforeAnswer(t *testing.T) {
	sig := newFakeSig(t, "alice")
	transports := &fakeFactory{}
	m := NewCallManager(sig, transports, &StaticSource{}, CallOptions{})

	s, err := m.Initiate(context.Background(), "bob", domain.MediaAudio)
	require.NoError(t, err)
	tr := transports.all()[0]

	sig.deliver(protocol.TypeCallICECandidate, protocol.CallPayload{From: "bob", Candidate: candidate("c1")})
	sig.deliver(protocol.TypeCallICECandidate, protocol.CallPayload{From: "bob", Candidate: candidate("c2")})
	sig.drain()
	require.Equal(t, 2, s.PendingCandidates())
	require.Empty(t, tr.remoteCandidates())

	sig.deliver(protocol.TypeCallAnswer, protocol.CallPayload{From: "bob", SDP: "answer"})
	sig.deliver(protocol.TypeCallICECandidate, protocol.CallPayload{From: "bob", Candidate: candidate("c3")})
	sig.drain()
	require.Zero(t, s.PendingCandidates())
	require.Equal(t, []string{"c1", "c2", "c3"}, tr.remoteCandidates())
}

func TestCallAlreadyActive(t *testing.T) {
	ctx := context.Background()
	sig := newFakeSig(t, "alice")
	m := NewCallManager(sig, &fakeFactory{}, &StaticSource{}, CallOptions{})

	first, err := m.Initiate(ctx, "bob", domain.MediaAudio)
	require.NoError(t, err)
	_, err = m.Initiate(ctx, "bob", domain.MediaVideo)
	require.ErrorIs(t, err, domain.ErrCallAlreadyActive)
	require.Len(t, sig.sentOf(protocol.TypeCallOffer), 1)

	first.End()
	_, err = m.Initiate(ctx, "bob", domain.MediaVideo)
	require.NoError(t, err)

	_, err = m.Initiate(ctx, "alice", domain.MediaAudio)
	require.Equal(t, domain.CodeBadRequest, domain.CodeOf(err))
}

func TestCallOfferRejectedByServer(t *testing.T) {
	ctx := context.Background()
	sig := newFakeSig(t, "alice")
	transports := &fakeFactory{}
	source := &StaticSource{}
	m := NewCallManager(sig, transports, source, CallOptions{})

	sig.respond(protocol.TypeCallOffer, func(context.Context, json.RawMessage) (any, error) {
		return nil, domain.NewError(domain.CodeNotFound, "participant is not connected")
	})
	s, err := m.Initiate(ctx, "ghost", domain.MediaAudio)
	require.Equal(t, domain.CodeNotFound, domain.CodeOf(err))
	require.Equal(t, call.StateEnded, s.State())
	require.Equal(t, EndReasonFailure, s.Reason())
	require.True(t, transports.all()[0].isClosed())
	require.Zero(t, source.Acquired())
	require.Empty(t, sig.sentOf(protocol.TypeCallEnd))
	_, ok := m.Session("ghost")
	require.False(t, ok)
	select {
	case <-s.Done():
	default:
		t.Fatal("rejected call still open")
	}

	sig.respond(protocol.TypeCallOffer, func(context.Context, json.RawMessage) (any, error) {
		return nil, domain.ErrCallAlreadyActive
	})
	_, err = m.Initiate(ctx, "bob", domain.MediaAudio)
	require.ErrorIs(t, err, domain.ErrCallAlreadyActive)
	_, ok = m.Session("bob")
	require.False(t, ok)
}

func TestCallAnswerRejectedByServer(t *testing.T) {
	sig := newFakeSig(t, "bob")
	transports := &fakeFactory{}
	source := &StaticSource{}
	m := NewCallManager(sig, transports, source, CallOptions{})
	sig.respond(protocol.TypeCallAnswer, func(context.Context, json.RawMessage) (any, error) {
		return nil, domain.NewError(domain.CodeNotFound, "no call in progress")
	})

	sig.deliver(protocol.TypeCallOffer, protocol.CallPayload{From: "alice", Kind: domain.MediaAudio, SDP: "offer"})
	sig.drain()
	s, ok := m.Session("alice")
	require.True(t, ok)

	err := s.Accept(context.Background())
	require.Equal(t, domain.CodeNotFound, domain.CodeOf(err))
	require.Equal(t, call.StateEnded, s.State())
	require.True(t, transports.all()[0].isClosed())
	require.Zero(t, source.Acquired())
	require.Equal(t, domain.ParticipantID("alice"), lastCall(t, sig, protocol.TypeCallEnd).To)
}

func TestCallMediaDenied(t *testing.T) {
	ctx := context.Background()
	sig := newFakeSig(t, "alice")
	transports := &fakeFactory{}
	m := NewCallManager(sig, transports, &StaticSource{Deny: true}, CallOptions{})

	s, err := m.Initiate(ctx, "bob", domain.MediaVideo)
	require.ErrorIs(t, err, domain.ErrMediaAccessDenied)
	require.Equal(t, call.StateEnded, s.State())
	require.Empty(t, transports.all())
	require.Empty(t, sig.sentOf(protocol.TypeCallOffer))
	_, ok := m.Session("bob")
	require.False(t, ok)

	none := NewCallManager(sig, transports, &StaticSource{Available: []domain.TrackKind{}}, CallOptions{})
	_, err = none.Initiate(ctx, "carol", domain.MediaAudio)
	require.Equal(t, domain.CodeMediaAccessDenied, domain.CodeOf(err))
	require.Empty(t, transports.all())
}

func TestCallAnswerMediaDeniedNotifiesPeer(t *testing.T) {
	sig := newFakeSig(t, "bob")
	m := NewCallManager(sig, &fakeFactory{}, &StaticSource{Deny: true}, CallOptions{AutoAnswer: true})

	sig.deliver(protocol.TypeCallOffer, protocol.CallPayload{From: "alice", Kind: domain.MediaAudio, SDP: "offer"})
	sig.drain()

	require.Empty(t, sig.sentOf(protocol.TypeCallAnswer))
	end := lastCall(t, sig, protocol.TypeCallEnd)
	require.Equal(t, domain.ParticipantID("alice"), end.To)
	require.Equal(t, EndReasonFailure, end.Reason)
	_, ok := m.Session("alice")
	require.False(t, ok)
}

func TestCallGlare(t *testing.T) {
	ctx := context.Background()

	t.Run("lower id yields", func(t *testing.T) {
		sig := newFakeSig(t, "alice")
		transports := &fakeFactory{}
		m := NewCallManager(sig, transports, &StaticSource{}, CallOptions{AutoAnswer: true})

		mine, err := m.Initiate(ctx, "bob", domain.MediaAudio)
		require.NoError(t, err)

		sig.deliver(protocol.TypeCallOffer, protocol.CallPayload{From: "bob", Kind: domain.MediaAudio, SDP: "bob-offer"})
		sig.drain()

		require.Equal(t, call.StateEnded, mine.State())
		require.Equal(t, "glare", mine.Reason())
		require.Empty(t, sig.sentOf(protocol.TypeCallEnd))

		theirs, ok := m.Session("bob")
		require.True(t, ok)
		require.False(t, theirs.Initiator())
		require.Equal(t, call.StateConnected, theirs.State())
		require.Equal(t, domain.ParticipantID("bob"), lastCall(t, sig, protocol.TypeCallAnswer).To)

		all := transports.all()
		require.Len(t, all, 2)
		require.True(t, all[0].isClosed())
		require.Equal(t, []string{"bob-offer"}, all[1].offers)
	})

	t.Run("higher id keeps its offer", func(t *testing.T) {
		sig := newFakeSig(t, "bob")
		m := NewCallManager(sig, &fakeFactory{}, &StaticSource{}, CallOptions{AutoAnswer: true})

		mine, err := m.Initiate(ctx, "alice", domain.MediaAudio)
		require.NoError(t, err)

		sig.deliver(protocol.TypeCallOffer, protocol.CallPayload{From: "alice", Kind: domain.MediaAudio, SDP: "alice-offer"})
		sig.drain()

		require.Equal(t, call.StateOffering, mine.State())
		require.Empty(t, sig.sentOf(protocol.TypeCallAnswer))
		current, _ := m.Session("alice")
		require.Same(t, mine, current)
	})
}

func TestCallTransportFailure(t *testing.T) {
	sig := newFakeSig(t, "alice")
	transports := &fakeFactory{}
	var tracks int
	m := NewCallManager(sig, transports, &StaticSource{}, CallOptions{
		OnTrack: func(*CallSession, appcore.RemoteTrack) { tracks++ },
	})

	s, err := m.Initiate(context.Background(), "bob", domain.MediaVideo)
	require.NoError(t, err)
	sig.deliver(protocol.TypeCallAnswer, protocol.CallPayload{From: "bob", SDP: "answer"})
	sig.drain()

	tr := transports.all()[0]
	tr.deliverTrack(fakeRemoteTrack{kind: webrtc.RTPCodecTypeVideo})
	require.Len(t, s.RemoteTracks(), 1)
	require.Equal(t, 1, tracks)

	// the peer connection dropping ends the call and tells the peer
	tr.Close()
	require.Equal(t, call.StateEnded, s.State())
	require.Equal(t, EndReasonFailure, lastCall(t, sig, protocol.TypeCallEnd).Reason)

	tr.deliverTrack(fakeRemoteTrack{kind: webrtc.RTPCodecTypeAudio})
	require.Equal(t, 1, tracks)
}

func TestCallEndAll(t *testing.T) {
	ctx := context.Background()
	sig := newFakeSig(t, "alice")
	m := NewCallManager(sig, &fakeFactory{}, &StaticSource{}, CallOptions{})

	a, err := m.Initiate(ctx, "bob", domain.MediaAudio)
	require.NoError(t, err)
	b, err := m.Initiate(ctx, "carol", domain.MediaAudio)
	require.NoError(t, err)

	m.EndAll("leave")
	require.Equal(t, call.StateEnded, a.State())
	require.Equal(t, call.StateEnded, b.State())
	require.Len(t, sig.sentOf(protocol.TypeCallEnd), 2)

	m.Close()
	sig.deliver(protocol.TypeCallOffer, protocol.CallPayload{From: "dave", SDP: "offer"})
	sig.drain()
	_, ok := m.Session("dave")
	require.False(t, ok)
}
