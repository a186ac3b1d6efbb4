package orch

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/confer/internal/app"
	"github.com/dkeye/confer/internal/core"
	"github.com/dkeye/confer/internal/domain"
	"github.com/dkeye/confer/internal/protocol"
)

type fakeSignal struct {
	mu           sync.Mutex
	frames       []protocol.Envelope
	backpressure bool
	closed       bool
}

func (s *fakeSignal) TrySend(f core.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrSignalClosed
	}
	if s.backpressure {
		return core.ErrBackpressure
	}
	env, err := protocol.Decode(f)
	if err != nil {
		return err
	}
	s.frames = append(s.frames, env)
	return nil
}

func (s *fakeSignal) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSignal) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSignal) ofType(typ string) []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Envelope
	for _, f := range s.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func (s *fakeSignal) last(t *testing.T, typ string, v any) bool {
	t.Helper()
	frames := s.ofType(typ)
	if len(frames) == 0 {
		return false
	}
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].Payload, v))
	return true
}

type fakeTransport struct {
	id    string
	owner domain.ParticipantID
	dir   domain.Direction

	mu         sync.Mutex
	candidates []webrtc.ICECandidateInit
	tracks     []webrtc.TrackLocal
	answers    []string
	onTrack    func(context.Context, core.RemoteTrack)
	onClosed   func()
	closed     bool
	failOffer  bool
	panicClose bool
}

func (t *fakeTransport) ID() string                  { return t.id }
func (t *fakeTransport) Direction() domain.Direction { return t.dir }

func (t *fakeTransport) ApplyOffer(sdp string) (string, error) {
	if t.failOffer {
		return "", io.ErrUnexpectedEOF
	}
	return "answer-to-" + sdp, nil
}

func (t *fakeTransport) CreateOffer() (string, error) { return "offer-" + t.id, nil }

func (t *fakeTransport) ApplyAnswer(sdp string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.answers = append(t.answers, sdp)
	return nil
}

func (t *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *fakeTransport) AddTrack(track webrtc.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks = append(t.tracks, track)
	return nil
}

func (t *fakeTransport) RequestKeyframe(webrtc.SSRC) error            { return nil }
func (t *fakeTransport) OnICECandidate(func(webrtc.ICECandidateInit)) {}
func (t *fakeTransport) OnKeyframeRequest(func())                     {}

func (t *fakeTransport) OnTrack(fn func(context.Context, core.RemoteTrack)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTrack = fn
}

func (t *fakeTransport) OnClosed(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClosed = fn
}

func (t *fakeTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	fn := t.onClosed
	t.mu.Unlock()
	if t.panicClose {
		panic("close exploded")
	}
	if fn != nil {
		fn()
	}
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// deliverTrack simulates the publisher's media arriving.
func (t *fakeTransport) deliverTrack(track core.RemoteTrack) {
	t.mu.Lock()
	fn := t.onTrack
	t.mu.Unlock()
	fn(context.Background(), track)
}

type fakeFactory struct {
	mu         sync.Mutex
	transports map[string]*fakeTransport
	failOffer  bool
}

func (f *fakeFactory) NewTransport(id string, owner domain.ParticipantID, dir domain.Direction) (core.MediaTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTransport{id: id, owner: owner, dir: dir, failOffer: f.failOffer}
	f.transports[id] = t
	return t, nil
}

func (f *fakeFactory) get(id string) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[id]
}

func (f *fakeFactory) owned(owner domain.ParticipantID, dir domain.Direction) []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeTransport
	for _, t := range f.transports {
		if t.owner == owner && t.dir == dir {
			out = append(out, t)
		}
	}
	return out
}

type fakeTrack struct {
	kind webrtc.RTPCodecType
	done chan struct{}
	once sync.Once
}

func newFakeTrack(kind webrtc.RTPCodecType) *fakeTrack {
	return &fakeTrack{kind: kind, done: make(chan struct{})}
}

func (f *fakeTrack) ID() string                { return "track" }
func (f *fakeTrack) Kind() webrtc.RTPCodecType { return f.kind }
func (f *fakeTrack) SSRC() webrtc.SSRC         { return 7 }

func (f *fakeTrack) Codec() webrtc.RTPCodecParameters {
	if f.kind == webrtc.RTPCodecTypeVideo {
		return webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}}
	}
	return webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}}
}

func (f *fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	<-f.done
	return nil, nil, io.EOF
}

func (f *fakeTrack) end() { f.once.Do(func() { close(f.done) }) }

type harness struct {
	orch    *Orchestrator
	factory *fakeFactory
	mod     *app.MemoryModeration
	signals map[domain.ParticipantID]*fakeSignal
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		factory: &fakeFactory{transports: make(map[string]*fakeTransport)},
		mod:     app.NewMemoryModeration(),
		signals: make(map[domain.ParticipantID]*fakeSignal),
	}
	h.orch = New(Options{
		Registry:            app.NewRegistry(),
		Moderation:          h.mod,
		Identity:            app.SessionIdentity{AdminKey: "secret"},
		Transports:          h.factory,
		Policy:              app.SimplePolicy{},
		Codecs:              []protocol.Codec{{MimeType: "audio/opus", ClockRate: 48000, Channels: 2}},
		MaxGroupSize:        4,
		SubscriptionTimeout: time.Second,
		StaleCacheSize:      16,
	})
	return h
}

func (h *harness) connect(t *testing.T, id string) *fakeSignal {
	t.Helper()
	return h.connectWith(t, id, core.Claim{DisplayName: id})
}

func (h *harness) connectWith(t *testing.T, id string, claim core.Claim) *fakeSignal {
	t.Helper()
	sig := &fakeSignal{}
	_, err := h.orch.Connect(context.Background(), core.SessionID(id), claim, sig, func() {})
	require.NoError(t, err)
	h.signals[domain.ParticipantID(id)] = sig
	return sig
}

func (h *harness) join(t *testing.T, id, room string) []domain.Participant {
	t.Helper()
	members, err := h.orch.Join(context.Background(), domain.ParticipantID(id), domain.RoomID(room), protocol.JoinPayload{Topology: domain.TopologyGroup})
	require.NoError(t, err)
	return members
}

// publish negotiates and delivers media for the given kinds.
func (h *harness) publish(t *testing.T, id string, kinds ...domain.TrackKind) (protocol.PublishedPayload, []*fakeTrack) {
	t.Helper()
	resp, err := h.orch.Publish(context.Background(), domain.ParticipantID(id), protocol.PublishPayload{
		TransportID: "send-" + id,
		SDP:         "offer-" + id,
		Kinds:       kinds,
	})
	require.NoError(t, err)
	send := h.factory.get("send-" + id)
	var tracks []*fakeTrack
	for _, k := range kinds {
		kind := webrtc.RTPCodecTypeAudio
		if k == domain.TrackVideo {
			kind = webrtc.RTPCodecTypeVideo
		}
		tr := newFakeTrack(kind)
		t.Cleanup(tr.end)
		send.deliverTrack(tr)
		tracks = append(tracks, tr)
	}
	return resp, tracks
}
