package client

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	appcore "github.com/dkeye/confer/internal/core"
	"github.com/dkeye/confer/internal/domain"
	"github.com/dkeye/confer/internal/protocol"
)

type responder func(ctx context.Context, payload json.RawMessage) (any, error)

// fakeSig is an in-memory Signaler. Events are dispatched in order on one
// goroutine like the real channel; call messages can be relayed to a peer.
type fakeSig struct {
	id domain.ParticipantID

	mu         sync.Mutex
	room       domain.RoomID
	handlers   map[string][]handlerEntry
	next       uint64
	sent       []protocol.Envelope
	responders map[string]responder
	down       bool
	peer       *fakeSig

	events  chan protocol.Envelope
	pending sync.WaitGroup
}

func newFakeSig(t *testing.T, id domain.ParticipantID) *fakeSig {
	f := &fakeSig{
		id:         id,
		handlers:   make(map[string][]handlerEntry),
		responders: make(map[string]responder),
		events:     make(chan protocol.Envelope, 256),
	}
	go f.loop()
	t.Cleanup(func() { close(f.events) })
	return f
}

func link(a, b *fakeSig) {
	a.peer, b.peer = b, a
}

func (f *fakeSig) loop() {
	for env := range f.events {
		f.mu.Lock()
		entries := append([]handlerEntry(nil), f.handlers[env.Type]...)
		f.mu.Unlock()
		for _, e := range entries {
			e.fn(env)
		}
		f.pending.Done()
	}
}

// deliver queues an inbound event.
func (f *fakeSig) deliver(typ string, payload any) {
	raw, _ := json.Marshal(payload)
	f.pending.Add(1)
	f.events <- protocol.Envelope{Type: typ, Payload: raw}
}

// drain waits until every delivered event was handled.
func (f *fakeSig) drain() { f.pending.Wait() }

func (f *fakeSig) respond(typ string, r responder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responders[typ] = r
}

// disconnect emits EventDisconnected synchronously, once.
func (f *fakeSig) disconnect() {
	f.mu.Lock()
	if f.down {
		f.mu.Unlock()
		return
	}
	f.down = true
	entries := append([]handlerEntry(nil), f.handlers[EventDisconnected]...)
	f.mu.Unlock()
	for _, e := range entries {
		e.fn(protocol.Envelope{Type: EventDisconnected})
	}
}

func (f *fakeSig) LocalID() domain.ParticipantID { return f.id }

func (f *fakeSig) Room() domain.RoomID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.room
}

func (f *fakeSig) SetRoom(room domain.RoomID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.room = room
}

func (f *fakeSig) On(typ string, h Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	f.handlers[typ] = append(f.handlers[typ], handlerEntry{id: id, fn: h})
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		entries := f.handlers[typ]
		for i, e := range entries {
			if e.id == id {
				f.handlers[typ] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

func (f *fakeSig) record(typ string, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, ErrDisconnected
	}
	f.sent = append(f.sent, protocol.Envelope{Type: typ, RoomID: f.room, Payload: raw})
	return raw, nil
}

func (f *fakeSig) Send(typ string, payload any) error {
	if _, err := f.record(typ, payload); err != nil {
		return err
	}
	f.relay(typ, payload)
	return nil
}

// relay forwards call messages to the linked peer with the sender set.
func (f *fakeSig) relay(typ string, payload any) {
	if f.peer != nil && strings.HasPrefix(typ, "call-") {
		p := payload.(protocol.CallPayload)
		p.From = f.id
		f.peer.deliver(typ, p)
	}
}

func (f *fakeSig) Request(ctx context.Context, typ string, payload any, out any) error {
	raw, err := f.record(typ, payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	r := f.responders[typ]
	f.mu.Unlock()
	if r == nil {
		f.relay(typ, payload)
		return nil
	}
	resp, err := r(ctx, raw)
	if err != nil {
		return err
	}
	f.relay(typ, payload)
	if out != nil && resp != nil {
		data, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, out)
	}
	return nil
}

func (f *fakeSig) sentOf(typ string) []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Envelope
	for _, e := range f.sent {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

var errOfferFailed = errors.New("offer failed")

type fakeTransport struct {
	id  string
	dir domain.Direction

	mu         sync.Mutex
	candidates []webrtc.ICECandidateInit
	tracks     []webrtc.TrackLocal
	offers     []string
	answers    []string
	onICE      func(webrtc.ICECandidateInit)
	onTrack    func(context.Context, appcore.RemoteTrack)
	onClosed   func()
	closed     bool
	panicClose bool
}

func (t *fakeTransport) ID() string                  { return t.id }
func (t *fakeTransport) Direction() domain.Direction { return t.dir }

func (t *fakeTransport) ApplyOffer(sdp string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offers = append(t.offers, sdp)
	return "answer-" + t.id, nil
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

func (t *fakeTransport) RequestKeyframe(webrtc.SSRC) error { return nil }
func (t *fakeTransport) OnKeyframeRequest(func())          {}

func (t *fakeTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onICE = fn
}

func (t *fakeTransport) OnTrack(fn func(context.Context, appcore.RemoteTrack)) {
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

func (t *fakeTransport) remoteCandidates() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.candidates))
	for i, c := range t.candidates {
		out[i] = c.Candidate
	}
	return out
}

func (t *fakeTransport) gather(c string) {
	t.mu.Lock()
	fn := t.onICE
	t.mu.Unlock()
	if fn != nil {
		fn(webrtc.ICECandidateInit{Candidate: c})
	}
}

func (t *fakeTransport) deliverTrack(track appcore.RemoteTrack) {
	t.mu.Lock()
	fn := t.onTrack
	t.mu.Unlock()
	if fn != nil {
		fn(context.Background(), track)
	}
}

type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	fail       bool
}

func (f *fakeFactory) NewTransport(id string, _ domain.ParticipantID, dir domain.Direction) (appcore.MediaTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errOfferFailed
	}
	t := &fakeTransport{id: id, dir: dir}
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *fakeFactory) all() []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeTransport(nil), f.transports...)
}

func (f *fakeFactory) get(t *testing.T, id string) *fakeTransport {
	t.Helper()
	for _, tr := range f.all() {
		if tr.id == id {
			return tr
		}
	}
	require.FailNow(t, "no transport "+id)
	return nil
}

func (f *fakeFactory) byDir(dir domain.Direction) []*fakeTransport {
	var out []*fakeTransport
	for _, tr := range f.all() {
		if tr.dir == dir {
			out = append(out, tr)
		}
	}
	return out
}

type fakeRemoteTrack struct {
	kind webrtc.RTPCodecType
}

func (f fakeRemoteTrack) ID() string                { return "remote" }
func (f fakeRemoteTrack) Kind() webrtc.RTPCodecType { return f.kind }
func (f fakeRemoteTrack) SSRC() webrtc.SSRC         { return 1 }
func (f fakeRemoteTrack) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{}
}

func (f fakeRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, context.Canceled
}
