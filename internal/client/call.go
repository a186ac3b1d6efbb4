package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/confer/internal/app/call"
	appcore "github.com/dkeye/confer/internal/core"
	"github.com/dkeye/confer/internal/domain"
	"github.com/dkeye/confer/internal/protocol"
)

// ErrCallEnded is returned when a call ends while its negotiation is still
// running; the late result is discarded.
var ErrCallEnded = errors.New("call ended")

const (
	EndReasonHangup  = "hangup"
	EndReasonFailure = "media-failure"
	EndReasonRemote  = "remote"
)

type CallOptions struct {
	// AutoAnswer accepts incoming offers without asking OnIncoming.
	AutoAnswer bool
	OnIncoming func(s *CallSession)
	OnState    func(s *CallSession, state call.State)
	OnTrack    func(s *CallSession, track appcore.RemoteTrack)
	// RequestTimeout bounds the wait for the server to accept an offer or
	// answer.
	RequestTimeout time.Duration
}

// CallSession is one direct call with a peer, driven by call.Transition.
type CallSession struct {
	mgr       *CallManager
	peer      domain.ParticipantID
	kind      domain.MediaKind
	initiator bool
	logger    zerolog.Logger

	mu           sync.Mutex
	state        call.State
	ended        bool
	reason       string
	offer        string
	local        *LocalMedia
	transport    appcore.MediaTransport
	remoteSet    bool
	pending      []webrtc.ICECandidateInit
	signaled     bool
	localPending []webrtc.ICECandidateInit
	remote       []appcore.RemoteTrack

	done core.Fuse
}

func (s *CallSession) Peer() domain.ParticipantID { return s.peer }
func (s *CallSession) Kind() domain.MediaKind     { return s.kind }
func (s *CallSession) Initiator() bool            { return s.initiator }
func (s *CallSession) Done() <-chan struct{}      { return s.done.Watch() }

func (s *CallSession) State() call.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *CallSession) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *CallSession) RemoteTracks() []appcore.RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]appcore.RemoteTrack(nil), s.remote...)
}

// PendingCandidates is the number of remote candidates waiting for the
// remote description.
func (s *CallSession) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *CallSession) Transport() appcore.MediaTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// fire applies e; it fails once the call ended.
func (s *CallSession) fire(e call.Event) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrCallEnded
	}
	next, err := call.Transition(s.state, e)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = next
	s.mu.Unlock()
	s.mgr.notifyState(s, next)
	return nil
}

// attach stores the negotiated resources unless the call ended meanwhile, in
// which case they are released here.
func (s *CallSession) attach(local *LocalMedia, t appcore.MediaTransport) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		t.Close()
		local.Stop()
		return ErrCallEnded
	}
	s.local, s.transport = local, t
	s.mu.Unlock()

	t.OnICECandidate(s.sendCandidate)
	t.OnTrack(func(_ context.Context, track appcore.RemoteTrack) {
		s.mu.Lock()
		if s.ended {
			s.mu.Unlock()
			return
		}
		s.remote = append(s.remote, track)
		s.mu.Unlock()
		s.logger.Info().Str("kind", track.Kind().String()).Msg("remote track")
		if fn := s.mgr.opts.OnTrack; fn != nil {
			fn(s, track)
		}
	})
	t.OnClosed(func() { s.terminate(EndReasonFailure, true) })
	return nil
}

// sendCandidate relays a local candidate once the offer or answer went out.
func (s *CallSession) sendCandidate(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	if !s.signaled {
		s.localPending = append(s.localPending, c)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.mgr.send(protocol.TypeCallICECandidate, protocol.CallPayload{To: s.peer, Candidate: &c})
}

func (s *CallSession) markSignaled() {
	s.mu.Lock()
	s.signaled = true
	pending := s.localPending
	s.localPending = nil
	s.mu.Unlock()
	for i := range pending {
		s.mgr.send(protocol.TypeCallICECandidate, protocol.CallPayload{To: s.peer, Candidate: &pending[i]})
	}
}

// addRemoteCandidate buffers until the remote description is applied.
func (s *CallSession) addRemoteCandidate(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	if !s.remoteSet || s.transport == nil {
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		return
	}
	t := s.transport
	s.mu.Unlock()
	if err := t.AddICECandidate(c); err != nil {
		s.logger.Debug().Err(err).Msg("add remote candidate")
	}
}

// remoteApplied flushes buffered candidates in arrival order.
func (s *CallSession) remoteApplied() {
	s.mu.Lock()
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	t := s.transport
	s.mu.Unlock()
	for _, c := range pending {
		if err := t.AddICECandidate(c); err != nil {
			s.logger.Debug().Err(err).Msg("add buffered candidate")
		}
	}
}

// Accept answers an incoming call.
func (s *CallSession) Accept(ctx context.Context) error {
	s.mu.Lock()
	if s.state != call.StateAnswering || s.ended || s.transport != nil {
		s.mu.Unlock()
		return call.ErrInvalidTransition
	}
	offer := s.offer
	s.mu.Unlock()

	t, err := s.mgr.negotiate(ctx, s)
	if err != nil {
		return err
	}
	answer, err := t.ApplyOffer(offer)
	if err != nil {
		s.terminate(EndReasonFailure, true)
		return domain.NewError(domain.CodeNegotiation, "apply call offer").Wrap(err)
	}
	s.remoteApplied()
	if err := s.fire(call.EventAnswerSent); err != nil {
		return err
	}
	if err := s.mgr.signal(ctx, protocol.TypeCallAnswer, protocol.CallPayload{To: s.peer, Kind: s.kind, SDP: answer}); err != nil {
		s.logger.Warn().Err(err).Msg("call answer rejected")
		s.terminate(EndReasonFailure, true)
		return err
	}
	s.markSignaled()
	return nil
}

// Reject declines an incoming call.
func (s *CallSession) Reject() { s.terminate("rejected", true) }

// End hangs up. Ending an ended call does nothing.
func (s *CallSession) End() { s.terminate(EndReasonHangup, true) }

// terminate moves the call to ended and releases what it holds. notify tells
// the peer.
func (s *CallSession) terminate(reason string, notify bool) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.state, _ = call.Transition(s.state, call.EventEnd)
	s.reason = reason
	t, local := s.transport, s.local
	s.pending, s.localPending = nil, nil
	s.mu.Unlock()

	s.logger.Info().Str("reason", reason).Msg("call ended")
	if t != nil {
		t.Close()
	}
	if local != nil {
		local.Stop()
	}
	s.mgr.forget(s)
	if notify {
		s.mgr.send(protocol.TypeCallEnd, protocol.CallPayload{To: s.peer, Reason: reason})
	}
	s.done.Break()
	s.mgr.notifyState(s, call.StateEnded)
}

// CallManager owns the call sessions of one participant, one per peer.
type CallManager struct {
	sig        Signaler
	transports appcore.TransportFactory
	source     MediaSource
	opts       CallOptions
	logger     zerolog.Logger

	mu       sync.Mutex
	sessions map[domain.ParticipantID]*CallSession
	cancels  []func()
}

func NewCallManager(sig Signaler, transports appcore.TransportFactory, source MediaSource, opts CallOptions) *CallManager {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	m := &CallManager{
		sig:        sig,
		transports: transports,
		source:     source,
		opts:       opts,
		sessions:   make(map[domain.ParticipantID]*CallSession),
		logger:     log.With().Str("module", "client.call").Str("participant", string(sig.LocalID())).Logger(),
	}
	m.cancels = []func(){
		sig.On(protocol.TypeCallOffer, m.handleOffer),
		sig.On(protocol.TypeCallAnswer, m.handleAnswer),
		sig.On(protocol.TypeCallICECandidate, m.handleCandidate),
		sig.On(protocol.TypeCallEnd, m.handleEnd),
	}
	return m
}

func (m *CallManager) newSession(peer domain.ParticipantID, kind domain.MediaKind, initiator bool) *CallSession {
	return &CallSession{
		mgr:       m,
		peer:      peer,
		kind:      kind,
		initiator: initiator,
		done:      core.NewFuse(),
		logger: m.logger.With().
			Str("peer", string(peer)).
			Bool("initiator", initiator).
			Logger(),
	}
}

// Initiate calls target. A call with target that is still active fails with
// domain.ErrCallAlreadyActive.
func (m *CallManager) Initiate(ctx context.Context, target domain.ParticipantID, kind domain.MediaKind) (*CallSession, error) {
	if target == m.sig.LocalID() {
		return nil, domain.NewError(domain.CodeBadRequest, "cannot call yourself")
	}
	if kind == "" {
		kind = domain.MediaAudio
	}
	m.mu.Lock()
	if existing, ok := m.sessions[target]; ok && existing.State().Active() {
		m.mu.Unlock()
		return nil, domain.ErrCallAlreadyActive
	}
	s := m.newSession(target, kind, true)
	m.sessions[target] = s
	m.mu.Unlock()

	if err := s.fire(call.EventInitiate); err != nil {
		return nil, err
	}
	t, err := m.negotiate(ctx, s)
	if err != nil {
		return s, err
	}
	offer, err := t.CreateOffer()
	if err != nil {
		s.terminate(EndReasonFailure, false)
		return s, domain.NewError(domain.CodeNegotiation, "create call offer").Wrap(err)
	}
	if s.State() != call.StateOffering {
		return s, ErrCallEnded
	}
	if err := m.signal(ctx, protocol.TypeCallOffer, protocol.CallPayload{To: target, Kind: kind, SDP: offer}); err != nil {
		s.logger.Warn().Err(err).Msg("call offer rejected")
		s.terminate(EndReasonFailure, false)
		return s, err
	}
	s.markSignaled()
	return s, nil
}

// negotiate acquires media and a transport for s. Failures end the call.
func (m *CallManager) negotiate(ctx context.Context, s *CallSession) (appcore.MediaTransport, error) {
	local, err := m.source.Acquire(ctx, s.kind.Tracks())
	if err != nil {
		s.terminate(EndReasonFailure, !s.initiator)
		return nil, err
	}
	if len(local.Kinds()) == 0 {
		local.Stop()
		s.terminate(EndReasonFailure, !s.initiator)
		return nil, domain.NewError(domain.CodeMediaAccessDenied, "no capture device")
	}
	t, err := m.transports.NewTransport(uuid.NewString(), m.sig.LocalID(), domain.DirectionSend)
	if err != nil {
		local.Stop()
		s.terminate(EndReasonFailure, !s.initiator)
		return nil, domain.NewError(domain.CodeNegotiation, "create call transport").Wrap(err)
	}
	if err := s.attach(local, t); err != nil {
		return nil, err
	}
	for _, track := range local.Tracks() {
		if err := t.AddTrack(track); err != nil {
			s.terminate(EndReasonFailure, !s.initiator)
			return nil, domain.NewError(domain.CodeNegotiation, "add call track").Wrap(err)
		}
	}
	return t, nil
}

func (m *CallManager) Session(peer domain.ParticipantID) (*CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peer]
	return s, ok
}

// EndAll ends every call; used by the supervisor.
func (m *CallManager) EndAll(reason string) {
	m.mu.Lock()
	sessions := make([]*CallSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.terminate(reason, true)
	}
}

// Close stops listening for call messages.
func (m *CallManager) Close() {
	for _, cancel := range m.cancels {
		cancel()
	}
}

func (m *CallManager) forget(s *CallSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.peer] == s {
		delete(m.sessions, s.peer)
	}
}

// signal sends an offer or answer and waits until the server relayed it; a
// rejection comes back as *domain.Error.
func (m *CallManager) signal(ctx context.Context, typ string, p protocol.CallPayload) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	defer cancel()
	return m.sig.Request(ctx, typ, p, nil)
}

func (m *CallManager) send(typ string, p protocol.CallPayload) {
	if err := m.sig.Send(typ, p); err != nil {
		m.logger.Debug().Err(err).Str("type", typ).Str("peer", string(p.To)).Msg("call message not sent")
	}
}

func (m *CallManager) notifyState(s *CallSession, state call.State) {
	if fn := m.opts.OnState; fn != nil {
		fn(s, state)
	}
}

func decodeCall(env protocol.Envelope) (protocol.CallPayload, bool) {
	var p protocol.CallPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.From == "" {
		return p, false
	}
	return p, true
}

func (m *CallManager) handleOffer(env protocol.Envelope) {
	p, ok := decodeCall(env)
	if !ok {
		return
	}
	if p.Kind == "" {
		p.Kind = domain.MediaAudio
	}
	m.mu.Lock()
	if existing, ok := m.sessions[p.From]; ok {
		switch st := existing.State(); {
		case st == call.StateOffering && existing.initiator && m.sig.LocalID() < p.From:
			// glare, the lower id yields and answers
			m.logger.Info().Str("peer", string(p.From)).Msg("glare, yielding")
			delete(m.sessions, p.From)
			m.mu.Unlock()
			existing.terminate("glare", false)
			m.mu.Lock()
		case st.Active():
			m.mu.Unlock()
			m.logger.Debug().Str("peer", string(p.From)).Str("state", st.String()).Msg("ignoring offer")
			return
		}
	}
	s := m.newSession(p.From, p.Kind, false)
	s.offer = p.SDP
	m.sessions[p.From] = s
	m.mu.Unlock()

	if err := s.fire(call.EventOfferReceived); err != nil {
		return
	}
	switch {
	case m.opts.AutoAnswer:
		if err := s.Accept(context.Background()); err != nil {
			m.logger.Warn().Err(err).Str("peer", string(p.From)).Msg("auto answer")
		}
	case m.opts.OnIncoming != nil:
		m.opts.OnIncoming(s)
	}
}

func (m *CallManager) handleAnswer(env protocol.Envelope) {
	p, ok := decodeCall(env)
	if !ok {
		return
	}
	s, ok := m.Session(p.From)
	if !ok || s.State() != call.StateOffering {
		// late answer of an ended call
		return
	}
	t := s.Transport()
	if t == nil {
		return
	}
	if err := t.ApplyAnswer(p.SDP); err != nil {
		s.logger.Warn().Err(err).Msg("apply call answer")
		s.terminate(EndReasonFailure, true)
		return
	}
	s.remoteApplied()
	_ = s.fire(call.EventRemoteAnswered)
}

func (m *CallManager) handleCandidate(env protocol.Envelope) {
	p, ok := decodeCall(env)
	if !ok || p.Candidate == nil {
		return
	}
	if s, ok := m.Session(p.From); ok {
		s.addRemoteCandidate(*p.Candidate)
	}
}

func (m *CallManager) handleEnd(env protocol.Envelope) {
	p, ok := decodeCall(env)
	if !ok {
		return
	}
	if s, ok := m.Session(p.From); ok {
		reason := p.Reason
		if reason == "" {
			reason = EndReasonRemote
		}
		s.terminate(reason, false)
	}
}
