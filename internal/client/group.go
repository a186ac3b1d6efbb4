package client

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	appcore "github.com/dkeye/confer/internal/core"
	"github.com/dkeye/confer/internal/domain"
	"github.com/dkeye/confer/internal/protocol"
)

const (
	negotiationAttempts        = 3
	defaultSubscriptionTimeout = 10 * time.Second
	defaultRequestTimeout      = 5 * time.Second
	defaultRetryInterval       = 200 * time.Millisecond
	maxPendingCandidates       = 32
)

var errNoCommonCodec = errors.New("no common codec")

// DefaultCodecs is what the SDK can send and receive.
func DefaultCodecs() []protocol.Codec {
	return []protocol.Codec{
		{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
	}
}

type GroupOptions struct {
	Kinds               []domain.TrackKind
	Codecs              []protocol.Codec
	SubscriptionTimeout time.Duration
	RequestTimeout      time.Duration
	RetryInterval       time.Duration

	OnRemoteTrack  func(r RemoteMedia)
	OnRemoteClosed func(r RemoteMedia, reason error)
}

func (o *GroupOptions) setDefaults() {
	if len(o.Kinds) == 0 {
		o.Kinds = []domain.TrackKind{domain.TrackAudio, domain.TrackVideo}
	}
	if len(o.Codecs) == 0 {
		o.Codecs = DefaultCodecs()
	}
	if o.SubscriptionTimeout <= 0 {
		o.SubscriptionTimeout = defaultSubscriptionTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = defaultRetryInterval
	}
}

// RemoteMedia is one consumed publication of another participant.
type RemoteMedia struct {
	ProducerID     string
	SubscriptionID string
	TransportID    string
	Kind           domain.TrackKind
	Participant    domain.ParticipantID
	Admin          bool
	Resumed        bool
	Track          appcore.RemoteTrack
}

type subscription struct {
	media     RemoteMedia
	transport appcore.MediaTransport
	timer     *time.Timer
}

// GroupSession is the participant's media in a group room: one send
// transport with its publications, and one recv transport per consumed
// publication.
type GroupSession struct {
	sig        Signaler
	transports appcore.TransportFactory
	source     MediaSource
	opts       GroupOptions
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	codecs    []protocol.Codec
	local     *LocalMedia
	send      appcore.MediaTransport
	published []protocol.ProducerPayload
	subs      map[string]*subscription
	pending   map[string][]webrtc.ICECandidateInit
	cancels   []func()
	closed    bool
}

func NewGroupSession(sig Signaler, transports appcore.TransportFactory, source MediaSource, opts GroupOptions) *GroupSession {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &GroupSession{
		sig:        sig,
		transports: transports,
		source:     source,
		opts:       opts,
		ctx:        ctx,
		cancel:     cancel,
		subs:       make(map[string]*subscription),
		pending:    make(map[string][]webrtc.ICECandidateInit),
		logger: log.With().
			Str("module", "client.group").
			Str("participant", string(sig.LocalID())).
			Str("room", string(sig.Room())).
			Logger(),
	}
}

// Start negotiates capabilities, publishes local media and consumes every
// existing publication. On error nothing stays allocated.
func (g *GroupSession) Start(ctx context.Context) error {
	if err := g.negotiateCapabilities(ctx); err != nil {
		return err
	}

	local, err := g.source.Acquire(ctx, g.opts.Kinds)
	if err != nil {
		return err
	}
	if len(local.Kinds()) == 0 {
		local.Stop()
		return domain.NewError(domain.CodeMediaAccessDenied, "no capture device")
	}
	g.mu.Lock()
	g.local = local
	g.mu.Unlock()

	if err := g.publish(ctx, local); err != nil {
		g.closePublications()
		return err
	}

	g.mu.Lock()
	g.cancels = append(g.cancels,
		g.sig.On(protocol.TypeNewProducer, g.handleNewProducer),
		g.sig.On(protocol.TypeProducerClosed, g.handleProducerClosed),
		g.sig.On(protocol.TypeSubscriptionClosed, g.handleSubscriptionClosed),
		g.sig.On(protocol.TypeTransportCandidate, g.handleCandidate),
	)
	g.mu.Unlock()

	var existing protocol.ProducersPayload
	if err := g.request(ctx, protocol.TypeGetProducers, nil, &existing); err != nil {
		g.logger.Warn().Err(err).Msg("get producers")
		return nil
	}
	var wg conc.WaitGroup
	for _, p := range existing.Producers {
		wg.Go(func() { g.consume(g.ctx, p) })
	}
	wg.Wait()
	return nil
}

// retry runs op up to negotiationAttempts times with exponential backoff.
func (g *GroupSession) retry(ctx context.Context, name string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.opts.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, negotiationAttempts-1), ctx)
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err != nil {
			g.logger.Debug().Err(err).Str("op", name).Int("attempt", attempt).Msg("attempt failed")
			if !retryable(err) {
				return backoff.Permanent(err)
			}
		}
		return err
	}, policy)
}

// retryable is the negotiation error class; permission, moderation and
// channel errors are final.
func retryable(err error) bool {
	if errors.Is(err, errNoCommonCodec) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return de.Code == domain.CodeNegotiation || de.Code == domain.CodeInternal
	}
	return false
}

func (g *GroupSession) negotiateCapabilities(ctx context.Context) error {
	err := g.retry(ctx, "capabilities", func() error {
		var caps protocol.CapabilitiesPayload
		if err := g.request(ctx, protocol.TypeGetCapabilities, nil, &caps); err != nil {
			return err
		}
		common := intersectCodecs(g.opts.Codecs, caps.Codecs)
		if len(common) == 0 {
			return errNoCommonCodec
		}
		g.mu.Lock()
		g.codecs = common
		g.mu.Unlock()
		return nil
	})
	if err != nil {
		return domain.ErrCapabilityNegotiation.Wrap(err)
	}
	return nil
}

func intersectCodecs(local, remote []protocol.Codec) []protocol.Codec {
	var out []protocol.Codec
	for _, l := range local {
		for _, r := range remote {
			if strings.EqualFold(l.MimeType, r.MimeType) && l.ClockRate == r.ClockRate {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

func (g *GroupSession) publish(ctx context.Context, local *LocalMedia) error {
	tid := uuid.NewString()
	t, err := g.transports.NewTransport(tid, g.sig.LocalID(), domain.DirectionSend)
	if err != nil {
		return domain.NewError(domain.CodeNegotiation, "create send transport").Wrap(err)
	}
	g.mu.Lock()
	g.send = t
	g.mu.Unlock()

	// the server learns the transport from the publish request, so local
	// candidates wait for it
	var (
		candMu    sync.Mutex
		announced bool
		queued    []webrtc.ICECandidateInit
	)
	sendCandidate := func(c webrtc.ICECandidateInit) {
		if err := g.sig.Send(protocol.TypeTransportCandidate, protocol.CandidatePayload{TransportID: tid, Candidate: c}); err != nil {
			g.logger.Debug().Err(err).Msg("send candidate")
		}
	}
	t.OnICECandidate(func(c webrtc.ICECandidateInit) {
		candMu.Lock()
		if !announced {
			queued = append(queued, c)
			candMu.Unlock()
			return
		}
		candMu.Unlock()
		sendCandidate(c)
	})
	t.OnClosed(func() {
		g.mu.Lock()
		current := g.send == t
		if current {
			g.send = nil
		}
		g.mu.Unlock()
		if current {
			g.logger.Warn().Str("transport", tid).Msg("send transport closed")
		}
	})
	for _, track := range local.Tracks() {
		if err := t.AddTrack(track); err != nil {
			return domain.NewError(domain.CodeNegotiation, "add track").Wrap(err)
		}
	}

	var resp protocol.PublishedPayload
	err = g.retry(ctx, "publish", func() error {
		offer, err := t.CreateOffer()
		if err != nil {
			return domain.NewError(domain.CodeNegotiation, "create offer").Wrap(err)
		}
		if err := g.request(ctx, protocol.TypePublish, protocol.PublishPayload{
			TransportID: tid,
			SDP:         offer,
			Kinds:       local.Kinds(),
		}, &resp); err != nil {
			return err
		}
		if err := t.ApplyAnswer(resp.SDP); err != nil {
			return domain.NewError(domain.CodeNegotiation, "apply answer").Wrap(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.published = resp.Producers
	pending := g.pending[tid]
	delete(g.pending, tid)
	g.mu.Unlock()
	for _, c := range pending {
		_ = t.AddICECandidate(c)
	}
	candMu.Lock()
	announced = true
	early := queued
	queued = nil
	candMu.Unlock()
	for _, c := range early {
		sendCandidate(c)
	}
	g.logger.Info().Int("producers", len(resp.Producers)).Msg("published")
	return nil
}

// request bounds one request by the per-request timeout.
func (g *GroupSession) request(ctx context.Context, typ string, payload, out any) error {
	ctx, cancel := context.WithTimeout(ctx, g.opts.RequestTimeout)
	defer cancel()
	return g.sig.Request(ctx, typ, payload, out)
}

// consume subscribes to one remote publication. Errors stay local to that
// subscription; a publication that went away meanwhile is not an error.
func (g *GroupSession) consume(ctx context.Context, p protocol.ProducerPayload) {
	if p.ParticipantID == g.sig.LocalID() {
		return
	}
	logger := g.logger.With().Str("producer", p.ProducerID).Logger()

	sub := &subscription{media: RemoteMedia{
		ProducerID:  p.ProducerID,
		Kind:        p.Kind,
		Participant: p.ParticipantID,
		Admin:       p.Admin,
	}}
	g.mu.Lock()
	if _, ok := g.subs[p.ProducerID]; ok || g.closed {
		g.mu.Unlock()
		return
	}
	g.subs[p.ProducerID] = sub
	g.mu.Unlock()

	var offer protocol.ConsumeOfferPayload
	if err := g.request(ctx, protocol.TypeConsume, protocol.ConsumePayload{ProducerID: p.ProducerID}, &offer); err != nil {
		g.removeSub(sub)
		if domain.IsStale(err) {
			logger.Debug().Msg("producer gone before consume")
			return
		}
		logger.Warn().Err(err).Msg("consume")
		return
	}

	t, err := g.transports.NewTransport(offer.TransportID, g.sig.LocalID(), domain.DirectionRecv)
	if err != nil {
		g.removeSub(sub)
		logger.Warn().Err(err).Msg("create recv transport")
		return
	}

	g.mu.Lock()
	if g.closed || g.subs[p.ProducerID] != sub {
		// closed while the consume was in flight
		g.mu.Unlock()
		t.Close()
		return
	}
	sub.transport = t
	sub.media.SubscriptionID = offer.SubscriptionID
	sub.media.TransportID = offer.TransportID
	sub.media.Admin = offer.Admin
	sub.timer = time.AfterFunc(g.opts.SubscriptionTimeout, func() { g.expire(sub) })
	pending := g.pending[offer.TransportID]
	delete(g.pending, offer.TransportID)
	g.mu.Unlock()

	t.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if err := g.sig.Send(protocol.TypeTransportCandidate, protocol.CandidatePayload{TransportID: offer.TransportID, Candidate: c}); err != nil {
			logger.Debug().Err(err).Msg("send candidate")
		}
	})
	t.OnTrack(func(_ context.Context, track appcore.RemoteTrack) { g.trackArrived(sub, track) })
	t.OnClosed(func() { g.dropSub(sub, nil) })

	answer, err := t.ApplyOffer(offer.SDP)
	if err != nil {
		logger.Warn().Err(err).Msg("apply consume offer")
		g.dropSub(sub, domain.NewError(domain.CodeNegotiation, "consume negotiation failed").Wrap(err))
		return
	}
	for _, c := range pending {
		_ = t.AddICECandidate(c)
	}
	if err := g.request(ctx, protocol.TypeConsumeAnswer, protocol.ConsumeAnswerPayload{TransportID: offer.TransportID, SDP: answer}, nil); err != nil {
		g.subscriptionFailed(sub, err, logger)
		return
	}
	if err := g.request(ctx, protocol.TypeResume, protocol.ResumePayload{SubscriptionID: offer.SubscriptionID}, nil); err != nil {
		g.subscriptionFailed(sub, err, logger)
		return
	}
	g.markResumed(sub)
}

func (g *GroupSession) subscriptionFailed(sub *subscription, err error, logger zerolog.Logger) {
	if domain.IsStale(err) {
		logger.Debug().Msg("producer gone during consume")
		g.dropSub(sub, nil)
		return
	}
	logger.Warn().Err(err).Msg("subscription failed")
	g.dropSub(sub, err)
}

func (g *GroupSession) markResumed(sub *subscription) {
	g.mu.Lock()
	if g.subs[sub.media.ProducerID] != sub {
		g.mu.Unlock()
		return
	}
	sub.media.Resumed = true
	if sub.timer != nil {
		sub.timer.Stop()
	}
	g.mu.Unlock()
	g.logger.Info().Str("producer", sub.media.ProducerID).Str("subscription", sub.media.SubscriptionID).Msg("subscription resumed")
}

func (g *GroupSession) trackArrived(sub *subscription, track appcore.RemoteTrack) {
	g.mu.Lock()
	if g.subs[sub.media.ProducerID] != sub {
		g.mu.Unlock()
		return
	}
	sub.media.Track = track
	media := sub.media
	g.mu.Unlock()
	if fn := g.opts.OnRemoteTrack; fn != nil {
		fn(media)
	}
}

// expire closes a subscription that was never resumed.
func (g *GroupSession) expire(sub *subscription) {
	g.mu.Lock()
	stale := g.subs[sub.media.ProducerID] == sub && !sub.media.Resumed
	g.mu.Unlock()
	if stale {
		g.logger.Warn().Str("producer", sub.media.ProducerID).Msg("subscription not resumed in time")
		g.dropSub(sub, domain.ErrSubscriptionTimeout)
	}
}

// removeSub forgets a subscription that has no transport yet.
func (g *GroupSession) removeSub(sub *subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.subs[sub.media.ProducerID] == sub {
		delete(g.subs, sub.media.ProducerID)
	}
}

// dropSub tears down one subscription and its recv transport.
func (g *GroupSession) dropSub(sub *subscription, reason error) {
	g.mu.Lock()
	if g.subs[sub.media.ProducerID] != sub {
		g.mu.Unlock()
		return
	}
	delete(g.subs, sub.media.ProducerID)
	if sub.timer != nil {
		sub.timer.Stop()
	}
	t := sub.transport
	media := sub.media
	g.mu.Unlock()

	if t != nil {
		t.Close()
	}
	if fn := g.opts.OnRemoteClosed; fn != nil {
		fn(media, reason)
	}
}

func (g *GroupSession) handleNewProducer(env protocol.Envelope) {
	var p protocol.ProducerPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.ProducerID == "" {
		return
	}
	g.consume(g.ctx, p)
}

func (g *GroupSession) handleProducerClosed(env protocol.Envelope) {
	var p protocol.ProducerPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	g.mu.Lock()
	sub, ok := g.subs[p.ProducerID]
	if ok && sub.transport == nil {
		// consume in flight, it notices the removal
		delete(g.subs, p.ProducerID)
		ok = false
	}
	g.mu.Unlock()
	if ok {
		g.dropSub(sub, nil)
	}
}

func (g *GroupSession) handleSubscriptionClosed(env protocol.Envelope) {
	var p protocol.SubscriptionClosedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	g.mu.Lock()
	sub, ok := g.subs[p.ProducerID]
	g.mu.Unlock()
	if !ok || (p.SubscriptionID != "" && sub.media.SubscriptionID != p.SubscriptionID) {
		return
	}
	var reason error
	if p.Code != "" {
		reason = domain.NewError(p.Code, "closed by server")
	}
	g.dropSub(sub, reason)
}

// handleCandidate adds a server candidate, buffering those for transports
// not created yet.
func (g *GroupSession) handleCandidate(env protocol.Envelope) {
	var p protocol.CandidatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.TransportID == "" {
		return
	}
	g.mu.Lock()
	var t appcore.MediaTransport
	if g.send != nil && g.send.ID() == p.TransportID {
		t = g.send
	}
	for _, sub := range g.subs {
		if t == nil && sub.transport != nil && sub.media.TransportID == p.TransportID {
			t = sub.transport
		}
	}
	if t == nil {
		if !g.closed && len(g.pending[p.TransportID]) < maxPendingCandidates {
			g.pending[p.TransportID] = append(g.pending[p.TransportID], p.Candidate)
		}
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	if err := t.AddICECandidate(p.Candidate); err != nil {
		g.logger.Debug().Err(err).Str("transport", p.TransportID).Msg("add candidate")
	}
}

// Published lists the session's own publications.
func (g *GroupSession) Published() []protocol.ProducerPayload {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]protocol.ProducerPayload(nil), g.published...)
}

// Remote lists the consumed publications.
func (g *GroupSession) Remote() []RemoteMedia {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]RemoteMedia, 0, len(g.subs))
	for _, sub := range g.subs {
		if sub.transport != nil {
			out = append(out, sub.media)
		}
	}
	return out
}

// Highlighted is the admin's stream, video preferred.
func (g *GroupSession) Highlighted() (RemoteMedia, bool) {
	var found RemoteMedia
	ok := false
	for _, r := range g.Remote() {
		if !r.Admin {
			continue
		}
		if !ok || r.Kind == domain.TrackVideo {
			found, ok = r, true
		}
	}
	return found, ok
}

// Codecs is the negotiated capability set.
func (g *GroupSession) Codecs() []protocol.Codec {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]protocol.Codec(nil), g.codecs...)
}

// closePublications stops local media and the send transport.
func (g *GroupSession) closePublications() {
	g.mu.Lock()
	send, local := g.send, g.local
	g.send, g.local = nil, nil
	g.published = nil
	g.mu.Unlock()
	if local != nil {
		defer local.Stop()
	}
	if send != nil {
		send.Close()
	}
}

// closeSubscriptions closes every recv transport and stops listening.
func (g *GroupSession) closeSubscriptions() {
	g.mu.Lock()
	g.closed = true
	cancels := g.cancels
	g.cancels = nil
	subs := make([]*subscription, 0, len(g.subs))
	for _, sub := range g.subs {
		subs = append(subs, sub)
	}
	g.pending = make(map[string][]webrtc.ICECandidateInit)
	g.mu.Unlock()

	g.cancel()
	for _, cancel := range cancels {
		cancel()
	}
	for _, sub := range subs {
		g.dropSub(sub, nil)
	}
}

// Close releases everything the session holds. It is safe to call twice.
func (g *GroupSession) Close() {
	g.closePublications()
	g.closeSubscriptions()
}
