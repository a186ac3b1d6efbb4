// Package sfu forwards published tracks of a room to its subscribers.
package sfu

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/confer/internal/core"
	"github.com/dkeye/confer/internal/domain"
	"github.com/dkeye/confer/internal/metrics"
)

// Listener is told about publication and subscription lifecycle. Calls are
// made without router locks held.
type Listener interface {
	PublicationAdded(p ProducerInfo)
	// PublicationRemoved carries the subscriptions destroyed with it.
	PublicationRemoved(p ProducerInfo, subs []SubscriptionInfo)
	SubscriptionClosed(s SubscriptionInfo, reason error)
}

type Router struct {
	mu           sync.Mutex
	pubs         map[string]*Publication
	byOwner      map[domain.ParticipantID]map[domain.TrackKind]*Publication
	subs         map[string]*Subscription
	bySubscriber map[domain.ParticipantID]map[string]*Subscription
	byTransport  map[string]*Subscription

	listener      Listener
	resumeTimeout time.Duration
}

func NewRouter(resumeTimeout time.Duration) *Router {
	return &Router{
		pubs:          make(map[string]*Publication),
		byOwner:       make(map[domain.ParticipantID]map[domain.TrackKind]*Publication),
		subs:          make(map[string]*Subscription),
		bySubscriber:  make(map[domain.ParticipantID]map[string]*Subscription),
		byTransport:   make(map[string]*Subscription),
		resumeTimeout: resumeTimeout,
	}
}

// SetListener must be called before the router is used.
func (r *Router) SetListener(l Listener) {
	r.listener = l
}

// Reserve returns the owner's publication of kind, creating it if needed.
// At most one publication exists per (owner, kind).
func (r *Router) Reserve(room domain.RoomID, owner domain.ParticipantID, kind domain.TrackKind, admin bool, transportID string) ProducerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	kinds, ok := r.byOwner[owner]
	if !ok {
		kinds = make(map[domain.TrackKind]*Publication)
		r.byOwner[owner] = kinds
	}
	if p, ok := kinds[kind]; ok {
		return p.Info()
	}
	p := newPublication(uuid.NewString(), room, owner, kind, admin, transportID)
	kinds[kind] = p
	r.pubs[p.ID] = p
	metrics.Publications.Inc()
	log.Debug().
		Str("module", "sfu").
		Str("producer", p.ID).
		Str("participant", string(owner)).
		Str("kind", string(kind)).
		Msg("publication reserved")
	return p.Info()
}

// Bind attaches the incoming track to the owner's reserved publication of its
// kind and starts forwarding. The first bind announces the publication.
func (r *Router) Bind(owner domain.ParticipantID, kind domain.TrackKind, src core.RemoteTrack, keyframe KeyframeFunc) bool {
	ctx, cancel := context.WithCancel(context.Background())

	var prev context.CancelFunc
	r.mu.Lock()
	p, ok := r.byOwner[owner][kind]
	if ok {
		prev = p.bind(src, keyframe, cancel)
	}
	r.mu.Unlock()
	if !ok {
		cancel()
		log.Warn().
			Str("module", "sfu").
			Str("participant", string(owner)).
			Str("kind", string(kind)).
			Msg("track without reserved publication, ignoring")
		return false
	}

	logger := log.With().
		Str("module", "sfu.publication").
		Str("producer", p.ID).
		Str("participant", string(owner)).
		Str("kind", string(kind)).
		Logger()

	if prev != nil {
		logger.Info().Msg("replacing publication source")
		prev()
	}
	go p.loop(ctx, src, r, &logger)

	if prev == nil && r.listener != nil {
		logger.Info().Msg("publication live")
		r.listener.PublicationAdded(p.Info())
	}
	return true
}

// Unpublish destroys a publication and every subscription referencing it in
// one step.
func (r *Router) Unpublish(id string) bool {
	r.mu.Lock()
	p, ok := r.pubs[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	subs := r.removePublicationLocked(p)
	r.mu.Unlock()

	r.finishUnpublish(p, subs)
	return true
}

// ClosePublisher unpublishes everything owner publishes.
func (r *Router) ClosePublisher(owner domain.ParticipantID) []ProducerInfo {
	r.mu.Lock()
	kinds := r.byOwner[owner]
	pubs := make([]*Publication, 0, len(kinds))
	removed := make([][]SubscriptionInfo, 0, len(kinds))
	for _, p := range kinds {
		pubs = append(pubs, p)
		removed = append(removed, r.removePublicationLocked(p))
	}
	r.mu.Unlock()

	out := make([]ProducerInfo, len(pubs))
	for i, p := range pubs {
		r.finishUnpublish(p, removed[i])
		out[i] = p.Info()
	}
	return out
}

// unpublishSource removes p only if src is still its source.
func (r *Router) unpublishSource(p *Publication, src core.RemoteTrack) {
	if cur, _ := p.source(); cur != src {
		return
	}
	r.Unpublish(p.ID)
}

func (r *Router) removePublicationLocked(p *Publication) []SubscriptionInfo {
	delete(r.pubs, p.ID)
	if kinds, ok := r.byOwner[p.Owner]; ok && kinds[p.Kind] == p {
		delete(kinds, p.Kind)
		if len(kinds) == 0 {
			delete(r.byOwner, p.Owner)
		}
	}

	p.mu.RLock()
	subs := make([]*Subscription, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.RUnlock()

	infos := make([]SubscriptionInfo, 0, len(subs))
	for _, s := range subs {
		r.removeSubscriptionLocked(s)
		infos = append(infos, s.Info())
	}
	metrics.Publications.Dec()
	return infos
}

func (r *Router) finishUnpublish(p *Publication, subs []SubscriptionInfo) {
	src, _ := p.source()
	p.stop()
	log.Info().
		Str("module", "sfu").
		Str("producer", p.ID).
		Str("participant", string(p.Owner)).
		Int("subscriptions", len(subs)).
		Msg("publication closed")
	if src != nil && r.listener != nil {
		r.listener.PublicationRemoved(p.Info(), subs)
	}
}

// Subscribe creates a pending subscription of subscriber to producer id. A
// producer that is gone, or not yet live, yields domain.ErrProducerGone.
func (r *Router) Subscribe(subscriber domain.ParticipantID, id, transportID string, writer core.TrackWriter) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pubs[id]
	if !ok {
		return nil, domain.ErrProducerGone
	}
	if src, _ := p.source(); src == nil {
		return nil, domain.ErrProducerGone
	}
	if p.Owner == subscriber {
		return nil, domain.NewError(domain.CodeBadRequest, "cannot consume own producer")
	}

	s := &Subscription{
		ID:          uuid.NewString(),
		Subscriber:  subscriber,
		TransportID: transportID,
		pub:         p,
		writer:      writer,
	}
	subID := s.ID
	s.timer = time.AfterFunc(r.resumeTimeout, func() { r.expire(subID) })

	p.addSub(s)
	r.subs[s.ID] = s
	if _, ok := r.bySubscriber[subscriber]; !ok {
		r.bySubscriber[subscriber] = make(map[string]*Subscription)
	}
	r.bySubscriber[subscriber][s.ID] = s
	r.byTransport[transportID] = s
	metrics.Subscriptions.WithLabelValues(SubPending.String()).Inc()
	return s, nil
}

// Resume starts forwarding to a pending subscription. Video subscriptions
// request a keyframe from the publisher.
func (r *Router) Resume(subscriber domain.ParticipantID, id string) error {
	r.mu.Lock()
	s, ok := r.subs[id]
	r.mu.Unlock()
	if !ok || s.Subscriber != subscriber {
		return domain.ErrProducerGone
	}
	if !s.markResumed() {
		return nil
	}
	s.timer.Stop()
	metrics.Subscriptions.WithLabelValues(SubPending.String()).Dec()
	metrics.Subscriptions.WithLabelValues(SubResumed.String()).Inc()

	if s.pub.Kind == domain.TrackVideo {
		if src, keyframe := s.pub.source(); src != nil && keyframe != nil {
			if err := keyframe(src.SSRC()); err != nil {
				log.Warn().Err(err).Str("module", "sfu").Str("producer", s.pub.ID).Msg("keyframe request failed")
			}
		}
	}
	return nil
}

// CloseSubscriber drops every subscription of subscriber and returns them so
// their transports can be closed.
func (r *Router) CloseSubscriber(subscriber domain.ParticipantID) []SubscriptionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.bySubscriber[subscriber]
	out := make([]SubscriptionInfo, 0, len(subs))
	for _, s := range subs {
		r.removeSubscriptionLocked(s)
		out = append(out, s.Info())
	}
	return out
}

// CloseSubscription drops one subscription without notifying the listener.
func (r *Router) CloseSubscription(id string) (SubscriptionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return SubscriptionInfo{}, false
	}
	r.removeSubscriptionLocked(s)
	return s.Info(), true
}

func (r *Router) closeSubscription(id string, reason error) {
	info, ok := r.CloseSubscription(id)
	if ok && r.listener != nil {
		r.listener.SubscriptionClosed(info, reason)
	}
}

func (r *Router) expire(id string) {
	r.mu.Lock()
	s, ok := r.subs[id]
	if !ok || !s.state.CompareAndSwap(int32(SubPending), int32(SubClosed)) {
		r.mu.Unlock()
		return
	}
	r.removeSubscriptionLocked(s)
	r.mu.Unlock()

	metrics.Subscriptions.WithLabelValues(SubPending.String()).Dec()
	metrics.SubscriptionTimeouts.Inc()
	log.Warn().
		Str("module", "sfu").
		Str("subscription", id).
		Str("subscriber", string(s.Subscriber)).
		Str("producer", s.pub.ID).
		Msg("subscription not resumed in time")
	if r.listener != nil {
		r.listener.SubscriptionClosed(s.Info(), domain.ErrSubscriptionTimeout)
	}
}

func (r *Router) removeSubscriptionLocked(s *Subscription) {
	prev := s.markClosed()
	if prev != SubClosed {
		metrics.Subscriptions.WithLabelValues(prev.String()).Dec()
	}
	s.pub.removeSub(s.ID)
	delete(r.subs, s.ID)
	if subs, ok := r.bySubscriber[s.Subscriber]; ok {
		delete(subs, s.ID)
		if len(subs) == 0 {
			delete(r.bySubscriber, s.Subscriber)
		}
	}
	if r.byTransport[s.TransportID] == s {
		delete(r.byTransport, s.TransportID)
	}
}

// SubscriptionByTransport finds the subscription carried by a recv transport.
func (r *Router) SubscriptionByTransport(transportID string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byTransport[transportID]
	return s, ok
}

// Source returns the live track behind producer id.
func (r *Router) Source(id string) (ProducerInfo, core.RemoteTrack, error) {
	r.mu.Lock()
	p, ok := r.pubs[id]
	r.mu.Unlock()
	if !ok {
		return ProducerInfo{}, nil, domain.ErrProducerGone
	}
	src, _ := p.source()
	if src == nil {
		return ProducerInfo{}, nil, domain.ErrProducerGone
	}
	return p.Info(), src, nil
}

// Producers lists live publications of room, except those owned by except.
func (r *Router) Producers(room domain.RoomID, except domain.ParticipantID) []ProducerInfo {
	r.mu.Lock()
	pubs := make([]*Publication, 0, len(r.pubs))
	for _, p := range r.pubs {
		if p.Room == room && p.Owner != except {
			pubs = append(pubs, p)
		}
	}
	r.mu.Unlock()

	out := make([]ProducerInfo, 0, len(pubs))
	for _, p := range pubs {
		if src, _ := p.source(); src != nil {
			out = append(out, p.Info())
		}
	}
	slices.SortFunc(out, func(a, b ProducerInfo) int {
		if c := strings.Compare(string(a.Owner), string(b.Owner)); c != 0 {
			return c
		}
		return strings.Compare(string(a.Kind), string(b.Kind))
	})
	return out
}

// Published returns the kinds owner currently has live.
func (r *Router) Published(owner domain.ParticipantID) []domain.TrackKind {
	r.mu.Lock()
	kinds := r.byOwner[owner]
	pubs := make([]*Publication, 0, len(kinds))
	for _, p := range kinds {
		pubs = append(pubs, p)
	}
	r.mu.Unlock()

	out := make([]domain.TrackKind, 0, len(pubs))
	for _, p := range pubs {
		if src, _ := p.source(); src != nil {
			out = append(out, p.Kind)
		}
	}
	slices.Sort(out)
	return out
}

// PublicationOf returns owner's publication of kind, live or reserved.
func (r *Router) PublicationOf(owner domain.ParticipantID, kind domain.TrackKind) (ProducerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byOwner[owner][kind]
	if !ok {
		return ProducerInfo{}, false
	}
	return p.Info(), true
}

// RequestKeyframe relays a subscriber's keyframe request to the publisher.
func (r *Router) RequestKeyframe(subID string) {
	r.mu.Lock()
	s, ok := r.subs[subID]
	r.mu.Unlock()
	if !ok || s.pub.Kind != domain.TrackVideo {
		return
	}
	src, keyframe := s.pub.source()
	if src == nil || keyframe == nil {
		return
	}
	if err := keyframe(src.SSRC()); err != nil {
		log.Debug().Err(err).Str("module", "sfu").Str("producer", s.pub.ID).Msg("keyframe relay failed")
	}
}
