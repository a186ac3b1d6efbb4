package sfu

import (
	"context"
	"maps"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/confer/internal/core"
	"github.com/dkeye/confer/internal/domain"
	"github.com/dkeye/confer/internal/metrics"
)

// KeyframeFunc asks the publisher's transport for a keyframe on ssrc.
type KeyframeFunc func(ssrc webrtc.SSRC) error

// Publication is one (participant, kind) track forwarded into a room. It is
// reserved when the publisher negotiates and starts forwarding once bound to
// the incoming track.
type Publication struct {
	ID          string
	Owner       domain.ParticipantID
	Room        domain.RoomID
	Kind        domain.TrackKind
	Admin       bool
	TransportID string

	mu       sync.RWMutex
	src      core.RemoteTrack
	keyframe KeyframeFunc
	subs     map[string]*Subscription
	cancel   context.CancelFunc
}

// ProducerInfo is a detached copy handed to listeners and the wire.
type ProducerInfo struct {
	ID    string
	Owner domain.ParticipantID
	Room  domain.RoomID
	Kind  domain.TrackKind
	Admin bool
}

func newPublication(id string, room domain.RoomID, owner domain.ParticipantID, kind domain.TrackKind, admin bool, transportID string) *Publication {
	return &Publication{
		ID:          id,
		Owner:       owner,
		Room:        room,
		Kind:        kind,
		Admin:       admin,
		TransportID: transportID,
		subs:        make(map[string]*Subscription),
	}
}

func (p *Publication) Info() ProducerInfo {
	return ProducerInfo{ID: p.ID, Owner: p.Owner, Room: p.Room, Kind: p.Kind, Admin: p.Admin}
}

func (p *Publication) source() (core.RemoteTrack, KeyframeFunc) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.src, p.keyframe
}

// bind swaps in a new source and returns the cancel of the previous loop.
func (p *Publication) bind(src core.RemoteTrack, keyframe KeyframeFunc, cancel context.CancelFunc) context.CancelFunc {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.cancel
	p.src, p.keyframe, p.cancel = src, keyframe, cancel
	return old
}

func (p *Publication) stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *Publication) addSub(s *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[s.ID] = s
}

func (p *Publication) removeSub(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, id)
}

// loop reads RTP packets from src and forwards them to resumed subscriptions.
// A read error means the publisher's track ended.
func (p *Publication) loop(ctx context.Context, src core.RemoteTrack, r *Router, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("publication loop cancelled")
			return
		default:
		}
		pkt, _, err := src.ReadRTP()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Info().Err(err).Msg("publication source ended")
			r.unpublishSource(p, src)
			return
		}
		if failed := p.forward(pkt, logger); len(failed) > 0 {
			for _, s := range failed {
				r.closeSubscription(s.ID, domain.ErrProducerGone)
			}
		}
	}
}

func (p *Publication) forward(pkt *rtp.Packet, logger *zerolog.Logger) []*Subscription {
	p.mu.RLock()
	snapshot := make(map[string]*Subscription, len(p.subs))
	maps.Copy(snapshot, p.subs)
	p.mu.RUnlock()

	var failed []*Subscription
	for id, s := range snapshot {
		if s.GetState() != SubResumed {
			continue
		}
		if err := s.writer.WriteRTP(pkt); err != nil {
			logger.Error().
				Err(err).
				Str("subscription", id).
				Str("subscriber", string(s.Subscriber)).
				Msg("write RTP error, closing subscription")
			failed = append(failed, s)
			continue
		}
		metrics.ForwardedPackets.WithLabelValues(string(p.Kind)).Inc()
	}
	return failed
}
