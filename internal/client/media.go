package client

import (
	"context"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/confer/internal/domain"
)

// MediaSource stands for the capture devices. Acquire returns whatever
// subset of kinds is available; a refused permission is
// domain.ErrMediaAccessDenied.
type MediaSource interface {
	Acquire(ctx context.Context, kinds []domain.TrackKind) (*LocalMedia, error)
}

// LocalMedia is a set of captured tracks. Stop releases the devices once.
type LocalMedia struct {
	tracks map[domain.TrackKind]webrtc.TrackLocal
	stop   core.Fuse
	onStop func()
}

func NewLocalMedia(tracks map[domain.TrackKind]webrtc.TrackLocal, onStop func()) *LocalMedia {
	return &LocalMedia{tracks: tracks, stop: core.NewFuse(), onStop: onStop}
}

// Kinds lists the captured kinds, audio first.
func (m *LocalMedia) Kinds() []domain.TrackKind {
	var out []domain.TrackKind
	for _, k := range []domain.TrackKind{domain.TrackAudio, domain.TrackVideo} {
		if _, ok := m.tracks[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

func (m *LocalMedia) Tracks() []webrtc.TrackLocal {
	kinds := m.Kinds()
	out := make([]webrtc.TrackLocal, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, m.tracks[k])
	}
	return out
}

func (m *LocalMedia) Stop() {
	m.stop.Once(func() {
		if m.onStop != nil {
			m.onStop()
		}
	})
}

func (m *LocalMedia) Stopped() bool { return m.stop.IsBroken() }

// StaticSource produces synthetic sample tracks, used by the probe and in
// tests. Available limits the kinds a device exists for.
type StaticSource struct {
	Deny      bool
	Available []domain.TrackKind
	// FrameInterval > 0 feeds empty samples until the media is stopped.
	FrameInterval time.Duration

	mu       sync.Mutex
	acquired int
}

func (s *StaticSource) Acquire(ctx context.Context, kinds []domain.TrackKind) (*LocalMedia, error) {
	if s.Deny {
		return nil, domain.ErrMediaAccessDenied
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tracks := make(map[domain.TrackKind]webrtc.TrackLocal)
	for _, k := range kinds {
		if !s.available(k) {
			continue
		}
		capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
		if k == domain.TrackVideo {
			capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
		}
		track, err := webrtc.NewTrackLocalStaticSample(capability, string(k), "probe")
		if err != nil {
			return nil, domain.NewError(domain.CodeMediaAccessDenied, "create track").Wrap(err)
		}
		tracks[k] = track
	}

	s.mu.Lock()
	s.acquired++
	s.mu.Unlock()

	stop := make(chan struct{})
	m := NewLocalMedia(tracks, func() {
		close(stop)
		s.mu.Lock()
		s.acquired--
		s.mu.Unlock()
	})
	if s.FrameInterval > 0 {
		go feed(tracks, s.FrameInterval, stop)
	}
	return m, nil
}

// Acquired is the number of media sets not yet stopped.
func (s *StaticSource) Acquired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired
}

func (s *StaticSource) available(k domain.TrackKind) bool {
	if s.Available == nil {
		return k.Valid()
	}
	for _, a := range s.Available {
		if a == k {
			return true
		}
	}
	return false
}

func feed(tracks map[domain.TrackKind]webrtc.TrackLocal, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	frame := make([]byte, 16)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for kind, t := range tracks {
				sample, ok := t.(*webrtc.TrackLocalStaticSample)
				if !ok {
					continue
				}
				if err := sample.WriteSample(media.Sample{Data: frame, Duration: interval}); err != nil {
					log.Debug().Err(err).Str("module", "client.media").Str("kind", string(kind)).Msg("write sample")
				}
			}
		}
	}
}
