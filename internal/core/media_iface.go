package core

import (
	"context"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/confer/internal/domain"
)

// RemoteTrack is the inbound side of a publication. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	SSRC() webrtc.SSRC
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// TrackWriter is the outbound side of a subscription.
type TrackWriter interface {
	WriteRTP(*rtp.Packet) error
}

// MediaTransport is a server-side media conduit owned by exactly one participant.
type MediaTransport interface {
	ID() string
	Direction() domain.Direction
	// ApplyOffer sets a remote offer and returns the local answer SDP.
	ApplyOffer(sdp string) (string, error)
	// CreateOffer creates and sets a local offer.
	CreateOffer() (string, error)
	ApplyAnswer(sdp string) error
	// AddICECandidate buffers candidates until a remote description is set.
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) error
	// RequestKeyframe asks the remote publisher for a fresh keyframe.
	RequestKeyframe(ssrc webrtc.SSRC) error
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnTrack(func(ctx context.Context, track RemoteTrack))
	// OnKeyframeRequest fires when the remote side of a sent track asks for
	// a keyframe (PLI/FIR).
	OnKeyframeRequest(func())
	// OnClosed is invoked once, whether closed locally or by the peer.
	OnClosed(func())
	Close()
}

// TransportFactory creates transports for one participant.
type TransportFactory interface {
	NewTransport(id string, owner domain.ParticipantID, dir domain.Direction) (MediaTransport, error)
}
