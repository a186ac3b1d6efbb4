package rtc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	appcore "github.com/dkeye/confer/internal/core"
	"github.com/dkeye/confer/internal/domain"
)

var ErrClosed = errors.New("transport closed")

// Connection is a pion PeerConnection owned by one participant.
type Connection struct {
	id     string
	owner  domain.ParticipantID
	dir    domain.Direction
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed core.Fuse

	mu                sync.Mutex
	remoteSet         bool
	pendingCandidates []webrtc.ICECandidateInit
	onICE             func(webrtc.ICECandidateInit)
	onTrack           func(ctx context.Context, track appcore.RemoteTrack)
	onKeyframe        func()
	onClosed          func()
}

func newConnection(api *webrtc.API, cfg webrtc.Configuration, id string, owner domain.ParticipantID, dir domain.Direction) (*Connection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:     id,
		owner:  owner,
		dir:    dir,
		pc:     pc,
		ctx:    ctx,
		cancel: cancel,
		closed: core.NewFuse(),
		logger: log.With().
			Str("module", "webrtc").
			Str("transport", id).
			Str("participant", string(owner)).
			Str("direction", string(dir)).
			Logger(),
	}
	c.start()
	return c, nil
}

func (c *Connection) start() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed {
			c.Close()
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(c.ctx, track)
		}
	})
}

func (c *Connection) ID() string                  { return c.id }
func (c *Connection) Direction() domain.Direction { return c.dir }

// ApplyOffer sets the remote offer and returns the local answer.
func (c *Connection) ApplyOffer(sdp string) (string, error) {
	if c.closed.IsBroken() {
		return "", ErrClosed
	}
	if err := c.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return c.pc.LocalDescription().SDP, nil
}

func (c *Connection) CreateOffer() (string, error) {
	if c.closed.IsBroken() {
		return "", ErrClosed
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return c.pc.LocalDescription().SDP, nil
}

func (c *Connection) ApplyAnswer(sdp string) error {
	if c.closed.IsBroken() {
		return ErrClosed
	}
	return c.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

// setRemote applies the description and flushes candidates that arrived
// before it, in arrival order.
func (c *Connection) setRemote(desc webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	c.mu.Lock()
	c.remoteSet = true
	pending := c.pendingCandidates
	c.pendingCandidates = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			c.logger.Warn().Err(err).Str("candidate", cand.Candidate).Msg("add buffered ICE candidate")
		}
	}
	return nil
}

func (c *Connection) AddICECandidate(cand webrtc.ICECandidateInit) error {
	if c.closed.IsBroken() {
		return ErrClosed
	}
	c.mu.Lock()
	if !c.remoteSet {
		c.pendingCandidates = append(c.pendingCandidates, cand)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.pc.AddICECandidate(cand)
}

// AddTrack attaches a local track and relays keyframe requests read from its
// sender.
func (c *Connection) AddTrack(track webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	go c.readRTCP(sender)
	return nil
}

func (c *Connection) readRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.mu.Lock()
				fn := c.onKeyframe
				c.mu.Unlock()
				if fn != nil {
					fn()
				}
			}
		}
	}
}

func (c *Connection) RequestKeyframe(ssrc webrtc.SSRC) error {
	return c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}})
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

// OnTrack sets application-level callback for remote tracks.
func (c *Connection) OnTrack(fn func(ctx context.Context, track appcore.RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *Connection) OnKeyframeRequest(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onKeyframe = fn
}

// OnClosed sets application-level callback for cleanup.
func (c *Connection) OnClosed(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClosed = fn
}

// Close is idempotent; the OnClosed callback runs once.
func (c *Connection) Close() {
	c.closed.Once(func() {
		c.cancel()
		if err := c.pc.Close(); err != nil {
			c.logger.Error().Err(err).Msg("close error")
		} else {
			c.logger.Info().Msg("closed")
		}
		c.mu.Lock()
		fn := c.onClosed
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

// Factory builds connections sharing one API (codecs and interceptors).
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

// Codec is one entry of the room capability set.
type Codec struct {
	MimeType  string
	ClockRate uint32
	Channels  uint16
}

func NewFactory(iceServers []string, codecs []Codec) (*Factory, error) {
	me := &webrtc.MediaEngine{}
	if err := registerCodecs(me, codecs); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithInterceptorRegistry(registry),
		),
		cfg: cfg,
	}, nil
}

func (f *Factory) NewTransport(id string, owner domain.ParticipantID, dir domain.Direction) (appcore.MediaTransport, error) {
	return newConnection(f.api, f.cfg, id, owner, dir)
}

var payloadTypes = map[string]webrtc.PayloadType{
	strings.ToLower(webrtc.MimeTypeOpus): 111,
	strings.ToLower(webrtc.MimeTypeVP8):  96,
	strings.ToLower(webrtc.MimeTypeVP9):  98,
	strings.ToLower(webrtc.MimeTypeH264): 102,
}

var fmtpLines = map[string]string{
	strings.ToLower(webrtc.MimeTypeOpus): "minptime=10;useinbandfec=1",
	strings.ToLower(webrtc.MimeTypeH264): "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
}

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
}

func registerCodecs(me *webrtc.MediaEngine, codecs []Codec) error {
	if len(codecs) == 0 {
		return me.RegisterDefaultCodecs()
	}
	for _, codec := range codecs {
		key := strings.ToLower(codec.MimeType)
		pt, ok := payloadTypes[key]
		if !ok {
			return fmt.Errorf("unsupported codec %s", codec.MimeType)
		}
		kind := webrtc.RTPCodecTypeAudio
		var feedback []webrtc.RTCPFeedback
		if strings.HasPrefix(key, "video/") {
			kind = webrtc.RTPCodecTypeVideo
			feedback = videoFeedback
		}
		params := webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     codec.MimeType,
				ClockRate:    codec.ClockRate,
				Channels:     codec.Channels,
				SDPFmtpLine:  fmtpLines[key],
				RTCPFeedback: feedback,
			},
			PayloadType: pt,
		}
		if err := me.RegisterCodec(params, kind); err != nil {
			return fmt.Errorf("register codec %s: %w", codec.MimeType, err)
		}
	}
	return nil
}
