package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/dkeye/confer/internal/adapters/rtc"
	"github.com/dkeye/confer/internal/app/call"
	"github.com/dkeye/confer/internal/client"
	appcore "github.com/dkeye/confer/internal/core"
	"github.com/dkeye/confer/internal/domain"
	"github.com/dkeye/confer/internal/protocol"
)

const frameInterval = 20 * time.Millisecond

var (
	urlFlag = &cli.StringFlag{
		Name:    "url",
		Usage:   "signaling endpoint",
		Value:   "ws://localhost:8080/api/ws/signal",
		EnvVars: []string{"PROBE_URL"},
	}
	tokenFlag = &cli.StringFlag{
		Name:  "token",
		Usage: "client token, random when empty",
	}
	credentialFlag = &cli.StringFlag{
		Name:    "credential",
		Usage:   "admin credential",
		EnvVars: []string{"PROBE_CREDENTIAL"},
	}
	nameFlag = &cli.StringFlag{
		Name:  "name",
		Usage: "display name",
		Value: "probe",
	}
	roomFlag = &cli.StringFlag{
		Name:     "room",
		Required: true,
	}
	iceFlag = &cli.StringSliceFlag{
		Name:  "ice",
		Usage: "STUN/TURN urls",
	}
	durationFlag = &cli.DurationFlag{
		Name:  "duration",
		Usage: "stay this long, 0 waits for interrupt",
	}

	joinCommand = &cli.Command{
		Name:   "join",
		Usage:  "join a group room, publish synthetic media and consume everyone else",
		Action: joinRoom,
		Flags: []cli.Flag{
			urlFlag, tokenFlag, credentialFlag, nameFlag, roomFlag, iceFlag, durationFlag,
			&cli.StringSliceFlag{
				Name:  "kinds",
				Usage: "kinds to publish (audio, video)",
				Value: cli.NewStringSlice(string(domain.TrackAudio), string(domain.TrackVideo)),
			},
		},
	}

	callCommand = &cli.Command{
		Name:   "call",
		Usage:  "join a direct room and call --peer, or wait for a call without it",
		Action: placeCall,
		Flags: []cli.Flag{
			urlFlag, tokenFlag, credentialFlag, nameFlag, roomFlag, iceFlag, durationFlag,
			&cli.StringFlag{
				Name:  "peer",
				Usage: "participant id to call",
			},
			&cli.BoolFlag{
				Name:  "video",
				Usage: "video call instead of audio only",
			},
		},
	}
)

func connect(ctx context.Context, c *cli.Context) (*client.Channel, appcore.TransportFactory, error) {
	codecs := client.DefaultCodecs()
	rtcCodecs := make([]rtc.Codec, len(codecs))
	for i, codec := range codecs {
		rtcCodecs[i] = rtc.Codec{MimeType: codec.MimeType, ClockRate: codec.ClockRate, Channels: codec.Channels}
	}
	transports, err := rtc.NewFactory(c.StringSlice("ice"), rtcCodecs)
	if err != nil {
		return nil, nil, err
	}
	ch, err := client.Dial(ctx, client.Options{
		URL:        c.String("url"),
		Token:      c.String("token"),
		Credential: c.String("credential"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", c.String("url"), err)
	}
	log.Info().Str("participant", string(ch.LocalID())).Msg("connected")
	return ch, transports, nil
}

func parseKinds(values []string) ([]domain.TrackKind, error) {
	kinds := make([]domain.TrackKind, 0, len(values))
	for _, v := range values {
		k := domain.TrackKind(v)
		if !k.Valid() {
			return nil, fmt.Errorf("unknown kind %q", v)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func joinRoom(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	kinds, err := parseKinds(c.StringSlice("kinds"))
	if err != nil {
		return err
	}
	ch, transports, err := connect(ctx, c)
	if err != nil {
		return err
	}
	defer ch.Close()

	source := &client.StaticSource{Available: kinds, FrameInterval: frameInterval}
	sess, err := client.Join(ctx, ch, transports, source, client.JoinOptions{
		Room:        domain.RoomID(c.String("room")),
		Topology:    domain.TopologyGroup,
		Participant: protocol.ParticipantInfo{DisplayName: c.String("name")},
		Credential:  c.String("credential"),
		Group: client.GroupOptions{
			Kinds: kinds,
			OnRemoteTrack: func(r client.RemoteMedia) {
				log.Info().
					Str("producer", r.ProducerID).
					Str("from", string(r.Participant)).
					Str("kind", string(r.Kind)).
					Bool("admin", r.Admin).
					Msg("receiving")
			},
			OnRemoteClosed: func(r client.RemoteMedia, reason error) {
				log.Info().Err(reason).Str("producer", r.ProducerID).Msg("remote closed")
			},
		},
	})
	if err != nil {
		return err
	}
	for _, m := range sess.Members() {
		log.Info().Str("id", string(m.ID)).Str("name", m.DisplayName).Msg("member")
	}
	for _, p := range sess.Group.Published() {
		log.Info().Str("producer", p.ProducerID).Str("kind", string(p.Kind)).Msg("publishing")
	}

	wait(ctx, c.Duration("duration"), sess.Supervisor.Done())
	return sess.Leave()
}

func placeCall(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ch, transports, err := connect(ctx, c)
	if err != nil {
		return err
	}
	defer ch.Close()

	peer := domain.ParticipantID(c.String("peer"))
	ended := make(chan struct{}, 1)
	source := &client.StaticSource{FrameInterval: frameInterval}
	sess, err := client.Join(ctx, ch, transports, source, client.JoinOptions{
		Room:        domain.RoomID(c.String("room")),
		Topology:    domain.TopologyDirect,
		Participant: protocol.ParticipantInfo{DisplayName: c.String("name")},
		Credential:  c.String("credential"),
		Calls: client.CallOptions{
			AutoAnswer: peer == "",
			OnState: func(s *client.CallSession, state call.State) {
				log.Info().Str("peer", string(s.Peer())).Str("state", state.String()).Msg("call")
				if state == call.StateEnded {
					select {
					case ended <- struct{}{}:
					default:
					}
				}
			},
			OnTrack: func(s *client.CallSession, track appcore.RemoteTrack) {
				log.Info().Str("peer", string(s.Peer())).Str("kind", track.Kind().String()).Msg("receiving")
			},
		},
	})
	if err != nil {
		return err
	}

	if peer != "" {
		kind := domain.MediaAudio
		if c.Bool("video") {
			kind = domain.MediaVideo
		}
		if _, err := sess.Calls.Initiate(ctx, peer, kind); err != nil {
			_ = sess.Leave()
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ended:
		case <-sess.Supervisor.Done():
		case <-ctx.Done():
		}
	}()
	wait(ctx, c.Duration("duration"), done)
	return sess.Leave()
}

// wait returns when ctx ends or stop closes. A positive d also bounds it.
func wait(ctx context.Context, d time.Duration, stop <-chan struct{}) {
	var timeout <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
	case <-timeout:
	case <-stop:
	}
}
