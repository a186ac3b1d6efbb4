package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"

	"github.com/dkeye/confer/internal/core"
	"github.com/dkeye/confer/internal/domain"
	"github.com/dkeye/confer/internal/metrics"
)

type Reason string

const (
	ReasonLeave        Reason = "leave"
	ReasonDisconnect   Reason = "disconnect"
	ReasonKick         Reason = "kick"
	ReasonBackpressure Reason = "backpressure"
	ReasonReplaced     Reason = "replaced"
	ReasonError        Reason = "error"
)

// Release tears down everything id owns: (a) publications, (b) transports,
// (c) room membership, (d) calls. Every step runs even if an earlier one
// fails or panics. Membership and calls are checked on every call, so an
// exit after an explicit leave still ends calls placed in between.
func (o *Orchestrator) Release(_ context.Context, id domain.ParticipantID, reason Reason) error {
	o.mu.Lock()
	st, owned := o.members[id]
	delete(o.members, id)
	o.mu.Unlock()

	var (
		send core.MediaTransport
		room domain.RoomID
	)
	if owned {
		st.mu.Lock()
		st.closed = true
		send = st.send
		st.send = nil
		room = st.room
		st.mu.Unlock()
	}

	logger := log.With().
		Str("module", "orch.release").
		Str("participant", string(id)).
		Str("room", string(room)).
		Str("reason", string(reason)).
		Logger()

	var errs []error
	step := func(name string, fn func() error) {
		var pc panics.Catcher
		pc.Try(func() {
			if err := fn(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		})
		if r := pc.Recovered(); r != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, r.AsError()))
		}
	}

	if owned {
		step("publications", func() error {
			o.Router.ClosePublisher(id)
			return nil
		})
		step("transports", func() error {
			if send != nil {
				send.Close()
			}
			o.Router.CloseSubscriber(id)
			for _, t := range o.takeRecv(id) {
				t.Close()
			}
			return nil
		})
	}
	left := false
	step("presence", func() error {
		if current, ok := o.Presence.RoomOf(id); ok {
			left = o.Presence.Leave(current, id)
		}
		return nil
	})
	ended := 0
	step("calls", func() error {
		ended = o.endCalls(id, string(reason))
		return nil
	})

	err := errors.Join(errs...)
	if !owned && !left && ended == 0 && err == nil {
		return nil
	}
	metrics.Releases.WithLabelValues(string(reason)).Inc()
	if err != nil {
		logger.Error().Err(err).Msg("release finished with errors")
	} else {
		logger.Info().Int("calls", ended).Msg("released")
	}
	return err
}

// releaseMedia drops the media of a room being left for another one; st is
// locked by the caller.
func (o *Orchestrator) releaseMedia(id domain.ParticipantID, st *memberState) {
	o.Router.ClosePublisher(id)
	o.Router.CloseSubscriber(id)
	send := st.send
	st.send = nil
	recv := o.takeRecv(id)
	// closing a send transport calls back into st, so do it off this goroutine
	go func() {
		if send != nil {
			send.Close()
		}
		for _, t := range recv {
			t.Close()
		}
	}()
}

func (o *Orchestrator) takeRecv(id domain.ParticipantID) []core.MediaTransport {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []core.MediaTransport
	for tid, e := range o.recv {
		if e.owner == id {
			out = append(out, e.t)
			delete(o.recv, tid)
		}
	}
	return out
}
