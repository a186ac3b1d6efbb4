package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"

	"github.com/dkeye/confer/internal/protocol"
)

type Reason string

const (
	ReasonLeave      Reason = "leave"
	ReasonDisconnect Reason = "disconnect"
	ReasonError      Reason = "error"
)

const leaveTimeout = 2 * time.Second

// Supervisor tears down what the participant allocated for one room, on
// whichever exit path comes first.
type Supervisor struct {
	sig    Signaler
	logger zerolog.Logger

	mu           sync.Mutex
	group        *GroupSession
	calls        *CallManager
	hooks        []func()
	disconnected bool
	released     bool

	done core.Fuse
}

// NewSupervisor hooks the channel's disconnected event.
func NewSupervisor(sig Signaler) *Supervisor {
	s := &Supervisor{
		sig:    sig,
		done:   core.NewFuse(),
		logger: log.With().Str("module", "client.supervisor").Str("participant", string(sig.LocalID())).Logger(),
	}
	cancel := sig.On(EventDisconnected, func(protocol.Envelope) {
		s.mu.Lock()
		s.disconnected = true
		s.mu.Unlock()
		if err := s.Release(ReasonDisconnect); err != nil {
			s.logger.Warn().Err(err).Msg("release on disconnect")
		}
	})
	s.OnRelease(cancel)
	return s
}

func (s *Supervisor) TrackGroup(g *GroupSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.group = g
}

func (s *Supervisor) TrackCalls(m *CallManager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = m
}

// OnRelease adds fn to run after the release steps.
func (s *Supervisor) OnRelease(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Done is closed after the first release finished.
func (s *Supervisor) Done() <-chan struct{} { return s.done.Watch() }

// Release runs (a) close publications, (b) close transports, (c) leave the
// room, (d) end calls. Every step runs even if an earlier one failed or
// panicked. Only the first call does anything.
func (s *Supervisor) Release(reason Reason) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	group, calls, hooks, disconnected := s.group, s.calls, s.hooks, s.disconnected
	s.mu.Unlock()

	logger := s.logger.With().Str("reason", string(reason)).Str("room", string(s.sig.Room())).Logger()

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

	step("publications", func() error {
		if group != nil {
			group.closePublications()
		}
		return nil
	})
	step("transports", func() error {
		if group != nil {
			group.closeSubscriptions()
		}
		return nil
	})
	step("presence", func() error {
		if disconnected {
			// the server runs its own release for a dropped channel
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()
		err := s.sig.Request(ctx, protocol.TypeLeave, nil, nil)
		if errors.Is(err, ErrDisconnected) {
			return nil
		}
		return err
	})
	step("calls", func() error {
		if calls != nil {
			calls.EndAll(string(reason))
		}
		return nil
	})
	for _, fn := range hooks {
		step("hook", func() error {
			fn()
			return nil
		})
	}

	s.done.Break()
	err := errors.Join(errs...)
	if err != nil {
		logger.Error().Err(err).Msg("release finished with errors")
	} else {
		logger.Info().Msg("released")
	}
	return err
}
