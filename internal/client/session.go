package client

import (
	"context"
	"encoding/json"
	"sync"

	appcore "github.com/dkeye/confer/internal/core"
	"github.com/dkeye/confer/internal/domain"
	"github.com/dkeye/confer/internal/protocol"
)

type JoinOptions struct {
	Room        domain.RoomID
	Topology    domain.Topology
	Participant protocol.ParticipantInfo
	Credential  string
	Group       GroupOptions
	Calls       CallOptions
}

// Session is the participant's presence in one room plus everything the
// supervisor releases when it ends.
type Session struct {
	Signaler   Signaler
	Calls      *CallManager
	Group      *GroupSession
	Supervisor *Supervisor

	room domain.RoomID

	mu      sync.Mutex
	members []domain.Participant
	// updated is set once a broadcast snapshot arrived; the join response
	// must not overwrite it.
	updated bool
}

// Join enters a room. Group rooms also start the media session; if that
// fails the room is left and nothing stays allocated.
func Join(ctx context.Context, sig Signaler, transports appcore.TransportFactory, source MediaSource, opts JoinOptions) (*Session, error) {
	if opts.Topology == "" {
		opts.Topology = domain.TopologyGroup
	}
	s := &Session{Signaler: sig, room: opts.Room}
	sig.SetRoom(opts.Room)
	cancelMembership := sig.On(protocol.TypeMembershipUpdated, s.onMembership)

	var joined protocol.MembershipPayload
	if err := sig.Request(ctx, protocol.TypeJoin, protocol.JoinPayload{
		Participant: opts.Participant,
		Topology:    opts.Topology,
		Credential:  opts.Credential,
	}, &joined); err != nil {
		cancelMembership()
		sig.SetRoom("")
		return nil, err
	}
	s.seedMembers(joined.Participants)

	s.Supervisor = NewSupervisor(sig)
	s.Supervisor.OnRelease(cancelMembership)
	s.Calls = NewCallManager(sig, transports, source, opts.Calls)
	s.Supervisor.TrackCalls(s.Calls)
	s.Supervisor.OnRelease(s.Calls.Close)

	if opts.Topology == domain.TopologyGroup {
		s.Group = NewGroupSession(sig, transports, source, opts.Group)
		s.Supervisor.TrackGroup(s.Group)
		if err := s.Group.Start(ctx); err != nil {
			_ = s.Supervisor.Release(ReasonError)
			return nil, err
		}
	}
	return s, nil
}

func (s *Session) onMembership(env protocol.Envelope) {
	var p protocol.MembershipPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || (p.RoomID != "" && p.RoomID != s.room) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members = p.Participants
	s.updated = true
}

// seedMembers applies the join response unless a newer broadcast already won.
func (s *Session) seedMembers(members []domain.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.updated {
		s.members = members
	}
}

// Members is the last membership snapshot received.
func (s *Session) Members() []domain.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Participant(nil), s.members...)
}

// Leave is the explicit exit path.
func (s *Session) Leave() error {
	return s.Supervisor.Release(ReasonLeave)
}
