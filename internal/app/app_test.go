package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/confer/internal/core"
	"github.com/dkeye/confer/internal/domain"
)

type stubSignal struct {
	frames []core.Frame
	err    error
	closed bool
}

func (s *stubSignal) TrySend(f core.Frame) error {
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *stubSignal) Close() { s.closed = true }

func TestRegistryBindAndReplace(t *testing.T) {
	r := NewRegistry()
	p := domain.Participant{ID: "p1", DisplayName: "Alice"}

	first := &stubSignal{}
	canceled := false
	replaced, _ := r.BindSignal("tok", p, first, func() { canceled = true })
	require.Nil(t, replaced)
	require.True(t, r.Current("p1", first))
	require.Equal(t, 1, r.Count())

	second := &stubSignal{}
	replaced, replacedCancel := r.BindSignal("tok", p, second, nil)
	require.Same(t, first, replaced)
	replacedCancel()
	require.True(t, canceled)
	require.False(t, r.Current("p1", first))
	require.Equal(t, 1, r.Count())

	require.False(t, r.Unbind("p1", first))
	require.True(t, r.Unbind("p1", second))
	require.Zero(t, r.Count())
}

func TestRegistrySendTo(t *testing.T) {
	r := NewRegistry()
	require.ErrorIs(t, r.SendTo("ghost", core.Frame("x")), ErrNoSession)

	sig := &stubSignal{}
	r.BindSignal("tok", domain.Participant{ID: "p1", DisplayName: "a"}, sig, nil)
	require.NoError(t, r.SendTo("p1", core.Frame("hello")))
	require.Equal(t, []core.Frame{core.Frame("hello")}, sig.frames)

	sig.err = core.ErrBackpressure
	require.ErrorIs(t, r.SendTo("p1", core.Frame("again")), core.ErrBackpressure)
}

func TestRegistryUpdateProfile(t *testing.T) {
	r := NewRegistry()
	_, err := r.UpdateProfile("p1", "Bob", "")
	require.ErrorIs(t, err, ErrNoSession)

	r.BindSignal("tok", domain.Participant{ID: "p1", DisplayName: "guest"}, &stubSignal{}, nil)
	p, err := r.UpdateProfile("p1", "Bob", "https://example.com/a.png")
	require.NoError(t, err)
	require.Equal(t, "Bob", p.DisplayName)

	got, ok := r.Participant("p1")
	require.True(t, ok)
	require.Equal(t, "Bob", got.DisplayName)
	require.Equal(t, "tok", got.SignalID)
}

func TestSessionIdentity(t *testing.T) {
	id := SessionIdentity{AdminKey: "k"}

	p, err := id.Identify(context.Background(), "tok", core.Claim{})
	require.NoError(t, err)
	require.Equal(t, domain.ParticipantID("tok"), p.ID)
	require.Equal(t, DefaultDisplayName, p.DisplayName)
	require.False(t, p.IsAdmin())

	p, err = id.Identify(context.Background(), "tok", core.Claim{DisplayName: "Ann", Credential: "k"})
	require.NoError(t, err)
	require.True(t, p.IsAdmin())

	_, err = id.Identify(context.Background(), "", core.Claim{})
	require.Equal(t, domain.CodeBadRequest, domain.CodeOf(err))

	// no key configured, nobody is admin
	p, err = SessionIdentity{}.Identify(context.Background(), "tok", core.Claim{Credential: ""})
	require.NoError(t, err)
	require.False(t, p.IsAdmin())
}

func TestMemoryModeration(t *testing.T) {
	m := NewMemoryModeration()
	ctx := context.Background()

	m.SetBanned("r1", "p1", true)
	m.SetPublishMuted("r1", "p1", true)
	s, err := m.Status(ctx, "r1", "p1")
	require.NoError(t, err)
	require.Equal(t, domain.ModerationStatus{Banned: true, PublishMuted: true}, s)

	s, _ = m.Status(ctx, "r2", "p1")
	require.False(t, s.Denied())

	m.SetBanned("r1", "p1", false)
	m.SetPublishMuted("r1", "p1", false)
	require.Empty(t, m.status)
}

func TestSimplePolicy(t *testing.T) {
	var p SimplePolicy
	require.Equal(t, DropFrame, p.OnBackPressure("p1", "pong"))
	require.Equal(t, KickMember, p.OnBackPressure("p1", "membership-updated"))
}
