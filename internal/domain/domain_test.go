package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorMatchesByCode(t *testing.T) {
	wrapped := fmt.Errorf("consume: %w", NewError(CodeProducerGone, "publication p1 removed"))
	require.ErrorIs(t, wrapped, ErrProducerGone)
	require.NotErrorIs(t, wrapped, ErrRoomFull)
	require.Equal(t, CodeProducerGone, CodeOf(wrapped))
	require.True(t, IsStale(wrapped))

	cause := errors.New("dtls failed")
	err := ErrCapabilityNegotiation.Wrap(cause)
	require.ErrorIs(t, err, cause)
	require.ErrorIs(t, err, ErrCapabilityNegotiation)
	require.Nil(t, ErrCapabilityNegotiation.Err)
}

func TestCodeOf(t *testing.T) {
	require.Equal(t, Code(""), CodeOf(nil))
	require.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	require.Equal(t, CodeRoomFull, CodeOf(ErrRoomFull))
}

func TestParticipantProfile(t *testing.T) {
	_, err := NewParticipant("p1", "")
	require.ErrorIs(t, err, ErrDisplayNameEmpty)

	p, err := NewParticipant("p1", "Alice")
	require.NoError(t, err)
	require.ErrorIs(t, p.SetDisplayName(strings.Repeat("a", MaxDisplayNameLen+1)), ErrDisplayNameTooLong)
	require.Equal(t, "Alice", p.DisplayName)
	require.ErrorIs(t, p.SetAvatar(strings.Repeat("a", MaxAvatarLen+1)), ErrAvatarTooLong)

	require.False(t, p.IsAdmin())
	p.Roles |= RoleAdmin
	require.True(t, p.IsAdmin())
	require.False(t, p.Roles.Has(RoleModerator))
}

func TestParticipantPublishes(t *testing.T) {
	p := Participant{Tracks: []TrackKind{TrackAudio}}
	require.True(t, p.Publishes(TrackAudio))
	require.False(t, p.Publishes(TrackVideo))
}

func TestMediaKindTracks(t *testing.T) {
	require.Equal(t, []TrackKind{TrackAudio}, MediaAudio.Tracks())
	require.Equal(t, []TrackKind{TrackAudio, TrackVideo}, MediaVideo.Tracks())
	require.False(t, TrackKind("screen").Valid())
	require.True(t, TopologyDirect.Valid())
	require.False(t, Topology("mesh").Valid())
}

func TestModerationDenied(t *testing.T) {
	require.False(t, ModerationStatus{}.Denied())
	require.True(t, ModerationStatus{Banned: true}.Denied())
	require.True(t, ModerationStatus{PublishMuted: true}.Denied())
}
