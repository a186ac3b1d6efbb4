package call

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		event   Event
		want    State
		wantErr bool
	}{
		{"initiate", StateIdle, EventInitiate, StateOffering, false},
		{"offer received", StateIdle, EventOfferReceived, StateAnswering, false},
		{"remote answered", StateOffering, EventRemoteAnswered, StateConnected, false},
		{"answer sent", StateAnswering, EventAnswerSent, StateConnected, false},
		{"end while offering", StateOffering, EventEnd, StateEnded, false},
		{"failure while answering", StateAnswering, EventFailure, StateEnded, false},
		{"end connected", StateConnected, EventEnd, StateEnded, false},
		{"end twice", StateEnded, EventEnd, StateEnded, false},
		{"answer in idle", StateIdle, EventRemoteAnswered, StateIdle, true},
		{"offer while offering", StateOffering, EventOfferReceived, StateOffering, true},
		{"initiate after end", StateEnded, EventInitiate, StateEnded, true},
		{"late answer after end", StateEnded, EventRemoteAnswered, StateEnded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Transition(tt.from, tt.event)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidTransition)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tt.want, got)
		})
	}
}

func TestActive(t *testing.T) {
	require.False(t, StateIdle.Active())
	require.True(t, StateOffering.Active())
	require.True(t, StateAnswering.Active())
	require.True(t, StateConnected.Active())
	require.False(t, StateEnded.Active())
}
