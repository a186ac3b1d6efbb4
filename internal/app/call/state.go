// Package call holds the direct call state machine shared by the server pair
// tracker and the Go client.
package call

import (
	"errors"
	"fmt"
)

type State uint8

const (
	StateIdle State = iota
	StateOffering
	StateAnswering
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Active reports whether the state blocks another session for the same pair.
func (s State) Active() bool {
	return s == StateOffering || s == StateAnswering || s == StateConnected
}

type Event uint8

const (
	EventInitiate Event = iota
	EventOfferReceived
	EventAnswerSent
	EventRemoteAnswered
	EventEnd
	EventFailure
)

func (e Event) String() string {
	switch e {
	case EventInitiate:
		return "initiate"
	case EventOfferReceived:
		return "offer-received"
	case EventAnswerSent:
		return "answer-sent"
	case EventRemoteAnswered:
		return "remote-answered"
	case EventEnd:
		return "end"
	case EventFailure:
		return "failure"
	}
	return fmt.Sprintf("event(%d)", uint8(e))
}

var ErrInvalidTransition = errors.New("invalid call transition")

// Transition is the pure transition function. Ending an ended call is
// allowed and leaves it ended.
func Transition(s State, e Event) (State, error) {
	switch e {
	case EventEnd, EventFailure:
		return StateEnded, nil
	}
	switch {
	case s == StateIdle && e == EventInitiate:
		return StateOffering, nil
	case s == StateIdle && e == EventOfferReceived:
		return StateAnswering, nil
	case s == StateOffering && e == EventRemoteAnswered:
		return StateConnected, nil
	case s == StateAnswering && e == EventAnswerSent:
		return StateConnected, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, e, s)
}
