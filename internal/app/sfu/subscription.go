package sfu

import (
	"sync/atomic"
	"time"

	"github.com/dkeye/confer/internal/core"
	"github.com/dkeye/confer/internal/domain"
)

type SubState int32

const (
	SubPending SubState = iota
	SubResumed
	SubClosed
)

func (s SubState) String() string {
	switch s {
	case SubPending:
		return "pending"
	case SubResumed:
		return "resumed"
	default:
		return "closed"
	}
}

// Subscription is one outgoing stream of a publication to a subscriber. It
// forwards nothing until resumed.
type Subscription struct {
	ID          string
	Subscriber  domain.ParticipantID
	TransportID string
	pub         *Publication

	writer core.TrackWriter
	state  atomic.Int32 // Zero by default (SubPending)
	timer  *time.Timer
}

// SubscriptionInfo is a detached copy handed to listeners.
type SubscriptionInfo struct {
	ID          string
	Subscriber  domain.ParticipantID
	TransportID string
	ProducerID  string
}

func (s *Subscription) GetState() SubState {
	return SubState(s.state.Load())
}

func (s *Subscription) ProducerID() string { return s.pub.ID }

func (s *Subscription) Info() SubscriptionInfo {
	return SubscriptionInfo{
		ID:          s.ID,
		Subscriber:  s.Subscriber,
		TransportID: s.TransportID,
		ProducerID:  s.pub.ID,
	}
}

func (s *Subscription) markResumed() bool {
	return s.state.CompareAndSwap(int32(SubPending), int32(SubResumed))
}

// markClosed returns the state the subscription had before.
func (s *Subscription) markClosed() SubState {
	prev := SubState(s.state.Swap(int32(SubClosed)))
	if s.timer != nil {
		s.timer.Stop()
	}
	return prev
}
