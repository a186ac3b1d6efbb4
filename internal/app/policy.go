package app

import "github.com/dkeye/confer/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens to a participant whose outbound queue is full.
type Policy interface {
	OnBackPressure(id domain.ParticipantID, frameType string) BackpressureAction
}

// SimplePolicy drops keepalive replies and kicks on anything else.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(_ domain.ParticipantID, frameType string) BackpressureAction {
	if frameType == "pong" {
		return DropFrame
	}
	return KickMember
}
