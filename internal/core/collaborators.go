package core

import (
	"context"

	"github.com/dkeye/confer/internal/domain"
)

//go:generate mockgen -destination=mocks/mock_core.go -package=mocks . Moderation,IdentityProvider

// Moderation is the room/moderation CRUD service.
type Moderation interface {
	Status(ctx context.Context, room domain.RoomID, id domain.ParticipantID) (domain.ModerationStatus, error)
}

// Claim is what a connection asserts about itself; the identity provider
// decides what is granted.
type Claim struct {
	DisplayName string
	Avatar      string
	Credential  string
}

// IdentityProvider is the identity/auth collaborator.
type IdentityProvider interface {
	Identify(ctx context.Context, sid SessionID, claim Claim) (domain.Participant, error)
}
