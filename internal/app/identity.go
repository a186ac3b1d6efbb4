package app

import (
	"context"
	"crypto/subtle"

	"github.com/dkeye/confer/internal/core"
	"github.com/dkeye/confer/internal/domain"
)

const DefaultDisplayName = "guest"

// SessionIdentity derives the participant from the client token. A claim
// carrying the admin key is granted the admin role.
type SessionIdentity struct {
	AdminKey string
}

func (i SessionIdentity) Identify(_ context.Context, sid core.SessionID, claim core.Claim) (domain.Participant, error) {
	if sid == "" || len(sid) > domain.MaxParticipantIDLen {
		return domain.Participant{}, domain.NewError(domain.CodeBadRequest, "bad client token")
	}
	name := claim.DisplayName
	if name == "" {
		name = DefaultDisplayName
	}
	p, err := domain.NewParticipant(domain.ParticipantID(sid), name)
	if err != nil {
		return domain.Participant{}, domain.NewError(domain.CodeBadRequest, "bad display name").Wrap(err)
	}
	if err := p.SetAvatar(claim.Avatar); err != nil {
		return domain.Participant{}, domain.NewError(domain.CodeBadRequest, "bad avatar").Wrap(err)
	}
	if i.AdminKey != "" && subtle.ConstantTimeCompare([]byte(claim.Credential), []byte(i.AdminKey)) == 1 {
		p.Roles |= domain.RoleAdmin
	}
	return *p, nil
}
