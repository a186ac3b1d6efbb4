// Package domain contains entities without logic, just meta-data
package domain

import (
	"errors"
)

const (
	MaxParticipantIDLen = 36
	MaxDisplayNameLen   = 36
	MaxAvatarLen        = 512
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrAvatarTooLong      = errors.New("avatar too long")
)

type ParticipantID string

// Role is a set of flags granted by the identity collaborator.
type Role uint8

const (
	RoleAdmin Role = 1 << iota
	RoleModerator
)

func (r Role) Has(flag Role) bool { return r&flag != 0 }

// Participant is the presence-level view of a connected user.
// No transport or lifecycle logic here.
type Participant struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"displayName"`
	Avatar      string        `json:"avatar,omitempty"`
	Roles       Role          `json:"roles"`
	Tracks      []TrackKind   `json:"tracks,omitempty"`
	SignalID    string        `json:"-"`
}

// NewParticipant is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewParticipant(id ParticipantID, displayName string) (*Participant, error) {
	p := &Participant{ID: id}
	if err := p.SetDisplayName(displayName); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Participant) SetDisplayName(name string) error {
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	p.DisplayName = name
	return nil
}

func (p *Participant) SetAvatar(avatar string) error {
	if len(avatar) > MaxAvatarLen {
		return ErrAvatarTooLong
	}
	p.Avatar = avatar
	return nil
}

func (p *Participant) IsAdmin() bool { return p.Roles.Has(RoleAdmin) }

// Publishes reports whether kind is among the participant's published tracks.
func (p *Participant) Publishes(kind TrackKind) bool {
	for _, k := range p.Tracks {
		if k == kind {
			return true
		}
	}
	return false
}

// ModerationStatus is supplied by the moderation collaborator.
type ModerationStatus struct {
	Banned       bool `json:"banned"`
	PublishMuted bool `json:"publishMuted"`
}

func (s ModerationStatus) Denied() bool { return s.Banned || s.PublishMuted }
