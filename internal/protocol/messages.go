// Package protocol defines the signaling envelope and payloads shared by the
// server controller and the Go client.
package protocol

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/confer/internal/domain"
)

const (
	TypeJoin              = "join"
	TypeJoined            = "joined"
	TypeLeave             = "leave"
	TypeLeft              = "left"
	TypeMembershipUpdated = "membership-updated"

	TypeCallOffer        = "call-offer"
	TypeCallAnswer       = "call-answer"
	TypeCallICECandidate = "call-ice-candidate"
	TypeCallEnd          = "call-end"

	TypeGetCapabilities    = "get-capabilities"
	TypeCapabilities       = "capabilities"
	TypePublish            = "publish"
	TypePublished          = "published"
	TypeGetProducers       = "get-producers"
	TypeProducers          = "producers"
	TypeNewProducer        = "new-producer"
	TypeProducerClosed     = "producer-closed"
	TypeConsume            = "consume"
	TypeConsumeOffer       = "consume-offer"
	TypeConsumeAnswer      = "consume-answer"
	TypeResume             = "resume"
	TypeSubscriptionClosed = "subscription-closed"
	TypeTransportCandidate = "transport-candidate"

	TypePing  = "ping"
	TypePong  = "pong"
	TypeAck   = "ack"
	TypeError = "error"
)

// Envelope is the conceptual {type, roomId, payload} message plus a request id
// echoed by responses.
type Envelope struct {
	Type    string          `json:"type"`
	RoomID  domain.RoomID   `json:"roomId,omitempty"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ParticipantInfo struct {
	DisplayName string `json:"displayName" validate:"omitempty,max=36"`
	Avatar      string `json:"avatar,omitempty" validate:"omitempty,max=512"`
}

type JoinPayload struct {
	Participant ParticipantInfo `json:"participant"`
	Topology    domain.Topology `json:"topology,omitempty" validate:"omitempty,oneof=group direct"`
	Credential  string          `json:"credential,omitempty"`
}

type MembershipPayload struct {
	RoomID       domain.RoomID        `json:"roomId"`
	Participants []domain.Participant `json:"participants"`
}

type CallPayload struct {
	From      domain.ParticipantID     `json:"from,omitempty"`
	To        domain.ParticipantID     `json:"to" validate:"required,max=36"`
	Kind      domain.MediaKind         `json:"kind,omitempty" validate:"omitempty,oneof=audio video"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Reason    string                   `json:"reason,omitempty"`
}

type Codec struct {
	MimeType  string `json:"mimeType" validate:"required"`
	ClockRate uint32 `json:"clockRate" validate:"required"`
	Channels  uint16 `json:"channels,omitempty"`
}

type CapabilitiesPayload struct {
	Codecs []Codec `json:"codecs" validate:"dive"`
}

type PublishPayload struct {
	TransportID string             `json:"transportId" validate:"required,max=64"`
	SDP         string             `json:"sdp" validate:"required"`
	Kinds       []domain.TrackKind `json:"kinds" validate:"required,min=1,max=2,dive,oneof=audio video"`
}

type ProducerPayload struct {
	ProducerID    string               `json:"producerId" validate:"required"`
	Kind          domain.TrackKind     `json:"kind"`
	ParticipantID domain.ParticipantID `json:"participantId"`
	Admin         bool                 `json:"admin,omitempty"`
}

type PublishedPayload struct {
	TransportID string            `json:"transportId"`
	SDP         string            `json:"sdp"`
	Producers   []ProducerPayload `json:"producers"`
}

type ProducersPayload struct {
	Producers []ProducerPayload `json:"producers"`
}

type ConsumePayload struct {
	ProducerID string `json:"producerId" validate:"required"`
}

type ConsumeOfferPayload struct {
	TransportID    string               `json:"transportId"`
	SubscriptionID string               `json:"subscriptionId"`
	ProducerID     string               `json:"producerId"`
	Kind           domain.TrackKind     `json:"kind"`
	ParticipantID  domain.ParticipantID `json:"participantId"`
	Admin          bool                 `json:"admin,omitempty"`
	SDP            string               `json:"sdp"`
}

type ConsumeAnswerPayload struct {
	TransportID string `json:"transportId" validate:"required"`
	SDP         string `json:"sdp" validate:"required"`
}

type ResumePayload struct {
	SubscriptionID string `json:"subscriptionId" validate:"required"`
}

type SubscriptionClosedPayload struct {
	SubscriptionID string      `json:"subscriptionId"`
	ProducerID     string      `json:"producerId"`
	Code           domain.Code `json:"code,omitempty"`
}

type CandidatePayload struct {
	TransportID string                  `json:"transportId" validate:"required"`
	Candidate   webrtc.ICECandidateInit `json:"candidate"`
}

type ErrorPayload struct {
	Code    domain.Code `json:"code"`
	Message string      `json:"message,omitempty"`
}
