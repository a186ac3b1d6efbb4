package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/dkeye/confer/internal/domain"
)

var ErrBadEnvelope = errors.New("bad envelope")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Encode builds a wire frame. A nil payload is omitted.
func Encode(typ string, room domain.RoomID, id string, payload any) ([]byte, error) {
	env := Envelope{Type: typ, RoomID: room, ID: id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// EncodeError builds an error response for request id.
func EncodeError(id string, err error) ([]byte, error) {
	p := ErrorPayload{Code: domain.CodeOf(err)}
	var de *domain.Error
	if errors.As(err, &de) {
		p.Message = de.Msg
	}
	return Encode(TypeError, "", id, p)
}

func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("%w: missing type", ErrBadEnvelope)
	}
	return env, nil
}

// Bind decodes the payload into v and validates struct tags.
func (e Envelope) Bind(v any) error {
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, v); err != nil {
			return domain.NewError(domain.CodeBadRequest, "bad payload").Wrap(err)
		}
	}
	if err := validate.Struct(v); err != nil {
		return domain.NewError(domain.CodeBadRequest, "invalid payload").Wrap(err)
	}
	return nil
}

// AsError converts an error envelope into a *domain.Error.
func (e Envelope) AsError() error {
	if e.Type != TypeError {
		return nil
	}
	var p ErrorPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return domain.NewError(domain.CodeInternal, "unreadable error payload")
	}
	if p.Code == "" {
		p.Code = domain.CodeInternal
	}
	return domain.NewError(p.Code, p.Message)
}
