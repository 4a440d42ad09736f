package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adwski/chat-relay/backend/model"
	"github.com/go-playground/validator/v10"
)

var (
	ErrDecode = errors.New("invalid message format")

	validate = validator.New()
)

// DecodeError is returned for any inbound message that is not a well-formed
// envelope or carries a payload that does not match its type.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v: %v", ErrDecode, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}

// Decode parses the envelope. Payload is left raw, use DecodePayload
// once the type is known.
func Decode(b []byte) (*model.Envelope, error) {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return nil, &DecodeError{Err: errors.New("envelope is null")}
	}
	var env model.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return &env, nil
}

// DecodePayload unmarshals env payload into v and validates it.
func DecodePayload(env *model.Envelope, v any) error {
	raw := bytes.TrimSpace(env.Payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return &DecodeError{Err: errors.New("payload is missing")}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &DecodeError{Err: err}
	}
	if err := validate.Struct(v); err != nil {
		return &DecodeError{Err: err}
	}
	return nil
}

func Encode(ann model.Announcement) ([]byte, error) {
	b, err := json.Marshal(&ann)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %q announcement: %w", ann.Type, err)
	}
	return b, nil
}
