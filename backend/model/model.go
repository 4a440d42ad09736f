package model

//go:generate mockgen -source=model.go -destination=mocks/conn_mock.go -package=mocks

import (
	"context"
	"encoding/json"
	"sync"
)

// Conn is a live client connection. The relay never owns its lifecycle,
// it only sends to it for as long as the session lasts.
type Conn interface {
	ID() string
	Send(ctx context.Context, b []byte) error
	Close() error
}

type Session struct {
	ID       string
	Conn     Conn
	RoomID   string
	Username string
}

type Room struct {
	ID string

	// Members is guarded by the registry that owns the room,
	// use the registry snapshot instead of reading it directly.
	Members []*Session

	// Fanout serializes broadcasts to this room so that every member
	// observes messages in the same order.
	Fanout sync.Mutex
}

// Envelope types sent by clients.
const (
	EnvelopeTypeCreate = "create"
	EnvelopeTypeJoin   = "join"
	EnvelopeTypeChat   = "chat"
)

// Announcement types sent by server.
const (
	AnnouncementTypeRoomCreated = "roomCreated"
	AnnouncementTypeJoined      = "joined"
	AnnouncementTypeUserJoined  = "userJoined"
	AnnouncementTypeChat        = "chat"
	AnnouncementTypeError       = "error"
)

// Envelope is an inbound message, payload is decoded according to type.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type Announcement struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type (
	CreatePayload struct {
		RoomID   string `json:"roomId" validate:"required"`
		Username string `json:"username" validate:"required"`
	}

	JoinPayload struct {
		RoomID   string `json:"roomId" validate:"required"`
		Username string `json:"username" validate:"required"`
	}

	ChatPayload struct {
		Message *string `json:"message" validate:"required"`
	}
)

type (
	RoomPayload struct {
		RoomID string `json:"roomId"`
	}

	UserPayload struct {
		Username string `json:"username"`
	}

	ErrorPayload struct {
		Message string `json:"message"`
	}

	ChatMessage struct {
		Text      string `json:"text"`
		Sender    string `json:"sender"`
		Timestamp int64  `json:"timestamp"`
	}
)

func NewError(msg string) Announcement {
	return Announcement{
		Type:    AnnouncementTypeError,
		Payload: ErrorPayload{Message: msg},
	}
}
