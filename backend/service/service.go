package service

import (
	"context"
	"errors"
	"time"

	"github.com/adwski/chat-relay/backend/codec"
	"github.com/adwski/chat-relay/backend/metrics"
	"github.com/adwski/chat-relay/backend/model"
	"github.com/adwski/chat-relay/backend/storage/memory"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

// Error messages visible to clients.
const (
	errMsgInvalidFormat = "Invalid message format"
	errMsgRoomNotFound  = "Room not found"
	errMsgRoomExists    = "Room already exists"
	errMsgAlreadyInRoom = "Already in a room"
)

const (
	envelopeTypeInvalid = "invalid"
	envelopeTypeUnknown = "unknown"
)

type (
	Registry interface {
		CreateRoom(conn model.Conn, roomID, username string) (*model.Session, error)
		JoinRoom(conn model.Conn, room *model.Room, username string) (*model.Session, error)
		FindSession(conn model.Conn) (*model.Session, bool)
		FindRoom(roomID string) (*model.Room, bool)
		RemoveSession(conn model.Conn) (*model.Session, bool)
		Stats() (sessions, rooms int)
	}

	Switch interface {
		Send(ctx context.Context, conn model.Conn, ann model.Announcement) error
		Broadcast(ctx context.Context, room *model.Room, ann model.Announcement, exclude *model.Session) error
		BroadcastLocked(ctx context.Context, room *model.Room, ann model.Announcement, exclude *model.Session) error
	}

	Service struct {
		reg     Registry
		sw      Switch
		metrics *metrics.Metrics
		now     func() time.Time
		logger  zerolog.Logger
	}

	Config struct {
		Registry Registry
		Switch   Switch
		Metrics  *metrics.Metrics
		Logger   *zerolog.Logger

		// Clock stamps chat messages, time.Now is used if not set.
		Clock func() time.Time
	}
)

func NewService(cfg Config) *Service {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Service{
		reg:     cfg.Registry,
		sw:      cfg.Switch,
		metrics: cfg.Metrics,
		now:     now,
		logger:  cfg.Logger.With().Str("component", "router").Logger(),
	}
}

// HandleMessage routes single inbound message from conn.
// Protocol errors are replied to conn and also returned to the caller.
func (svc *Service) HandleMessage(ctx context.Context, conn model.Conn, raw []byte) error {
	env, err := codec.Decode(raw)
	if err != nil {
		svc.metrics.EnvelopeReceived(envelopeTypeInvalid)
		return svc.reject(ctx, conn, err)
	}

	logger := svc.logger.With().
		Str("connID", conn.ID()).
		Str("type", env.Type).
		Logger()
	logger.Trace().
		Func(func(e *zerolog.Event) { e.Str("envelope", spew.Sdump(env)) }).
		Msg("got envelope")

	switch env.Type {
	case model.EnvelopeTypeCreate:
		err = svc.createRoom(ctx, conn, env, &logger)
	case model.EnvelopeTypeJoin:
		err = svc.joinRoom(ctx, conn, env, &logger)
	case model.EnvelopeTypeChat:
		err = svc.chat(ctx, conn, env, &logger)
	default:
		svc.metrics.EnvelopeReceived(envelopeTypeUnknown)
		logger.Debug().Msg("unknown envelope type ignored")
		return nil
	}
	if errors.Is(err, codec.ErrDecode) {
		svc.metrics.EnvelopeReceived(envelopeTypeInvalid)
	} else {
		svc.metrics.EnvelopeReceived(env.Type)
	}
	if err != nil {
		return svc.reject(ctx, conn, err)
	}
	return nil
}

// Disconnect removes conn's session and its room if nobody is left there.
// It is safe to call more than once for the same conn.
func (svc *Service) Disconnect(conn model.Conn) {
	sess, roomRemoved := svc.reg.RemoveSession(conn)
	if sess == nil {
		svc.logger.Debug().Str("connID", conn.ID()).Msg("connection closed without session")
		return
	}
	svc.updateStats()

	logger := svc.logger.With().
		Str("connID", conn.ID()).
		Str("sessionID", sess.ID).
		Str("roomID", sess.RoomID).
		Logger()
	logger.Debug().Msg("session removed")
	if roomRemoved {
		logger.Debug().Msg("room removed")
	}
}

func (svc *Service) createRoom(ctx context.Context, conn model.Conn, env *model.Envelope, logger *zerolog.Logger) error {
	var p model.CreatePayload
	if err := codec.DecodePayload(env, &p); err != nil {
		return err
	}

	sess, err := svc.reg.CreateRoom(conn, p.RoomID, p.Username)
	if err != nil {
		return err
	}
	svc.updateStats()
	logger.Debug().
		Str("sessionID", sess.ID).
		Str("roomID", p.RoomID).
		Str("username", p.Username).
		Msg("room created")

	svc.reply(ctx, conn, model.Announcement{
		Type:    model.AnnouncementTypeRoomCreated,
		Payload: model.RoomPayload{RoomID: p.RoomID},
	}, logger)
	return nil
}

func (svc *Service) joinRoom(ctx context.Context, conn model.Conn, env *model.Envelope, logger *zerolog.Logger) error {
	var p model.JoinPayload
	if err := codec.DecodePayload(env, &p); err != nil {
		return err
	}

	room, ok := svc.reg.FindRoom(p.RoomID)
	if !ok {
		return memory.ErrRoomNotFound
	}

	// Joiner must get its reply before any chat broadcasted to the room,
	// so membership and both announcements happen under fanout lock.
	room.Fanout.Lock()
	defer room.Fanout.Unlock()

	sess, err := svc.reg.JoinRoom(conn, room, p.Username)
	if err != nil {
		return err
	}
	svc.updateStats()
	logger.Debug().
		Str("sessionID", sess.ID).
		Str("roomID", p.RoomID).
		Str("username", p.Username).
		Msg("user joined room")

	svc.reply(ctx, conn, model.Announcement{
		Type:    model.AnnouncementTypeJoined,
		Payload: model.RoomPayload{RoomID: p.RoomID},
	}, logger)

	err = svc.sw.BroadcastLocked(ctx, room, model.Announcement{
		Type:    model.AnnouncementTypeUserJoined,
		Payload: model.UserPayload{Username: p.Username},
	}, sess)
	if err != nil {
		logger.Warn().Err(err).Msg("userJoined was not delivered to some members")
	}
	return nil
}

// chat is silently dropped if conn is not attached or its room is gone.
func (svc *Service) chat(ctx context.Context, conn model.Conn, env *model.Envelope, logger *zerolog.Logger) error {
	var p model.ChatPayload
	if err := codec.DecodePayload(env, &p); err != nil {
		return err
	}

	sess, ok := svc.reg.FindSession(conn)
	if !ok {
		logger.Debug().Msg("chat from unattached connection dropped")
		return nil
	}
	room, ok := svc.reg.FindRoom(sess.RoomID)
	if !ok {
		logger.Debug().Str("roomID", sess.RoomID).Msg("chat to missing room dropped")
		return nil
	}

	err := svc.sw.Broadcast(ctx, room, model.Announcement{
		Type: model.AnnouncementTypeChat,
		Payload: model.ChatMessage{
			Text:      *p.Message,
			Sender:    sess.Username,
			Timestamp: svc.now().UnixMilli(),
		},
	}, nil)
	if err != nil {
		logger.Warn().Err(err).Str("roomID", room.ID).Msg("chat was not delivered to some members")
	}
	return nil
}

// reject replies with error announcement matching err and returns err.
func (svc *Service) reject(ctx context.Context, conn model.Conn, err error) error {
	var msg string
	switch {
	case errors.Is(err, codec.ErrDecode):
		msg = errMsgInvalidFormat
	case errors.Is(err, memory.ErrRoomNotFound):
		msg = errMsgRoomNotFound
	case errors.Is(err, memory.ErrRoomExists):
		msg = errMsgRoomExists
	case errors.Is(err, memory.ErrAlreadyAttached):
		msg = errMsgAlreadyInRoom
	default:
		svc.logger.Error().Err(err).Str("connID", conn.ID()).Msg("unexpected routing error")
		return err
	}

	logger := svc.logger.With().Str("connID", conn.ID()).Logger()
	logger.Debug().Err(err).Msg("rejecting message")
	svc.reply(ctx, conn, model.NewError(msg), &logger)
	return err
}

func (svc *Service) reply(ctx context.Context, conn model.Conn, ann model.Announcement, logger *zerolog.Logger) {
	if err := svc.sw.Send(ctx, conn, ann); err != nil {
		logger.Warn().Err(err).Str("reply", ann.Type).Msg("failed to send reply")
	}
}

func (svc *Service) updateStats() {
	svc.metrics.SetRegistrySize(svc.reg.Stats())
}
