package _switch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adwski/chat-relay/backend/codec"
	"github.com/adwski/chat-relay/backend/metrics"
	"github.com/adwski/chat-relay/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultSendTimeout = time.Second
)

var (
	ErrDelivery = errors.New("delivery failed")
)

// DeliveryError describes a failed send to a single recipient.
type DeliveryError struct {
	SessionID string
	ConnID    string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%v: session %s, conn %s: %v", ErrDelivery, e.SessionID, e.ConnID, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	return []error{ErrDelivery, e.Err}
}

type (
	Registry interface {
		Members(room *model.Room) []*model.Session
	}

	Config struct {
		Logger      *zerolog.Logger
		Registry    Registry
		Metrics     *metrics.Metrics
		SendTimeout time.Duration
	}

	Switch struct {
		logger      zerolog.Logger
		reg         Registry
		metrics     *metrics.Metrics
		sendTimeout time.Duration
	}
)

func NewSwitch(cfg Config) *Switch {
	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	return &Switch{
		logger:      cfg.Logger.With().Str("component", "switch").Logger(),
		reg:         cfg.Registry,
		metrics:     cfg.Metrics,
		sendTimeout: sendTimeout,
	}
}

// Send delivers announcement to a single connection.
func (sw *Switch) Send(ctx context.Context, conn model.Conn, ann model.Announcement) error {
	b, err := codec.Encode(ann)
	if err != nil {
		return err
	}
	if err = sw.send(ctx, conn, b); err != nil {
		sw.metrics.DeliveryFailed(1)
		return errors.Join(ErrDelivery, err)
	}
	return nil
}

// Broadcast delivers announcement to every room member except the excluded
// session (which may be nil). A failed send to one member does not affect
// the others, all failures are returned joined together.
func (sw *Switch) Broadcast(ctx context.Context, room *model.Room, ann model.Announcement, exclude *model.Session) error {
	room.Fanout.Lock()
	defer room.Fanout.Unlock()
	return sw.BroadcastLocked(ctx, room, ann, exclude)
}

// BroadcastLocked is Broadcast for callers already holding room.Fanout.
func (sw *Switch) BroadcastLocked(ctx context.Context, room *model.Room, ann model.Announcement, exclude *model.Session) error {
	b, err := codec.Encode(ann)
	if err != nil {
		return err
	}

	logger := sw.logger.With().
		Str("roomID", room.ID).
		Str("type", ann.Type).
		Logger()

	var (
		sent int
		errs []error
	)
	for _, member := range sw.reg.Members(room) {
		if member == exclude {
			continue
		}
		if err = sw.send(ctx, member.Conn, b); err != nil {
			logger.Warn().Err(err).
				Str("sessionID", member.ID).
				Str("dst", member.Conn.ID()).
				Msg("failed to deliver announcement")
			errs = append(errs, &DeliveryError{
				SessionID: member.ID,
				ConnID:    member.Conn.ID(),
				Err:       err,
			})
			continue
		}
		sent++
	}

	sw.metrics.DeliveryFailed(len(errs))
	if sent == 0 && len(errs) == 0 {
		logger.Debug().Msg("broadcast did not reach anyone")
	} else {
		logger.Trace().Int("sent", sent).Int("failed", len(errs)).Msg("announcement is broadcasted")
	}
	return errors.Join(errs...)
}

// send is bounded by send timeout only, an accepted message must reach
// every recipient even if the originating connection goes away meanwhile.
func (sw *Switch) send(ctx context.Context, conn model.Conn, b []byte) error {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sw.sendTimeout)
	defer cancel()
	return conn.Send(sendCtx, b)
}
