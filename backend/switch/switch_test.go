package _switch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adwski/chat-relay/backend/model"
	"github.com/adwski/chat-relay/backend/model/mocks"
	"github.com/adwski/chat-relay/backend/storage/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newConn(ctrl *gomock.Controller, id string) *mocks.MockConn {
	conn := mocks.NewMockConn(ctrl)
	conn.EXPECT().ID().Return(id).AnyTimes()
	return conn
}

func newRoom(t *testing.T, store *memory.MemStore, roomID string, conns ...model.Conn) (*model.Room, []*model.Session) {
	t.Helper()

	owner, err := store.CreateRoom(conns[0], roomID, conns[0].ID())
	require.NoError(t, err)
	sessions := []*model.Session{owner}

	room, ok := store.FindRoom(roomID)
	require.True(t, ok)
	for _, conn := range conns[1:] {
		sess, err := store.JoinRoom(conn, room, conn.ID())
		require.NoError(t, err)
		sessions = append(sessions, sess)
	}
	return room, sessions
}

func TestSwitch_Broadcast(t *testing.T) {
	ctrl := gomock.NewController(t)
	logger := zerolog.Nop()
	store := memory.NewMemStore()
	sw := NewSwitch(Config{Logger: &logger, Registry: store})

	c1, c2, c3 := newConn(ctrl, "c1"), newConn(ctrl, "c2"), newConn(ctrl, "c3")
	room, sessions := newRoom(t, store, "r1", c1, c2, c3)

	want := `{"type":"userJoined","payload":{"username":"carol"}}`
	expectPayload := func(_ context.Context, b []byte) error {
		require.JSONEq(t, want, string(b))
		return nil
	}
	c1.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(expectPayload).Times(1)
	c2.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(expectPayload).Times(1)
	c3.EXPECT().Send(gomock.Any(), gomock.Any()).Times(0)

	err := sw.Broadcast(context.Background(), room, model.Announcement{
		Type:    model.AnnouncementTypeUserJoined,
		Payload: model.UserPayload{Username: "carol"},
	}, sessions[2])
	require.NoError(t, err)
}

func TestSwitch_Broadcast_FailureIsolation(t *testing.T) {
	ctrl := gomock.NewController(t)
	logger := zerolog.Nop()
	store := memory.NewMemStore()
	sw := NewSwitch(Config{Logger: &logger, Registry: store})

	c1, c2, c3 := newConn(ctrl, "c1"), newConn(ctrl, "c2"), newConn(ctrl, "c3")
	room, sessions := newRoom(t, store, "r1", c1, c2, c3)

	errClosed := errors.New("connection closed")
	c1.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil).Times(1)
	c2.EXPECT().Send(gomock.Any(), gomock.Any()).Return(errClosed).Times(1)
	c3.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil).Times(1)

	err := sw.Broadcast(context.Background(), room, model.Announcement{
		Type:    model.AnnouncementTypeChat,
		Payload: model.ChatMessage{Text: "hi", Sender: "c1", Timestamp: 1},
	}, nil)
	require.ErrorIs(t, err, ErrDelivery)
	require.ErrorIs(t, err, errClosed)

	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	require.Equal(t, sessions[1].ID, de.SessionID)
	require.Equal(t, "c2", de.ConnID)
}

func TestSwitch_Broadcast_SendTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	logger := zerolog.Nop()
	store := memory.NewMemStore()
	sw := NewSwitch(Config{
		Logger:      &logger,
		Registry:    store,
		SendTimeout: 20 * time.Millisecond,
	})

	c1, c2 := newConn(ctrl, "c1"), newConn(ctrl, "c2")
	room, _ := newRoom(t, store, "r1", c1, c2)

	// c1 is stalled, c2 must still get the message
	c1.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ []byte) error {
			<-ctx.Done()
			return ctx.Err()
		}).Times(1)
	c2.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil).Times(1)

	start := time.Now()
	err := sw.Broadcast(context.Background(), room, model.Announcement{
		Type:    model.AnnouncementTypeChat,
		Payload: model.ChatMessage{Text: "hi"},
	}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
}

func TestSwitch_Broadcast_CanceledContext(t *testing.T) {
	ctrl := gomock.NewController(t)
	logger := zerolog.Nop()
	store := memory.NewMemStore()
	sw := NewSwitch(Config{Logger: &logger, Registry: store})

	c1, c2, c3 := newConn(ctrl, "c1"), newConn(ctrl, "c2"), newConn(ctrl, "c3")
	room, _ := newRoom(t, store, "r1", c1, c2, c3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// first recipient's connection dies in the middle of fanout
	c1.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, []byte) error {
			cancel()
			return nil
		}).Times(1)
	delivered := func(ctx context.Context, _ []byte) error {
		require.NoError(t, ctx.Err())
		_, ok := ctx.Deadline()
		require.True(t, ok)
		return nil
	}
	c2.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(delivered).Times(1)
	c3.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(delivered).Times(1)

	require.NoError(t, sw.Broadcast(ctx, room, model.Announcement{
		Type:    model.AnnouncementTypeChat,
		Payload: model.ChatMessage{Text: "hi"},
	}, nil))
}

func TestSwitch_Broadcast_EmptyRoom(t *testing.T) {
	ctrl := gomock.NewController(t)
	logger := zerolog.Nop()
	store := memory.NewMemStore()
	sw := NewSwitch(Config{Logger: &logger, Registry: store})

	c1 := newConn(ctrl, "c1")
	room, sessions := newRoom(t, store, "r1", c1)

	require.NoError(t, sw.Broadcast(context.Background(), room, model.Announcement{
		Type: model.AnnouncementTypeChat,
	}, sessions[0]))
}

func TestSwitch_Send(t *testing.T) {
	ctrl := gomock.NewController(t)
	logger := zerolog.Nop()
	sw := NewSwitch(Config{Logger: &logger, Registry: memory.NewMemStore()})

	conn := newConn(ctrl, "c1")
	conn.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, b []byte) error {
			_, ok := ctx.Deadline()
			require.True(t, ok)
			require.JSONEq(t, `{"type":"roomCreated","payload":{"roomId":"r1"}}`, string(b))
			return nil
		}).Times(1)

	require.NoError(t, sw.Send(context.Background(), conn, model.Announcement{
		Type:    model.AnnouncementTypeRoomCreated,
		Payload: model.RoomPayload{RoomID: "r1"},
	}))

	failing := newConn(ctrl, "c2")
	failing.EXPECT().Send(gomock.Any(), gomock.Any()).Return(errors.New("boom")).Times(1)
	require.ErrorIs(t, sw.Send(context.Background(), failing, model.NewError("x")), ErrDelivery)
}
