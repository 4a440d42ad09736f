package memory

import (
	"errors"
	"sync"

	"github.com/adwski/chat-relay/backend/model"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

var (
	ErrRoomNotFound    = errors.New("room is not found")
	ErrRoomExists      = errors.New("room already exists")
	ErrAlreadyAttached = errors.New("connection is already attached to a room")
)

// MemStore keeps sessions indexed by connection and rooms indexed by id.
// Both indices share the same Session objects and are guarded by one lock,
// so membership changes and empty room cleanup happen in a single step.
type MemStore struct {
	mx       *sync.RWMutex
	sessions map[string]*model.Session
	rooms    map[string]*model.Room
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx:       &sync.RWMutex{},
		sessions: make(map[string]*model.Session),
		rooms:    make(map[string]*model.Room),
	}
}

// CreateRoom creates room and attaches conn to it as the first member.
func (ms *MemStore) CreateRoom(conn model.Conn, roomID, username string) (*model.Session, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if _, ok := ms.sessions[conn.ID()]; ok {
		return nil, ErrAlreadyAttached
	}
	if _, ok := ms.rooms[roomID]; ok {
		return nil, ErrRoomExists
	}
	ms.rooms[roomID] = &model.Room{ID: roomID}

	sess := ms.register(conn, roomID, username)
	if err := ms.addMember(roomID, sess); err != nil {
		return nil, err // unreachable, room is inserted above
	}
	return sess, nil
}

// JoinRoom attaches conn to room previously obtained with FindRoom.
// It fails with ErrRoomNotFound if room is no longer registered,
// even if another room with the same id was created since.
func (ms *MemStore) JoinRoom(conn model.Conn, room *model.Room, username string) (*model.Session, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if _, ok := ms.sessions[conn.ID()]; ok {
		return nil, ErrAlreadyAttached
	}
	if ms.rooms[room.ID] != room {
		return nil, ErrRoomNotFound
	}

	sess := ms.register(conn, room.ID, username)
	if err := ms.addMember(room.ID, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (ms *MemStore) FindSession(conn model.Conn) (*model.Session, bool) {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	sess, ok := ms.sessions[conn.ID()]
	return sess, ok
}

func (ms *MemStore) FindRoom(roomID string) (*model.Room, bool) {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	room, ok := ms.rooms[roomID]
	return room, ok
}

// RemoveSession detaches conn's session from its room and forgets it.
// If the room has no members left it is removed as well.
// Calling it again for the same conn is a no-op.
func (ms *MemStore) RemoveSession(conn model.Conn) (sess *model.Session, roomRemoved bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	sess, ok := ms.sessions[conn.ID()]
	if !ok {
		return nil, false
	}
	delete(ms.sessions, conn.ID())
	return sess, ms.removeMember(sess.RoomID, sess)
}

// Members returns a snapshot of room members in join order.
func (ms *MemStore) Members(room *model.Room) []*model.Session {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	members := make([]*model.Session, len(room.Members))
	copy(members, room.Members)
	return members
}

// Stats returns the number of live sessions and rooms.
func (ms *MemStore) Stats() (sessions, rooms int) {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	return len(ms.sessions), len(ms.rooms)
}

func (ms *MemStore) register(conn model.Conn, roomID, username string) *model.Session {
	sess := &model.Session{
		ID:       uuid.NewString(),
		Conn:     conn,
		RoomID:   roomID,
		Username: username,
	}
	ms.sessions[conn.ID()] = sess
	return sess
}

func (ms *MemStore) addMember(roomID string, sess *model.Session) error {
	room, ok := ms.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	room.Members = append(room.Members, sess)
	return nil
}

// removeMember must be called with write lock held.
// It returns true if the room became empty and was removed.
func (ms *MemStore) removeMember(roomID string, sess *model.Session) bool {
	room, ok := ms.rooms[roomID]
	if !ok {
		return false
	}
	room.Members = lo.Filter(room.Members, func(m *model.Session, _ int) bool {
		return m != sess
	})
	if len(room.Members) == 0 {
		delete(ms.rooms, roomID)
		return true
	}
	return false
}
