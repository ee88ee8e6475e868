package service

import (
	"time"

	"chatsync/server/chatsync/domain"
)

// StateEvent is the outward form of a store change, shared by the hub, the
// event publisher and the archive.
type StateEvent struct {
	UserID   string           `json:"userId"`
	Change   Change           `json:"change"`
	Room     *domain.Room     `json:"room,omitempty"`
	Messages []domain.Message `json:"messages,omitempty"`
	At       time.Time        `json:"at"`
}

const maxEventMessages = 100

// snapshotEvent reads the touched room and messages back from the store. It
// must run from a store listener or later, never inside Dispatch.
func snapshotEvent(store *Store, ch Change) StateEvent {
	ev := StateEvent{UserID: store.SelfID(), Change: ch, At: time.Now()}
	if ch.RoomID != "" {
		if room, ok := store.Room(ch.RoomID); ok {
			ev.Room = &room
		}
	}
	for i, id := range ch.MessageIDs {
		if i >= maxEventMessages {
			break
		}
		if msg, ok := store.Message(id); ok {
			ev.Messages = append(ev.Messages, msg)
		}
	}
	return ev
}
