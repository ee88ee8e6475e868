package service

import (
	"time"

	"chatsync/server/chatsync/domain"
)

// Action is the closed set of store transitions.
type Action interface {
	actionName() string
}

type RoomsLoaded struct {
	Rooms []domain.Room
}

// RoomUpserted keeps the local unread counter unless Unread is set.
type RoomUpserted struct {
	Room   domain.Room
	Unread *int
}

// RoomSelected with an empty RoomID clears the active room.
type RoomSelected struct {
	RoomID string
}

type RoomHidden struct {
	RoomID string
}

type HistoryLoaded struct {
	RoomID   string
	Page     int
	Messages []domain.Message
}

type MessageReceived struct {
	Message domain.Message
}

type MessageStatusUpdated struct {
	Update domain.StatusUpdate
}

type MessagesRead struct {
	RoomID     string
	MessageIDs []string
}

type TypingChanged struct {
	RoomID    string
	UserID    string
	UserName  string
	Typing    bool
	ExpiresAt time.Time
}

type PresenceChanged struct {
	Presence domain.Presence
}

type ReactionChanged struct {
	Event domain.ReactionEvent
}

// OutboundQueued inserts an optimistic placeholder. Message.ID is the temp id.
type OutboundQueued struct {
	Message domain.Message
}

type OutboundFailed struct {
	TempID string
}

type OutboundRetrying struct {
	TempID string
	At     time.Time
}

func (RoomsLoaded) actionName() string          { return "rooms-loaded" }
func (RoomUpserted) actionName() string         { return "room-upserted" }
func (RoomSelected) actionName() string         { return "room-selected" }
func (RoomHidden) actionName() string           { return "room-hidden" }
func (HistoryLoaded) actionName() string        { return "history-loaded" }
func (MessageReceived) actionName() string      { return "message-received" }
func (MessageStatusUpdated) actionName() string { return "message-status-updated" }
func (MessagesRead) actionName() string         { return "messages-read" }
func (TypingChanged) actionName() string        { return "typing-changed" }
func (PresenceChanged) actionName() string      { return "presence-changed" }
func (ReactionChanged) actionName() string      { return "reaction-changed" }
func (OutboundQueued) actionName() string       { return "outbound-queued" }
func (OutboundFailed) actionName() string       { return "outbound-failed" }
func (OutboundRetrying) actionName() string     { return "outbound-retrying" }

// Change describes what one Dispatch did. Applied is false for no-ops.
type Change struct {
	Action         string   `json:"action"`
	Applied        bool     `json:"applied"`
	RoomID         string   `json:"roomId,omitempty"`
	MessageIDs     []string `json:"messageIds,omitempty"`
	UserID         string   `json:"userId,omitempty"`
	ResolvedTempID string   `json:"resolvedTempId,omitempty"`
	Unread         int      `json:"unread"`
}
