package domain

import "time"

type RoomType string

const (
	RoomTypePrivate     RoomType = "PRIVATE"
	RoomTypeGroup       RoomType = "GROUP"
	RoomTypeProjectChat RoomType = "PROJECT_CHAT"
)

func (t RoomType) Valid() bool {
	switch t {
	case RoomTypePrivate, RoomTypeGroup, RoomTypeProjectChat:
		return true
	}
	return false
}

// DeliveryStatus is the per-recipient state of a message. It only moves forward.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "SENT"
	StatusDelivered DeliveryStatus = "DELIVERED"
	StatusSeen      DeliveryStatus = "SEEN"
)

func (s DeliveryStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusSeen:
		return 3
	}
	return 0
}

// SendState tracks an optimistic echo. Empty means the server owns the message.
type SendState string

const (
	SendStateConfirmed SendState = ""
	SendStateSending   SendState = "sending"
	SendStateFailed    SendState = "failed"
)

type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type MessageSnapshot struct {
	MessageID  string    `json:"messageId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Preview    string    `json:"preview"`
	Timestamp  time.Time `json:"timestamp"`
}

type Room struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Type         RoomType         `json:"type"`
	ProjectID    string           `json:"projectId,omitempty"`
	Participants []Participant    `json:"participants"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	LastMessage  *MessageSnapshot `json:"lastMessage,omitempty"`
	UnreadCount  int              `json:"unreadCount"`
	// Hidden rooms were left or archived; they stay in the store for late events.
	Hidden bool `json:"hidden,omitempty"`
	// NeedsRefetch marks a stub synthesized from a message for an unseen room.
	NeedsRefetch bool `json:"needsRefetch,omitempty"`
}

type Attachment struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	Name         string `json:"name,omitempty"`
	ContentType  string `json:"contentType,omitempty"`
	SizeBytes    int64  `json:"sizeBytes,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

type Reaction struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName,omitempty"`
	Emoji     string `json:"emoji"`
}

type Message struct {
	ID string `json:"id"`
	// ClientMessageID is the temporary id the sender generated; servers that
	// support it echo it back on the created message.
	ClientMessageID  string                    `json:"clientMessageId,omitempty"`
	RoomID           string                    `json:"roomId"`
	SenderID         string                    `json:"senderId"`
	SenderName       string                    `json:"senderName"`
	Content          *string                   `json:"content"`
	Timestamp        time.Time                 `json:"timestamp"`
	Statuses         map[string]DeliveryStatus `json:"statuses,omitempty"`
	Attachments      []Attachment              `json:"attachments,omitempty"`
	ReplyToMessageID string                    `json:"replyToMessageId,omitempty"`
	MentionUserIDs   []string                  `json:"mentionUserIds,omitempty"`
	Edited           bool                      `json:"edited,omitempty"`
	Deleted          bool                      `json:"deleted,omitempty"`
	Reactions        []Reaction                `json:"reactions,omitempty"`
	SendState        SendState                 `json:"sendState,omitempty"`
}

func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// Delivery is the least advanced recipient status, SENT when nobody reported yet.
func (m Message) Delivery() DeliveryStatus {
	lowest := StatusSeen
	if len(m.Statuses) == 0 {
		return StatusSent
	}
	for _, s := range m.Statuses {
		if s.Rank() < lowest.Rank() {
			lowest = s
		}
	}
	if lowest.Rank() < StatusSent.Rank() {
		return StatusSent
	}
	return lowest
}

func (m Message) Snapshot() *MessageSnapshot {
	preview := m.Text()
	if m.Deleted {
		preview = ""
	}
	if len([]rune(preview)) > 120 {
		preview = string([]rune(preview)[:120])
	}
	return &MessageSnapshot{
		MessageID:  m.ID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Preview:    preview,
		Timestamp:  m.Timestamp,
	}
}

// Clone deep-copies the mutable collections so snapshots never alias store state.
func (m Message) Clone() Message {
	out := m
	if m.Content != nil {
		c := *m.Content
		out.Content = &c
	}
	if m.Statuses != nil {
		out.Statuses = make(map[string]DeliveryStatus, len(m.Statuses))
		for k, v := range m.Statuses {
			out.Statuses[k] = v
		}
	}
	out.Attachments = append([]Attachment(nil), m.Attachments...)
	out.MentionUserIDs = append([]string(nil), m.MentionUserIDs...)
	out.Reactions = append([]Reaction(nil), m.Reactions...)
	return out
}

func (r Room) Clone() Room {
	out := r
	out.Participants = append([]Participant(nil), r.Participants...)
	if r.LastMessage != nil {
		snap := *r.LastMessage
		out.LastMessage = &snap
	}
	return out
}

type Presence struct {
	UserID     string    `json:"userId"`
	Online     bool      `json:"online"`
	LastSeenAt time.Time `json:"lastSeen"`
}

type TypingEntry struct {
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Inbound event payloads, one per logical channel.

type StatusUpdate struct {
	MessageID string         `json:"messageId"`
	UserID    string         `json:"userId"`
	Status    DeliveryStatus `json:"status"`
	RoomID    string         `json:"roomId,omitempty"`
}

type TypingEvent struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Typing   bool   `json:"typing"`
	UserName string `json:"userName,omitempty"`
}

type PresenceEvent struct {
	UserID   string    `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}

type ReactionEvent struct {
	MessageID   string `json:"messageId"`
	UserID      string `json:"userId"`
	UserName    string `json:"userName,omitempty"`
	Emoji       string `json:"emoji"`
	AddReaction bool   `json:"addReaction"`
}

type SystemEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	RoomID  string `json:"roomId,omitempty"`
}

// Page mirrors the REST pagination envelope.
type Page[T any] struct {
	Content       []T  `json:"content"`
	TotalElements int  `json:"totalElements"`
	TotalPages    int  `json:"totalPages"`
	Number        int  `json:"number"`
	Size          int  `json:"size"`
	Last          bool `json:"last"`
}
