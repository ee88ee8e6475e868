package service

import (
	"strconv"
	"sync"

	"chatsync/server/common/transport/stomp"
)

type EventKind string

const (
	KindMessage  EventKind = "message"
	KindStatus   EventKind = "message-status"
	KindTyping   EventKind = "typing"
	KindPresence EventKind = "presence"
	KindReaction EventKind = "reaction"
	KindSystem   EventKind = "system"
)

// Channel is a logical inbound stream bound to one broker destination.
type Channel struct {
	Destination string
	Kind        EventKind
}

var (
	ChannelMessages = Channel{Destination: "/user/queue/messages", Kind: KindMessage}
	ChannelStatus   = Channel{Destination: "/user/queue/message-status", Kind: KindStatus}
	ChannelTyping   = Channel{Destination: "/user/queue/typing", Kind: KindTyping}
	ChannelPresence = Channel{Destination: "/topic/presence", Kind: KindPresence}
	ChannelReaction = Channel{Destination: "/user/queue/reactions", Kind: KindReaction}
	ChannelErrors   = Channel{Destination: "/user/queue/errors", Kind: KindSystem}
)

// StandardChannels are subscribed for every session.
func StandardChannels() []Channel {
	return []Channel{ChannelMessages, ChannelStatus, ChannelTyping, ChannelPresence, ChannelReaction, ChannelErrors}
}

func RoomChannel(roomID string) Channel {
	return Channel{Destination: "/topic/rooms/" + roomID, Kind: KindMessage}
}

// Outbound application destinations.
const (
	DestinationSend     = "/app/chat.send"
	DestinationRead     = "/app/chat.read"
	DestinationTyping   = "/app/chat.typing"
	DestinationPresence = "/app/presence"
	DestinationReaction = "/app/chat.reaction"
)

type Handle struct {
	ID      string
	Channel Channel
}

type FrameWriter interface {
	WriteFrame(f stomp.Frame) error
}

// SubscriptionRegistry remembers the active channel set so it can be replayed
// onto every new connection. Subscriptions never survive a reconnect on their own.
type SubscriptionRegistry struct {
	mu     sync.Mutex
	byDest map[string]Handle
	byID   map[string]Channel
	order  []string
	live   FrameWriter
	next   int
}

func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		byDest: map[string]Handle{},
		byID:   map[string]Channel{},
	}
}

// Subscribe is idempotent per destination and returns the existing handle on repeats.
func (r *SubscriptionRegistry) Subscribe(ch Channel) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.byDest[ch.Destination]; ok {
		return h
	}
	r.next++
	h := Handle{ID: "sub-" + strconv.Itoa(r.next), Channel: ch}
	r.byDest[ch.Destination] = h
	r.byID[h.ID] = ch
	r.order = append(r.order, ch.Destination)
	if r.live != nil {
		_ = r.live.WriteFrame(subscribeFrame(h))
	}
	return h
}

func (r *SubscriptionRegistry) Unsubscribe(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.byDest[h.Channel.Destination]
	if !ok || current.ID != h.ID {
		return
	}
	delete(r.byDest, h.Channel.Destination)
	delete(r.byID, h.ID)
	for i, dest := range r.order {
		if dest == h.Channel.Destination {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.live != nil {
		_ = r.live.WriteFrame(stomp.New(stomp.CommandUnsubscribe, stomp.HeaderID, h.ID))
	}
}

// Lookup resolves the channel behind a MESSAGE frame's subscription header.
func (r *SubscriptionRegistry) Lookup(subscriptionID string) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.byID[subscriptionID]
	return ch, ok
}

// LookupDestination matches a destination when the broker omits the subscription id.
func (r *SubscriptionRegistry) LookupDestination(dest string) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byDest[dest]
	return h.Channel, ok
}

func (r *SubscriptionRegistry) Active() []Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Channel, 0, len(r.order))
	for _, dest := range r.order {
		out = append(out, r.byDest[dest].Channel)
	}
	return out
}

// Replay attaches w and issues one SUBSCRIBE per active channel.
func (r *SubscriptionRegistry) Replay(w FrameWriter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live = w
	for _, dest := range r.order {
		if err := w.WriteFrame(subscribeFrame(r.byDest[dest])); err != nil {
			r.live = nil
			return err
		}
	}
	return nil
}

// Detach stops live frame writes until the next Replay.
func (r *SubscriptionRegistry) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live = nil
}

func subscribeFrame(h Handle) stomp.Frame {
	return stomp.New(stomp.CommandSubscribe,
		stomp.HeaderID, h.ID,
		stomp.HeaderDestination, h.Channel.Destination,
		"ack", "auto",
	)
}
