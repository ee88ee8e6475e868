package service

import (
	"encoding/json"
	"strings"

	"chatsync/server/chatsync/domain"
	commonlog "chatsync/server/common/log"
	"chatsync/server/common/transport/stomp"
)

// EventHandler receives exactly one call per accepted frame.
type EventHandler interface {
	HandleMessage(m domain.Message)
	HandleStatus(u domain.StatusUpdate)
	HandleTyping(e domain.TypingEvent)
	HandlePresence(e domain.PresenceEvent)
	HandleReaction(e domain.ReactionEvent)
	HandleSystem(e domain.SystemEvent)
}

type Dispatcher struct {
	registry *SubscriptionRegistry
	handler  EventHandler
	metrics  *Metrics
}

func NewDispatcher(registry *SubscriptionRegistry, handler EventHandler, metrics *Metrics) *Dispatcher {
	return &Dispatcher{registry: registry, handler: handler, metrics: metrics}
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

var typeKinds = map[string]EventKind{
	"message":        KindMessage,
	"chat_message":   KindMessage,
	"message-status": KindStatus,
	"message_status": KindStatus,
	"status":         KindStatus,
	"typing":         KindTyping,
	"presence":       KindPresence,
	"reaction":       KindReaction,
	"system":         KindSystem,
	"error":          KindSystem,
}

// HandleFrame runs on the connection's read goroutine, so frames are handled
// in transport order.
func (d *Dispatcher) HandleFrame(f stomp.Frame) {
	if f.Command == stomp.CommandError {
		d.metrics.frameHandled(KindSystem)
		d.handler.HandleSystem(domain.SystemEvent{
			Type:    "error",
			Message: firstNonEmpty(f.Get(stomp.HeaderMessage), string(f.Body)),
		})
		return
	}

	kind, ok := d.subscriptionKind(f)
	body := []byte(f.Body)
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		commonlog.Warnf("event=chat_frame action=parse status=dropped destination=%s error=%v", f.Get(stomp.HeaderDestination), err)
		d.metrics.frameDropped("malformed")
		return
	}
	if k, known := typeKinds[strings.ToLower(strings.TrimSpace(env.Type))]; known {
		kind, ok = k, true
	}
	if !ok {
		commonlog.Warnf("event=chat_frame action=classify status=dropped destination=%s type=%s", f.Get(stomp.HeaderDestination), env.Type)
		d.metrics.frameDropped("unclassified")
		return
	}
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		body = env.Payload
	}
	if err := d.deliver(kind, body); err != nil {
		commonlog.Warnf("event=chat_frame action=decode status=dropped kind=%s error=%v", kind, err)
		d.metrics.frameDropped("invalid")
		return
	}
	d.metrics.frameHandled(kind)
}

func (d *Dispatcher) subscriptionKind(f stomp.Frame) (EventKind, bool) {
	if id := f.Get(stomp.HeaderSubscription); id != "" {
		if ch, ok := d.registry.Lookup(id); ok {
			return ch.Kind, true
		}
	}
	if dest := f.Get(stomp.HeaderDestination); dest != "" {
		if ch, ok := d.registry.LookupDestination(dest); ok {
			return ch.Kind, true
		}
	}
	return "", false
}

func (d *Dispatcher) deliver(kind EventKind, body []byte) error {
	switch kind {
	case KindMessage:
		var m domain.Message
		if err := json.Unmarshal(body, &m); err != nil {
			return err
		}
		if m.ID == "" || m.RoomID == "" {
			return errMissingField("message id or room id")
		}
		d.handler.HandleMessage(m)
	case KindStatus:
		var u domain.StatusUpdate
		if err := json.Unmarshal(body, &u); err != nil {
			return err
		}
		if u.MessageID == "" || u.UserID == "" || u.Status.Rank() == 0 {
			return errMissingField("status fields")
		}
		d.handler.HandleStatus(u)
	case KindTyping:
		var e domain.TypingEvent
		if err := json.Unmarshal(body, &e); err != nil {
			return err
		}
		if e.RoomID == "" || e.UserID == "" {
			return errMissingField("typing room or user")
		}
		d.handler.HandleTyping(e)
	case KindPresence:
		var e domain.PresenceEvent
		if err := json.Unmarshal(body, &e); err != nil {
			return err
		}
		if e.UserID == "" {
			return errMissingField("presence user")
		}
		d.handler.HandlePresence(e)
	case KindReaction:
		var e domain.ReactionEvent
		if err := json.Unmarshal(body, &e); err != nil {
			return err
		}
		if e.MessageID == "" || e.UserID == "" || e.Emoji == "" {
			return errMissingField("reaction fields")
		}
		d.handler.HandleReaction(e)
	case KindSystem:
		var e domain.SystemEvent
		if err := json.Unmarshal(body, &e); err != nil {
			return err
		}
		d.handler.HandleSystem(e)
	default:
		return errMissingField("kind")
	}
	return nil
}

type errMissingField string

func (e errMissingField) Error() string {
	return "missing " + string(e)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
