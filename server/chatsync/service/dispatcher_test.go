package service

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/server/chatsync/domain"
	"chatsync/server/common/transport/stomp"
)

type eventRecorder struct {
	calls     []string
	messages  []domain.Message
	statuses  []domain.StatusUpdate
	typing    []domain.TypingEvent
	presence  []domain.PresenceEvent
	reactions []domain.ReactionEvent
	system    []domain.SystemEvent
}

func (r *eventRecorder) HandleMessage(m domain.Message) {
	r.calls = append(r.calls, "message")
	r.messages = append(r.messages, m)
}

func (r *eventRecorder) HandleStatus(u domain.StatusUpdate) {
	r.calls = append(r.calls, "status")
	r.statuses = append(r.statuses, u)
}

func (r *eventRecorder) HandleTyping(e domain.TypingEvent) {
	r.calls = append(r.calls, "typing")
	r.typing = append(r.typing, e)
}

func (r *eventRecorder) HandlePresence(e domain.PresenceEvent) {
	r.calls = append(r.calls, "presence")
	r.presence = append(r.presence, e)
}

func (r *eventRecorder) HandleReaction(e domain.ReactionEvent) {
	r.calls = append(r.calls, "reaction")
	r.reactions = append(r.reactions, e)
}

func (r *eventRecorder) HandleSystem(e domain.SystemEvent) {
	r.calls = append(r.calls, "system")
	r.system = append(r.system, e)
}

func messageFrame(sub, dest, body string) stomp.Frame {
	f := stomp.New(stomp.CommandMessage, stomp.HeaderSubscription, sub, stomp.HeaderDestination, dest)
	f.Body = []byte(body)
	return f
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *SubscriptionRegistry, *eventRecorder, *prometheus.Registry) {
	t.Helper()
	registry := NewSubscriptionRegistry()
	for _, ch := range StandardChannels() {
		registry.Subscribe(ch)
	}
	rec := &eventRecorder{}
	reg := prometheus.NewRegistry()
	return NewDispatcher(registry, rec, NewMetrics(reg)), registry, rec, reg
}

// counterValue reads one labelled sample from reg.
func counterValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestDispatchBySubscription(t *testing.T) {
	d, registry, rec, _ := newTestDispatcher(t)
	status := registry.Subscribe(ChannelStatus)

	d.HandleFrame(messageFrame(status.ID, "", `{"messageId":"m1","userId":"u7","status":"SEEN"}`))

	assert.Equal(t, []string{"status"}, rec.calls)
	assert.Equal(t, domain.StatusSeen, rec.statuses[0].Status)
	assert.Empty(t, rec.statuses[0].RoomID)
}

func TestDispatchByDestinationWhenSubscriptionUnknown(t *testing.T) {
	d, _, rec, _ := newTestDispatcher(t)

	d.HandleFrame(messageFrame("", ChannelTyping.Destination, `{"roomId":"r1","userId":"u2","typing":true}`))
	d.HandleFrame(messageFrame("sub-999", ChannelPresence.Destination, `{"userId":"u2","online":true}`))

	assert.Equal(t, []string{"typing", "presence"}, rec.calls)
	assert.True(t, rec.typing[0].Typing)
}

func TestDispatchTypeFieldOverridesChannel(t *testing.T) {
	d, registry, rec, _ := newTestDispatcher(t)
	room := registry.Subscribe(RoomChannel("r1"))

	d.HandleFrame(messageFrame(room.ID, "", `{"type":"reaction","payload":{"messageId":"m1","userId":"u2","emoji":"🎉","addReaction":true}}`))
	d.HandleFrame(messageFrame(room.ID, "", `{"id":"m2","roomId":"r1","senderId":"u2","content":"yo","timestamp":"2024-05-01T10:00:00Z"}`))

	assert.Equal(t, []string{"reaction", "message"}, rec.calls)
	assert.Equal(t, "🎉", rec.reactions[0].Emoji)
	assert.Equal(t, "yo", rec.messages[0].Text())
}

func TestDispatchErrorFrameIsSystem(t *testing.T) {
	d, _, rec, _ := newTestDispatcher(t)
	f := stomp.New(stomp.CommandError, stomp.HeaderMessage, "rate limited")

	d.HandleFrame(f)

	require.Len(t, rec.system, 1)
	assert.Equal(t, "error", rec.system[0].Type)
	assert.Equal(t, "rate limited", rec.system[0].Message)
}

func TestDispatchDropsBadFrames(t *testing.T) {
	d, _, rec, reg := newTestDispatcher(t)

	d.HandleFrame(messageFrame("", ChannelMessages.Destination, `{not json`))
	d.HandleFrame(messageFrame("", "/topic/unknown", `{"id":"m1"}`))
	d.HandleFrame(messageFrame("", ChannelMessages.Destination, `{"id":"m1"}`))
	d.HandleFrame(messageFrame("", ChannelStatus.Destination, `{"messageId":"m1","userId":"u1","status":"LOST"}`))

	assert.Empty(t, rec.calls)
	assert.Equal(t, 1.0, counterValue(t, reg, "chatsync_frames_dropped_total", "malformed"))
	assert.Equal(t, 1.0, counterValue(t, reg, "chatsync_frames_dropped_total", "unclassified"))
	assert.Equal(t, 2.0, counterValue(t, reg, "chatsync_frames_dropped_total", "invalid"))

	d.HandleFrame(messageFrame("", ChannelMessages.Destination, `{"id":"m1","roomId":"r1"}`))
	assert.Equal(t, []string{"message"}, rec.calls)
	assert.Equal(t, 1.0, counterValue(t, reg, "chatsync_frames_dispatched_total", string(KindMessage)))
}
