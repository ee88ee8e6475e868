package service

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"chatsync/server/common/infra/mq"
	commonlog "chatsync/server/common/log"
)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher mirrors store changes onto the events exchange with routing
// key "<userId>.<action>". Publishing happens on its own goroutine; when the
// buffer is full new events are dropped.
type AMQPPublisher struct {
	channel amqpChannel
	store   *Store
	events  chan StateEvent
	timeout time.Duration
}

func NewAMQPPublisher(channel amqpChannel, store *Store, buffer int) *AMQPPublisher {
	if buffer <= 0 {
		buffer = 256
	}
	return &AMQPPublisher{
		channel: channel,
		store:   store,
		events:  make(chan StateEvent, buffer),
		timeout: 5 * time.Second,
	}
}

func (p *AMQPPublisher) OnChange(ch Change) {
	ev := snapshotEvent(p.store, ch)
	select {
	case p.events <- ev:
	default:
		commonlog.Warnf("event=chat_publisher action=enqueue status=dropped change=%s", ch.Action)
	}
}

// Run publishes until ctx is done.
func (p *AMQPPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.events:
			if err := p.publish(ctx, ev); err != nil {
				commonlog.Warnf("event=chat_publisher action=publish status=failed change=%s error=%v", ev.Change.Action, err)
			}
		}
	}
}

func (p *AMQPPublisher) publish(ctx context.Context, ev StateEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	pubCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.channel.PublishWithContext(pubCtx, mq.EventsExchange, routingKey(ev), false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   ev.At,
	})
}

func routingKey(ev StateEvent) string {
	if ev.UserID == "" {
		return ev.Change.Action
	}
	return ev.UserID + "." + ev.Change.Action
}

func (p *AMQPPublisher) Close() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
}
