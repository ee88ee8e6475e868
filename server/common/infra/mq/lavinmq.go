package mq

import amqp "github.com/rabbitmq/amqp091-go"

const EventsExchange = "chatsync.events"

func NewConnection(url string) (*amqp.Connection, error) {
	return amqp.Dial(url)
}

// DeclareEvents opens a channel with the durable topic exchange state changes are published to.
func DeclareEvents(conn *amqp.Connection) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(EventsExchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}
