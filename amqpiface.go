package jobq

import amqp "github.com/rabbitmq/amqp091-go"

// AMQPChannel is the narrow slice of *amqp.Channel's surface this package
// depends on. It exists so the Broker, Pool and Worker never touch the
// concrete amqp091-go types directly, and so tests can drive an in-memory
// double instead of a live broker (see spec.md §6, "Out of scope ...
// consumed via the interfaces enumerated in §6").
type AMQPChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Publish(exchange, routingKey string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Close() error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
}

// AMQPConnection is the narrow slice of *amqp.Connection's surface this
// package depends on.
type AMQPConnection interface {
	Channel() (AMQPChannel, error)
	Close() error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
}

// Dialer opens an AMQPConnection for a given AMQP URL. The default,
// amqpDialer, wraps amqp.DialConfig; tests substitute a fake.
type Dialer func(url string, cfg amqp.Config) (AMQPConnection, error)

// realConnection adapts *amqp.Connection to AMQPConnection; Channel()
// returns the *amqp.Channel itself, which satisfies AMQPChannel, so the whole
// call chain below Dial stays on the interface, never the concrete type.
type realConnection struct {
	conn *amqp.Connection
}

func (r *realConnection) Channel() (AMQPChannel, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (r *realConnection) Close() error { return r.conn.Close() }

func (r *realConnection) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	return r.conn.NotifyClose(c)
}

func (r *realConnection) IsClosed() bool { return r.conn.IsClosed() }

// amqpDialer is the production Dialer, backed by amqp091-go.
func amqpDialer(url string, cfg amqp.Config) (AMQPConnection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return &realConnection{conn: conn}, nil
}
