package jobq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	uuid "github.com/satori/go.uuid"
)

// ConnectionParams configures the single AMQP connection owned by a Broker
// (spec.md §3, "ConnectionParams"). It is immutable for the life of a
// Broker — construct a new Broker to change any of these.
type ConnectionParams struct {
	Host     string
	Port     int
	Username string
	Password string
	VHost    string

	FrameSize int
	Heartbeat time.Duration

	// MaxRetries is how many additional dial attempts Connect makes after
	// the first failure; Connect therefore dials up to MaxRetries+1 times.
	MaxRetries int
	RetryDelay time.Duration

	// PoolSize is the number of channels the Channel Pool opens once the
	// connection succeeds. Defaults to 5 if zero (spec.md §6).
	PoolSize int

	// Prefetch is the default per-consumer prefetch used by Worker when a
	// WorkerConfig does not override it. Defaults to 1 if zero.
	Prefetch int
}

// URL renders the AMQP 0-9-1 connection URL for these params.
func (p ConnectionParams) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s", p.Username, p.Password, p.Host, p.Port, vhostPath(p.VHost))
}

func vhostPath(vhost string) string {
	if vhost == "" || vhost == "/" {
		return "/"
	}
	return "/" + vhost
}

// withDefaults returns a copy of p with the defaults from spec.md §6 applied
// to zero-valued fields.
func (p ConnectionParams) withDefaults() ConnectionParams {
	if p.PoolSize == 0 {
		p.PoolSize = DefaultPoolSize
	}
	if p.Prefetch == 0 {
		p.Prefetch = DefaultPrefetch
	}
	if p.RetryDelay == 0 {
		p.RetryDelay = DefaultRetryDelay
	}
	if p.FrameSize == 0 {
		p.FrameSize = DefaultFrameSize
	}
	return p
}

// Defaults named in spec.md §6, "Environment / configuration recognized".
const (
	DefaultPoolSize   = 5
	DefaultPrefetch   = 1
	DefaultMaxRetries = 3
	DefaultRetryDelay = 2 * time.Second
	DefaultFrameSize  = 4096
)

// Handler is the user-supplied job body, invoked once per delivery by the
// Worker Pipeline (spec.md §6, "user job handlers" — out of scope beyond
// this signature).
type Handler func(ctx context.Context, req *JobRequest) (result any, err error)

// JobDefinition is the static, process-lifetime catalogue entry created by
// Registry.RegisterJob (spec.md §3, "JobDefinition").
type JobDefinition struct {
	Name       string
	Queue      string
	RoutingKey string
	Exchange   string // optional; empty means the default exchange
	ReplyTo    string // optional

	Handler Handler

	RetryExchange string
	ErrorExchange string
	RetryQueue    string // the "<queue>.retry" delay queue the Registry declares

	MaxRetries   int
	RetryDelayMs int64
	ExpiresMs    int64
	TimeoutMs    int64

	JobClass string
}

// JobRequest is the per-enqueue envelope (spec.md §3, "JobRequest"). Args is
// carried as opaque JSON so application payload shapes are never a concern
// of this package.
type JobRequest struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Args          json.RawMessage `json:"args,omitempty"`
	Attempt       int             `json:"attempt"`
	CorrelationID string          `json:"correlationId,omitempty"`

	// DeliveryTag is set only once the request has been delivered to a
	// consumer; it is never marshalled onto the wire.
	DeliveryTag uint64 `json:"-"`
}

// newJobRequest builds the envelope for a fresh enqueue, attempt 1.
func newJobRequest(name string, args json.RawMessage, correlationID string) *JobRequest {
	return &JobRequest{
		ID:            uuid.NewV4().String(),
		Name:          name,
		Args:          args,
		Attempt:       1,
		CorrelationID: correlationID,
	}
}

// Delivery is a received message carrying a decoded JobRequest plus the
// routing metadata ack/nack needs (spec.md §3, "Delivery").
type Delivery struct {
	Request     *JobRequest
	Queue       string
	DeliveryTag uint64

	// channelID identifies the AMQPChannel this delivery arrived on, for
	// ack routing across a rewire (spec.md §4.3, "Ack channel identity").
	channelID uint64

	// raw is the original, possibly-undecodable body; set on decode error.
	raw []byte
}

// WorkerStatus is the terminal state a message lands in, per the state
// machine in spec.md §4.3.
type WorkerStatus string

const (
	StatusSuccess     WorkerStatus = "success"
	StatusFailure     WorkerStatus = "failure"
	StatusTimeout     WorkerStatus = "timeout"
	StatusDecodeError WorkerStatus = "decode_error"
)

// WorkerResult is emitted once per message for observability (spec.md
// §4.3, "Output stream").
type WorkerResult struct {
	Request *JobRequest
	Status  WorkerStatus
	Error   error
	Result  any
}
