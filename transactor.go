package jobq

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Transactor buffers a batch of publishes and releases them together on
// Commit, or discards them on Rollback (spec.md §4.4, "Transactor"). Exactly
// one of Commit/Rollback may run to completion; subsequent calls return
// ErrTransactionConcluded. WaitUntil lets Broker.Shutdown block on open
// transactors the same way it blocks on in-flight workers.
type Transactor struct {
	broker *Broker

	mu     sync.Mutex
	staged []PublishMessage

	concluded  int32 // atomic bool
	concludeCh chan struct{}
}

// NewTransactor builds a Transactor bound to broker and registers it so
// Broker.Shutdown waits for it to conclude.
func NewTransactor(broker *Broker) *Transactor {
	t := &Transactor{
		broker:     broker,
		concludeCh: make(chan struct{}),
	}
	broker.TrackTransactor(t)
	return t
}

// Stage buffers msg without publishing it. Staged messages are only
// published when Commit runs.
func (t *Transactor) Stage(msg PublishMessage) error {
	if t.isConcluded() {
		return ErrTransactionConcluded
	}
	t.mu.Lock()
	t.staged = append(t.staged, msg)
	t.mu.Unlock()
	return nil
}

// Enqueue resolves name against the Broker's Registry and stages the
// resulting JobRequest envelope, the same way Broker.Call builds and
// publishes one directly (spec.md §4.4, "stage a job publication"). Unlike
// Stage, it builds the envelope itself (a fresh ID, attempt 1, routing taken
// from the registered JobDefinition) instead of requiring the caller to
// assemble raw publish frames.
func (t *Transactor) Enqueue(name string, args json.RawMessage) (*JobRequest, error) {
	if t.isConcluded() {
		return nil, ErrTransactionConcluded
	}

	def, ok := t.broker.registry.Lookup(name)
	if !ok {
		return nil, ErrUnknownJob
	}

	req := newJobRequest(name, args, "")
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling job request")
	}

	msg := PublishMessage{
		Exchange:      def.Exchange,
		RoutingKey:    routingKeyFor(def),
		Body:          body,
		CorrelationID: req.CorrelationID,
		ReplyTo:       def.ReplyTo,
		ExpirationMs:  def.ExpiresMs,
	}
	if err := t.Stage(msg); err != nil {
		return nil, err
	}
	return req, nil
}

// Pending returns how many messages are currently staged.
func (t *Transactor) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.staged)
}

// Commit publishes every staged message, in staging order, and concludes
// the transactor. If a publish fails partway through, Commit stops and
// returns that error; messages published before the failure are not rolled
// back (spec.md §9, "publish is not transactional at the broker level").
func (t *Transactor) Commit(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.concluded, 0, 1) {
		return ErrTransactionConcluded
	}
	defer close(t.concludeCh)

	t.mu.Lock()
	batch := t.staged
	t.staged = nil
	t.mu.Unlock()

	for _, msg := range batch {
		if _, err := t.broker.Publish(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Rollback discards every staged message and concludes the transactor
// without publishing anything.
func (t *Transactor) Rollback() error {
	if !atomic.CompareAndSwapInt32(&t.concluded, 0, 1) {
		return ErrTransactionConcluded
	}
	defer close(t.concludeCh)

	t.mu.Lock()
	t.staged = nil
	t.mu.Unlock()
	return nil
}

func (t *Transactor) isConcluded() bool {
	return atomic.LoadInt32(&t.concluded) == 1
}

// WaitUntil blocks until Commit or Rollback has run, or timeout elapses.
func (t *Transactor) WaitUntil(timeout time.Duration) error {
	select {
	case <-t.concludeCh:
		return nil
	case <-time.After(timeout):
		return ErrDrainTimeout
	}
}
