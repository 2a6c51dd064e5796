package jobq

import (
	"sync"
	"sync/atomic"
)

// ConsumerHandle is a restartable subscription on one queue (spec.md §3,
// "Consumer Registry"). It survives the death of the channel it was
// created on: the Broker's rewire protocol moves it onto a fresh channel
// and emits a resume signal. Acks follow the channel id that each Delivery
// carries, so the Worker only logs the resume signal.
//
// Deliveries flow out of Stream(); each rewire sends a signal on Resumed(),
// which holds at most one unread signal: a rewire that happens while the
// previous signal is still unread is not signalled separately.
type ConsumerHandle struct {
	Queue       string
	Prefetch    int
	ConsumerTag string

	active  int32 // atomic bool
	mu      sync.Mutex
	channel uint64 // id of the AMQPChannel currently serving this handle

	deliveries chan *Delivery
	resumed    chan struct{}

	cancelFn func(h *ConsumerHandle) error
}

func newConsumerHandle(queue string, prefetch int, tag string, channelID uint64, cancelFn func(h *ConsumerHandle) error) *ConsumerHandle {
	h := &ConsumerHandle{
		Queue:       queue,
		Prefetch:    prefetch,
		ConsumerTag: tag,
		channel:     channelID,
		deliveries:  make(chan *Delivery, prefetch+1),
		resumed:     make(chan struct{}, 1),
		cancelFn:    cancelFn,
	}
	atomic.StoreInt32(&h.active, 1)
	return h
}

// Stream returns the channel of deliveries for this handle. It stays the
// same channel object for the handle's lifetime; only the upstream source
// feeding it changes across a rewire.
func (h *ConsumerHandle) Stream() <-chan *Delivery { return h.deliveries }

// Resumed receives a signal when this handle is re-pointed at a fresh
// channel after a rewire (spec.md §4.2 step 4). Sending never blocks and at
// most one signal is buffered, so rewires that happen before the previous
// signal is read produce a single signal.
func (h *ConsumerHandle) Resumed() <-chan struct{} { return h.resumed }

// IsActive reports whether the handle has not yet been cancelled.
func (h *ConsumerHandle) IsActive() bool { return atomic.LoadInt32(&h.active) == 1 }

// ChannelID returns the id of the AMQPChannel currently serving deliveries
// and ack/nack calls for this handle.
func (h *ConsumerHandle) ChannelID() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.channel
}

// Cancel sends basic.cancel, marks the handle inactive, and ends the
// delivery stream (spec.md §4.2, "Cancel").
func (h *ConsumerHandle) Cancel() error {
	if !atomic.CompareAndSwapInt32(&h.active, 1, 0) {
		return nil
	}
	if h.cancelFn != nil {
		return h.cancelFn(h)
	}
	return nil
}

// signalResume records the new channel id and emits a non-blocking resume
// notification. Called by the Broker during rewire, once the handle consumes
// on the new channel and before deliveries from it are pumped.
func (h *ConsumerHandle) signalResume(channelID uint64) {
	h.mu.Lock()
	h.channel = channelID
	h.mu.Unlock()

	select {
	case h.resumed <- struct{}{}:
	default:
	}
}

// deliver pushes one decoded delivery onto the handle's stream, or drops it
// once the handle is inactive. The caller is the Broker's per-handle pump
// goroutine. The send blocks while the stream is full; the stream is sized
// prefetch+1 and prefetch bounds unacked deliveries, so a consumer that keeps
// reading does not back it up.
func (h *ConsumerHandle) deliver(d *Delivery) {
	if !h.IsActive() {
		return
	}
	h.deliveries <- d
}

// closeStream ends the delivery stream; called once, on cancel.
func (h *ConsumerHandle) closeStream() {
	close(h.deliveries)
}
