package jobq

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// channelState is one of the three states a pooled channel occupies at any
// instant (spec.md §3, "Channel Pool" invariants).
type channelState int

const (
	stateFree channelState = iota
	stateAcquired
	stateBroken
)

// pooledChannel wraps one AMQPChannel with the bookkeeping the pool needs to
// replace it once it goes BROKEN.
type pooledChannel struct {
	id    uint64
	ch    AMQPChannel
	state channelState
}

// ChannelPool lends out a bounded set of AMQP channels over a single
// connection, FIFO, and replaces any channel that raises a channel-level
// error before handing that slot out again (spec.md §4.1).
//
// Fairness is the buffered-channel-as-freelist idiom used throughout the
// retrieval pack (e.g. a pool-sized `chan *pooledChannel`): Go serves
// blocked receivers on a channel in the order they started waiting, which
// is exactly the FIFO acquisition spec.md §9 requires.
type ChannelPool struct {
	mu      sync.Mutex
	open    bool
	size    int
	free    chan *pooledChannel
	nextID  uint64
	newChan func() (AMQPChannel, error)
}

// NewChannelPool constructs an unopened pool; call Open to provision
// channels against a live connection.
func NewChannelPool(newChan func() (AMQPChannel, error)) *ChannelPool {
	return &ChannelPool{newChan: newChan}
}

// Open provisions `size` channels and makes the pool ready to lend them out.
// Calling Open on an already-open pool is a no-op.
func (p *ChannelPool) Open(size int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.open {
		return nil
	}

	free := make(chan *pooledChannel, size)
	for i := 0; i < size; i++ {
		pc, err := p.newPooledChannel()
		if err != nil {
			return errors.Wrapf(err, "opening pool channel %d/%d", i+1, size)
		}
		free <- pc
	}

	p.free = free
	p.size = size
	p.open = true
	return nil
}

func (p *ChannelPool) newPooledChannel() (*pooledChannel, error) {
	ch, err := p.newChan()
	if err != nil {
		return nil, err
	}
	return &pooledChannel{id: atomic.AddUint64(&p.nextID, 1), ch: ch, state: stateFree}, nil
}

// IsOpen reports whether Open has succeeded and Close has not yet run.
func (p *ChannelPool) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// NumFreeChannels reports how many channels are currently FREE (immediately
// acquirable without blocking).
func (p *ChannelPool) NumFreeChannels() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return 0
	}
	return len(p.free)
}

// AcquireAndRun acquires a FREE channel, invokes fn with it, and releases
// the channel on every exit path of fn — success, error, or panic. If the
// channel reports itself closed once fn returns, or fn panics, the channel
// is marked BROKEN and replaced before its slot becomes FREE again (spec.md
// §4.1).
func (p *ChannelPool) AcquireAndRun(fn func(ch AMQPChannel) error) error {
	pc, err := p.acquire()
	if err != nil {
		return err
	}

	broken := false
	defer func() {
		r := recover()
		if r != nil {
			broken = true
		}
		p.release(pc, broken)
		if r != nil {
			panic(r)
		}
	}()

	if err := fn(pc.ch); err != nil {
		broken = pc.ch.IsClosed()
		return err
	}
	broken = pc.ch.IsClosed()
	return nil
}

func (p *ChannelPool) acquire() (*pooledChannel, error) {
	p.mu.Lock()
	if !p.open {
		closed := p.free != nil
		p.mu.Unlock()
		if closed {
			return nil, ErrPoolClosed
		}
		return nil, ErrPoolNotOpen
	}
	free := p.free
	p.mu.Unlock()

	pc, ok := <-free
	if !ok {
		return nil, ErrPoolClosed
	}
	p.mu.Lock()
	pc.state = stateAcquired
	p.mu.Unlock()
	return pc, nil
}

func (p *ChannelPool) release(pc *pooledChannel, broken bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.open {
		return
	}

	if broken {
		pc.state = stateBroken
		replacement, err := p.newPooledChannel()
		if err != nil {
			// Could not replace the broken channel; put the broken one back
			// so the pool's accounting stays consistent. A later acquirer
			// will observe IsClosed() and AcquireAndRun will retire it too.
			p.free <- pc
			return
		}
		p.free <- replacement
		return
	}

	pc.state = stateFree
	p.free <- pc
}

// Close cancels any waiting acquirers with ErrPoolClosed and releases all
// channel resources. Close is idempotent.
func (p *ChannelPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.open {
		return nil
	}
	p.open = false

	close(p.free)
	var firstErr error
	for pc := range p.free {
		if err := pc.ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
