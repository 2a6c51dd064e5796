package jobq

import (
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("ChannelPool", func() {
	var broker *fakeBroker

	BeforeEach(func() {
		broker = newFakeBroker()
	})

	newPool := func() *ChannelPool {
		return NewChannelPool(func() (AMQPChannel, error) {
			return newFakeChannel(broker), nil
		})
	}

	It("opens the requested number of channels and reports them free", func() {
		pool := newPool()
		Expect(pool.Open(3)).To(Succeed())
		Expect(pool.IsOpen()).To(BeTrue())
		Expect(pool.NumFreeChannels()).To(Equal(3))
	})

	It("is idempotent when Open is called twice", func() {
		pool := newPool()
		Expect(pool.Open(2)).To(Succeed())
		Expect(pool.Open(5)).To(Succeed())
		Expect(pool.NumFreeChannels()).To(Equal(2))
	})

	It("fails acquisitions before Open runs", func() {
		pool := newPool()
		err := pool.AcquireAndRun(func(ch AMQPChannel) error { return nil })
		Expect(err).To(MatchError(ErrPoolNotOpen))
	})

	It("returns a channel to FREE after a successful run", func() {
		pool := newPool()
		Expect(pool.Open(1)).To(Succeed())

		Expect(pool.AcquireAndRun(func(ch AMQPChannel) error { return nil })).To(Succeed())
		Expect(pool.NumFreeChannels()).To(Equal(1))
	})

	It("replaces a channel that goes BROKEN instead of handing it out again", func() {
		pool := newPool()
		Expect(pool.Open(1)).To(Succeed())

		boom := errors.New("boom")
		var seen AMQPChannel
		err := pool.AcquireAndRun(func(ch AMQPChannel) error {
			seen = ch
			ch.(*fakeChannel).breakChannel()
			return boom
		})
		Expect(err).To(MatchError(boom))
		Expect(pool.NumFreeChannels()).To(Equal(1))

		err = pool.AcquireAndRun(func(ch AMQPChannel) error {
			Expect(ch).NotTo(BeIdenticalTo(seen))
			Expect(ch.IsClosed()).To(BeFalse())
			return nil
		})
		Expect(err).To(Succeed())
	})

	It("never leaks the channel on panic", func() {
		pool := newPool()
		Expect(pool.Open(1)).To(Succeed())

		func() {
			defer func() { recover() }()
			pool.AcquireAndRun(func(ch AMQPChannel) error {
				panic("boom")
			})
		}()

		Expect(pool.NumFreeChannels()).To(Equal(1))
	})

	It("rejects acquisitions and drains channels on Close", func() {
		pool := newPool()
		Expect(pool.Open(2)).To(Succeed())
		Expect(pool.Close()).To(Succeed())
		Expect(pool.Close()).To(Succeed())

		err := pool.AcquireAndRun(func(ch AMQPChannel) error { return nil })
		Expect(err).To(MatchError(ErrPoolClosed))
	})

	It("serves waiting acquirers in FIFO order", func() {
		pool := newPool()
		Expect(pool.Open(1)).To(Succeed())

		order := make(chan int, 2)
		hold := make(chan struct{})

		go func() {
			pool.AcquireAndRun(func(ch AMQPChannel) error {
				<-hold
				order <- 1
				return nil
			})
		}()
		// give the first goroutine a head start so it acquires first
		By("letting the first acquirer take the only channel")
		Eventually(func() int { return pool.NumFreeChannels() }).Should(Equal(0))

		go func() {
			pool.AcquireAndRun(func(ch AMQPChannel) error {
				order <- 2
				return nil
			})
		}()

		close(hold)
		Expect(<-order).To(Equal(1))
		Expect(<-order).To(Equal(2))
	})
})
