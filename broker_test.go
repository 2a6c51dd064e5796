package jobq

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	amqp "github.com/rabbitmq/amqp091-go"
)

var _ = Describe("Broker", func() {
	It("retries the dial exactly MaxRetries+1 times before giving up", func() {
		var attempts int32
		broker := NewBroker(
			ConnectionParams{MaxRetries: 2, RetryDelay: time.Millisecond},
			NewRegistry(),
			WithDialer(func(url string, cfg amqp.Config) (AMQPConnection, error) {
				atomic.AddInt32(&attempts, 1)
				return nil, errChannelAllocationFailed
			}),
		)

		err := broker.Connect(context.Background())
		Expect(err).To(HaveOccurred())
		Expect(atomic.LoadInt32(&attempts)).To(Equal(int32(3)))
		Expect(broker.DialAttempts()).To(Equal(3))
	})

	It("connects successfully and opens the pool", func() {
		broker, _ := mustConnectedBroker()
		Expect(broker.Pool().IsOpen()).To(BeTrue())
		Expect(broker.Pool().NumFreeChannels()).To(Equal(2))
	})

	It("joins an in-flight Connect instead of dialing twice", func() {
		conn := newFakeConnection()
		var attempts int32
		broker := NewBroker(ConnectionParams{PoolSize: 1}, NewRegistry(), WithDialer(func(url string, cfg amqp.Config) (AMQPConnection, error) {
			atomic.AddInt32(&attempts, 1)
			time.Sleep(20 * time.Millisecond)
			return conn, nil
		}))

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				Expect(broker.Connect(context.Background())).To(Succeed())
			}()
		}
		wg.Wait()
		Expect(atomic.LoadInt32(&attempts)).To(Equal(int32(1)))
	})

	It("declares queues, exchanges and bindings from the registry", func() {
		registry := NewRegistry()
		_, err := registry.RegisterJob(JobDefinitionInput{Queue: "orders", Exchange: "orders-x", Handler: func(ctx context.Context, r *JobRequest) (any, error) { return nil, nil }})
		Expect(err).NotTo(HaveOccurred())

		conn := newFakeConnection()
		broker := NewBroker(ConnectionParams{PoolSize: 1}, registry, WithDialer(fakeDialer(conn)))
		Expect(broker.Connect(context.Background())).To(Succeed())
		Expect(broker.DeclareAMQPResources(context.Background())).To(Succeed())

		Expect(conn.broker.queues).To(HaveKey("orders"))
		Expect(conn.broker.queues).To(HaveKey("orders.retry"))
		Expect(conn.broker.exchanges).To(HaveKey("orders-x"))
		Expect(conn.broker.exchanges).To(HaveKey("orders.retry"))
	})

	It("reports backpressure once the flow-control buffer saturates", func() {
		conn := newFakeConnection()
		broker := NewBroker(ConnectionParams{PoolSize: 2}, NewRegistry(), WithDialer(fakeDialer(conn)), WithPublishFlowWindow(1))
		Expect(broker.Connect(context.Background())).To(Succeed())

		var sawFalse int32
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				accepted, err := broker.Publish(context.Background(), PublishMessage{RoutingKey: "q", Body: []byte("x")})
				Expect(err).NotTo(HaveOccurred())
				if !accepted {
					atomic.AddInt32(&sawFalse, 1)
				}
			}()
		}
		wg.Wait()
		Expect(atomic.LoadInt32(&sawFalse)).To(BeNumerically(">", 0))
	})

	It("rewires a consumer onto a fresh channel after its channel breaks, signalling Resumed exactly once", func() {
		broker, conn := mustConnectedBroker()
		conn.broker.queues["q1"] = true

		handle, err := broker.Consume("q1", 3)
		Expect(err).NotTo(HaveOccurred())
		Expect(handle.IsActive()).To(BeTrue())

		oldChannel := channelForHandle(broker, handle)
		oldChannel.breakChannel()

		Eventually(handle.Resumed(), time.Second).Should(Receive())
		Consistently(handle.Resumed(), 50*time.Millisecond).ShouldNot(Receive())

		newChannel := channelForHandle(broker, handle)
		Expect(newChannel).NotTo(BeIdenticalTo(oldChannel))
		Expect(newChannel.IsClosed()).To(BeFalse())
	})

	It("reconnects and rewires active consumers after the connection itself closes", func() {
		broker, conn := mustConnectedBroker()
		conn.broker.queues["q1"] = true

		handle, err := broker.Consume("q1", 1)
		Expect(err).NotTo(HaveOccurred())

		dialsBefore := broker.DialAttempts()

		conn.closeCh <- amqp.ErrClosed

		Eventually(handle.Resumed(), time.Second).Should(Receive())
		Eventually(func() int { return broker.DialAttempts() }, time.Second).Should(BeNumerically(">", dialsBefore))
		Eventually(func() bool { return broker.Pool().IsOpen() }, time.Second).Should(BeTrue())
		Expect(handle.IsActive()).To(BeTrue())
	})

	It("does not rewire a channel once every handle on it has been cancelled", func() {
		broker, conn := mustConnectedBroker()
		conn.broker.queues["q1"] = true

		handle, err := broker.Consume("q1", 1)
		Expect(err).NotTo(HaveOccurred())
		oldChannel := channelForHandle(broker, handle)
		Expect(handle.Cancel()).To(Succeed())

		_, stillTracked := broker.channelFor(handle.ChannelID())
		Expect(stillTracked).To(BeFalse())

		oldChannel.breakChannel()
		Consistently(handle.Resumed(), 50*time.Millisecond).ShouldNot(Receive())
	})
})

// channelForHandle resolves the live fakeChannel behind a handle, for
// assertions only; production code never downcasts AMQPChannel this way.
func channelForHandle(b *Broker, h *ConsumerHandle) *fakeChannel {
	ch, ok := b.channelFor(h.ChannelID())
	Expect(ok).To(BeTrue())
	return ch.(*fakeChannel)
}
