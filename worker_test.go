package jobq

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Worker", func() {
	var (
		broker   *Broker
		registry *Registry
		conn     *fakeConnection
	)

	BeforeEach(func() {
		registry = NewRegistry()
		conn = newFakeConnection()
		broker = NewBroker(ConnectionParams{PoolSize: 2}, registry, WithDialer(fakeDialer(conn)))
		Expect(broker.Connect(context.Background())).To(Succeed())
	})

	It("acks and emits a success result when the handler succeeds", func() {
		processed := make(chan string, 1)
		_, err := registry.RegisterJob(JobDefinitionInput{
			Name:  "greet",
			Queue: "greetings",
			Handler: func(ctx context.Context, req *JobRequest) (any, error) {
				var args struct{ Name string `json:"name"` }
				json.Unmarshal(req.Args, &args)
				processed <- args.Name
				return "ok", nil
			},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(broker.DeclareAMQPResources(context.Background())).To(Succeed())

		worker := NewWorker(broker, WorkerConfig{Concurrency: 2})
		Expect(worker.Start(context.Background())).To(Succeed())

		args, _ := json.Marshal(map[string]string{"name": "ada"})
		_, err = broker.Call(context.Background(), "greet", args)
		Expect(err).NotTo(HaveOccurred())

		Eventually(processed, time.Second).Should(Receive(Equal("ada")))

		var result *WorkerResult
		Eventually(worker.Results(), time.Second).Should(Receive(&result))
		Expect(result.Status).To(Equal(StatusSuccess))
	})

	It("republishes to the retry exchange with an incremented attempt on failure", func() {
		attempts := make(chan int, 5)
		_, err := registry.RegisterJob(JobDefinitionInput{
			Name:       "flaky",
			Queue:      "flaky.jobs",
			MaxRetries: 2,
			Handler: func(ctx context.Context, req *JobRequest) (any, error) {
				attempts <- req.Attempt
				return nil, errors.New("transient failure")
			},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(broker.DeclareAMQPResources(context.Background())).To(Succeed())

		worker := NewWorker(broker, WorkerConfig{Concurrency: 2})
		Expect(worker.Start(context.Background())).To(Succeed())

		_, err = broker.Call(context.Background(), "flaky", nil)
		Expect(err).NotTo(HaveOccurred())

		Eventually(attempts, time.Second).Should(Receive(Equal(1)))

		Eventually(func() bool {
			conn.broker.mu.Lock()
			defer conn.broker.mu.Unlock()
			for _, p := range conn.broker.published {
				if p.exchange == "flaky.retry" {
					var req JobRequest
					json.Unmarshal(p.body, &req)
					return req.Attempt == 2
				}
			}
			return false
		}, time.Second).Should(BeTrue())

		Eventually(func() bool {
			conn.broker.mu.Lock()
			defer conn.broker.mu.Unlock()
			for _, c := range conn.broker.consumers {
				c.channel.mu.Lock()
				acked := len(c.channel.acked) > 0
				c.channel.mu.Unlock()
				if acked {
					return true
				}
			}
			return false
		}, time.Second).Should(BeTrue(), "original delivery should be acked, not nacked, after a retry republish")

		conn.broker.mu.Lock()
		for _, c := range conn.broker.consumers {
			c.channel.mu.Lock()
			Expect(c.channel.nacked).To(BeEmpty(), "original delivery must not be nacked once a retry/error republish has been issued")
			c.channel.mu.Unlock()
		}
		conn.broker.mu.Unlock()
	})

	It("nacks without requeue and emits a decode-error result for undecodable bodies", func() {
		Expect(broker.DeclareAMQPResources(context.Background())).To(Succeed())

		worker := NewWorker(broker, WorkerConfig{Queues: []string{"raw.queue"}, Concurrency: 1})
		Expect(worker.Start(context.Background())).To(Succeed())

		_, err := broker.Publish(context.Background(), PublishMessage{RoutingKey: "raw.queue", Body: []byte("not json")})
		Expect(err).NotTo(HaveOccurred())

		var result *WorkerResult
		Eventually(worker.Results(), time.Second).Should(Receive(&result))
		Expect(result.Status).To(Equal(StatusDecodeError))
	})

	It("drains in-flight handlers before Drain returns", func() {
		release := make(chan struct{})
		started := make(chan struct{}, 1)
		_, err := registry.RegisterJob(JobDefinitionInput{
			Name:  "slow",
			Queue: "slow.jobs",
			Handler: func(ctx context.Context, req *JobRequest) (any, error) {
				started <- struct{}{}
				<-release
				return nil, nil
			},
		})
		Expect(err).NotTo(HaveOccurred())

		worker := NewWorker(broker, WorkerConfig{Concurrency: 1})
		Expect(worker.Start(context.Background())).To(Succeed())

		_, err = broker.Call(context.Background(), "slow", nil)
		Expect(err).NotTo(HaveOccurred())
		Eventually(started, time.Second).Should(Receive())

		drained := make(chan error, 1)
		go func() { drained <- worker.Drain(2 * time.Second) }()

		Consistently(drained, 50*time.Millisecond).ShouldNot(Receive())
		close(release)
		Eventually(drained, time.Second).Should(Receive(BeNil()))
	})
})
