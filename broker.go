package jobq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/pkg/errors"
)

// BrokerOption configures a Broker at construction time.
type BrokerOption func(*Broker)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) { b.logger = logger }
}

// WithDialer overrides the production amqp091-go dialer; tests use this to
// inject an in-memory double (spec.md §6, "Out of scope ... consumed via
// the interfaces enumerated in §6").
func WithDialer(d Dialer) BrokerOption {
	return func(b *Broker) { b.dialer = d }
}

// WithPublishFlowWindow overrides the default size of the virtual outgoing
// publish buffer (see publishQueue below); smaller windows make
// back-pressure (a `false` Publish return) observable sooner.
func WithPublishFlowWindow(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.flowWindow = n
		}
	}
}

// WithMetrics attaches a Metrics recorder; nil (the default) disables
// instrumentation.
func WithMetrics(m *Metrics) BrokerOption {
	return func(b *Broker) { b.metrics = m }
}

// Broker owns the single AMQP connection, the Channel Pool, the consumer
// registry, and the publish flow-control buffer (spec.md §4.2).
type Broker struct {
	params   ConnectionParams
	dialer   Dialer
	logger   *slog.Logger
	registry *Registry
	metrics  *Metrics

	flowWindow int

	mu           sync.Mutex
	conn         AMQPConnection
	connected    bool
	connecting   chan struct{}
	connectErr   error
	pool         *ChannelPool
	dialAttempts int32
	shuttingDown bool

	chMu          sync.Mutex
	nextChannelID uint64
	nextTag       uint64
	channels      map[uint64]*consumerChannelEntry
	pausedQueues  map[string][]pausedConsume

	publishQueue chan *publishJob
	drainerWG    sync.WaitGroup
	drainerStop  chan struct{}

	trackMu    sync.Mutex
	workers    []*Worker
	transactors []*Transactor
}

type pausedConsume struct {
	queue    string
	prefetch int
}

// consumerChannelEntry is a dedicated, non-pooled AMQP channel that serves
// one or more co-resident ConsumerHandles (spec.md §4.2, "consumers may
// co-reside").
type consumerChannelEntry struct {
	id      uint64
	ch      AMQPChannel
	mu      sync.Mutex
	handles map[*ConsumerHandle]bool
}

func (e *consumerChannelEntry) sumPrefetch() int {
	sum := 0
	for h := range e.handles {
		sum += h.Prefetch
	}
	return sum
}

// publishJob is one staged frame waiting to be written by a drainer
// goroutine (see the flow-control design in SPEC_FULL.md §6.2/DESIGN.md).
type publishJob struct {
	exchange   string
	routingKey string
	props      amqp.Publishing
	done       chan error
}

// NewBroker constructs a Broker for the given connection parameters. Call
// Connect before using it for anything else.
func NewBroker(params ConnectionParams, registry *Registry, opts ...BrokerOption) *Broker {
	b := &Broker{
		params:      params.withDefaults(),
		dialer:      amqpDialer,
		logger:      slog.Default(),
		registry:    registry,
		flowWindow:  32,
		channels:    make(map[uint64]*consumerChannelEntry),
		pausedQueues: make(map[string][]pausedConsume),
		drainerStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect dials the broker with retry (spec.md §4.2, "Connect /
// reconnect"): up to MaxRetries+1 attempts, RetryDelay apart. A second
// Connect call while one is already in flight joins it (idempotent join);
// once connected, Connect is a no-op.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return nil
	}
	if b.connecting != nil {
		waitCh := b.connecting
		b.mu.Unlock()
		select {
		case <-waitCh:
		case <-ctx.Done():
			return ctx.Err()
		}
		b.mu.Lock()
		err := b.connectErr
		b.mu.Unlock()
		return err
	}
	b.connecting = make(chan struct{})
	b.mu.Unlock()

	err := b.dialWithRetry(ctx)

	b.mu.Lock()
	b.connectErr = err
	if err == nil {
		b.connected = true
	}
	close(b.connecting)
	b.connecting = nil
	b.mu.Unlock()

	return err
}

func (b *Broker) dialWithRetry(ctx context.Context) error {
	cfg := amqp.Config{
		Heartbeat:  b.params.Heartbeat,
		FrameSize:  b.params.FrameSize,
	}

	var lastErr error
	attempts := b.params.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		atomic.AddInt32(&b.dialAttempts, 1)
		conn, err := b.dialer(b.params.URL(), cfg)
		if err == nil {
			b.mu.Lock()
			b.conn = conn
			b.mu.Unlock()

			b.pool = NewChannelPool(func() (AMQPChannel, error) { return conn.Channel() })
			if poolErr := b.pool.Open(b.params.PoolSize); poolErr != nil {
				return errors.Wrap(poolErr, "opening channel pool after connect")
			}

			closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
			go b.watchConnection(closeCh)

			b.startDrainers()
			return nil
		}

		lastErr = err
		b.logger.Warn("jobq: dial attempt failed", "attempt", attempt+1, "of", attempts, "error", err)

		if attempt < attempts-1 {
			select {
			case <-time.After(b.params.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return errors.Wrapf(lastErr, "jobq: unable to connect after %d attempts", attempts)
}

// DialAttempts returns how many times the dial primitive has been invoked;
// exposed for the testable property in spec.md §8 ("the dial primitive is
// invoked exactly k+1 times").
func (b *Broker) DialAttempts() int { return int(atomic.LoadInt32(&b.dialAttempts)) }

func (b *Broker) isConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Pool exposes the Channel Pool for diagnostics and for the testable
// properties in spec.md §8 (numFreeChannels, isOpen).
func (b *Broker) Pool() *ChannelPool { return b.pool }

// Registry exposes the JobDefinition catalogue this Broker was built with.
func (b *Broker) Registry() *Registry { return b.registry }

// channelFor resolves the live AMQPChannel currently serving deliveries for
// channelID, so the Worker Pipeline can ack/nack against the right channel
// even after a rewire moved the ConsumerHandle (spec.md §4.3, "Ack channel
// identity").
func (b *Broker) channelFor(channelID uint64) (AMQPChannel, bool) {
	b.chMu.Lock()
	defer b.chMu.Unlock()
	entry, ok := b.channels[channelID]
	if !ok {
		return nil, false
	}
	return entry.ch, true
}

// DeclareAMQPResources idempotently asserts every queue, exchange and
// binding derived from the Registry (spec.md §4.2, "Topology declaration").
func (b *Broker) DeclareAMQPResources(ctx context.Context) error {
	if !b.isConnected() {
		return ErrNotConnected
	}

	if err := b.pool.AcquireAndRun(func(ch AMQPChannel) error {
		for _, q := range b.registry.Queues() {
			args := amqp.Table{}
			for k, v := range q.Args {
				args[k] = v
			}
			if _, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, args); err != nil {
				return errors.Wrapf(err, "declaring queue %q", q.Name)
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if err := b.pool.AcquireAndRun(func(ch AMQPChannel) error {
		for _, e := range b.registry.Exchanges() {
			if err := ch.ExchangeDeclare(e.Name, e.Kind, e.Durable, false, false, false, nil); err != nil {
				return errors.Wrapf(err, "declaring exchange %q", e.Name)
			}
		}
		return nil
	}); err != nil {
		return err
	}

	return b.pool.AcquireAndRun(func(ch AMQPChannel) error {
		for _, binding := range b.registry.Bindings() {
			if err := ch.QueueBind(binding.Queue, binding.RoutingKey, binding.Exchange, false, nil); err != nil {
				return errors.Wrapf(err, "binding %q to %q", binding.Queue, binding.Exchange)
			}
		}
		return nil
	})
}

// PublishMessage is the frame handed to Publish/Call (spec.md §4.2,
// "Publish with flow control").
type PublishMessage struct {
	Exchange      string
	RoutingKey    string
	Body          []byte
	CorrelationID string
	ReplyTo       string
	ExpirationMs  int64
}

// Publish stages msg onto the flow-control buffer and reports whether doing
// so required blocking (accepted == false means the buffer was saturated —
// a signal a well-behaved producer uses to pause, per spec.md §4.2). The
// call still waits for the underlying AMQP write to complete and surfaces
// any resulting error, mirroring the teacher's own chanDone/chanErr
// Publish().
func (b *Broker) Publish(ctx context.Context, msg PublishMessage) (accepted bool, err error) {
	if !b.isConnected() {
		return false, ErrNotConnected
	}

	props := amqp.Publishing{
		Body:          msg.Body,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
	}
	if msg.ExpirationMs > 0 {
		props.Expiration = fmt.Sprintf("%d", msg.ExpirationMs)
	}

	job := &publishJob{
		exchange:   msg.Exchange,
		routingKey: msg.RoutingKey,
		props:      props,
		done:       make(chan error, 1),
	}

	select {
	case b.publishQueue <- job:
		accepted = true
	default:
		accepted = false
		select {
		case b.publishQueue <- job:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	if b.metrics != nil {
		if accepted {
			b.metrics.PublishAccepted.Inc()
		} else {
			b.metrics.PublishBackpressure.Inc()
		}
	}

	select {
	case err = <-job.done:
		return accepted, err
	case <-ctx.Done():
		return accepted, ctx.Err()
	}
}

// Call looks up name in the Registry, builds a JobRequest envelope, and
// publishes it to the job's queue/exchange (spec.md §6, "Call: call(name,
// args)").
func (b *Broker) Call(ctx context.Context, name string, args json.RawMessage) (*JobRequest, error) {
	def, ok := b.registry.Lookup(name)
	if !ok {
		return nil, ErrUnknownJob
	}

	req := newJobRequest(name, args, "")
	if err := b.publishRequest(ctx, def, req); err != nil {
		return nil, err
	}
	return req, nil
}

func (b *Broker) publishRequest(ctx context.Context, def *JobDefinition, req *JobRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "marshalling job request")
	}

	_, err = b.Publish(ctx, PublishMessage{
		Exchange:      def.Exchange,
		RoutingKey:    routingKeyFor(def),
		Body:          body,
		CorrelationID: req.CorrelationID,
		ReplyTo:       def.ReplyTo,
		ExpirationMs:  def.ExpiresMs,
	})
	return err
}

func routingKeyFor(def *JobDefinition) string {
	if def.RoutingKey != "" {
		return def.RoutingKey
	}
	return def.Queue
}

func (b *Broker) startDrainers() {
	n := b.params.PoolSize
	if n < 1 {
		n = 1
	}
	b.mu.Lock()
	b.publishQueue = make(chan *publishJob, b.flowWindow)
	stopCh := b.drainerStop
	b.mu.Unlock()

	for i := 0; i < n; i++ {
		b.drainerWG.Add(1)
		go b.drainLoop(stopCh)
	}
}

func (b *Broker) drainLoop(stopCh chan struct{}) {
	defer b.drainerWG.Done()
	for {
		select {
		case job, ok := <-b.publishQueue:
			if !ok {
				return
			}
			err := b.pool.AcquireAndRun(func(ch AMQPChannel) error {
				return ch.Publish(job.exchange, job.routingKey, false, false, job.props)
			})
			if b.metrics != nil {
				b.metrics.ChannelPoolFree.Set(float64(b.pool.NumFreeChannels()))
			}
			job.done <- err
		case <-stopCh:
			return
		}
	}
}

// ---- Consume / rewire protocol (spec.md §4.2) ----

// Consume attaches one consumer to queue and returns its handle.
func (b *Broker) Consume(queue string, prefetch int) (*ConsumerHandle, error) {
	handles, err := b.ConsumeOver([]string{queue}, prefetch)
	if err != nil {
		return nil, err
	}
	return handles[0], nil
}

// ConsumeOver returns one pending ConsumerHandle per queue name,
// distributing them across a bounded number of dedicated channels
// (spec.md §4.2, "consumeOver ... distributing them across channels up to
// pool-like limits").
func (b *Broker) ConsumeOver(queues []string, prefetch int) ([]*ConsumerHandle, error) {
	if !b.isConnected() {
		return nil, ErrNotConnected
	}
	if len(queues) == 0 {
		return nil, errors.New("jobq: ConsumeOver requires at least one queue")
	}
	if prefetch <= 0 {
		prefetch = b.params.Prefetch
	}

	channelCount := len(queues)
	if b.params.PoolSize < channelCount {
		channelCount = b.params.PoolSize
	}
	if channelCount < 1 {
		channelCount = 1
	}

	entries := make([]*consumerChannelEntry, channelCount)
	for i := range entries {
		entry, err := b.newConsumerChannelEntry()
		if err != nil {
			return nil, err
		}
		entries[i] = entry
	}

	handles := make([]*ConsumerHandle, len(queues))
	for i, queue := range queues {
		entry := entries[i%channelCount]
		h, err := b.attachConsumer(entry, queue, prefetch)
		if err != nil {
			return nil, err
		}
		handles[i] = h
	}

	return handles, nil
}

func (b *Broker) newConsumerChannelEntry() (*consumerChannelEntry, error) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "opening dedicated consumer channel")
	}

	b.chMu.Lock()
	id := b.nextChannelID
	b.nextChannelID++
	entry := &consumerChannelEntry{id: id, ch: ch, handles: make(map[*ConsumerHandle]bool)}
	b.channels[id] = entry
	b.chMu.Unlock()

	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))
	go b.watchChannel(entry, closeCh)

	return entry, nil
}

func (b *Broker) nextConsumerTag(entry *consumerChannelEntry) string {
	return fmt.Sprintf("jobq-%d-%d", entry.id, atomic.AddUint64(&b.nextTag, 1))
}

func (b *Broker) attachConsumer(entry *consumerChannelEntry, queue string, prefetch int) (*ConsumerHandle, error) {
	tag := b.nextConsumerTag(entry)

	entry.mu.Lock()
	deliveries, err := entry.ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		entry.mu.Unlock()
		return nil, errors.Wrapf(err, "consuming queue %q", queue)
	}

	handle := newConsumerHandle(queue, prefetch, tag, entry.id, b.cancelHandle)
	entry.handles[handle] = true
	sum := entry.sumPrefetch()
	entry.mu.Unlock()

	if err := entry.ch.Qos(sum, 0, false); err != nil {
		b.logger.Warn("jobq: failed to set prefetch on consumer channel", "channel", entry.id, "error", err)
	}

	go b.pumpDeliveries(handle, deliveries)

	return handle, nil
}

func (b *Broker) pumpDeliveries(h *ConsumerHandle, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		req, decodeErr := decodeJobRequest(d.Body)
		delivery := &Delivery{
			Queue:       h.Queue,
			DeliveryTag: d.DeliveryTag,
			channelID:   h.ChannelID(),
			raw:         d.Body,
		}
		if decodeErr != nil {
			delivery.Request = nil
		} else {
			req.DeliveryTag = d.DeliveryTag
			delivery.Request = req
		}
		h.deliver(delivery)
	}
}

func decodeJobRequest(body []byte) (*JobRequest, error) {
	var req JobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errors.Wrap(ErrDecodeError, err.Error())
	}
	if req.Name == "" {
		return nil, ErrDecodeError
	}
	if req.Attempt < 1 {
		req.Attempt = 1
	}
	return &req, nil
}

// watchChannel runs for the lifetime of one dedicated consumer channel,
// triggering the rewire protocol (spec.md §4.2) the moment the channel
// reports a close or error.
func (b *Broker) watchChannel(entry *consumerChannelEntry, closeCh <-chan *amqp.Error) {
	<-closeCh
	b.handleChannelLoss(entry)
}

func (b *Broker) handleChannelLoss(entry *consumerChannelEntry) {
	entry.mu.Lock()
	active := make([]*ConsumerHandle, 0, len(entry.handles))
	for h := range entry.handles {
		if h.IsActive() {
			active = append(active, h)
		}
	}
	entry.mu.Unlock()

	b.chMu.Lock()
	delete(b.channels, entry.id)
	b.chMu.Unlock()

	if len(active) == 0 {
		// spec.md §4.2: "If the registry has no active handles on the
		// failed channel ... do not rewire — the channel loss is benign."
		return
	}

	newEntry, err := b.newConsumerChannelEntry()
	if err != nil {
		b.logger.Error("jobq: failed to rewire consumers after channel loss", "error", err)
		for _, h := range active {
			_ = h.Cancel()
		}
		return
	}

	newEntry.mu.Lock()
	for _, h := range active {
		newEntry.handles[h] = true
	}
	sum := newEntry.sumPrefetch()
	newEntry.mu.Unlock()

	if err := newEntry.ch.Qos(sum, 0, false); err != nil {
		b.logger.Warn("jobq: failed to reapply prefetch after rewire", "error", err)
	}

	for _, h := range active {
		newTag := b.nextConsumerTag(newEntry)
		deliveries, err := newEntry.ch.Consume(h.Queue, newTag, false, false, false, false, nil)
		if err != nil {
			b.logger.Error("jobq: failed to re-consume after rewire", "queue", h.Queue, "error", err)
			continue
		}
		h.mu.Lock()
		h.ConsumerTag = newTag
		h.mu.Unlock()

		h.signalResume(newEntry.id)
		go b.pumpDeliveries(h, deliveries)
	}
}

// watchConnection mirrors the teacher's runWatcher/reconnect pair (spec.md
// §4.2, "Connect / reconnect"): it blocks on the connection-level
// NotifyClose and, unless the Broker is already tearing down, redials and
// rewires every still-active consumer onto fresh channels.
func (b *Broker) watchConnection(closeCh <-chan *amqp.Error) {
	reason, ok := <-closeCh
	if !ok {
		return
	}
	b.logger.Warn("jobq: connection closed, attempting reconnect", "error", reason)
	b.handleConnectionLoss()
}

func (b *Broker) handleConnectionLoss() {
	b.mu.Lock()
	if b.shuttingDown || !b.connected {
		b.mu.Unlock()
		return
	}
	b.connected = false
	oldPool := b.pool
	oldStop := b.drainerStop
	b.mu.Unlock()

	close(oldStop)
	b.drainerWG.Wait()
	if oldPool != nil {
		_ = oldPool.Close()
	}

	b.chMu.Lock()
	var active []*ConsumerHandle
	for id, entry := range b.channels {
		entry.mu.Lock()
		for h := range entry.handles {
			if h.IsActive() {
				active = append(active, h)
			}
		}
		entry.mu.Unlock()
		delete(b.channels, id)
	}
	b.chMu.Unlock()

	b.mu.Lock()
	b.drainerStop = make(chan struct{})
	b.mu.Unlock()

	if err := b.Connect(context.Background()); err != nil {
		b.logger.Error("jobq: reconnect failed", "error", err)
		for _, h := range active {
			_ = h.Cancel()
		}
		return
	}

	for _, h := range active {
		entry, err := b.newConsumerChannelEntry()
		if err != nil {
			b.logger.Error("jobq: failed to rewire consumer after reconnect", "queue", h.Queue, "error", err)
			_ = h.Cancel()
			continue
		}

		entry.mu.Lock()
		entry.handles[h] = true
		sum := entry.sumPrefetch()
		entry.mu.Unlock()

		if err := entry.ch.Qos(sum, 0, false); err != nil {
			b.logger.Warn("jobq: failed to reapply prefetch after reconnect", "error", err)
		}

		tag := b.nextConsumerTag(entry)
		deliveries, err := entry.ch.Consume(h.Queue, tag, false, false, false, false, nil)
		if err != nil {
			b.logger.Error("jobq: failed to re-consume after reconnect", "queue", h.Queue, "error", err)
			continue
		}
		h.mu.Lock()
		h.ConsumerTag = tag
		h.mu.Unlock()

		h.signalResume(entry.id)
		go b.pumpDeliveries(h, deliveries)
	}
}

func (b *Broker) cancelHandle(h *ConsumerHandle) error {
	b.chMu.Lock()
	entry, ok := b.channels[h.ChannelID()]
	b.chMu.Unlock()
	if !ok {
		h.closeStream()
		return nil
	}

	entry.mu.Lock()
	delete(entry.handles, h)
	remaining := len(entry.handles)
	entry.mu.Unlock()

	err := entry.ch.Cancel(h.ConsumerTag, false)
	h.closeStream()

	if remaining == 0 {
		b.chMu.Lock()
		delete(b.channels, entry.id)
		b.chMu.Unlock()
		if closeErr := entry.ch.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}

	return err
}

// PauseQueue cancels every active consumer on queue, remembering their
// prefetch so ResumeQueue can re-attach equivalent consumers later.
func (b *Broker) PauseQueue(queue string) error {
	b.chMu.Lock()
	var specs []pausedConsume
	var toCancel []*ConsumerHandle
	for _, entry := range b.channels {
		entry.mu.Lock()
		for h := range entry.handles {
			if h.Queue == queue && h.IsActive() {
				specs = append(specs, pausedConsume{queue: h.Queue, prefetch: h.Prefetch})
				toCancel = append(toCancel, h)
			}
		}
		entry.mu.Unlock()
	}
	b.chMu.Unlock()

	for _, h := range toCancel {
		if err := h.Cancel(); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.pausedQueues[queue] = append(b.pausedQueues[queue], specs...)
	b.mu.Unlock()

	return nil
}

// ResumeQueue re-attaches consumers previously removed by PauseQueue, with
// the same prefetch each had.
func (b *Broker) ResumeQueue(queue string) ([]*ConsumerHandle, error) {
	b.mu.Lock()
	specs := b.pausedQueues[queue]
	delete(b.pausedQueues, queue)
	b.mu.Unlock()

	handles := make([]*ConsumerHandle, 0, len(specs))
	for _, spec := range specs {
		h, err := b.Consume(spec.queue, spec.prefetch)
		if err != nil {
			return handles, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// TrackWorker registers w so Shutdown waits for it to drain.
func (b *Broker) TrackWorker(w *Worker) {
	b.trackMu.Lock()
	defer b.trackMu.Unlock()
	b.workers = append(b.workers, w)
}

// TrackTransactor registers t so Shutdown waits for it to conclude.
func (b *Broker) TrackTransactor(t *Transactor) {
	b.trackMu.Lock()
	defer b.trackMu.Unlock()
	b.transactors = append(b.transactors, t)
}

// Shutdown executes the three-phase teardown in spec.md §5: cancel all
// consumers, wait up to timeout for in-flight workers and open transactors
// to conclude, then close the pool and the connection.
func (b *Broker) Shutdown(ctx context.Context, timeout time.Duration) error {
	b.mu.Lock()
	connected := b.connected
	pool := b.pool
	b.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	if pool == nil || !pool.IsOpen() {
		return ErrPoolNotOpen
	}

	b.chMu.Lock()
	var allHandles []*ConsumerHandle
	for _, entry := range b.channels {
		entry.mu.Lock()
		for h := range entry.handles {
			allHandles = append(allHandles, h)
		}
		entry.mu.Unlock()
	}
	b.chMu.Unlock()
	for _, h := range allHandles {
		_ = h.Cancel()
	}

	deadline := time.Now().Add(timeout)
	b.trackMu.Lock()
	workers := append([]*Worker(nil), b.workers...)
	transactors := append([]*Transactor(nil), b.transactors...)
	b.trackMu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			if err := w.Drain(time.Until(deadline)); err != nil {
				b.logger.Warn("jobq: worker did not drain before shutdown timeout", "error", err)
			}
		}(w)
	}
	for _, t := range transactors {
		wg.Add(1)
		go func(t *Transactor) {
			defer wg.Done()
			if err := t.WaitUntil(time.Until(deadline)); err != nil {
				b.logger.Warn("jobq: transactor did not conclude before shutdown timeout", "error", err)
			}
		}(t)
	}
	wg.Wait()

	b.mu.Lock()
	stopCh := b.drainerStop
	b.mu.Unlock()
	close(stopCh)
	b.drainerWG.Wait()

	if err := pool.Close(); err != nil {
		b.logger.Warn("jobq: error closing channel pool", "error", err)
	}

	b.mu.Lock()
	conn := b.conn
	b.connected = false
	b.shuttingDown = true
	b.mu.Unlock()

	return conn.Close()
}
