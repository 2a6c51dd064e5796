package jobq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// WorkerConfig configures one Worker Pipeline instance (spec.md §4.3).
type WorkerConfig struct {
	// Queues to consume from; defaults to every primary queue in the
	// Registry if left empty.
	Queues []string

	// Concurrency bounds how many handlers run at once, across every
	// queue this worker consumes. Defaults to 10.
	Concurrency int

	// Prefetch is the per-consumer prefetch passed to Broker.ConsumeOver;
	// defaults to the Broker's configured Prefetch.
	Prefetch int

	// ResultBuffer sizes the channel returned by Results(). Defaults to 256.
	ResultBuffer int
}

// WorkerOption configures optional collaborators.
type WorkerOption func(*Worker)

// WithWorkerLogger overrides the default slog.Default() logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

// WithWorkerMetrics attaches a Metrics recorder.
func WithWorkerMetrics(m *Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// Worker is the bounded-concurrency pipeline that drains ConsumerHandles and
// runs JobDefinition.Handler against each decoded JobRequest (spec.md §4.3,
// "Worker Pipeline"). It implements the per-message state machine: RECEIVED
// -> DECODED -> DISPATCHED -> one of SUCCESS/FAILURE/TIMEOUT/DECODE_ERROR.
type Worker struct {
	broker   *Broker
	registry *Registry
	logger   *slog.Logger
	metrics  *Metrics

	cfg WorkerConfig
	sem *semaphore.Weighted

	handles []*ConsumerHandle
	results chan *WorkerResult

	ctx    context.Context
	cancel context.CancelFunc

	loopWG  sync.WaitGroup
	procWG  sync.WaitGroup
	started int32
}

// NewWorker builds a Worker against broker's Registry. The returned Worker
// is registered with broker so Broker.Shutdown waits for it to drain.
func NewWorker(broker *Broker, cfg WorkerConfig, opts ...WorkerOption) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.ResultBuffer <= 0 {
		cfg.ResultBuffer = 256
	}

	w := &Worker{
		broker:   broker,
		registry: broker.Registry(),
		logger:   slog.Default(),
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		results:  make(chan *WorkerResult, cfg.ResultBuffer),
	}
	for _, opt := range opts {
		opt(w)
	}

	broker.TrackWorker(w)
	return w
}

// Results returns the stream of terminal outcomes, one per processed
// delivery (spec.md §4.3, "Output stream"). After Drain, an outcome that
// finds the stream full is dropped (see emit).
func (w *Worker) Results() <-chan *WorkerResult { return w.results }

// Start attaches consumers for the configured queues and begins dispatching
// deliveries to handlers. Start may run once; a second call returns an
// error.
func (w *Worker) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&w.started, 0, 1) {
		return errors.New("jobq: worker already started")
	}

	queues := w.cfg.Queues
	if len(queues) == 0 {
		queues = w.registry.WorkerQueues()
	}
	if len(queues) == 0 {
		return errors.New("jobq: worker has no queues to consume (register a job first)")
	}

	handles, err := w.broker.ConsumeOver(queues, w.cfg.Prefetch)
	if err != nil {
		return errors.Wrap(err, "starting worker consumers")
	}
	w.handles = handles

	w.ctx, w.cancel = context.WithCancel(ctx)

	for _, h := range handles {
		w.loopWG.Add(1)
		go w.consumeLoop(h)
	}
	return nil
}

func (w *Worker) consumeLoop(h *ConsumerHandle) {
	defer w.loopWG.Done()
	for {
		select {
		case d, ok := <-h.Stream():
			if !ok {
				return
			}
			w.dispatch(h, d)
		case <-h.Resumed():
			w.logger.Info("jobq: consumer resumed on a new channel", "queue", h.Queue)
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Worker) dispatch(h *ConsumerHandle, d *Delivery) {
	if err := w.sem.Acquire(w.ctx, 1); err != nil {
		// Context cancelled while waiting for a slot; let the delivery sit
		// unacked so the broker redelivers it after this consumer cancels.
		return
	}

	w.procWG.Add(1)
	if w.metrics != nil {
		w.metrics.WorkersActive.Inc()
	}

	go func() {
		defer w.procWG.Done()
		defer w.sem.Release(1)
		if w.metrics != nil {
			defer w.metrics.WorkersActive.Dec()
		}
		w.process(h, d)
	}()
}

type workerOutcome struct {
	result any
	err    error
}

func (w *Worker) process(h *ConsumerHandle, d *Delivery) {
	if d.Request == nil {
		w.nack(d, false)
		w.emit(&WorkerResult{Status: StatusDecodeError, Error: ErrDecodeError})
		return
	}

	req := d.Request
	def, ok := w.registry.Lookup(req.Name)
	if !ok {
		w.nack(d, false)
		w.emit(&WorkerResult{Request: req, Status: StatusFailure, Error: ErrUnknownJob})
		return
	}

	// Handlers are not cancelled by Drain: only the job's own timeout ends
	// them, so Drain can wait for in-flight work to finish.
	ctx := context.WithoutCancel(w.ctx)
	var cancel context.CancelFunc
	if def.TimeoutMs > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(def.TimeoutMs)*time.Millisecond)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	started := time.Now()
	done := make(chan workerOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- workerOutcome{err: fmt.Errorf("jobq: handler panic: %v", r)}
			}
		}()
		result, err := def.Handler(ctx, req)
		done <- workerOutcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if w.metrics != nil {
			w.metrics.JobDuration.WithLabelValues(def.Name).Observe(time.Since(started).Seconds())
		}
		if out.err != nil {
			w.handleFailure(d, def, req, out.err, StatusFailure)
			return
		}
		w.ack(d)
		w.emit(&WorkerResult{Request: req, Status: StatusSuccess, Result: out.result})
		w.recordStatus(def.Name, StatusSuccess)

	case <-ctx.Done():
		w.handleFailure(d, def, req, ctx.Err(), StatusTimeout)
	}
}

func (w *Worker) handleFailure(d *Delivery, def *JobDefinition, req *JobRequest, cause error, status WorkerStatus) {
	maxAttempts := def.MaxRetries + 1

	if req.Attempt < maxAttempts {
		req.Attempt++
		if err := w.republish(def.RetryExchange, def, req); err != nil {
			w.logger.Error("jobq: failed to republish retry", "job", def.Name, "error", err)
		} else if w.metrics != nil {
			w.metrics.RetriesTotal.WithLabelValues(def.Name).Inc()
		}
	} else if def.ErrorExchange != "" {
		if err := w.republish(def.ErrorExchange, def, req); err != nil {
			w.logger.Error("jobq: failed to republish to error exchange", "job", def.Name, "error", err)
		}
	}
	w.ack(d)

	w.emit(&WorkerResult{Request: req, Status: status, Error: cause})
	w.recordStatus(def.Name, status)
}

func (w *Worker) republish(exchange string, def *JobDefinition, req *JobRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "marshalling retry/error envelope")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = w.broker.Publish(ctx, PublishMessage{
		Exchange:      exchange,
		RoutingKey:    def.Queue,
		Body:          body,
		CorrelationID: req.CorrelationID,
	})
	return err
}

// emit sends r on the Results stream, waiting for room while the stream is
// full. Once Drain has cancelled the worker, a result that finds the stream
// full is dropped instead of blocking the handler's completion.
func (w *Worker) emit(r *WorkerResult) {
	select {
	case w.results <- r:
		return
	default:
	}
	select {
	case w.results <- r:
	case <-w.ctx.Done():
	}
}

func (w *Worker) recordStatus(job string, status WorkerStatus) {
	if w.metrics != nil {
		w.metrics.JobsTotal.WithLabelValues(job, string(status)).Inc()
	}
}

func (w *Worker) ack(d *Delivery) {
	ch, ok := w.broker.channelFor(d.channelID)
	if !ok {
		w.logger.Warn("jobq: ack skipped, channel no longer tracked", "tag", d.DeliveryTag)
		return
	}
	if err := ch.Ack(d.DeliveryTag, false); err != nil {
		w.logger.Warn("jobq: ack failed", "tag", d.DeliveryTag, "error", err)
	}
}

func (w *Worker) nack(d *Delivery, requeue bool) {
	ch, ok := w.broker.channelFor(d.channelID)
	if !ok {
		w.logger.Warn("jobq: nack skipped, channel no longer tracked", "tag", d.DeliveryTag)
		return
	}
	if err := ch.Nack(d.DeliveryTag, false, requeue); err != nil {
		w.logger.Warn("jobq: nack failed", "tag", d.DeliveryTag, "error", err)
	}
}

// Drain stops accepting new deliveries and waits up to timeout for
// in-flight handlers to finish. It returns an error if the deadline passes
// first (spec.md §5, "graceful shutdown").
func (w *Worker) Drain(timeout time.Duration) error {
	if w.cancel != nil {
		w.cancel()
	}

	deadline := time.Now().Add(timeout)
	if err := waitWithDeadline(&w.loopWG, deadline); err != nil {
		return err
	}
	return waitWithDeadline(&w.procWG, deadline)
}

func waitWithDeadline(wg *sync.WaitGroup, deadline time.Time) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}

	select {
	case <-done:
		return nil
	case <-time.After(remaining):
		return ErrDrainTimeout
	}
}
