package jobq

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// JobDefinitionInput is what callers pass to Registry.RegisterJob; fields
// left zero are normalized by the registry (spec.md §4.5).
type JobDefinitionInput struct {
	Name       string // optional; defaults to the queue name
	Queue      string
	RoutingKey string
	Exchange   string
	ReplyTo    string

	Handler Handler

	MaxRetries   int   // default DefaultMaxRetries
	RetryDelayMs int64 // default 5000
	ExpiresMs    int64
	TimeoutMs    int64

	JobClass string

	// RetryExchange/ErrorExchange override the synthesized
	// "<name>.retry"/"<name>.error" names (spec.md §9 open question,
	// resolved in SPEC_FULL.md §6.6: the registry always synthesizes and
	// declares these unless explicitly overridden here).
	RetryExchange string
	ErrorExchange string
}

// Registry is the static, append-only catalogue of JobDefinitions (spec.md
// §4.5, §5 "Shared-resource policy"). It is safe for concurrent reads after
// registration and is mutated only by RegisterJob.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*JobDefinition
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*JobDefinition)}
}

// RegisterJob normalizes input and stores the resulting JobDefinition,
// returning an error if the name is already taken.
func (r *Registry) RegisterJob(input JobDefinitionInput) (*JobDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := input.Name
	if name == "" {
		name = input.Queue
	}
	if name == "" {
		return nil, errors.New("jobq: job definition requires a Name or a Queue")
	}
	if _, exists := r.defs[name]; exists {
		return nil, errors.Errorf("jobq: job %q already registered", name)
	}
	if input.Queue == "" {
		return nil, errors.Errorf("jobq: job %q requires a Queue", name)
	}

	maxRetries := input.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}
	retryDelayMs := input.RetryDelayMs
	if retryDelayMs == 0 {
		retryDelayMs = 5000
	}

	retryExchange := input.RetryExchange
	if retryExchange == "" {
		retryExchange = name + ".retry"
	}
	errorExchange := input.ErrorExchange
	if errorExchange == "" {
		errorExchange = name + ".error"
	}

	def := &JobDefinition{
		Name:          name,
		Queue:         input.Queue,
		RoutingKey:    input.RoutingKey,
		Exchange:      input.Exchange,
		ReplyTo:       input.ReplyTo,
		Handler:       input.Handler,
		RetryExchange: retryExchange,
		ErrorExchange: errorExchange,
		RetryQueue:    fmt.Sprintf("%s.retry", input.Queue),
		MaxRetries:    maxRetries,
		RetryDelayMs:  retryDelayMs,
		ExpiresMs:     input.ExpiresMs,
		TimeoutMs:     input.TimeoutMs,
		JobClass:      input.JobClass,
	}

	r.defs[name] = def
	return def, nil
}

// Lookup returns the JobDefinition registered under name, if any.
func (r *Registry) Lookup(name string) (*JobDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// All returns a snapshot slice of every registered JobDefinition.
func (r *Registry) All() []*JobDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*JobDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	return out
}

// Queues returns the set of distinct primary queue names across every
// registered job, plus each job's synthesized retry delay queue.
func (r *Registry) Queues() []QueueSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []QueueSpec
	for _, def := range r.defs {
		if !seen[def.Queue] {
			seen[def.Queue] = true
			out = append(out, QueueSpec{Name: def.Queue, Durable: true})
		}
		if !seen[def.RetryQueue] {
			seen[def.RetryQueue] = true
			out = append(out, QueueSpec{
				Name:    def.RetryQueue,
				Durable: true,
				Args: map[string]any{
					"x-message-ttl":            def.RetryDelayMs,
					"x-dead-letter-exchange":   "",
					"x-dead-letter-routing-key": def.Queue,
				},
			})
		}
	}
	return out
}

// Exchanges returns the set of distinct exchanges (retry + error + any
// explicit publish exchange) derived from the registry.
func (r *Registry) Exchanges() []ExchangeSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []ExchangeSpec
	add := func(name, kind string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, ExchangeSpec{Name: name, Kind: kind, Durable: true})
	}
	for _, def := range r.defs {
		add(def.Exchange, "topic")
		add(def.RetryExchange, "direct")
		add(def.ErrorExchange, "direct")
	}
	return out
}

// Bindings returns the bindings needed to route a retry republish onto its
// delay queue, and an error republish is left exchange-only (no binding is
// synthesized for the error exchange; archival consumers bind it themselves).
func (r *Registry) Bindings() []BindingSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []BindingSpec
	for _, def := range r.defs {
		out = append(out, BindingSpec{
			Exchange:   def.RetryExchange,
			Queue:      def.RetryQueue,
			RoutingKey: "#",
		})
	}
	return out
}

// WorkerQueues returns the distinct primary (non-retry) queue names, the
// set a Worker consumes from by default when none are given explicitly.
func (r *Registry) WorkerQueues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, def := range r.defs {
		if !seen[def.Queue] {
			seen[def.Queue] = true
			out = append(out, def.Queue)
		}
	}
	return out
}

// QueueSpec, ExchangeSpec and BindingSpec describe one piece of topology to
// be idempotently declared (spec.md §3, "Topology set").
type QueueSpec struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       map[string]any
}

type ExchangeSpec struct {
	Name    string
	Kind    string
	Durable bool
}

type BindingSpec struct {
	Exchange   string
	Queue      string
	RoutingKey string
}
