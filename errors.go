package jobq

import "github.com/pkg/errors"

// Sentinel errors raised synchronously at precondition violations (spec.md
// §5, "Errors that fail pre-conditions") and at the other fixed boundaries
// named in spec.md §7.
var (
	// ErrNotConnected is returned by Consume/Shutdown/Publish when called
	// before Connect has completed.
	ErrNotConnected = errors.New("jobq: broker is not connected")

	// ErrPoolNotOpen is returned by Shutdown when Connect succeeded but the
	// channel pool was never opened (a distinct precondition error from
	// ErrNotConnected, per spec.md §5).
	ErrPoolNotOpen = errors.New("jobq: channel pool was never opened")

	// ErrPoolClosed is handed to any acquirer waiting on the pool, and
	// returned by new acquisitions, once the pool has been closed.
	ErrPoolClosed = errors.New("jobq: channel pool is closed")

	// ErrTransactionConcluded is returned when Commit or Rollback is called
	// on a Transactor that has already concluded.
	ErrTransactionConcluded = errors.New("jobq: transaction already concluded")

	// ErrUnknownJob is returned by Call when no JobDefinition was
	// registered under the given name.
	ErrUnknownJob = errors.New("jobq: no job registered under that name")

	// ErrDecodeError marks a delivery whose body is not valid JSON or whose
	// envelope lacks a name (spec.md §7, "Decode error").
	ErrDecodeError = errors.New("jobq: delivery failed to decode into a job request")

	// ErrConsumerCancelled names the state of a cancelled ConsumerHandle.
	// No function in this package returns it; a cancelled handle's Stream()
	// channel is closed instead.
	ErrConsumerCancelled = errors.New("jobq: consumer handle was cancelled")

	// ErrDrainTimeout is returned by Worker.Drain and Transactor.WaitUntil
	// when the deadline passes before the wait condition is satisfied.
	ErrDrainTimeout = errors.New("jobq: timed out waiting to conclude")
)
