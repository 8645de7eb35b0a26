// Package worker implements the compute side of the protocol: a two state
// machine that answers WORK messages with RESULT messages until it receives
// TERMINATE.
//
//	          WORK / reply RESULT
//	         ┌───────────────┐
//	         ▼               │
//	   ┌───────────┐─────────┘        ┌────────────┐
//	   │ RECEIVING │ ── TERMINATE ──► │ TERMINATED │
//	   └───────────┘                  └────────────┘
//
// Workers keep no state between requests apart from a served counter, so any
// worker can answer any request.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/dreamware/keypairs/internal/kernel"
	"github.com/dreamware/keypairs/internal/protocol"
)

// ErrTerminated is returned when a message arrives after TERMINATE
var ErrTerminated = errors.New("worker terminated")

// State is the worker's position in its state machine
type State string

const (
	// StateReceiving waits for the next message
	StateReceiving State = "receiving"
	// StateTerminated is final
	StateTerminated State = "terminated"
)

// Worker answers work requests with the compute kernel.
// Thread-safe: Handle may be called from concurrent HTTP handlers.
type Worker struct {
	ID     string
	kernel kernel.Kernel
	state  State
	served uint64 // Work requests answered, updated atomically
	mu     sync.Mutex
}

// Info is a snapshot of a worker for reporting
type Info struct {
	ID     string `json:"id"`
	State  State  `json:"state"`
	Served uint64 `json:"served"`
}

// New creates a worker in the RECEIVING state
func New(id string, k kernel.Kernel) *Worker {
	return &Worker{
		ID:     id,
		kernel: k,
		state:  StateReceiving,
	}
}

// Handle advances the state machine by one message.
//
// Returns:
//   - reply: the RESULT message for WORK, nil for TERMINATE
//   - done: true once the worker has moved to TERMINATED
//   - err: ErrTerminated after termination, or a validation error
func (w *Worker) Handle(msg protocol.Message) (reply *protocol.Message, done bool, err error) {
	if err := msg.Validate(); err != nil {
		return nil, false, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateTerminated {
		return nil, true, ErrTerminated
	}

	switch msg.Kind {
	case protocol.KindWork:
		req := msg.Work
		value := w.kernel.Compute(req.CountOwner, req.CountOther, req.KeyOwner, req.KeyOther)
		atomic.AddUint64(&w.served, 1)
		res := protocol.Result(protocol.WorkResult{Key: req.KeyOwner, Value: value})
		return &res, false, nil
	case protocol.KindTerminate:
		w.state = StateTerminated
		return nil, true, nil
	default:
		return nil, false, fmt.Errorf("worker %s: cannot handle %s", w.ID, msg.Kind)
	}
}

// Serve runs the receive loop: it reads from inbox, replies on out and returns
// nil after TERMINATE. It returns early only on a protocol error or when ctx
// is done.
func (w *Worker) Serve(ctx context.Context, inbox *protocol.Mailbox, out chan<- protocol.Message) error {
	for {
		msg, err := inbox.Get(ctx)
		if err != nil {
			return fmt.Errorf("worker %s: receive: %w", w.ID, err)
		}

		reply, done, err := w.Handle(msg)
		if err != nil {
			return err
		}
		if done {
			log.Printf("worker %s terminated after %d requests", w.ID, w.Served())
			return nil
		}

		select {
		case out <- *reply:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// State returns the current state
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Served returns how many work requests were answered
func (w *Worker) Served() uint64 {
	return atomic.LoadUint64(&w.served)
}

// Info returns a snapshot for reporting
func (w *Worker) Info() Info {
	return Info{ID: w.ID, State: w.State(), Served: w.Served()}
}
