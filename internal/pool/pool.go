// Package pool manages the fixed set of workers the coordinator dispatches to.
//
// Each worker slot owns an unbounded inbox and a result channel. Sends never
// block. Results can be read from whichever worker answers first (Receive) or
// from one specific worker (ReceiveFrom). Slots are addressed by index only;
// the pool never looks at load.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"reflect"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"

	"github.com/dreamware/keypairs/internal/protocol"
)

var (
	// ErrNoWorkers is returned when a pool is created without endpoints
	ErrNoWorkers = errors.New("pool needs at least one worker")
	// ErrUnexpectedKind is returned when a worker replies with something other than RESULT
	ErrUnexpectedKind = errors.New("unexpected message kind from worker")
	// ErrClosed is returned by Send after Terminate
	ErrClosed = errors.New("pool terminated")
	// ErrBadWorker is returned for an index outside [0, Workers())
	ErrBadWorker = errors.New("worker index out of range")
)

// Endpoint is anything that can sit behind a worker slot: a local worker
// goroutine or a forwarder to a remote worker process. Serve must answer every
// WORK message on out, in order, and return after TERMINATE.
type Endpoint interface {
	Serve(ctx context.Context, inbox *protocol.Mailbox, out chan<- protocol.Message) error
}

// Pool is a fixed, ordered collection of worker slots.
// Send, Receive and ReceiveFrom are meant for a single coordinator goroutine;
// Stats is safe to call from anywhere.
type Pool struct {
	endpoints  []Endpoint
	inboxes    []*protocol.Mailbox
	results    []chan protocol.Message
	recvCases  []reflect.SelectCase // One receive case per results channel
	dispatched []uint64             // Per-slot dispatch counts, updated atomically
	errs       []error              // Per-slot Serve errors
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex // Protects started, closed and errs
	started    bool
	closed     bool
}

// Stats summarises how requests were spread over the pool
type Stats struct {
	Dispatched []uint64 `json:"dispatched"` // Requests sent to each slot
	Total      uint64   `json:"total"`      // Sum of Dispatched
	Spread     uint64   `json:"spread"`     // max(Dispatched) - min(Dispatched)
}

// New creates a pool over the given endpoints. Slot i is endpoints[i].
func New(endpoints ...Endpoint) (*Pool, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoWorkers
	}

	n := len(endpoints)
	p := &Pool{
		endpoints:  endpoints,
		inboxes:    make([]*protocol.Mailbox, n),
		results:    make([]chan protocol.Message, n),
		recvCases:  make([]reflect.SelectCase, n),
		dispatched: make([]uint64, n),
		errs:       make([]error, n),
	}
	for i := range endpoints {
		p.inboxes[i] = protocol.NewMailbox()
		p.results[i] = make(chan protocol.Message)
		p.recvCases[i] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(p.results[i])}
	}
	return p, nil
}

// Start launches one goroutine per slot. Calling Start twice is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for i, ep := range p.endpoints {
		p.wg.Add(1)
		go func(i int, ep Endpoint) {
			defer p.wg.Done()
			if err := ep.Serve(ctx, p.inboxes[i], p.results[i]); err != nil {
				log.Printf("pool: worker slot %d stopped: %v", i, err)
				p.mu.Lock()
				p.errs[i] = err
				p.mu.Unlock()
			}
		}(i, ep)
	}
	log.Printf("pool started with %d workers", len(p.endpoints))
}

// Workers returns the number of slots
func (p *Pool) Workers() int {
	return len(p.endpoints)
}

// Send queues a work request for one slot. It never blocks.
func (p *Pool) Send(worker int, req protocol.WorkRequest) error {
	if worker < 0 || worker >= len(p.inboxes) {
		return fmt.Errorf("%w: %d", ErrBadWorker, worker)
	}
	if err := p.inboxes[worker].Put(protocol.Work(req)); err != nil {
		if errors.Is(err, protocol.ErrMailboxClosed) {
			return ErrClosed
		}
		return err
	}
	atomic.AddUint64(&p.dispatched[worker], 1)
	return nil
}

// Receive blocks until any worker delivers a result and returns it together
// with the slot it came from. There is no timeout: a worker that never
// answers blocks the caller until ctx is done.
func (p *Pool) Receive(ctx context.Context) (int, protocol.WorkResult, error) {
	cases := make([]reflect.SelectCase, 0, len(p.recvCases)+1)
	cases = append(cases, p.recvCases...)
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

	chosen, v, _ := reflect.Select(cases)
	if chosen == len(p.recvCases) {
		return -1, protocol.WorkResult{}, ctx.Err()
	}
	res, err := unwrap(chosen, v.Interface().(protocol.Message))
	return chosen, res, err
}

// ReceiveFrom blocks until the given slot delivers its next result.
func (p *Pool) ReceiveFrom(ctx context.Context, worker int) (protocol.WorkResult, error) {
	if worker < 0 || worker >= len(p.results) {
		return protocol.WorkResult{}, fmt.Errorf("%w: %d", ErrBadWorker, worker)
	}
	select {
	case msg := <-p.results[worker]:
		return unwrap(worker, msg)
	case <-ctx.Done():
		return protocol.WorkResult{}, ctx.Err()
	}
}

// Terminate sends TERMINATE to every slot exactly once and waits for all
// slot goroutines to exit. It returns the joined Serve errors, if any.
func (p *Pool) Terminate(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	for _, box := range p.inboxes {
		_ = box.Put(protocol.Terminate())
		box.Close()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if err := p.discardUntil(ctx, done); err != nil {
		return err
	}

	if p.cancel != nil {
		p.cancel()
	}
	log.Printf("pool terminated %d workers", len(p.endpoints))

	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.errs...)
}

// discardUntil drops results nobody will collect so that slots blocked on
// delivering them can reach their TERMINATE. It returns once done is closed.
func (p *Pool) discardUntil(ctx context.Context, done <-chan struct{}) error {
	cases := append([]reflect.SelectCase(nil), p.recvCases...)
	cases = append(cases,
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(done)},
		reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
	)

	dropped := 0
	for {
		chosen, _, _ := reflect.Select(cases)
		switch chosen {
		case len(cases) - 2:
			if dropped > 0 {
				log.Printf("pool: discarded %d uncollected results", dropped)
			}
			return nil
		case len(cases) - 1:
			if p.cancel != nil {
				p.cancel()
			}
			<-done
			return ctx.Err()
		default:
			dropped++
		}
	}
}

// Stats returns a snapshot of the dispatch counters
func (p *Pool) Stats() Stats {
	counts := make([]uint64, len(p.dispatched))
	var total uint64
	for i := range p.dispatched {
		counts[i] = atomic.LoadUint64(&p.dispatched[i])
		total += counts[i]
	}
	return Stats{
		Dispatched: counts,
		Total:      total,
		Spread:     slices.Max(counts) - slices.Min(counts),
	}
}

func unwrap(worker int, msg protocol.Message) (protocol.WorkResult, error) {
	if msg.Kind != protocol.KindResult || msg.Result == nil {
		return protocol.WorkResult{}, fmt.Errorf("%w: worker %d sent %q", ErrUnexpectedKind, worker, msg.Kind)
	}
	return *msg.Result, nil
}
