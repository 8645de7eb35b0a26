// Package coordinator implements the control side of the key pair computation.
// See doc.go for complete package documentation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/dreamware/keypairs/internal/kernel"
	"github.com/dreamware/keypairs/internal/protocol"
)

var (
	// ErrInvalidPair is returned by Feed for identical or out-of-range keys
	ErrInvalidPair = errors.New("invalid key pair")
	// ErrInvalidKey is returned by Reduce for a result outside the key space
	ErrInvalidKey = errors.New("result key out of range")
	// ErrNoWorkers is returned when the dispatcher has no worker slots
	ErrNoWorkers = errors.New("at least one worker is required")
)

// Dispatcher is the coordinator's view of the worker pool.
// *pool.Pool satisfies it.
type Dispatcher interface {
	// Workers returns the number of worker slots
	Workers() int
	// Send queues a request for one worker without blocking
	Send(worker int, req protocol.WorkRequest) error
	// Receive returns the next result from any worker
	Receive(ctx context.Context) (int, protocol.WorkResult, error)
	// ReceiveFrom returns the next result from one worker
	ReceiveFrom(ctx context.Context, worker int) (protocol.WorkResult, error)
	// Terminate broadcasts TERMINATE and waits for every worker to stop
	Terminate(ctx context.Context) error
}

// PairSource yields the stream of key pairs. Next returns false once the
// stream is exhausted.
type PairSource interface {
	Next() (key1, key2 int64, ok bool)
}

// Config holds the coordinator's fixed parameters
type Config struct {
	NKeys int64 // Key space size, keys are in [0, NKeys)
	Size  int64 // Counter threshold and feedback modulus
}

// Stats counts what happened during a run
type Stats struct {
	Pairs            uint64 `json:"pairs"`             // Pairs fed from the stream
	StreamDispatches uint64 `json:"stream_dispatches"` // Requests sent while streaming
	FinalDispatches  uint64 `json:"final_dispatches"`  // Requests sent by Finalize
	Folded           uint64 `json:"folded"`            // Results applied by Reduce
	Stalls           uint64 `json:"stalls"`            // Feeds that had to wait on a pending key
}

// Report is the outcome of Run
type Report struct {
	RunID   string
	Values  []float64     // Final accumulator, indexed by key
	Elapsed time.Duration // Stream start to end of finalization
	Stats   Stats
}

// Coordinator owns every piece of mutable state of a run: key counters, the
// pending set, the accumulator and the round-robin cursor.
//
// Not thread-safe: all methods must be called from one goroutine. Concurrency
// exists only between the coordinator and its workers, through the Dispatcher.
type Coordinator struct {
	pool    Dispatcher
	counts  []int64   // Occurrence counter per key, always in [0, size]
	pending []bool    // True while a streaming request for the key is in flight
	values  []float64 // Accumulated results per key
	cursor  *Cursor
	runID   string
	stats   Stats
	nkeys   int64
	size    int64
}

// New creates a coordinator over the given dispatcher.
//
// Returns an error if the key space is empty or the dispatcher has no workers.
// A non-positive Size falls back to kernel.DefaultSize.
func New(cfg Config, pool Dispatcher) (*Coordinator, error) {
	if cfg.NKeys <= 0 {
		return nil, fmt.Errorf("coordinator: nkeys must be positive, got %d", cfg.NKeys)
	}
	if pool == nil || pool.Workers() < 1 {
		return nil, ErrNoWorkers
	}
	size := cfg.Size
	if size <= 0 {
		size = kernel.DefaultSize
	}

	return &Coordinator{
		pool:    pool,
		counts:  make([]int64, cfg.NKeys),
		pending: make([]bool, cfg.NKeys),
		values:  make([]float64, cfg.NKeys),
		cursor:  NewCursor(pool.Workers()),
		runID:   uuid.NewString(),
		nkeys:   cfg.NKeys,
		size:    size,
	}, nil
}

// Feed ingests one pair from the stream.
//
// While either key has a request in flight, Feed blocks on results from any
// worker and folds them. Then both counters are incremented, and a key whose
// counter reaches SIZE while its partner's counter is positive is dispatched
// and marked pending.
func (c *Coordinator) Feed(ctx context.Context, key1, key2 int64) error {
	if key1 == key2 || !c.inRange(key1) || !c.inRange(key2) {
		return fmt.Errorf("%w: (%d, %d) with nkeys=%d", ErrInvalidPair, key1, key2, c.nkeys)
	}
	c.stats.Pairs++

	if c.pending[key1] || c.pending[key2] {
		c.stats.Stalls++
	}
	for c.pending[key1] || c.pending[key2] {
		if err := c.receiveAny(ctx); err != nil {
			return err
		}
	}

	c.counts[key1]++
	c.counts[key2]++

	if c.counts[key1] == c.size && c.counts[key2] > 0 {
		if err := c.dispatchPending(key1, key2); err != nil {
			return err
		}
	}
	if c.counts[key2] == c.size && c.counts[key1] > 0 {
		if err := c.dispatchPending(key2, key1); err != nil {
			return err
		}
	}
	return nil
}

// Reduce applies one result: it adds the value to the owner's accumulator,
// clears the owner's pending flag and resets its counter with Feedback.
func (c *Coordinator) Reduce(res protocol.WorkResult) error {
	if !c.inRange(res.Key) {
		return fmt.Errorf("%w: %d", ErrInvalidKey, res.Key)
	}
	c.values[res.Key] += res.Value
	c.pending[res.Key] = false
	c.counts[res.Key] = Feedback(res.Value, c.size)
	c.stats.Folded++
	return nil
}

// DrainAll blocks until no key is pending, folding every result it receives.
func (c *Coordinator) DrainAll(ctx context.Context) error {
	for key := range c.pending {
		for c.pending[key] {
			if err := c.receiveAny(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Finalize runs the exhaustive phase. For every ordered pair (i, j), i != j,
// with both counters positive at entry, it dispatches (count[i], count[j], i, j)
// and then collects one result per request from the worker it was sent to,
// in dispatch order.
//
// Pending flags are neither checked nor set here: the stream is exhausted and
// drained, so nothing competes with these requests.
func (c *Coordinator) Finalize(ctx context.Context) error {
	counts := append([]int64(nil), c.counts...)
	active := c.ActiveKeys()

	targets := make([]int, 0, len(active)*len(active))
	for _, i := range active {
		for _, j := range active {
			if i == j {
				continue
			}
			w := c.cursor.Next()
			req := protocol.WorkRequest{CountOwner: counts[i], CountOther: counts[j], KeyOwner: i, KeyOther: j}
			if err := c.pool.Send(w, req); err != nil {
				return fmt.Errorf("finalize dispatch (%d, %d): %w", i, j, err)
			}
			targets = append(targets, w)
			c.stats.FinalDispatches++
		}
	}
	log.Printf("run %s: finalize dispatched %d requests over %d active keys", c.runID, len(targets), len(active))

	for _, w := range targets {
		res, err := c.pool.ReceiveFrom(ctx, w)
		if err != nil {
			return fmt.Errorf("finalize collect from worker %d: %w", w, err)
		}
		if err := c.Reduce(res); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown broadcasts TERMINATE to every worker and waits for them to stop.
// No sends or receives may follow.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if err := c.pool.Terminate(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Printf("run %s: workers terminated", c.runID)
	return nil
}

// Run drives a whole computation: it feeds every pair from src, drains the
// pending requests, finalizes, and shuts the workers down. Elapsed covers
// feeding through finalization.
func (c *Coordinator) Run(ctx context.Context, src PairSource) (Report, error) {
	log.Printf("run %s: started with %d workers, nkeys=%d, size=%d", c.runID, c.pool.Workers(), c.nkeys, c.size)
	start := time.Now()

	for {
		key1, key2, ok := src.Next()
		if !ok {
			break
		}
		if err := c.Feed(ctx, key1, key2); err != nil {
			return Report{}, err
		}
	}
	log.Printf("run %s: stream exhausted after %d pairs, %d dispatches, %d stalls",
		c.runID, c.stats.Pairs, c.stats.StreamDispatches, c.stats.Stalls)

	if err := c.DrainAll(ctx); err != nil {
		return Report{}, fmt.Errorf("drain: %w", err)
	}
	if err := c.Finalize(ctx); err != nil {
		return Report{}, err
	}
	elapsed := time.Since(start)

	if err := c.Shutdown(ctx); err != nil {
		return Report{}, err
	}

	return Report{
		RunID:   c.runID,
		Values:  c.Values(),
		Elapsed: elapsed,
		Stats:   c.stats,
	}, nil
}

// Count returns the counter of a key
func (c *Coordinator) Count(key int64) int64 {
	return c.counts[key]
}

// Pending reports whether a key has a streaming request in flight
func (c *Coordinator) Pending(key int64) bool {
	return c.pending[key]
}

// PendingCount returns how many keys are pending
func (c *Coordinator) PendingCount() int {
	n := 0
	for _, p := range c.pending {
		if p {
			n++
		}
	}
	return n
}

// Value returns the accumulated value of a key
func (c *Coordinator) Value(key int64) float64 {
	return c.values[key]
}

// Values returns a copy of the accumulator
func (c *Coordinator) Values() []float64 {
	return append([]float64(nil), c.values...)
}

// ActiveKeys returns the keys with a positive counter, ascending
func (c *Coordinator) ActiveKeys() []int64 {
	keys := make([]int64, 0, len(c.counts))
	for k := range c.counts {
		keys = append(keys, int64(k))
	}
	return slices.DeleteFunc(keys, func(k int64) bool { return c.counts[k] <= 0 })
}

// Stats returns the run counters so far
func (c *Coordinator) Stats() Stats {
	return c.stats
}

// RunID identifies this run in logs
func (c *Coordinator) RunID() string {
	return c.runID
}

// Feedback computes the counter reset after a result for a key:
// r = floor(value) mod size, taken unsigned; the counter becomes r when
// r <= size/2 and 0 otherwise. Values that do not fit in an int64 (and NaN)
// give 0.
func Feedback(value float64, size int64) int64 {
	if size <= 0 {
		return 0
	}
	f := math.Floor(value)
	if math.IsNaN(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0
	}
	r := uint64(int64(f)) % uint64(size)
	if r > uint64(size/2) {
		return 0
	}
	return int64(r)
}

func (c *Coordinator) dispatchPending(owner, other int64) error {
	w := c.cursor.Next()
	req := protocol.WorkRequest{
		CountOwner: c.counts[owner],
		CountOther: c.counts[other],
		KeyOwner:   owner,
		KeyOther:   other,
	}
	if err := c.pool.Send(w, req); err != nil {
		return fmt.Errorf("dispatch key %d: %w", owner, err)
	}
	c.pending[owner] = true
	c.stats.StreamDispatches++
	return nil
}

func (c *Coordinator) receiveAny(ctx context.Context) error {
	_, res, err := c.pool.Receive(ctx)
	if err != nil {
		return fmt.Errorf("receive result: %w", err)
	}
	return c.Reduce(res)
}

func (c *Coordinator) inRange(key int64) bool {
	return key >= 0 && key < c.nkeys
}
