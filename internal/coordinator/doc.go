// Package coordinator implements the control plane of the key pair computation:
// it consumes a stream of key pairs, decides when a key is hot enough to
// dispatch work, tracks in-flight requests, and folds results into a per-key
// accumulator before shutting the worker pool down.
//
// # Overview
//
// Every pair (k1, k2) from the stream increments both keys' counters. A key
// whose counter reaches SIZE while its partner's counter is positive is sent
// to the next worker as a WORK request and marked pending. Results come back
// in any order and are matched to their owner key through the key carried in
// the RESULT payload, never through arrival order or worker identity.
//
// # Architecture
//
//	  stream ──► Feed ──► counters ──► threshold? ──► Send(cursor.Next())
//	                ▲                                        │
//	                │                                        ▼
//	             Reduce ◄──────── Receive (any worker) ◄── workers
//	                │
//	                ▼
//	           accumulator
//
// # State
//
// The Coordinator value owns all mutable state of a run:
//   - counts: occurrence counter per key, always within [0, SIZE]
//   - pending: true while a streaming request for the key is outstanding
//   - values: the accumulator, append only, reported at the end
//   - cursor: monotonically increasing round-robin dispatch counter
//
// None of it is shared. The coordinator runs on a single goroutine and talks
// to workers only through the Dispatcher.
//
// # Pending Exclusivity
//
// A key has at most one outstanding streaming request. Feed refuses to touch
// a pending key's counter: it blocks on results from any worker, folding each,
// until neither key of the pair is pending.
//
// # Feedback Rule
//
// After a result for key k, the counter is not simply cleared:
//
//	r        = floor(value) mod SIZE   (unsigned)
//	count[k] = r   if r <= SIZE/2
//	count[k] = 0   otherwise
//
// Part of a hot key's previous work is reinjected into its counter, which
// throttles the key on later dispatches. The rule is kept exactly as is.
//
// # Termination
//
// A run ends in three steps:
//  1. DrainAll: fold results until no key is pending.
//  2. Finalize: dispatch one request per ordered pair of keys with positive
//     counters, then collect the results worker by worker in dispatch order.
//     Each worker answers FIFO, so positional collection is safe. Finalize
//     neither checks nor sets pending flags.
//  3. Shutdown: broadcast TERMINATE once and wait for the workers to stop.
//
// # Failure Handling
//
// There is no liveness detection. A worker that crashes or hangs stalls the
// coordinator in Receive or ReceiveFrom until the caller's context is done;
// the command line tool passes a context that is only cancelled by a signal.
// Requests are never retried or dropped.
//
// # Usage
//
//	p, _ := pool.New(endpoints...)
//	p.Start(ctx)
//	c, err := coordinator.New(coordinator.Config{NKeys: 100, Size: 64}, p)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	report, err := c.Run(ctx, stream.New(100, 1_000_000, 117))
package coordinator
