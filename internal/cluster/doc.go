// Package cluster carries the worker protocol over HTTP so workers can run as
// separate processes, possibly on other machines.
//
// # Overview
//
// The in-process pool hands messages to worker goroutines through mailboxes.
// For remote workers the pool slot is filled by a RemoteWorker instead, which
// takes the slot's messages one by one and posts them to the worker process:
//
//	 coordinator process                       worker process
//	┌────────────────────────────┐            ┌─────────────────────────┐
//	│ pool slot i                │            │ NewHandler              │
//	│  inbox ─► RemoteWorker ────┼── POST ───►│  /message ─► Worker     │
//	│  out   ◄──────────────────-┼── RESULT ──│             .Handle     │
//	└────────────────────────────┘            │  /health  /info         │
//	                                          └─────────────────────────┘
//
// # Communication Protocol
//
// POST /message:
//   - Body is one protocol message, JSON framed by protocol.Encoder
//   - WORK is answered with 200 and a RESULT message
//   - TERMINATE is answered with 204; the worker process then shuts down
//   - Anything after TERMINATE is answered with 410 Gone
//
// GET /info returns the worker's ID, state and served count.
// GET /health answers 200 while the process is up.
//
// # Ordering
//
// A RemoteWorker never has more than one request in flight. The remote worker
// therefore answers strictly in queue order, which the coordinator's
// positional collection during finalization depends on.
//
// # Failure Handling
//
// Message posts have no timeout. A worker that hangs stalls its slot and, in
// turn, the coordinator. A transport error ends the slot's goroutine; the pool
// reports it when terminated.
//
// WaitReady is a pre-flight check run before any work is dispatched, so an
// unreachable worker is a configuration error rather than a stall.
//
// # Usage Example
//
//	// worker process
//	w := worker.New(id, kernel.New(64))
//	srv := &http.Server{Addr: ":8091", Handler: cluster.NewHandler(w, stop)}
//
//	// coordinator process
//	if _, err := cluster.WaitReady(ctx, addrs, 10, 400*time.Millisecond); err != nil {
//	    log.Fatal(err)
//	}
//	eps := []pool.Endpoint{cluster.NewRemoteWorker(addrs[0]), cluster.NewRemoteWorker(addrs[1])}
package cluster
