package cluster

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dreamware/keypairs/internal/protocol"
	"github.com/dreamware/keypairs/internal/worker"
)

// ErrNotReady is returned by WaitReady when a worker never answered
var ErrNotReady = errors.New("worker not ready")

// RemoteWorker forwards a pool slot's messages to a worker process over HTTP.
// Messages are posted one at a time, so the remote worker sees them in the
// order they were queued.
type RemoteWorker struct {
	Addr string // Base URL, e.g. "http://10.0.0.5:8091"
}

// NewRemoteWorker creates a forwarder for the worker at addr
func NewRemoteWorker(addr string) *RemoteWorker {
	return &RemoteWorker{Addr: addr}
}

// Serve implements pool.Endpoint. It returns nil after forwarding TERMINATE,
// or the first transport error.
func (r *RemoteWorker) Serve(ctx context.Context, inbox *protocol.Mailbox, out chan<- protocol.Message) error {
	for {
		msg, err := inbox.Get(ctx)
		if err != nil {
			return fmt.Errorf("remote %s: receive: %w", r.Addr, err)
		}

		reply, ok, err := PostMessage(ctx, r.Addr, msg)
		if err != nil {
			return fmt.Errorf("remote %s: %s: %w", r.Addr, msg.Kind, err)
		}
		if msg.Kind == protocol.KindTerminate {
			return nil
		}
		if !ok || reply.Kind != protocol.KindResult {
			return fmt.Errorf("remote %s: %w: no result for %s", r.Addr, protocol.ErrMalformed, msg.Kind)
		}

		select {
		case out <- reply:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// FetchInfo asks a worker process for its identity and counters
func FetchInfo(ctx context.Context, addr string) (worker.Info, error) {
	var info worker.Info
	err := GetJSON(ctx, addr+PathInfo, &info)
	return info, err
}

// WaitReady checks every worker answers on /info before a run starts,
// retrying each up to attempts times with delay in between.
//
// This is a pre-flight check only; nothing watches the workers once the run
// is under way.
//
// Returns:
//   - the identity of every worker, in addrs order
//   - an error wrapping ErrNotReady naming the first worker that never answered
func WaitReady(ctx context.Context, addrs []string, attempts int, delay time.Duration) ([]worker.Info, error) {
	if attempts < 1 {
		attempts = 1
	}
	infos := make([]worker.Info, 0, len(addrs))

	for _, addr := range addrs {
		var lastErr error
		ready := false
		for i := 0; i < attempts; i++ {
			info, err := FetchInfo(ctx, addr)
			if err == nil {
				log.Printf("worker %s ready at %s", info.ID, addr)
				infos = append(infos, info)
				ready = true
				break
			}
			lastErr = err
			log.Printf("worker %s not ready (attempt %d/%d): %v", addr, i+1, attempts, err)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return infos, ctx.Err()
			}
		}
		if !ready {
			return infos, fmt.Errorf("%w: %s: %v", ErrNotReady, addr, lastErr)
		}
	}
	return infos, nil
}
