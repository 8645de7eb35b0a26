// Package main implements the worker process, which answers compute requests
// from the coordinator over HTTP until it is told to terminate.
//
// The worker is stateless between requests: every WORK message is answered
// with the compute kernel's result for that request alone, so the coordinator
// may send any request to any worker.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Worker                    │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /message      - WORK / TERMINATE     │
//	│    /health       - Health check         │
//	│    /info         - ID, state, served    │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    worker.Worker - State machine        │
//	│    kernel.Kernel - Compute function     │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - WORKER_ID: Identifier reported on /info (default: random UUID)
//   - WORKER_LISTEN: Listen address (default: ":8091")
//   - KEY_SIZE: Kernel SIZE divisor, must match the coordinator (default: 64)
//
// Example usage:
//
//	# Start two workers
//	WORKER_LISTEN=:8091 ./worker &
//	WORKER_LISTEN=:8092 ./worker &
//
//	# Run the coordinator against them
//	WORKER_ADDRS=http://localhost:8091,http://localhost:8092 ./coordinator 100 100000
package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/keypairs/internal/cluster"
	"github.com/dreamware/keypairs/internal/kernel"
	"github.com/dreamware/keypairs/internal/worker"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

// main reads configuration, starts the HTTP server and blocks until the
// coordinator sends TERMINATE or the process receives SIGINT/SIGTERM.
//
// Exit codes:
//   - 0: TERMINATE received or shutdown via signal
//   - 1: Invalid configuration or failed to listen
func main() {
	id := getenv("WORKER_ID", uuid.NewString())
	listen := getenv("WORKER_LISTEN", ":8091")

	size, err := strconv.ParseInt(getenv("KEY_SIZE", strconv.FormatInt(kernel.DefaultSize, 10)), 10, 64)
	if err != nil || size <= 0 {
		logFatal("invalid KEY_SIZE: %q", os.Getenv("KEY_SIZE"))
		return
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		logFatal("listen: %v", err)
		return
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	w := worker.New(id, kernel.New(size))
	if err := serve(w, ln, stop); err != nil {
		logFatal("serve: %v", err)
	}
}

// serve exposes w on ln until TERMINATE arrives or stop fires, then shuts the
// HTTP server down gracefully.
//
// Parameters:
//   - w: worker answering messages
//   - ln: listener to serve on, closed on return
//   - stop: external shutdown signal
func serve(w *worker.Worker, ln net.Listener, stop <-chan os.Signal) error {
	terminated := make(chan struct{})

	s := &http.Server{
		Handler:           cluster.NewHandler(w, func() { close(terminated) }),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("worker[%s] listening on %s", w.ID, ln.Addr())
		if err := s.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-terminated:
		log.Printf("worker[%s] received TERMINATE after %d requests", w.ID, w.Served())
	case sig := <-stop:
		log.Printf("worker[%s] received %v", w.ID, sig)
	case err := <-errCh:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Printf("worker[%s] stopped", w.ID)
	return nil
}

// getenv retrieves an environment variable with a fallback default value.
//
// Example:
//
//	listen := getenv("WORKER_LISTEN", ":8091")
//	// Returns $WORKER_LISTEN if set, otherwise ":8091"
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
