package cluster

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/dreamware/keypairs/internal/protocol"
	"github.com/dreamware/keypairs/internal/worker"
)

// NewHandler exposes a worker over HTTP.
//
// Endpoints:
//   - POST /message: one protocol message in the body. WORK is answered with
//     200 and a RESULT message; TERMINATE with 204, after which onTerminate
//     runs once in its own goroutine. Messages after TERMINATE get 410.
//   - GET /health: 200 while the process is up
//   - GET /info: worker.Info as JSON
func NewHandler(w *worker.Worker, onTerminate func()) http.Handler {
	var once sync.Once
	mux := http.NewServeMux()

	mux.HandleFunc(PathMessage, func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		msg, err := protocol.NewDecoder(r.Body).Decode()
		if err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}

		reply, done, err := w.Handle(msg)
		switch {
		case errors.Is(err, worker.ErrTerminated):
			http.Error(rw, err.Error(), http.StatusGone)
			return
		case err != nil:
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}

		if done {
			rw.WriteHeader(http.StatusNoContent)
			if onTerminate != nil {
				once.Do(func() { go onTerminate() })
			}
			return
		}

		rw.Header().Set("Content-Type", "application/json")
		if err := protocol.NewEncoder(rw).Encode(*reply); err != nil {
			log.Printf("worker %s: write reply: %v", w.ID, err)
		}
	})

	mux.HandleFunc(PathHealth, func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc(PathInfo, func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(w.Info())
	})

	return mux
}
