package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dreamware/keypairs/internal/protocol"
)

// ErrStatus is returned for non-2xx HTTP responses
var ErrStatus = errors.New("unexpected http status")

// Paths served by a worker process
const (
	PathMessage = "/message"
	PathHealth  = "/health"
	PathInfo    = "/info"
)

// httpClient carries protocol messages. It has no timeout: a request waits
// as long as the worker needs, and a hung worker stalls its slot.
var httpClient = &http.Client{}

// probeClient is used for readiness checks before a run starts.
var probeClient = &http.Client{Timeout: 2 * time.Second}

// PostJSON posts body as JSON to url and decodes the response into out
// unless out is nil.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	return postJSON(ctx, httpClient, url, body, out)
}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	return getJSON(ctx, probeClient, url, out)
}

func postJSON(ctx context.Context, client *http.Client, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := do(ctx, client, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	resp, err := do(ctx, client, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

// PostMessage sends one protocol message to a worker's /message endpoint.
//
// Returns:
//   - the validated reply and true when the worker answered with a message
//   - a zero Message and false when the worker accepted it without a body
//     (204, the answer to TERMINATE)
//   - an error for transport failures, non-2xx statuses or a malformed reply
func PostMessage(ctx context.Context, addr string, msg protocol.Message) (protocol.Message, bool, error) {
	var buf bytes.Buffer
	if err := protocol.NewEncoder(&buf).Encode(msg); err != nil {
		return protocol.Message{}, false, err
	}
	resp, err := do(ctx, httpClient, http.MethodPost, addr+PathMessage, &buf)
	if err != nil {
		return protocol.Message{}, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return protocol.Message{}, false, nil
	}

	reply, err := protocol.NewDecoder(resp.Body).Decode()
	if errors.Is(err, io.EOF) {
		return protocol.Message{}, false, fmt.Errorf("%w: empty reply from %s", protocol.ErrMalformed, addr)
	}
	if err != nil {
		return protocol.Message{}, false, err
	}
	return reply, true, nil
}

// do sends the request and turns non-2xx statuses into ErrStatus. The caller
// closes the body of a successful response.
func do(ctx context.Context, client *http.Client, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: http %s %s: %d", ErrStatus, method, url, resp.StatusCode)
	}
	return resp, nil
}
