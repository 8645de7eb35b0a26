package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrUnknownKind is returned when a message carries a tag outside the protocol
	ErrUnknownKind = errors.New("unknown message kind")
	// ErrMalformed is returned when a message payload does not match its tag
	ErrMalformed = errors.New("malformed message")
)

// Kind tags a message on the wire
type Kind string

const (
	// KindWork carries a WorkRequest from the coordinator to one worker
	KindWork Kind = "WORK"
	// KindResult carries a WorkResult from a worker back to the coordinator
	KindResult Kind = "RESULT"
	// KindTerminate has no payload and tells a worker to stop
	KindTerminate Kind = "TERMINATE"
)

// WorkRequest is one compute task. Counts are captured at dispatch time.
type WorkRequest struct {
	CountOwner int64 `json:"count_owner"` // Counter of the owner key when dispatched
	CountOther int64 `json:"count_other"` // Counter of the paired key when dispatched
	KeyOwner   int64 `json:"key_owner"`   // Key whose counter triggered the dispatch
	KeyOther   int64 `json:"key_other"`   // Paired key
}

// WorkResult is the answer to a WorkRequest.
// Key always equals the KeyOwner of the originating request.
type WorkResult struct {
	Key   int64   `json:"key"`
	Value float64 `json:"value"`
}

// Message is the sum type exchanged between coordinator and workers.
// Exactly one of Work or Result is set, matching Kind; TERMINATE sets neither.
type Message struct {
	Work   *WorkRequest `json:"work,omitempty"`
	Result *WorkResult  `json:"result,omitempty"`
	Kind   Kind         `json:"kind"`
}

// Work wraps a request in a WORK message
func Work(req WorkRequest) Message {
	return Message{Kind: KindWork, Work: &req}
}

// Result wraps a result in a RESULT message
func Result(res WorkResult) Message {
	return Message{Kind: KindResult, Result: &res}
}

// Terminate returns the empty TERMINATE message
func Terminate() Message {
	return Message{Kind: KindTerminate}
}

// Validate checks that the payload matches the tag.
func (m Message) Validate() error {
	switch m.Kind {
	case KindWork:
		if m.Work == nil || m.Result != nil {
			return fmt.Errorf("%w: WORK needs a work payload only", ErrMalformed)
		}
	case KindResult:
		if m.Result == nil || m.Work != nil {
			return fmt.Errorf("%w: RESULT needs a result payload only", ErrMalformed)
		}
	case KindTerminate:
		if m.Work != nil || m.Result != nil {
			return fmt.Errorf("%w: TERMINATE carries no payload", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	return nil
}

// Encoder frames messages as one JSON document per line.
type Encoder struct {
	enc *json.Encoder
}

// NewEncoder returns an Encoder writing to w
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Encode validates and writes one message
func (e *Encoder) Encode(m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return e.enc.Encode(m)
}

// Decoder reads messages framed by Encoder.
type Decoder struct {
	dec *json.Decoder
}

// NewDecoder returns a Decoder reading from r
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

// Decode reads and validates the next message.
// Returns io.EOF when the stream ends cleanly.
func (d *Decoder) Decode() (Message, error) {
	var m Message
	if err := d.dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
