package protocol

import (
	"context"
	"errors"
	"sync"
)

// ErrMailboxClosed is returned by Put after Close and by Get once a closed
// mailbox has been drained.
var ErrMailboxClosed = errors.New("mailbox closed")

// Mailbox is an unbounded in-order queue of messages for a single receiver.
// Put never blocks, so a sender can queue any number of requests before the
// receiver catches up. Thread-safe: any number of senders, one receiver.
type Mailbox struct {
	queue  []Message     // Pending messages, oldest first
	notify chan struct{} // Signalled when queue becomes non-empty or on close
	mu     sync.Mutex    // Protects queue and closed
	closed bool
}

// NewMailbox creates an empty mailbox
func NewMailbox() *Mailbox {
	return &Mailbox{notify: make(chan struct{}, 1)}
}

// Put appends a message to the queue.
func (m *Mailbox) Put(msg Message) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMailboxClosed
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	m.signal()
	return nil
}

// Get removes and returns the oldest message, blocking until one is available,
// the mailbox is closed and empty, or ctx is done.
func (m *Mailbox) Get(ctx context.Context) (Message, error) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			msg := m.queue[0]
			m.queue[0] = Message{}
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return msg, nil
		}
		closed := m.closed
		m.mu.Unlock()

		if closed {
			return Message{}, ErrMailboxClosed
		}

		select {
		case <-m.notify:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Len returns the number of queued messages
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Close stops accepting messages. Queued messages can still be read.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

func (m *Mailbox) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
