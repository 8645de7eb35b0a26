// Package protocol defines the messages exchanged between the coordinator and
// its workers, and the in-order mailbox that carries them.
//
// # Messages
//
// Three tags make up the protocol:
//
//	┌───────────┬──────────────────────────────────────────────┬──────────────────────┐
//	│ Tag       │ Payload                                      │ Direction            │
//	├───────────┼──────────────────────────────────────────────┼──────────────────────┤
//	│ WORK      │ countOwner, countOther, keyOwner, keyOther   │ coordinator → worker │
//	│ RESULT    │ key, value                                   │ worker → coordinator │
//	│ TERMINATE │ (empty)                                      │ coordinator → all    │
//	└───────────┴──────────────────────────────────────────────┴──────────────────────┘
//
// Message is a tagged union: Kind selects which payload pointer is set.
// Validate rejects messages whose payload does not match the tag.
//
// # Framing
//
// Encoder and Decoder frame messages as newline separated JSON documents.
// The HTTP transport in package cluster sends one framed message per request
// body and reads the reply the same way.
//
// # Mailbox
//
// A Mailbox is the point-to-point channel towards one receiver. It is
// unbounded and strictly FIFO: Put never blocks and Get returns messages in
// the order they were put. The coordinator relies on both properties. It may
// queue every finalization request before reading any result, and it collects
// finalization results positionally per worker.
//
// Example:
//
//	box := protocol.NewMailbox()
//	_ = box.Put(protocol.Work(protocol.WorkRequest{CountOwner: 64, CountOther: 3, KeyOwner: 1, KeyOther: 7}))
//	_ = box.Put(protocol.Terminate())
//	msg, err := box.Get(ctx) // WORK first, then TERMINATE
package protocol
