// Package conversation owns the append-and-broadcast path shared by every
// message producer.
//
// # Service
//
// Three producers create messages: the webhook receiver (inbound provider
// deliveries), the dispatcher (authenticated outbound sends) and realtime
// sessions (raw client pushes). All of them call Service.Record, which
//
//  1. assigns a fresh ID and the current UTC timestamp,
//  2. validates the record invariants,
//  3. appends to the store,
//  4. publishes to the Broadcaster.
//
// A failed append publishes nothing, so a broadcast message is always in
// history.
//
// # Broadcaster
//
// Broadcaster is one shared channel with an explicit subscriber registry.
// Subscribe returns a buffered channel; Publish never blocks and drops the
// message for any subscriber whose buffer is full. A dropped client resyncs by
// reconnecting, which replays history.
//
// Conversations are not a stored concept. Service.Conversation filters the log
// to one contact at read time.
package conversation
