// Package realtime serves the websocket channel browser clients use to follow
// the conversation log live.
//
// # Protocol
//
// Every frame is a JSON object {"event": ..., "data": ...}.
//
// Server to client:
//
//	history          data is every stored message, oldest first; sent once on connect
//	message-created  data is one newly recorded message, from any producer
//	error            data is {"error": "..."}; sent only to the session that caused it
//
// Client to server:
//
//	message  data is {kind, text, mediaReference, fileName, senderId, recipientId}
//
// A client "message" is recorded as-is with source "socket" and broadcast to
// every session, the sender included. It is never sent to the provider. The
// kind defaults to text when no media reference is given.
//
// A session subscribes to the broadcaster before loading history, so a
// message recorded during connect can appear both in history and as a
// message-created event; clients dedupe by id.
//
// # Sessions
//
// Session ids are ULIDs. Each session has one writer goroutine; the read loop
// and the broadcaster hand it frames through channels. Ping/pong keeps idle
// connections alive and detects dead peers.
package realtime
