// Package gateway orchestrates the chatline server components.
//
// # Overview
//
// The gateway package is the central coordinator of the chatline server.
// It owns the message store, media relay, provider client, webhook receiver,
// outbound dispatcher, realtime hub and the HTTP server that exposes them.
//
// # HTTP API
//
// Provider-facing routes are unauthenticated:
//
//	GET  /webhook                       subscription handshake
//	POST /webhook                       inbound deliveries (always acknowledged)
//	GET  /uploads/{name}                stored media, served inline
//
// Client routes require a bearer JWT when auth.jwt_secret is set:
//
//	POST /api/messages/send             JSON or multipart/form-data
//	GET  /api/messages                  full history, or ?contact= for one thread
//	GET  /api/messages/transcript       ?contact=&format=md|html
//	GET  /api/contacts                  counterparts, most recent first
//	GET  /api/messages/download/{name}  stored media as an attachment
//	GET  /ws                            realtime websocket (?token= accepted)
//
// Operational routes:
//
//	GET /health                         liveness
//	GET /health/ready                   store reachability
//	GET /metrics                        Prometheus, when metrics.enabled
//
// # Lifecycle
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	if err != nil { ... }
//	err = gw.Run(ctx) // blocks until ctx is cancelled, then shuts down
//
// Shutdown closes realtime sessions first, since hijacked websocket
// connections are not drained by http.Server.Shutdown.
package gateway
