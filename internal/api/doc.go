// Package api implements the local HTTP status API and WebSocket feed for
// the modem bridge.
//
// This package provides:
//   - REST endpoints for bridge health, link counters and recent history
//   - Upstream publish and topic-change requests queued onto the bridge
//   - A WebSocket hub streaming relayed messages and link events
//   - JWT bearer authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The API never touches the serial port. Reads come from the history store
// and the bridge's health snapshot; writes go through the bridge's bounded
// request queue and are executed by its poll loop. Live events reach the
// hub because the bridge calls Hub.Broadcast on the poll goroutine.
//
// # Security
//
// Every route except /health requires a bearer token signed with the
// configured secret. Tokens are issued offline with IssueToken (see the
// "token" subcommand of cmd/modembridge). WebSocket connections use
// single-use tickets so the token never appears in a URL.
package api
