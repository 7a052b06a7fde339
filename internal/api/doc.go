// Package api implements the HTTP REST API and WebSocket transport for carrelay.
//
// This package provides:
//   - REST endpoints for devices, movements, sequences, demos and the event log
//   - A WebSocket endpoint whose sessions are registry connections
//   - Middleware stack (request ID, logging, recovery, CORS, body limit, rate limit)
//   - JSON schema validation of request bodies
//
// # Architecture
//
// Both transports are thin adapters. Every command goes through the
// dispatcher, which persists it before pushing to live connections. Socket
// sessions enroll in device rooms through the connection registry and
// receive pushes as {"event", "data"} envelopes.
//
// # Response envelope
//
// Every HTTP response carries a success flag. Failures add a human-readable
// error and, for dispatch failures, an error_kind.
package api
