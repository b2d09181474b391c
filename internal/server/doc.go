// Package server implements the relay for the line-oriented group chat.
//
// The implementation is organized into specialized files: the listener and
// lifecycle (server.go), handle registration and coordinator election
// (registry.go), per-connection sessions (session.go), message delivery
// (router.go), the wire protocol (protocol.go) and the optional HTTP surface
// that carries the WebSocket gateway, health check and metrics.
package server
