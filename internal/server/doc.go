// Package server implements the HTTP and WebSocket surface of Outlet.
//
// The Manager runs each connection through CONNECTING, AUTHENTICATED, ACTIVE
// and CLOSED. It keeps the presence registry and typing state in step with
// what the hub broadcasts. The implementation is split across files for
// configuration, sessions, the lifecycle manager, routing, and HTTP handlers.
package server
