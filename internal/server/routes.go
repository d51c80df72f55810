// Package server wires HTTP handlers into a ServeMux for the Outlet
// application via routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application
// routes served by m.
func SetupRoutes(m *Manager) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws", m.ServeWS)
	mux.HandleFunc("/api/messages", m.ServeHistory)
	mux.HandleFunc("/test", TestPageHandler)
	return mux
}
