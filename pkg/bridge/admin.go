// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// AdminServer exposes a small local HTTP surface for operators: connection
// state, recovery health, and a manual reconnect trigger. It binds to the
// configured address only; there is no authentication, so the address must
// not be public.
type AdminServer struct {
	bridge *Bridge
	log    zerolog.Logger
	srv    *http.Server
}

// NewAdminServer builds the server for addr without starting it.
func NewAdminServer(bridge *Bridge, addr string, log zerolog.Logger) *AdminServer {
	a := &AdminServer{
		bridge: bridge,
		log:    log.With().Str("component", "admin_api").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/stats", a.handleStats)
	mux.HandleFunc("GET /api/health", a.handleHealth)
	mux.HandleFunc("POST /api/reconnect/{service}", a.handleReconnect)

	a.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return a
}

// Start serves in the background until Shutdown.
func (a *AdminServer) Start() {
	go func() {
		a.log.Info().Str("addr", a.srv.Addr).Msg("Admin API listening")
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Msg("Admin API server failed")
		}
	}()
}

// Shutdown drains in-flight requests with a bounded wait.
func (a *AdminServer) Shutdown(ctx context.Context) error {
	return a.srv.Shutdown(ctx)
}

func (a *AdminServer) handleStats(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.bridge.Stats())
}

type serviceHealthBody struct {
	Service             string `json:"service"`
	State               string `json:"state"`
	Healthy             bool   `json:"healthy"`
	ConsecutiveFailures uint   `json:"consecutive_failures"`
	CircuitOpen         bool   `json:"circuit_open"`
	LastFailureAt       string `json:"last_failure_at,omitempty"`
	LastSuccessAt       string `json:"last_success_at,omitempty"`
}

func (a *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	services := []struct {
		name string
		sup  *Supervisor
	}{
		{ServiceMatrix, a.bridge.matrix},
		{ServiceMattermost, a.bridge.mmost},
	}

	body := struct {
		Connected bool                `json:"connected"`
		Services  []serviceHealthBody `json:"services"`
	}{Connected: a.bridge.IsConnected()}

	for _, svc := range services {
		entry := serviceHealthBody{Service: svc.name, State: svc.sup.State().String()}
		if health, ok := a.bridge.Health(svc.name); ok {
			entry.Healthy = health.Healthy
			entry.ConsecutiveFailures = health.ConsecutiveFailures
			entry.CircuitOpen = health.CircuitOpen
			if !health.LastFailureAt.IsZero() {
				entry.LastFailureAt = health.LastFailureAt.Format(time.RFC3339)
			}
			if !health.LastSuccessAt.IsZero() {
				entry.LastSuccessAt = health.LastSuccessAt.Format(time.RFC3339)
			}
		}
		body.Services = append(body.Services, entry)
	}

	status := http.StatusOK
	if !body.Connected {
		status = http.StatusServiceUnavailable
	}
	a.writeJSON(w, status, body)
}

func (a *AdminServer) handleReconnect(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")
	if service != ServiceMatrix && service != ServiceMattermost {
		a.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown service"})
		return
	}

	a.log.Info().Str("service", service).Msg("Manual reconnect requested")
	if err := a.bridge.ForceReconnect(service); err != nil {
		a.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	a.writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting", "service": service})
}

func (a *AdminServer) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.log.Warn().Err(err).Msg("Failed to encode admin response")
	}
}
