package hub

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/teranos/tabhub/errors"
	"github.com/teranos/tabhub/internal/version"
)

// healthStatus is the health endpoint response shape.
type healthStatus struct {
	State           string `json:"state"`
	UptimeSeconds   int64  `json:"uptime"`
	ClientCount     int    `json:"clientCount"`
	OperationsCount int    `json:"operationsCount"`
	AutomatorLive   bool   `json:"automatorLive"`
	Version         string `json:"version"`
	PID             int    `json:"pid"`
}

// startHealthEndpoint serves GET /health on the configured adjacent port.
func (h *Hub) startHealthEndpoint() error {
	addr := fmt.Sprintf("127.0.0.1:%d", h.cfg.HealthPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to bind health port %d", h.cfg.HealthPort)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	h.healthServer = &http.Server{Handler: mux}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.healthServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			h.logger.Warnw("Health server exited", "error", err.Error())
		}
	}()

	h.logger.Infow("Health endpoint listening", "addr", listener.Addr().String())
	return nil
}

// handleHealth reports hub state for supervisors.
func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.connsMu.Lock()
	clientCount := len(h.conns)
	h.connsMu.Unlock()

	status := healthStatus{
		State:           h.State().String(),
		UptimeSeconds:   int64(time.Since(h.startedAt).Seconds()),
		ClientCount:     clientCount,
		OperationsCount: h.ops.Count(),
		AutomatorLive:   h.registry.HasLiveAutomator(),
		Version:         version.Get().Version,
		PID:             h.info().PID,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.logger.Debugw("Failed to write health response", "error", err.Error())
	}
}
