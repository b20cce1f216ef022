package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"zigbee-quirks/internal/automation"
	"zigbee-quirks/internal/coordinator"
	"zigbee-quirks/internal/ingress"
	"zigbee-quirks/internal/store"
)

const (
	maxBodyBytes         = 1 << 20
	defaultActivityLimit = 50
)

// deviceDetail is a stored device with its live cluster attributes.
type deviceDetail struct {
	*store.Device
	Clusters []coordinator.ClusterState `json:"clusters,omitempty"`
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.gw.ListDevices()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if devices == nil {
		devices = []*store.Device{}
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")
	dev, err := s.gw.GetDevice(ieee)
	if err != nil {
		s.writeError(w, err)
		return
	}
	clusters, err := s.gw.DeviceClusters(r.Context(), ieee)
	if err != nil && !errors.Is(err, coordinator.ErrUnknownDevice) {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, deviceDetail{Device: dev, Clusters: clusters})
}

// handleAPIDeviceActivity serves ?limit=N (default 50) history entries.
func (s *Server) handleAPIDeviceActivity(w http.ResponseWriter, r *http.Request) {
	limit := defaultActivityLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}
	list, err := s.gw.DeviceActivity(r.PathValue("ieee"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []store.Activity{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAPIJoinDevice(w http.ResponseWriter, r *http.Request) {
	var req coordinator.JoinRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	dev, err := s.gw.Join(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, dev)
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.gw.Leave(r.Context(), r.PathValue("ieee")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIReport(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	report, err := ingress.ParseReport(body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.gw.HandleAttributeReport(r.Context(), report); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListClusters(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.gw.Registry().All())
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrUnknownDevice),
		errors.Is(err, automation.ErrScriptNotFound):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrInvalidIEEE),
		errors.Is(err, coordinator.ErrInvalidReport),
		errors.Is(err, coordinator.ErrUnknownQuirk),
		errors.Is(err, ingress.ErrInvalidMessage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("api request failed", "err", err)
		s.writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
