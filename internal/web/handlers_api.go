package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"gatehub/internal/auth"
	"gatehub/internal/dispatch"
	"gatehub/internal/registry"
	"gatehub/internal/store"
	"gatehub/internal/trust"
)

// Gateway display states. A dashboard must be able to tell apart "never
// configured", "configured but disconnected", and "connected" at all
// times, independent of transient command failures.
const (
	StateNotConfigured = "not_configured"
	StateDisconnected  = "disconnected"
	StateConnected     = "connected"
)

type gatewayStatusResponse struct {
	Facility   string `json:"facility_id"`
	State      string `json:"state"`
	Connected  bool   `json:"connected"`
	LastPongAt int64  `json:"last_pong_at,omitempty"` // epoch milliseconds
	RTTMillis  int64  `json:"rtt_ms,omitempty"`
}

func (s *Server) gatewayStatus(facility string) gatewayStatusResponse {
	resp := gatewayStatusResponse{Facility: facility, State: StateNotConfigured}
	if _, err := s.store.GetFacility(facility); err == nil {
		resp.State = StateDisconnected
	}
	st := s.registry.Status(facility)
	if st.Connected {
		resp.State = StateConnected
		resp.Connected = true
		if !st.LastPong.IsZero() {
			resp.LastPongAt = st.LastPong.UnixMilli()
		}
		resp.RTTMillis = st.RTT.Milliseconds()
	}
	return resp
}

func (s *Server) handleGatewayStatus(w http.ResponseWriter, r *http.Request) {
	facility := r.PathValue("facility")
	id, ok := s.identify(r)
	if !ok || !id.CanViewFacility(facility) {
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.writeJSON(w, http.StatusOK, s.gatewayStatus(facility))
}

func (s *Server) handleListGatewayStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identify(r)
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	facilities, err := s.store.ListFacilities()
	if err != nil {
		s.logger.Error("list facilities", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	out := make([]gatewayStatusResponse, 0, len(facilities))
	for _, f := range facilities {
		if !id.CanViewFacility(f.ID) {
			continue
		}
		out = append(out, s.gatewayStatus(f.ID))
	}
	s.writeJSON(w, http.StatusOK, out)
}

type commandRequest struct {
	Command         string   `json:"command"`
	TargetDeviceIDs []string `json:"target_device_ids"`
	UserID          string   `json:"user_id,omitempty"`
}

func (s *Server) handleGatewayCommand(w http.ResponseWriter, r *http.Request) {
	facility := r.PathValue("facility")
	id, ok := s.identify(r)
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req commandRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.dispatcher.Dispatch(r.Context(), dispatch.GatewayCommand{
		Facility:        facility,
		Command:         dispatch.Command(req.Command),
		TargetDeviceIDs: req.TargetDeviceIDs,
		UserID:          req.UserID,
	}, id)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUnauthorized):
			s.writeError(w, http.StatusForbidden, "unauthorized")
		case errors.Is(err, registry.ErrGatewayUnreachable):
			s.writeError(w, http.StatusServiceUnavailable, "gateway unreachable")
		case errors.Is(err, dispatch.ErrTransport):
			// Race with the heartbeat monitor; the caller may retry once.
			s.writeError(w, http.StatusBadGateway, "transport error, retry")
		default:
			s.writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGatewayPing(w http.ResponseWriter, r *http.Request) {
	facility := r.PathValue("facility")
	id, ok := s.identify(r)
	if !ok || !id.CanManageFacility(facility) {
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.monitor.Probe(facility); err != nil {
		if errors.Is(err, registry.ErrGatewayUnreachable) {
			s.writeError(w, http.StatusServiceUnavailable, "gateway unreachable")
			return
		}
		s.logger.Error("probe", "facility", facility, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTimeSync(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.identify(r); !ok {
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.issueTimeSync(w, "")
}

func (s *Server) handleLockTimeSync(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.identify(r); !ok {
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.issueTimeSync(w, r.PathValue("lock"))
}

func (s *Server) issueTimeSync(w http.ResponseWriter, lockID string) {
	packet, err := s.authority.IssueTimeSync(lockID)
	if err != nil {
		s.logger.Error("issue time sync", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, packet)
}

type fallbackPassRequest struct {
	SignedJWT string `json:"signed_jwt"`
}

func (s *Server) handleFallbackPass(w http.ResponseWriter, r *http.Request) {
	var req fallbackPassRequest
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SignedJWT == "" {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	compact, pass, err := s.authority.IssueFallbackPass(req.SignedJWT)
	if err != nil {
		if errors.Is(err, trust.ErrSignatureInvalid) {
			s.writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "token rejected"})
			return
		}
		s.logger.Error("fallback pass", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"route_pass": compact,
		"expires_at": pass.ExpiresAt,
	})
}

// handleRotate runs the operations-key rotation ceremony. The request
// body carries the root private key; it is decoded straight into the
// ceremony call and never logged. The response is the only place a
// generated private key ever appears.
func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identify(r)
	if !ok || !id.CanRotateKeys() {
		s.writeError(w, http.StatusForbidden, "unauthorized")
		return
	}

	var req trust.RotateRequest
	r.Body = http.MaxBytesReader(w, r.Body, 16<<10)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RootPrivateKeyB64 == "" {
		s.writeError(w, http.StatusBadRequest, "root_private_key_b64 is required")
		return
	}

	result, err := s.authority.Rotate(r.Context(), req, id.Name)
	if err != nil {
		// The error may describe key decoding problems but never carries
		// key material.
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListFacilities(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.identify(r); !ok {
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	facilities, err := s.store.ListFacilities()
	if err != nil {
		s.logger.Error("list facilities", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, facilities)
}

func (s *Server) handleGetFacility(w http.ResponseWriter, r *http.Request) {
	facility := r.PathValue("facility")
	id, ok := s.identify(r)
	if !ok || !id.CanViewFacility(facility) {
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	f, err := s.store.GetFacility(facility)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "facility not found")
			return
		}
		s.logger.Error("get facility", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, f)
}

type putFacilityRequest struct {
	Name             string `json:"name"`
	ConnectURL       string `json:"connect_url"`
	PollFrequencySec int    `json:"poll_frequency_sec"`
	ProtocolVersion  string `json:"protocol_version"`
}

func (s *Server) handlePutFacility(w http.ResponseWriter, r *http.Request) {
	facility := r.PathValue("facility")
	id, ok := s.identify(r)
	if !ok || !id.CanManageFacility(facility) {
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req putFacilityRequest
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	now := time.Now()
	f := &store.Facility{
		ID:               facility,
		Name:             req.Name,
		ConnectURL:       req.ConnectURL,
		PollFrequencySec: req.PollFrequencySec,
		ProtocolVersion:  req.ProtocolVersion,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if existing, err := s.store.GetFacility(facility); err == nil {
		f.CreatedAt = existing.CreatedAt
	}
	if err := s.store.SaveFacility(f); err != nil {
		s.logger.Error("save facility", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleDeleteFacility(w http.ResponseWriter, r *http.Request) {
	facility := r.PathValue("facility")
	id, ok := s.identify(r)
	if !ok || !id.CanManageFacility(facility) {
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.store.DeleteFacility(facility); err != nil {
		s.logger.Error("delete facility", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identify(r)
	if !ok || !id.CanViewDebug() {
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	entries, err := s.store.ListAudit(limit)
	if err != nil {
		s.logger.Error("list audit", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}
