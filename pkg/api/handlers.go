package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/luxfi/assist/pkg/logger"
	"github.com/luxfi/assist/pkg/payload"
	"github.com/luxfi/assist/pkg/router"
	"github.com/luxfi/assist/pkg/store"
	"github.com/luxfi/assist/pkg/transport"
	"github.com/luxfi/assist/pkg/types"
)

const maxBodyBytes = 8 << 20

type statusResponse struct {
	Role    transport.Role `json:"role"`
	Started bool           `json:"started"`
	State   string         `json:"state"`
	Peers   int            `json:"peers"`

	// RetryNeeded is the "no staff device found" condition: the connect
	// deadline passed without a peer and POST /retry should be offered.
	RetryNeeded bool          `json:"retry_needed"`
	Routing     *router.Stats `json:"routing,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Role:    s.opts.Controller.Role(),
		Started: s.opts.Controller.Started(),
		State:   s.opts.Peers.State().String(),
		Peers:   len(s.opts.Peers.ConnectedPeers()),

		RetryNeeded: s.opts.Controller.RetryNeeded(),
	}
	if s.opts.Router != nil {
		stats := s.opts.Router.Stats()
		resp.Routing = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Peers.ConnectedPeers())
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Orders.Orders())
}

func (s *Server) handleDeleteOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(urlParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	if !s.opts.Orders.Remove(id) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Alerts.Alerts())
}

func (s *Server) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Alerts.Clear(); err != nil {
		logger.Error("Failed to clear alerts", err)
		writeError(w, http.StatusInternalServerError, "failed to clear alerts")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Profiles.Profiles())
}

func (s *Server) handleListNavigationRequests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Navigation.PendingRequests())
}

func (s *Server) handleNavigationRespond(w http.ResponseWriter, r *http.Request) {
	var req types.NavigationHelpRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resp, err := s.opts.Navigation.Respond(req)
	if errors.Is(err, store.ErrUnknownRequest) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.opts.Controller.Send(payload.TypeNavigationData, resp); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"assets": len(resp.Assets)})
}

type roleRequest struct {
	Role string `json:"role"`
}

func (s *Server) handleSetRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	role, err := transport.ParseRole(req.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.opts.Controller.SetRole(role); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]transport.Role{"role": role})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Controller.Retry(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleSend takes the JSON of one model and sends it to the connected
// peers under the message type named in the path.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	t, err := payload.ParseMessageType(urlParam(r, "type"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	decode, _ := payload.Decoder(t)
	model, err := decode(payload.Envelope{Type: t, Data: body})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.opts.Controller.Send(t, model); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
