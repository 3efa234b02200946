package httpservice

import (
	"net/http"

	"github.com/gorilla/mux"

	"companion-gateway/internal/pairing"
)

// PairingIssueRequest 配对材料申请
type PairingIssueRequest struct {
	CompanionID string `json:"companion_id"`
	DeviceID    string `json:"device_id"`
}

func (s *Service) handlePairingIssue(w http.ResponseWriter, r *http.Request) {
	var req PairingIssueRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	m, err := s.deps.Pairing.Issue(r.Context(), req.CompanionID, req.DeviceID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, m)
}

// handlePairingSeal 消费配对码，返回发往设备的加密包
func (s *Service) handlePairingSeal(w http.ResponseWriter, r *http.Request) {
	var creds pairing.NetworkCredentials
	if err := decodeJSON(r, &creds); err != nil {
		respondError(w, err)
		return
	}
	sealed, err := s.deps.Pairing.Seal(r.Context(), mux.Vars(r)["code"], creds)
	if err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, sealed)
}
