package api

import (
	"fmt"
	"net/http"
	"strings"

	xerrors "MEMEX-Node/internal/errors"
	"MEMEX-Node/internal/governance"
	"MEMEX-Node/internal/protocol"
)

type createProposalRequest struct {
	Changes         []protocol.Change `json:"changes"`
	ActivationEpoch *int64            `json:"activation_epoch,omitempty"`
}

type voteRequest struct {
	Choice governance.Choice `json:"choice"`
}

func parseStatuses(raw string) ([]governance.Status, error) {
	if raw == "" {
		return nil, nil
	}
	var statuses []governance.Status
	for _, part := range strings.Split(raw, ",") {
		status := governance.Status(strings.TrimSpace(part))
		switch status {
		case governance.StatusActive, governance.StatusPassed, governance.StatusRejected, governance.StatusActivated:
			statuses = append(statuses, status)
		default:
			return nil, xerrors.New(xerrors.CodeInvalidParameter, fmt.Sprintf("未知的提案状态: %s", part))
		}
	}
	return statuses, nil
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatuses(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	proposals, err := s.governance.List(r.Context(), statuses...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"proposals": proposals})
}

func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	var req createProposalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	proposal, err := s.governance.CreateProposal(r.Context(), AgentFromContext(r.Context()), req.Changes, req.ActivationEpoch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, proposal)
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	proposal, err := s.governance.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

func (s *Server) handleListVotes(w http.ResponseWriter, r *http.Request) {
	votes, err := s.governance.Votes(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"votes": votes})
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	vote, err := s.governance.CastVote(r.Context(), r.PathValue("id"), AgentFromContext(r.Context()), req.Choice)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, vote)
}
