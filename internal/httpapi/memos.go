package httpapi

import (
	"net/http"

	"github.com/agentworkforce/memosync/internal/memosync"
)

type memoRequest struct {
	Text string `json:"text"`
}

type memoListResponse struct {
	Memos []memosync.Record `json:"memos"`
}

type syncStatusResponse struct {
	Stats               memosync.SyncStatsSnapshot `json:"stats"`
	WritebackQueueDepth int                        `json:"writebackQueueDepth"`
}

func (s *Server) handleListMemos(w http.ResponseWriter, r *http.Request, principal Principal, correlationID string) {
	memos, err := s.service.ListMemos(r.Context(), principal.OwnerID)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	if memos == nil {
		memos = []memosync.Record{}
	}
	writeJSON(w, http.StatusOK, memoListResponse{Memos: memos})
}

func (s *Server) handleCreateMemo(w http.ResponseWriter, r *http.Request, principal Principal, correlationID string) {
	var req memoRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	rec, err := s.service.CreateMemo(r.Context(), principal.OwnerID, req.Text)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetMemo(w http.ResponseWriter, r *http.Request, principal Principal, id, correlationID string) {
	rec, err := s.service.GetMemo(r.Context(), id, principal.OwnerID)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdateMemo(w http.ResponseWriter, r *http.Request, principal Principal, id, correlationID string) {
	var req memoRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	rec, err := s.service.UpdateMemo(r.Context(), id, principal.OwnerID, req.Text)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteMemo(w http.ResponseWriter, r *http.Request, principal Principal, id, correlationID string) {
	if err := s.service.DeleteMemo(r.Context(), id, principal.OwnerID); err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIssueLinkCode(w http.ResponseWriter, r *http.Request, principal Principal, correlationID string) {
	code, err := s.service.IssueLinkCode(r.Context(), principal.OwnerID)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"code":      code.Code,
		"expiresAt": code.ExpiresAt,
	})
}

func (s *Server) handleAdminSync(w http.ResponseWriter, _ *http.Request, _ string) {
	resp := syncStatusResponse{Stats: s.service.Stats()}
	if s.cfg.Writebacks != nil {
		resp.WritebackQueueDepth = s.cfg.Writebacks.QueueDepth()
	}
	writeJSON(w, http.StatusOK, resp)
}
