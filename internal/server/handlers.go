package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/confirmbot/confirmd/internal/orchestrator"
	"github.com/confirmbot/confirmd/internal/storage"
	"github.com/confirmbot/confirmd/internal/types"
)

type orchestrateRequest struct {
	CaseID       string `json:"caseId"`
	Mode         string `json:"mode"`
	LookbackDays int    `json:"lookbackDays"`
}

// handleOrchestrate runs the orchestrator; with Accept: text/event-stream
// the run streams progress/result/error events instead of one JSON body.
func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req orchestrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.CaseID == "" {
		writeError(w, http.StatusBadRequest, "caseId is required")
		return
	}
	mode := orchestrator.Mode(req.Mode)
	if req.Mode == "" {
		mode = orchestrator.ModeDryRun
	}
	if !mode.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", req.Mode))
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.orchestrateSSE(w, r, req.CaseID, mode, req.LookbackDays)
		return
	}

	outcome, err := s.orch.Run(r.Context(), req.CaseID, mode, req.LookbackDays, nil)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "case not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// orchestrateSSE streams progress events while the run executes.
func (s *Server) orchestrateSSE(w http.ResponseWriter, r *http.Request, caseID string, mode orchestrator.Mode, lookbackDays int) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	writeEvent := func(event string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}

	sink := func(stage, message string) {
		writeEvent("progress", map[string]string{"stage": stage, "message": message})
	}

	outcome, err := s.orch.Run(r.Context(), caseID, mode, lookbackDays, sink)
	if err != nil {
		writeEvent("error", map[string]string{"error": err.Error()})
		return
	}
	writeEvent("result", outcome)
}

type pollDueRequest struct {
	DryRun bool `json:"dryRun"`
}

// handlePollDue is the cron-protected batch poll.
func (s *Server) handlePollDue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if !s.cfg.PollerEnabled {
		writeError(w, http.StatusForbidden, "poller disabled")
		return
	}
	if !s.cronAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "missing or invalid cron secret")
		return
	}

	var req pollDueRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // empty body means a live run
	}

	result, err := s.poll.PollDue(r.Context(), req.DryRun)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type chatRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if s.chat == nil {
		writeError(w, http.StatusInternalServerError, "chat is not configured")
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	reply, err := s.chat.Run(r.Context(), req.Message)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

type recordsRequest struct {
	POIDs []string `json:"po_ids"`
	Pairs []struct {
		POID   string `json:"po_id"`
		LineID string `json:"line_id"`
	} `json:"pairs"`
}

// handleRecords serves single fetch (GET ?po_id=) and bulk fetch (POST).
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		poID := r.URL.Query().Get("po_id")
		if poID == "" {
			writeError(w, http.StatusBadRequest, "po_id is required")
			return
		}
		records, err := s.store.ListConfirmationRecords(r.Context(), []string{poID})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": records})

	case http.MethodPost:
		var req recordsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if len(req.POIDs) == 0 && len(req.Pairs) == 0 {
			writeError(w, http.StatusBadRequest, "po_ids or pairs is required")
			return
		}
		if len(req.Pairs) > 0 {
			var records []*types.ConfirmationRecord
			for _, pair := range req.Pairs {
				rec, err := s.store.GetConfirmationRecord(r.Context(), pair.POID, pair.LineID)
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				if err != nil {
					writeError(w, http.StatusInternalServerError, err.Error())
					return
				}
				records = append(records, rec)
			}
			writeJSON(w, http.StatusOK, map[string]any{"records": records})
			return
		}
		records, err := s.store.ListConfirmationRecords(r.Context(), req.POIDs)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": records})

	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or POST required")
	}
}

func (s *Server) handleRecordUpsert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var rec types.ConfirmationRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if rec.POID == "" || rec.LineID == "" {
		writeError(w, http.StatusBadRequest, "po_id and line_id are required")
		return
	}
	if err := s.store.UpsertConfirmationRecord(r.Context(), &rec); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"record": rec})
}

type resetRequest struct {
	PONumber string `json:"po_number"`
}

// handleReset cascade-deletes cases for a PO. Demo/dev only.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if s.cfg.Prod {
		writeError(w, http.StatusForbidden, "reset is disabled in production")
		return
	}
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PONumber == "" {
		writeError(w, http.StatusBadRequest, "po_number is required")
		return
	}
	deleted, err := s.store.DeleteCasesByPO(r.Context(), req.PONumber)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}
