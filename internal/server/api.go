// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"time"

	"github.com/pherdinauer/anacmirror/internal/history"
)

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse represents a simple success message.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// --- Handlers ---

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStartRun accepts an inline plan and enqueues a run.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	run, err := s.runs.CreateRun(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid plan", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// handleListRuns returns all runs.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runs.ListRuns())
}

// handleGetRun returns one run by ID.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runs.GetRun(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found", "")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleCancelRun cancels a queued or running run.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if !s.runs.CancelRun(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "run not found or not cancellable", "")
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "cancelling"})
}

// handleHistory serves recent download attempts, optionally filtered by
// resource URL (?url=).
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	path := filepath.Join(s.config.Engine.StateDir, filepath.FromSlash(history.FileName))
	entries, err := history.Read(path, r.URL.Query().Get("url"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history read failed", err.Error())
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, details string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Details: details})
}
