// Package api exposes the pipeline over HTTP and provides the matching
// caller-side client.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/google/uuid"

	"github.com/c360studio/caseflow/pipeline"
)

// maxRequestBody bounds request payloads; case documents can be large but
// not unbounded.
const maxRequestBody = 4 * 1024 * 1024 // 4MB

// Server exposes the case pipeline endpoints:
//
//	POST /cases                              create a case
//	GET  /cases/{id}                         full case record
//	GET  /cases/{id}/stages/{stage}          stage status
//	POST /cases/{id}/stages/{stage}/start    dispatch a stage run
type Server struct {
	store      pipeline.Store
	dispatcher *pipeline.Dispatcher
	registry   *pipeline.Registry
	converter  *md.Converter
	logger     *slog.Logger
}

// NewServer creates the HTTP server surface.
func NewServer(store pipeline.Store, dispatcher *pipeline.Dispatcher, registry *pipeline.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:      store,
		dispatcher: dispatcher,
		registry:   registry,
		converter:  md.NewConverter("", true, nil),
		logger:     logger,
	}
}

// RegisterHTTPHandlers registers the case endpoints on mux. The prefix
// includes the trailing slash (e.g., "/api/").
func (s *Server) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	mux.HandleFunc(prefix+"cases", s.handleCreateCase)
	mux.HandleFunc(prefix+"cases/", s.handleCasePath(prefix))
}

// CreateCaseRequest is the case intake payload. DocumentHTML, when set,
// is normalized to markdown before storage so stage prompts see clean text.
type CreateCaseRequest struct {
	Title        string `json:"title"`
	Document     string `json:"document,omitempty"`
	DocumentHTML string `json:"document_html,omitempty"`
}

// CreateCaseResponse returns the new case ID.
type CreateCaseResponse struct {
	CaseID string `json:"case_id"`
}

func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CreateCaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	document := req.Document
	if req.DocumentHTML != "" {
		converted, err := s.converter.ConvertString(req.DocumentHTML)
		if err != nil {
			http.Error(w, fmt.Sprintf("convert HTML document: %v", err), http.StatusBadRequest)
			return
		}
		document = converted
	}
	if strings.TrimSpace(document) == "" {
		http.Error(w, "document or document_html is required", http.StatusBadRequest)
		return
	}

	c := pipeline.NewCase(uuid.New().String(), req.Title, document)
	if err := s.store.Put(r.Context(), c); err != nil {
		s.logger.Error("failed to store new case", "case_id", c.ID, "error", err)
		http.Error(w, "Failed to store case", http.StatusInternalServerError)
		return
	}

	s.logger.Info("case created", "case_id", c.ID, "title", c.Title)
	writeJSON(w, http.StatusCreated, CreateCaseResponse{CaseID: c.ID})
}

// handleCasePath routes /cases/{id}[/stages/{stage}[/start]].
func (s *Server) handleCasePath(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, prefix+"cases/")
		parts := strings.Split(strings.Trim(rest, "/"), "/")

		switch {
		case len(parts) == 1 && parts[0] != "":
			s.handleGetCase(w, r, parts[0])
		case len(parts) == 3 && parts[1] == "stages":
			s.handleGetStage(w, r, parts[0], parts[2])
		case len(parts) == 4 && parts[1] == "stages" && parts[3] == "start":
			s.handleStartStage(w, r, parts[0], parts[2])
		default:
			http.Error(w, "Unknown endpoint", http.StatusNotFound)
		}
	}
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request, caseID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c, err := s.store.Get(r.Context(), caseID)
	if err != nil {
		s.writeStoreError(w, caseID, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleGetStage(w http.ResponseWriter, r *http.Request, caseID, stage string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.registry.Get(stage); !ok {
		http.Error(w, "Unknown stage", http.StatusNotFound)
		return
	}

	c, err := s.store.Get(r.Context(), caseID)
	if err != nil {
		s.writeStoreError(w, caseID, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Stage(stage))
}

// StartStageRequest is the dispatch payload.
type StartStageRequest struct {
	// Selection replaces the stored selection for the stage's selection
	// source. Omitted (null) leaves it untouched.
	Selection []pipeline.SelectionUpdate `json:"selection,omitempty"`

	// Rerun permits dispatch of a completed stage.
	Rerun bool `json:"rerun,omitempty"`
}

// StartStageResponse is the dispatcher's synchronous verdict.
type StartStageResponse struct {
	Status       string                `json:"status"`
	Reason       string                `json:"reason,omitempty"`
	RunID        string                `json:"run_id,omitempty"`
	CachedResult *pipeline.StageResult `json:"cached_result,omitempty"`
}

func (s *Server) handleStartStage(w http.ResponseWriter, r *http.Request, caseID, stage string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req StartStageRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	resp, err := s.dispatcher.Start(r.Context(), pipeline.StartRequest{
		CaseID:    caseID,
		Stage:     stage,
		Selection: req.Selection,
		Rerun:     req.Rerun,
	})
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrCaseNotFound):
			http.Error(w, "Case not found", http.StatusNotFound)
		case errors.Is(err, pipeline.ErrUnknownStage):
			http.Error(w, "Unknown stage", http.StatusNotFound)
		default:
			s.logger.Error("stage dispatch failed",
				"case_id", caseID, "stage", stage, "error", err)
			http.Error(w, "Failed to dispatch stage", http.StatusInternalServerError)
		}
		return
	}

	// Rejections are a valid outcome of a well-formed request, so they
	// travel in the 200 body rather than as an HTTP error.
	writeJSON(w, http.StatusOK, StartStageResponse{
		Status:       string(resp.Decision),
		Reason:       resp.Reason,
		RunID:        resp.RunID,
		CachedResult: resp.CachedResult,
	})
}

func (s *Server) writeStoreError(w http.ResponseWriter, caseID string, err error) {
	if errors.Is(err, pipeline.ErrCaseNotFound) {
		http.Error(w, "Case not found", http.StatusNotFound)
		return
	}
	s.logger.Error("store read failed", "case_id", caseID, "error", err)
	http.Error(w, "Failed to read case", http.StatusInternalServerError)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
