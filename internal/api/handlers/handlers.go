// Package handlers implements the HTTP handlers for the Lectern API.
// Every handler goes through the injected collaborators so the full
// surface is testable against fakes.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/scholarlab/lectern/internal/history"
	"github.com/scholarlab/lectern/internal/patterns"
	"github.com/scholarlab/lectern/internal/persona"
	"github.com/scholarlab/lectern/internal/workflow"
	"github.com/scholarlab/lectern/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Engine   *workflow.Engine
	Personas *persona.Loader
	Patterns patterns.Store
	History  *history.Log
}

// New creates a Handlers instance.
func New(engine *workflow.Engine, personas *persona.Loader, store patterns.Store, hist *history.Log) *Handlers {
	return &Handlers{
		Engine:   engine,
		Personas: personas,
		Patterns: store,
		History:  hist,
	}
}

// ── Workflow handlers ─────────────────────────────────────────

func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Engine.Registry().List())
}

type runRequest struct {
	Persona string            `json:"persona"`
	Inputs  map[string]string `json:"inputs"`
}

func (h *Handlers) RunWorkflow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "workflowName")

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Persona == "" {
		respondError(w, http.StatusBadRequest, "persona is required")
		return
	}

	result, err := h.Engine.Run(r.Context(), workflow.RunRequest{
		Workflow: name,
		Persona:  req.Persona,
		Inputs:   req.Inputs,
	})
	if err != nil {
		var cfgErr *models.ConfigError
		if errors.As(err, &cfgErr) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().
		Str("workflow", name).
		Str("persona", req.Persona).
		Str("status", string(result.Status)).
		Msg("Workflow run served")
	respondJSON(w, http.StatusOK, result)
}

// ── Persona handlers ──────────────────────────────────────────

func (h *Handlers) ListPersonas(w http.ResponseWriter, r *http.Request) {
	names := h.Personas.ListAvailable()
	summaries := make([]persona.Summary, 0, len(names))
	for _, name := range names {
		p, err := h.Personas.Load(name)
		if err != nil {
			log.Warn().Err(err).Str("persona", name).Msg("Skipping unloadable persona")
			continue
		}
		summaries = append(summaries, p.Summarize())
	}
	respondJSON(w, http.StatusOK, summaries)
}

func (h *Handlers) GetPersona(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "personaName")
	p, err := h.Personas.Load(name)
	if err != nil {
		var cfgErr *models.ConfigError
		if errors.As(err, &cfgErr) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, p.Summarize())
}

// ── Run history and patterns ──────────────────────────────────

func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records, err := h.History.List(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []models.RunRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

func (h *Handlers) ListPatterns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		respondError(w, http.StatusBadRequest, "query parameter is required")
		return
	}

	matches, err := h.Patterns.Retrieve(r.Context(), query, patterns.DefaultTopK)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if matches == nil {
		matches = []models.PatternMatch{}
	}
	respondJSON(w, http.StatusOK, matches)
}

func (h *Handlers) TokenStatus(w http.ResponseWriter, r *http.Request) {
	report := h.Engine.LastTokenReport()
	if report == nil {
		respondError(w, http.StatusNotFound, "no runs recorded yet")
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// ── Helpers ───────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
