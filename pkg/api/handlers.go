package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/datalens-ai/datalens/pkg/api/metrics"
	"github.com/datalens-ai/datalens/pkg/executor"
	"github.com/datalens-ai/datalens/pkg/schema"
)

type askRequest struct {
	Catalog  string `json:"catalog"`
	Question string `json:"question"`
}

type askResponse struct {
	Status     string           `json:"status"`
	Query      string           `json:"query,omitempty"`
	Results    *executor.Result `json:"results,omitempty"`
	Narrative  string           `json:"narrative,omitempty"`
	LastQuery  string           `json:"last_query,omitempty"`
	Errors     []string         `json:"errors,omitempty"`
	Attempts   int              `json:"attempts"`
	Tier       string           `json:"tier,omitempty"`
	CacheHit   bool             `json:"cache_hit"`
	Confidence float64          `json:"confidence"`
	ElapsedMs  int64            `json:"elapsed_ms"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		http.Error(w, "question is required", http.StatusBadRequest)
		return
	}
	if req.Catalog == "" {
		http.Error(w, "catalog is required", http.StatusBadRequest)
		return
	}

	answer, err := s.cfg.Service.Process(r.Context(), req.Catalog, req.Question)

	outcome := "succeeded"
	if err != nil {
		outcome = "failed"
	}
	metrics.RecordQuestion(outcome, string(answer.Tier), answer.Attempts, answer.Elapsed, answer.CacheHit)

	if err != nil {
		if errors.Is(err, schema.ErrCatalogNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		s.log.Warn("question failed", "catalog", req.Catalog, "error", err)
		writeJSON(w, http.StatusOK, askResponse{
			Status:     "failed",
			LastQuery:  answer.Query,
			Errors:     answer.Errors,
			Attempts:   answer.Attempts,
			Tier:       string(answer.Tier),
			Confidence: answer.Confidence,
			ElapsedMs:  answer.Elapsed.Milliseconds(),
		})
		return
	}

	writeJSON(w, http.StatusOK, askResponse{
		Status:     "succeeded",
		Query:      answer.Query,
		Results:    answer.Result,
		Narrative:  answer.Narrative,
		Attempts:   answer.Attempts,
		Tier:       string(answer.Tier),
		CacheHit:   answer.CacheHit,
		Confidence: answer.Confidence,
		ElapsedMs:  answer.Elapsed.Milliseconds(),
	})
}

func (s *Server) handleListCatalogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"catalogs": s.cfg.Registry.Names()})
}

func (s *Server) handleRefreshSchema(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "catalog")

	catalog, err := s.cfg.Registry.Refresh(r.Context(), name)
	if err != nil {
		if errors.Is(err, schema.ErrCatalogNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		s.log.Error("schema refresh failed", "catalog", name, "error", err)
		http.Error(w, "schema refresh failed", http.StatusBadGateway)
		return
	}

	// A refreshed catalog invalidates prior results and memoized schema
	// contexts; both must go before the next question arrives.
	s.cfg.Cache.Flush()
	s.cfg.Reducer.Flush()

	writeJSON(w, http.StatusOK, map[string]any{
		"catalog": name,
		"tables":  len(catalog.Tables),
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Cache.Stats())
}

func (s *Server) handleCacheFlush(w http.ResponseWriter, r *http.Request) {
	s.cfg.Cache.Flush()
	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
