// Package handler exposes the query engine over HTTP next to the metrics
// and health endpoints.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/searcher/cache"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/searcher/executor"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/searcher/parser"
	apperrors "github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/logger"
)

type SearchExecutor interface {
	Search(ctx context.Context, raw string, mode parser.Mode) (*executor.Results, error)
}

// SearchResponse is the JSON body of a successful search.
type SearchResponse struct {
	Query      string            `json:"query"`
	Mode       string            `json:"mode"`
	Generation uint64            `json:"generation"`
	TotalHits  int               `json:"total_hits"`
	Results    []executor.Result `json:"results"`
	LatencyMs  int64             `json:"latency_ms"`
}

type Handler struct {
	searcher     SearchExecutor
	cache        *cache.QueryCache
	defaultLimit int
	maxResults   int
	logger       *slog.Logger
}

// New creates a Handler. queryCache may be nil.
func New(s SearchExecutor, queryCache *cache.QueryCache, defaultLimit, maxResults int) *Handler {
	if defaultLimit <= 0 {
		defaultLimit = 20
	}
	if maxResults <= 0 {
		maxResults = 1000
	}
	return &Handler{
		searcher:     s,
		cache:        queryCache,
		defaultLimit: defaultLimit,
		maxResults:   maxResults,
		logger:       slog.Default().With("component", "search-handler"),
	}
}

// Register mounts the search routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /search", h.Search)
	mux.HandleFunc("GET /cache/stats", h.CacheStats)
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)

	query := r.URL.Query().Get("q")
	if query == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}
	mode, err := parser.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := h.defaultLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, h.maxResults)
	}

	results, err := h.searcher.Search(ctx, query, mode)
	if err != nil {
		if errors.Is(err, apperrors.ErrQuerySyntax) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error("search execution failed", "query", query, "error", err)
		h.writeError(w, http.StatusInternalServerError, "search failed")
		return
	}

	resp := SearchResponse{
		Query:      query,
		Mode:       mode.String(),
		Generation: results.Generation,
		TotalHits:  results.Total(),
		Results:    results.Collect(limit),
		LatencyMs:  time.Since(start).Milliseconds(),
	}
	log.Info("search completed",
		"query", query,
		"mode", resp.Mode,
		"total_hits", resp.TotalHits,
		"returned", len(resp.Results),
		"latency_ms", resp.LatencyMs,
	)
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	hits, misses := h.cache.Stats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"hit_rate": strconv.FormatFloat(hitRate, 'f', 1, 64) + "%",
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
