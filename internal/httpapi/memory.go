package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/abel/internal/apperr"
	"github.com/ent0n29/abel/internal/memory"
)

// MockHeader is set on responses served from mock backends whose body has
// no mock field.
const MockHeader = "X-Mock-Response"

type storeMemoryRequest struct {
	Content    string         `json:"content"`
	Category   string         `json:"category,omitempty"`
	Importance *float64       `json:"importance,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type memoryHit struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Score     float64   `json:"score"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleStoreMemory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Memory == nil {
		respondError(w, r, unavailable("memory"))
		return
	}
	var req storeMemoryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, apperr.Validation("content is required"))
		return
	}
	res, err := s.deps.Memory.Store(r.Context(), memory.StoreRequest{
		OwnerID:    ownerFrom(r.Context()).ID,
		Content:    req.Content,
		Category:   req.Category,
		Importance: req.Importance,
		Metadata:   req.Metadata,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func (s *Server) handleSearchMemories(w http.ResponseWriter, r *http.Request) {
	if s.deps.Memory == nil {
		respondError(w, r, unavailable("memory"))
		return
	}
	q := r.URL.Query()
	req := memory.RecallRequest{
		OwnerID:  ownerFrom(r.Context()).ID,
		Query:    q.Get("query"),
		Category: q.Get("category"),
	}
	if raw := q.Get("topK"); raw != "" {
		topK, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, r, apperr.Validation("topK must be an integer"))
			return
		}
		req.TopK = topK
	}
	if raw := q.Get("minScore"); raw != "" {
		minScore, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			respondError(w, r, apperr.Validation("minScore must be a number"))
			return
		}
		req.MinScore = &minScore
	}

	res, err := s.deps.Memory.Recall(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	hits := make([]memoryHit, 0, len(res.Matches))
	for _, m := range res.Matches {
		hits = append(hits, memoryHit{
			ID:        m.ID,
			Content:   m.Content,
			Score:     m.Score,
			Category:  m.Category,
			CreatedAt: m.CreatedAt,
		})
	}
	if res.Mock {
		w.Header().Set(MockHeader, "true")
	}
	respondJSON(w, http.StatusOK, hits)
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	if s.deps.Memory == nil {
		respondError(w, r, unavailable("memory"))
		return
	}
	limit, err := intQuery(r, "limit", 50)
	if err != nil {
		respondError(w, r, err)
		return
	}
	records, err := s.deps.Memory.List(r.Context(), ownerFrom(r.Context()).ID, r.URL.Query().Get("category"), limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Memory == nil {
		respondError(w, r, unavailable("memory"))
		return
	}
	if err := s.deps.Memory.Delete(r.Context(), ownerFrom(r.Context()).ID, chi.URLParam(r, "id")); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
