package memory

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps records in process and scores them by brute-force
// cosine similarity. Used for local development and as the stand-in while
// the database is in mock mode.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]Record)}
}

func (s *InMemoryStore) Backend() string { return "memory" }

func (s *InMemoryStore) Insert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Embedding = append([]float32(nil), rec.Embedding...)
	s.records[rec.OwnerID] = append(s.records[rec.OwnerID], rec)
	return nil
}

func (s *InMemoryStore) FindByHash(_ context.Context, ownerID, hash string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records[ownerID] {
		if r.ContentHash == hash {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}

func (s *InMemoryStore) Search(_ context.Context, q SearchQuery) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Match, 0)
	for _, r := range s.records[q.OwnerID] {
		if q.Category != "" && r.Category != q.Category {
			continue
		}
		score := cosine(q.Vector, r.Embedding)
		if score < q.MinScore {
			continue
		}
		out = append(out, Match{Record: r, Score: score})
	}
	SortMatches(out)
	if q.TopK > 0 && len(out) > q.TopK {
		out = out[:q.TopK]
	}
	return out, nil
}

func (s *InMemoryStore) List(_ context.Context, ownerID, category string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[ownerID]
	out := make([]Record, 0, len(arr))
	for i := len(arr) - 1; i >= 0; i-- {
		if category != "" && arr[i].Category != category {
			continue
		}
		out = append(out, arr[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) Delete(_ context.Context, ownerID, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := s.records[ownerID]
	for i, r := range arr {
		if r.ID == id {
			s.records[ownerID] = append(arr[:i:i], arr[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }

// SortMatches orders by score descending, then newest first.
func SortMatches(ms []Match) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Score != ms[j].Score {
			return ms[i].Score > ms[j].Score
		}
		return ms[i].CreatedAt.After(ms[j].CreatedAt)
	})
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
