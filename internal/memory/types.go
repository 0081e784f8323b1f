// Package memory implements long-term memory: embedded records, vector
// similarity search and the store/recall pipeline on top of them.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category values accepted for records.
const (
	CategoryPreference  = "preference"
	CategoryHabit       = "habit"
	CategoryKnowledge   = "knowledge"
	CategoryContext     = "context"
	CategoryPersonality = "personality"
)

// DefaultCategory is used when a request leaves the category empty.
const DefaultCategory = CategoryKnowledge

// ValidCategory reports whether c is a known category.
func ValidCategory(c string) bool {
	switch c {
	case CategoryPreference, CategoryHabit, CategoryKnowledge, CategoryContext, CategoryPersonality:
		return true
	}
	return false
}

// Record is a stored memory. Embedding always has the store's dimension.
type Record struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"owner_id"`
	Content     string         `json:"content"`
	Embedding   []float32      `json:"-"`
	Category    string         `json:"category"`
	Importance  float64        `json:"importance"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ContentHash string         `json:"-"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Match is a search hit. Score is cosine similarity as computed by the
// backend.
type Match struct {
	Record
	Score float64 `json:"score"`
}

// SearchQuery selects an owner's records nearest to Vector.
type SearchQuery struct {
	OwnerID  string
	Vector   []float32
	TopK     int
	MinScore float64
	Category string
}

// Store persists records and runs similarity search. Implementations
// return matches ordered by score descending, ties by newest first.
type Store interface {
	Backend() string
	Insert(ctx context.Context, rec Record) error
	FindByHash(ctx context.Context, ownerID, hash string) (Record, bool, error)
	Search(ctx context.Context, q SearchQuery) ([]Match, error)
	List(ctx context.Context, ownerID, category string, limit int) ([]Record, error)
	Delete(ctx context.Context, ownerID, id string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// ContentHash identifies identical content from the same owner.
func ContentHash(ownerID, content string) string {
	sum := sha256.Sum256([]byte(ownerID + "\x00" + strings.TrimSpace(content)))
	return hex.EncodeToString(sum[:])
}

func newID() string { return uuid.NewString() }
