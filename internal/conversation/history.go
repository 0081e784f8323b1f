package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/ent0n29/abel/internal/llm"
)

// Turn is one message in a conversation.
type Turn struct {
	Role    llm.Role  `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// HistoryStore keeps the latest turns of each conversation.
type HistoryStore interface {
	Append(ctx context.Context, id string, turns ...Turn) error
	// Recent returns at most n turns, oldest first.
	Recent(ctx context.Context, id string, n int) ([]Turn, error)
	Clear(ctx context.Context, id string) error
}

// Messages converts turns to model input.
func Messages(turns []Turn) []llm.Message {
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, llm.Message{Role: t.Role, Content: t.Content})
	}
	return out
}

const defaultMaxTurns = 100

// MemoryHistory is the in-process history store.
type MemoryHistory struct {
	mu       sync.RWMutex
	turns    map[string][]Turn
	maxTurns int
}

func NewMemoryHistory(maxTurns int) *MemoryHistory {
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	return &MemoryHistory{
		turns:    make(map[string][]Turn),
		maxTurns: maxTurns,
	}
}

func (h *MemoryHistory) Append(_ context.Context, id string, turns ...Turn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := append(h.turns[id], turns...)
	if len(list) > h.maxTurns {
		list = append([]Turn(nil), list[len(list)-h.maxTurns:]...)
	}
	h.turns[id] = list
	return nil
}

func (h *MemoryHistory) Recent(_ context.Context, id string, n int) ([]Turn, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	list := h.turns[id]
	if n > 0 && len(list) > n {
		list = list[len(list)-n:]
	}
	out := make([]Turn, len(list))
	copy(out, list)
	return out, nil
}

func (h *MemoryHistory) Clear(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.turns, id)
	return nil
}
