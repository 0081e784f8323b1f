// Package conversation tracks chat conversations and their recent turns.
package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound = errors.New("conversation not found")
	ErrExpired  = errors.New("conversation expired")
)

type Conversation struct {
	ID             string    `json:"conversation_id"`
	OwnerID        string    `json:"owner_id"`
	Status         Status    `json:"status"`
	Turns          int       `json:"turns"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// IsExpired reports whether a conversation last active at last has been idle
// for at least timeout at now. A non-positive timeout never expires.
func IsExpired(last, now time.Time, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return now.Sub(last) >= timeout
}

type Manager struct {
	mu                sync.RWMutex
	conversations     map[string]*Conversation
	inactivityTimeout time.Duration
	history           HistoryStore
	logger            zerolog.Logger
	onExpire          func(*Conversation)
	now               func() time.Time
}

func NewManager(inactivityTimeout time.Duration, history HistoryStore, logger zerolog.Logger) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	if history == nil {
		history = NewMemoryHistory(0)
	}
	return &Manager{
		conversations:     make(map[string]*Conversation),
		inactivityTimeout: inactivityTimeout,
		history:           history,
		logger:            logger,
		now:               time.Now,
	}
}

func (m *Manager) SetExpireHook(hook func(*Conversation)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(ownerID string) *Conversation {
	now := m.now().UTC()
	c := &Conversation{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[c.ID] = c
	return clone(c)
}

func (m *Manager) Get(id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

// Resume reactivates a conversation for ownerID. Inactivity is checked here
// as well as by the janitor, so an idle conversation is never resumed even
// between janitor ticks. Expired conversations lose their history.
func (m *Manager) Resume(ctx context.Context, id, ownerID string) (*Conversation, error) {
	now := m.now().UTC()

	m.mu.Lock()
	c, ok := m.conversations[id]
	if !ok || c.OwnerID != ownerID {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if c.Status != StatusActive {
		m.mu.Unlock()
		return nil, ErrExpired
	}
	if IsExpired(c.LastActivityAt, now, m.inactivityTimeout) {
		c.Status = StatusEnded
		m.mu.Unlock()
		m.dropHistory(ctx, id)
		return nil, ErrExpired
	}
	c.LastActivityAt = now
	out := clone(c)
	m.mu.Unlock()
	return out, nil
}

// Open resumes id when possible and otherwise starts a new conversation.
func (m *Manager) Open(ctx context.Context, id, ownerID string) (*Conversation, error) {
	if id != "" {
		c, err := m.Resume(ctx, id, ownerID)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrExpired) {
			return nil, err
		}
		m.logger.Debug().Str("conversation_id", id).Err(err).Msg("starting new conversation")
	}
	return m.Create(ownerID), nil
}

// Append records turns and marks the conversation active.
func (m *Manager) Append(ctx context.Context, id string, turns ...Turn) error {
	m.mu.Lock()
	c, ok := m.conversations[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	c.Turns += len(turns)
	c.LastActivityAt = m.now().UTC()
	m.mu.Unlock()

	return m.history.Append(ctx, id, turns...)
}

// Recent returns at most n of the latest turns, oldest first.
func (m *Manager) Recent(ctx context.Context, id string, n int) ([]Turn, error) {
	if _, err := m.Get(id); err != nil {
		return nil, err
	}
	return m.history.Recent(ctx, id, n)
}

func (m *Manager) End(ctx context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	c, ok := m.conversations[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	c.Status = StatusEnded
	c.LastActivityAt = m.now().UTC()
	out := clone(c)
	m.mu.Unlock()

	m.dropHistory(ctx, id)
	return out, nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive(ctx)
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, c := range m.conversations {
		if c.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive(ctx context.Context) {
	now := m.now().UTC()
	var expired []*Conversation

	m.mu.Lock()
	for id, c := range m.conversations {
		if c.Status != StatusActive {
			// Ended conversations are kept for one sweep so Resume can
			// still report them as expired.
			delete(m.conversations, id)
			continue
		}
		if !IsExpired(c.LastActivityAt, now, m.inactivityTimeout) {
			continue
		}
		c.Status = StatusEnded
		expired = append(expired, clone(c))
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, c := range expired {
		m.dropHistory(ctx, c.ID)
		if hook != nil {
			hook(c)
		}
	}
	if len(expired) > 0 {
		m.logger.Info().Int("count", len(expired)).Msg("expired inactive conversations")
	}
}

func (m *Manager) dropHistory(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.history.Clear(ctx, id); err != nil {
		m.logger.Warn().Err(err).Str("conversation_id", id).Msg("clear conversation history failed")
	}
}

func clone(c *Conversation) *Conversation {
	out := *c
	return &out
}
