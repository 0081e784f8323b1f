// Package orchestrator turns a user message into an assistant turn: history,
// recalled memories and tool results are assembled into the prompt before
// the model is asked.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/ent0n29/abel/internal/apperr"
	"github.com/ent0n29/abel/internal/conversation"
	"github.com/ent0n29/abel/internal/llm"
	"github.com/ent0n29/abel/internal/memory"
	"github.com/ent0n29/abel/internal/policy"
	"github.com/ent0n29/abel/internal/tools"
)

const (
	MaxMessageChars     = 10000
	defaultHistoryLimit = 10
	maxToolCalls        = 5
)

type Chatter interface {
	Chat(ctx context.Context, req llm.ChatRequest) (llm.Completion, error)
}

type Memory interface {
	Recall(ctx context.Context, req memory.RecallRequest) (memory.RecallResult, error)
	Store(ctx context.Context, req memory.StoreRequest) (memory.StoreResult, error)
}

type ToolRunner interface {
	Execute(ctx context.Context, name string, params map[string]any) (tools.Output, error)
}

type Conversations interface {
	Open(ctx context.Context, id, ownerID string) (*conversation.Conversation, error)
	Append(ctx context.Context, id string, turns ...conversation.Turn) error
	Recent(ctx context.Context, id string, n int) ([]conversation.Turn, error)
}

type Options struct {
	LLM           Chatter
	Memory        Memory
	Tools         ToolRunner
	Conversations Conversations

	SystemPrompt string
	HistoryLimit int
	RecallTopK   int
	// AutoStore remembers every exchange, as if each Input set Remember.
	AutoStore bool

	Logger zerolog.Logger
	Now    func() time.Time
}

type ToolCall struct {
	Name   string
	Params map[string]any
}

type Input struct {
	ConversationID string
	OwnerID        string
	Message        string
	// History replaces the stored conversation history when non-nil.
	History      []llm.Message
	UseMemory    bool
	SystemPrompt string
	Tools        []ToolCall
	Remember     bool
}

// AssistantTurn is the answer to one user message. Mock marks a synthetic
// answer that clients should present as a demo response.
type AssistantTurn struct {
	Message        string         `json:"message"`
	Model          string         `json:"model"`
	Timestamp      time.Time      `json:"timestamp"`
	Mock           bool           `json:"mock"`
	ContextUsed    bool           `json:"context_used"`
	ConversationID string         `json:"conversation_id"`
	ToolOutputs    []tools.Output `json:"tool_outputs,omitempty"`
	MemoryStored   bool           `json:"memory_stored,omitempty"`
	MemoryError    string         `json:"memory_error,omitempty"`
}

type Orchestrator struct {
	opts Options
}

func New(opts Options) *Orchestrator {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{opts: opts}
}

// Respond produces the assistant turn for in. Provider failures are
// returned, never replaced by a made-up answer.
func (o *Orchestrator) Respond(ctx context.Context, in Input) (AssistantTurn, error) {
	msg := strings.TrimSpace(in.Message)
	if msg == "" {
		return AssistantTurn{}, apperr.Validation("message is required")
	}
	if utf8.RuneCountInString(msg) > MaxMessageChars {
		return AssistantTurn{}, apperr.Validation(fmt.Sprintf("message exceeds %d characters", MaxMessageChars))
	}
	if len(in.Tools) > maxToolCalls {
		return AssistantTurn{}, apperr.Validation(fmt.Sprintf("at most %d tool calls per message", maxToolCalls))
	}
	if o.opts.LLM == nil {
		return AssistantTurn{}, apperr.Unavailable(llm.ServiceName, "chat", nil)
	}

	logger := o.opts.Logger.With().Str("owner_id", in.OwnerID).Logger()
	logger.Debug().Str("message", preview(msg)).Bool("use_memory", in.UseMemory).Int("tools", len(in.Tools)).Msg("chat turn")

	convID := in.ConversationID
	if o.opts.Conversations != nil {
		conv, err := o.opts.Conversations.Open(ctx, in.ConversationID, in.OwnerID)
		if err != nil {
			return AssistantTurn{}, err
		}
		convID = conv.ID
	}

	history, err := o.history(ctx, convID, in.History)
	if err != nil {
		return AssistantTurn{}, err
	}

	var recalled []memory.Match
	if in.UseMemory && o.opts.Memory != nil {
		res, err := o.opts.Memory.Recall(ctx, memory.RecallRequest{
			OwnerID: in.OwnerID,
			Query:   msg,
			TopK:    o.opts.RecallTopK,
		})
		if err != nil {
			return AssistantTurn{}, err
		}
		recalled = res.Matches
	}

	outputs, err := o.runTools(ctx, in.Tools)
	if err != nil {
		return AssistantTurn{}, err
	}

	system := in.SystemPrompt
	if system == "" {
		system = o.opts.SystemPrompt
	}
	completion, err := o.opts.LLM.Chat(ctx, llm.ChatRequest{
		System:  buildSystemPrompt(system, recalled, outputs),
		History: history,
		Prompt:  msg,
	})
	if err != nil {
		return AssistantTurn{}, err
	}

	turn := AssistantTurn{
		Message:        completion.Text,
		Model:          completion.Model,
		Timestamp:      o.opts.Now().UTC(),
		Mock:           completion.Mock,
		ContextUsed:    len(recalled) > 0 || len(outputs) > 0,
		ConversationID: convID,
		ToolOutputs:    outputs,
	}

	if o.opts.Conversations != nil {
		err := o.opts.Conversations.Append(ctx, convID,
			conversation.Turn{Role: llm.RoleUser, Content: msg, At: turn.Timestamp},
			conversation.Turn{Role: llm.RoleAssistant, Content: turn.Message, At: turn.Timestamp},
		)
		if err != nil {
			logger.Warn().Err(err).Str("conversation_id", convID).Msg("append conversation history failed")
		}
	}

	if (in.Remember || o.opts.AutoStore) && o.opts.Memory != nil {
		o.remember(ctx, logger, in.OwnerID, convID, msg, &turn)
	}
	return turn, nil
}

// history picks the prompt history: explicit client history wins over the
// stored conversation. Either way only the latest HistoryLimit turns are kept.
func (o *Orchestrator) history(ctx context.Context, convID string, explicit []llm.Message) ([]llm.Message, error) {
	limit := o.opts.HistoryLimit
	if explicit != nil {
		if len(explicit) > limit {
			explicit = explicit[len(explicit)-limit:]
		}
		return explicit, nil
	}
	if o.opts.Conversations == nil || convID == "" {
		return nil, nil
	}
	turns, err := o.opts.Conversations.Recent(ctx, convID, limit)
	if err != nil {
		return nil, err
	}
	return conversation.Messages(turns), nil
}

func (o *Orchestrator) runTools(ctx context.Context, calls []ToolCall) ([]tools.Output, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	if o.opts.Tools == nil {
		return nil, apperr.Validation("tools are not enabled")
	}
	out := make([]tools.Output, 0, len(calls))
	for _, call := range calls {
		res, err := o.opts.Tools.Execute(ctx, call.Name, call.Params)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// remember stores the user message as a conversation memory. A failure is
// reported on the turn; the answer itself already succeeded.
func (o *Orchestrator) remember(ctx context.Context, logger zerolog.Logger, ownerID, convID, msg string, turn *AssistantTurn) {
	_, err := o.opts.Memory.Store(ctx, memory.StoreRequest{
		OwnerID:  ownerID,
		Content:  msg,
		Category: memory.CategoryContext,
		Metadata: map[string]any{"source": "conversation", "conversation_id": convID},
	})
	if err != nil {
		logger.Warn().Err(err).Msg("remember exchange failed")
		turn.MemoryError = apperr.PublicMessage(err)
		return
	}
	turn.MemoryStored = true
}

func buildSystemPrompt(base string, recalled []memory.Match, outputs []tools.Output) string {
	var b strings.Builder
	if len(recalled) > 0 {
		b.WriteString("Relevant things you remember about the user:\n")
		for _, m := range recalled {
			fmt.Fprintf(&b, "- [%s] %s\n", m.Category, m.Content)
		}
		b.WriteString("\n")
	}
	if len(outputs) > 0 {
		b.WriteString("Live information gathered for this message:\n")
		for _, out := range outputs {
			summary := out.Summary()
			if summary == "" {
				summary = "no summary available"
			}
			fmt.Fprintf(&b, "- %s: %s\n", out.Tool, summary)
		}
		b.WriteString("\n")
	}
	b.WriteString(base)
	return strings.TrimSpace(b.String())
}

// preview keeps log lines short and free of contact details.
func preview(s string) string {
	s, _ = policy.RedactPII(s)
	const max = 80
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "..."
}
