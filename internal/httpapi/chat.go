package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/abel/internal/apperr"
	"github.com/ent0n29/abel/internal/conversation"
	"github.com/ent0n29/abel/internal/llm"
	"github.com/ent0n29/abel/internal/orchestrator"
	"github.com/ent0n29/abel/internal/protocol"
	"github.com/ent0n29/abel/internal/reliability"
)

const (
	wsReadLimit    = 1 << 20
	wsIdleTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
)

func chatInput(owner Owner, req protocol.ChatRequest) orchestrator.Input {
	in := orchestrator.Input{
		ConversationID: req.ConversationID,
		OwnerID:        owner.ID,
		Message:        req.Message,
		UseMemory:      req.UseMemory == nil || *req.UseMemory,
		SystemPrompt:   req.SystemPrompt,
		Remember:       req.Remember,
	}
	if req.History != nil {
		in.History = make([]llm.Message, 0, len(req.History))
		for _, h := range req.History {
			in.History = append(in.History, llm.Message{Role: llm.Role(h.Role), Content: h.Content})
		}
	}
	for _, tc := range req.Tools {
		in.Tools = append(in.Tools, orchestrator.ToolCall{Name: tc.Name, Params: tc.Params})
	}
	return in
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.deps.Assistant == nil {
		respondError(w, r, unavailable("chat"))
		return
	}
	var req protocol.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			err = apperr.Validation("message is required")
		}
		respondError(w, r, err)
		return
	}

	turn, err := s.deps.Assistant.Respond(r.Context(), chatInput(ownerFrom(r.Context()), req))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, turn)
}

// handleChatWS serves chat over a websocket. Requests on one connection are
// answered in order; pings and control frames are handled while a turn is
// in flight.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	if s.deps.Assistant == nil {
		respondError(w, r, unavailable("chat"))
		return
	}
	owner := ownerFrom(r.Context())
	logger := zerolog.Ctx(r.Context())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	outbound := make(chan any, 64)
	inbound := make(chan protocol.ChatRequest, 16)
	send := func(msg any) bool {
		select {
		case outbound <- msg:
			return true
		case <-ctx.Done():
			return false
		}
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					logger.Debug().Err(err).Msg("websocket write failed")
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.deps.Metrics.ObserveWSMessage("outbound", string(t))
				}
			}
		}
	}()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for req := range inbound {
			if !send(s.answer(ctx, owner, req)) {
				return
			}
		}
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			if !send(protocol.ErrorEvent{
				Type:    protocol.TypeErrorEvent,
				Code:    string(apperr.KindValidation),
				Message: err.Error(),
			}) {
				break
			}
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.deps.Metrics.ObserveWSMessage("inbound", string(t))
		}

		switch m := parsed.(type) {
		case protocol.ChatRequest:
			select {
			case inbound <- m:
			case <-ctx.Done():
				break readLoop
			}
		case protocol.ClientControl:
			if !send(s.control(ctx, owner, m)) {
				break readLoop
			}
		}
	}

	cancel()
	close(inbound)
	<-workerDone
	<-writerDone
}

func (s *Server) answer(ctx context.Context, owner Owner, req protocol.ChatRequest) any {
	turn, err := s.deps.Assistant.Respond(ctx, chatInput(owner, req))
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("request_id", req.RequestID).Msg("websocket chat failed")
		return protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			RequestID: req.RequestID,
			Code:      string(apperr.KindOf(err)),
			Message:   apperr.PublicMessage(err),
			Retryable: reliability.Retryable(err),
		}
	}
	return protocol.AssistantMessage{
		Type:           protocol.TypeAssistantMessage,
		RequestID:      req.RequestID,
		ConversationID: turn.ConversationID,
		Message:        turn.Message,
		Model:          turn.Model,
		Mock:           turn.Mock,
		ContextUsed:    turn.ContextUsed,
		MemoryStored:   turn.MemoryStored,
		Timestamp:      turn.Timestamp,
	}
}

func (s *Server) control(ctx context.Context, owner Owner, m protocol.ClientControl) any {
	switch m.Action {
	case protocol.ActionEndConversation:
		if err := s.endConversation(ctx, owner, m.ConversationID); err != nil {
			return protocol.ErrorEvent{
				Type:    protocol.TypeErrorEvent,
				Code:    string(apperr.KindOf(err)),
				Message: apperr.PublicMessage(err),
			}
		}
		return protocol.SystemEvent{
			Type:           protocol.TypeSystemEvent,
			ConversationID: m.ConversationID,
			Code:           "conversation_ended",
		}
	default:
		return protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "pong"}
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ChatRequest:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.AssistantMessage:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}

// ownedConversation hides conversations of other owners behind not found.
func (s *Server) ownedConversation(owner Owner, id string) (*conversation.Conversation, error) {
	if s.deps.Conversations == nil {
		return nil, unavailable("conversations")
	}
	conv, err := s.deps.Conversations.Get(id)
	if err != nil || conv.OwnerID != owner.ID {
		return nil, apperr.NotFound("conversation not found")
	}
	return conv, nil
}

func (s *Server) endConversation(ctx context.Context, owner Owner, id string) error {
	if _, err := s.ownedConversation(owner, id); err != nil {
		return err
	}
	if _, err := s.deps.Conversations.End(ctx, id); err != nil {
		return apperr.NotFound("conversation not found")
	}
	return nil
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r.Context())
	conv, err := s.ownedConversation(owner, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	limit, err := intQuery(r, "limit", 50)
	if err != nil {
		respondError(w, r, err)
		return
	}
	turns, err := s.deps.Conversations.Recent(r.Context(), conv.ID, limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if turns == nil {
		turns = []conversation.Turn{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversation": conv,
		"turns":        turns,
	})
}

func (s *Server) handleEndConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.endConversation(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ended": true})
}

func intQuery(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apperr.Validation(key + " must be a non-negative integer")
	}
	return v, nil
}
