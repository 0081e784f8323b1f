// Package protocol defines the websocket chat frames.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeChatRequest      MessageType = "chat_request"
	TypeClientControl    MessageType = "client_control"
	TypeAssistantMessage MessageType = "assistant_message"
	TypeSystemEvent      MessageType = "system_event"
	TypeErrorEvent       MessageType = "error_event"
)

// Client control actions.
const (
	ActionPing            = "ping"
	ActionEndConversation = "end_conversation"
)

const MaxMessageChars = 10000

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ToolCall asks for a tool to run before the model answers.
type ToolCall struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Type           MessageType      `json:"type"`
	RequestID      string           `json:"request_id,omitempty"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Message        string           `json:"message"`
	History        []HistoryMessage `json:"history,omitempty"`
	UseMemory      *bool            `json:"use_memory,omitempty"`
	Remember       bool             `json:"remember,omitempty"`
	Tools          []ToolCall       `json:"tools,omitempty"`
	SystemPrompt   string           `json:"system_prompt,omitempty"`
}

type ClientControl struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Action         string      `json:"action"`
}

type AssistantMessage struct {
	Type           MessageType `json:"type"`
	RequestID      string      `json:"request_id,omitempty"`
	ConversationID string      `json:"conversation_id"`
	Message        string      `json:"message"`
	Model          string      `json:"model"`
	Mock           bool        `json:"mock"`
	ContextUsed    bool        `json:"context_used"`
	MemoryStored   bool        `json:"memory_stored,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

type SystemEvent struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Code           string      `json:"code"`
	Detail         string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

// ParseClientMessage decodes and validates one client frame.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeChatRequest:
		var msg ChatRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid chat_request: %w", err)
		}
		msg.Message = strings.TrimSpace(msg.Message)
		if msg.Message == "" {
			return nil, errors.New("chat_request message is required")
		}
		if len([]rune(msg.Message)) > MaxMessageChars {
			return nil, errors.New("chat_request message is too long")
		}
		for _, tc := range msg.Tools {
			if tc.Name == "" {
				return nil, errors.New("chat_request tool name is required")
			}
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid client_control: %w", err)
		}
		switch msg.Action {
		case ActionPing:
		case ActionEndConversation:
			if msg.ConversationID == "" {
				return nil, errors.New("end_conversation requires conversation_id")
			}
		default:
			return nil, fmt.Errorf("unknown client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
