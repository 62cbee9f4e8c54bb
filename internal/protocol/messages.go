package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/memrelay/memrelay/internal/conversation"
	"github.com/memrelay/memrelay/internal/recall"
)

// MessageType identifies hook payload variants on the stream transport.
type MessageType string

const (
	// Host to plugin.
	TypeUserMessage      MessageType = "user_message"
	TypeAssistantMessage MessageType = "assistant_message"
	TypeAgentStart       MessageType = "agent_start"
	TypeSessionEnd       MessageType = "session_end"

	// Plugin to host.
	TypeAck              MessageType = "ack"
	TypeContextInjection MessageType = "context_injection"
	TypeErrorEvent       MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// HostTurn is one conversational message reported by the host agent. Role
// is derived from the envelope type, not carried on the wire.
type HostTurn struct {
	Type    MessageType       `json:"type"`
	Role    conversation.Role `json:"-"`
	Content string            `json:"content"`
	TSMs    int64             `json:"ts_ms,omitempty"`
}

// AgentStart announces a new conversation and asks for recalled context.
// Query may be empty; Limit zero means the server default.
type AgentStart struct {
	Type  MessageType `json:"type"`
	Query string      `json:"query"`
	Limit int         `json:"limit,omitempty"`
}

type SessionEnd struct {
	Type MessageType `json:"type"`
}

// Ack confirms receipt of a host message. Buffered reports whether a turn
// survived intake filtering.
type Ack struct {
	Type     MessageType `json:"type"`
	Of       MessageType `json:"of"`
	Buffered bool        `json:"buffered"`
}

// ContextInjection answers agent_start with recalled memories ready to
// prepend to the system prompt.
type ContextInjection struct {
	Type    MessageType   `json:"type"`
	Context string        `json:"context,omitempty"`
	Result  recall.Result `json:"result"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail"`
}

func ParseHostMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeUserMessage, TypeAssistantMessage:
		var msg HostTurn
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Content == "" {
			return nil, fmt.Errorf("invalid %s: empty content", env.Type)
		}
		msg.Role = conversation.RoleUser
		if env.Type == TypeAssistantMessage {
			msg.Role = conversation.RoleAssistant
		}
		return msg, nil
	case TypeAgentStart:
		var msg AgentStart
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Limit < 0 {
			return nil, errors.New("invalid agent_start: negative limit")
		}
		return msg, nil
	case TypeSessionEnd:
		return SessionEnd{Type: TypeSessionEnd}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
