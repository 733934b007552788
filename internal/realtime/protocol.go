package realtime

import (
	"github.com/cuongbtq/ai-response-service/internal/conversation"
	"github.com/cuongbtq/ai-response-service/internal/generation"
)

// Client to server message types.
const (
	TypeIdentify    = "identify"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeSetLanguage = "set_language"
	TypePing        = "ping"
)

// Server to client message types. Response events use the event type names.
const (
	TypeConnected    = "connected"
	TypeIdentified   = "identified"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeLanguageSet  = "language_set"
	TypePong         = "pong"
	TypeError        = "error"
)

// ClientMessage is a decoded client frame.
type ClientMessage struct {
	Type     string `json:"type"`
	UserID   string `json:"userId,omitempty"`
	Topic    string `json:"topic,omitempty"`
	Language string `json:"language,omitempty"`
}

// ServerMessage is a flat server frame; only the fields its type uses are set.
type ServerMessage struct {
	Type           string                `json:"type"`
	ConnectionID   string                `json:"connectionId,omitempty"`
	UserID         string                `json:"userId,omitempty"`
	Topic          string                `json:"topic,omitempty"`
	Language       string                `json:"language,omitempty"`
	RequestID      string                `json:"requestId,omitempty"`
	ConversationID string                `json:"conversationId,omitempty"`
	Message        *conversation.Message `json:"message,omitempty"`
	Persona        *generation.Persona   `json:"persona,omitempty"`
	Error          string                `json:"error,omitempty"`
}
