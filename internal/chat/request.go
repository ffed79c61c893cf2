// Package chat handles one user message end to end: it assembles the
// prompt from conversation memory, schedules background compaction, runs
// the model and records the reply.
package chat

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

// Header fallbacks for request fields.
const (
	HeaderConversationID = "X-Conversation-ID"
	HeaderCredential     = "X-Provider-Credential"
)

var (
	// ErrMissingMessage is returned when the request has no message text.
	ErrMissingMessage = errors.New("message is required")
	// ErrMissingConversationID is returned when conversation ids are
	// required and the request names none.
	ErrMissingConversationID = errors.New("conversationId is required")
)

// Request is a chat request from the desktop UI.
type Request struct {
	Message        string   `json:"message"`
	ConversationID string   `json:"conversationId,omitempty"`
	Credential     string   `json:"credential,omitempty"`
	Model          string   `json:"model,omitempty"`
	ProviderID     string   `json:"providerId,omitempty"`
	SystemPrompt   string   `json:"systemPrompt,omitempty"`
	FileSummaries  []string `json:"fileSummaries,omitempty"`
	FileIDs        []string `json:"fileIds,omitempty"`
}

// ApplyHeaders fills the conversation id and credential from h when the
// body left them empty.
func (r *Request) ApplyHeaders(h http.Header) {
	if r.ConversationID == "" {
		r.ConversationID = strings.TrimSpace(h.Get(HeaderConversationID))
	}
	if r.Credential == "" {
		r.Credential = strings.TrimSpace(h.Get(HeaderCredential))
	}
}

// Result is the buffered reply to a chat request.
type Result struct {
	Success   bool      `json:"success"`
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

// IsValidation reports whether err is a request validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrMissingMessage) || errors.Is(err, ErrMissingConversationID)
}
