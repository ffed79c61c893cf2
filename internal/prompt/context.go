// Package prompt renders conversation memory and the static preamble into
// the text sent to the model on every turn.
package prompt

import (
	"fmt"
	"strings"

	"github.com/szaher/deskmate/internal/conversation"
)

// DefaultMaxRecent is the number of most recent turns kept verbatim.
const DefaultMaxRecent = 6

// Render builds the conversation context block from state. It returns the
// empty string when the conversation has neither turns nor a summary.
// The state must be the one observed before the current user message was
// appended, otherwise that message would appear twice in the prompt.
func Render(state conversation.State, maxRecent int) string {
	if state.IsEmpty() {
		return ""
	}
	if maxRecent < 1 {
		maxRecent = DefaultMaxRecent
	}

	older, recent := state.Split(maxRecent)

	var blocks []string
	if state.Summary != "" {
		var b strings.Builder
		fmt.Fprintf(&b, "## Conversation Summary (compressed from %d earlier messages)\n", len(older)+state.Folded)
		b.WriteString("If this summary conflicts with the recent messages below, the recent messages win.\n\n")
		b.WriteString(state.Summary)
		blocks = append(blocks, b.String())
	}

	if len(recent) > 0 {
		var b strings.Builder
		b.WriteString("## Recent Messages\n")
		b.WriteString("Answer the latest user message first. Resolve references such as \"that\", \"it\" or \"continue\" against these messages before anything above.\n\n")
		b.WriteString(FormatTranscript(recent))
		blocks = append(blocks, b.String())
	}

	return strings.Join(blocks, "\n\n")
}

// FormatTranscript lists turns as "<Role>: <content>" lines in order.
func FormatTranscript(turns []conversation.Turn) string {
	lines := make([]string, len(turns))
	for i, t := range turns {
		lines[i] = t.Role.Label() + ": " + t.Content
	}
	return strings.Join(lines, "\n")
}
