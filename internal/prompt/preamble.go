package prompt

import (
	"strings"
	"time"
)

// Preamble is the static header of every prompt.
type Preamble struct {
	Now      time.Time
	Location *time.Location
	Identity string
	Scopes   []string
}

// String renders the current date and time, the connected account and
// its granted scopes.
func (p Preamble) String() string {
	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}
	if p.Location != nil {
		now = now.In(p.Location)
	}

	var b strings.Builder
	b.WriteString("Current date and time: ")
	b.WriteString(now.Format("Monday, January 2, 2006 15:04 MST"))
	if p.Identity != "" {
		b.WriteString("\nConnected account: ")
		b.WriteString(p.Identity)
	}
	if len(p.Scopes) > 0 {
		b.WriteString("\nGranted capabilities: ")
		b.WriteString(strings.Join(p.Scopes, ", "))
	}
	return b.String()
}

// Build assembles the final prompt in fixed order: preamble, conversation
// context, file summaries, then the literal new message after a blank line.
// Empty parts are skipped.
func Build(preamble, history string, fileSummaries []string, message string) string {
	var parts []string
	if preamble != "" {
		parts = append(parts, preamble)
	}
	if history != "" {
		parts = append(parts, history)
	}
	if block := filesBlock(fileSummaries); block != "" {
		parts = append(parts, block)
	}
	parts = append(parts, message)
	return strings.Join(parts, "\n\n")
}

func filesBlock(summaries []string) string {
	var b strings.Builder
	for _, s := range summaries {
		if strings.TrimSpace(s) == "" {
			continue
		}
		if b.Len() == 0 {
			b.WriteString("## Uploaded Files")
		}
		b.WriteString("\n\n")
		b.WriteString(s)
	}
	return b.String()
}
