package responder

import (
	"strings"
)

// DefaultSignatures are error fragments that mean a connected account needs
// to be authorized again.
var DefaultSignatures = []string{
	"OAuth credentials not found",
	"No OAuth credentials",
	"invalid_grant",
	"Token has been expired or revoked",
	"credentials.json",
	"re-authenticate",
}

const (
	DefaultOAuthProvider = "google"
	DefaultReauthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
)

// Classifier recognizes authorization failures of external capabilities by
// substring match.
type Classifier struct {
	signatures []string
	provider   string
	url        string
}

// NewClassifier returns a classifier reporting provider and url for errors
// containing any of signatures. Empty arguments use the defaults.
func NewClassifier(provider, url string, signatures []string) *Classifier {
	if provider == "" {
		provider = DefaultOAuthProvider
	}
	if url == "" {
		url = DefaultReauthURL
	}
	if len(signatures) == 0 {
		signatures = DefaultSignatures
	}
	lowered := make([]string, 0, len(signatures))
	for _, s := range signatures {
		if s = strings.TrimSpace(s); s != "" {
			lowered = append(lowered, strings.ToLower(s))
		}
	}
	return &Classifier{signatures: lowered, provider: provider, url: url}
}

// Match reports whether text carries an authorization signature.
func (c *Classifier) Match(text string) bool {
	text = strings.ToLower(text)
	for _, s := range c.signatures {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

// Classify returns the provider tag and reauthorization hint when err is an
// authorization failure.
func (c *Classifier) Classify(err error) (provider, url string, ok bool) {
	if err == nil || !c.Match(err.Error()) {
		return "", "", false
	}
	return c.provider, c.url, true
}
