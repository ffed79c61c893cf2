package secrets

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Blocked replaces personal data in scrubbed text.
const Blocked = "BLOCKED"

type piiRule struct {
	re   *regexp.Regexp
	repl string
}

// name matches a capitalized personal name of one or more words.
const name = `(?-i:[A-Z][a-z]+(?:[ \t]+[A-Z][a-z]+)*)`

// piiRules run in order; earlier, more specific rules win.
var piiRules = compileRules([][2]string{
	// Personal identifiers
	{`\b\d{3}-\d{2}-\d{4}\b`, Blocked},
	{`\b\d{3}\s\d{2}\s\d{4}\b`, Blocked},
	{`\b\d{3}\.\d{2}\.\d{4}\b`, Blocked},
	{`\b[A-Z]\d{7}\b`, Blocked},
	{`\b[A-Z]\d{8}\b`, Blocked},
	{`\bEMP\d{6}\b`, Blocked},

	// Contact
	{`(?i)\b(?:fax|f\.)\s*\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`, Blocked},
	{`\+\d{1,3}[-.\s]?\d{1,4}[-.\s]?\d{1,4}[-.\s]?\d{1,9}\b`, Blocked},
	{`\b1[-.\s]?\d{3}[-.\s]?\d{3}[-.\s]?\d{4}\b`, Blocked},
	{`(?:\(\d{3}\)|\b\d{3})[-.\s]?\d{3}[-.\s]?\d{4}\b`, Blocked},
	{`(?i)\b(?:ext|extension|ext\.)\s*\d{1,5}\b`, Blocked},
	{`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`, Blocked},
	{`\b[A-Za-z0-9._%+-]+\s+(?:at|@)\s+[A-Za-z0-9.-]+\s+(?:dot|\.)\s+[A-Za-z]{2,}\b`, Blocked},
	{`\b\d+\s+[A-Za-z ]+(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Drive|Dr|Lane|Ln|Court|Ct|Place|Pl|Way|Circle|Cir)\b`, Blocked},
	{`\b[A-Za-z ]+,\s*[A-Za-z ]+,\s*[A-Z]{2}\s*\d{5}(?:-\d{4})?\b`, Blocked},
	{`(^|\s)@[A-Za-z0-9_]{1,15}\b`, "${1}" + Blocked},

	// Financial
	{`\b\d{4}[-.\s]?\d{4}[-.\s]?\d{4}[-.\s]?\d{4}\b`, Blocked},
	{`\b\d{4}[-.\s]?\d{6}[-.\s]?\d{5}\b`, Blocked},
	{`\b\d{9}\b`, Blocked},
	{`\b[A-Z]{2}\d{2}[A-Z0-9]{4}\d{7}[A-Z0-9]{0,16}\b`, Blocked},
	{`\b\d{2}-\d{7}\b`, Blocked},

	// Medical
	{`\bMRN\d{6,8}\b`, Blocked},
	{`\b[A-Z]{3}\d{6,8}\b`, Blocked},
	{`\b[A-Z]\d{2}\.\d{1,2}[A-Z0-9]?\b`, Blocked},

	// Dates and ages
	{`\b\d{1,2}/\d{1,2}/\d{4}\b`, Blocked},
	{`\b\d{4}-\d{1,2}-\d{1,2}\b`, Blocked},
	{`\b(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]*\s+\d{1,2},?\s+\d{4}\b`, Blocked},
	{`(?i)\bage\s*\d{1,3}\b`, Blocked},
	{`(?i)\b\d{1,3}\s*years?\s*old\b`, Blocked},
	{`(?i)\b(?:born|birth)\s+(?:in\s+)?\d{4}\b`, Blocked},

	// Digital identifiers
	{`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`, Blocked},
	{`\b(?:[0-9a-fA-F]{1,4}:){7}[0-9a-fA-F]{1,4}\b`, Blocked},
	{`\b(?:[0-9a-fA-F]{1,4}:){1,6}:[0-9a-fA-F]{1,4}\b`, Blocked},
	{`\b(?:[0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}\b`, Blocked},
	{`\bhttps?://\S+`, Blocked},
	{`\bwww\.\S+`, Blocked},
	{`\b[A-Za-z]:\\\S*`, Blocked},
	{`\b[A-Z]{2}\d{6,8}[A-Z0-9]{2,4}\b`, Blocked},

	// Names introduced in context
	{`(?i)\b(my name is|i'm|i am|call me|this is)\s+` + name + `\b`, "${1} " + Blocked},
	{`(?i)\b(nice to meet you,?)\s+` + name + `\b`, "${1} " + Blocked},
	{`(?i)\b(dr\.?|professor|prof\.?|mr\.?|ms\.?|mrs\.?|miss)\s+` + name + `\b`, "${1} " + Blocked},
	{`(?i)\b(my (?:father|dad|mother|mom|sister|brother|son|daughter|uncle|aunt|cousin|grandfather|grandmother|grandpa|grandma))\s+` + name + `\b`, "${1} " + Blocked},
})

func compileRules(specs [][2]string) []piiRule {
	rules := make([]piiRule, len(specs))
	for i, s := range specs {
		rules[i] = piiRule{re: regexp.MustCompile(s[0]), repl: s[1]}
	}
	return rules
}

// ScrubPII replaces personal identifiers, contact details, financial and
// medical numbers, dates, network addresses and introduced names in text
// with BLOCKED.
func ScrubPII(text string) string {
	for _, r := range piiRules {
		text = r.re.ReplaceAllString(text, r.repl)
	}
	return text
}

// ScrubJSON scrubs every string value of a JSON document and returns it
// indented.
func ScrubJSON(data []byte) ([]byte, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse conversation json: %w", err)
	}
	out, err := json.MarshalIndent(scrubValue(doc), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode conversation json: %w", err)
	}
	return out, nil
}

func scrubValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = scrubValue(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = scrubValue(child)
		}
		return t
	case string:
		return ScrubPII(t)
	default:
		return v
	}
}
