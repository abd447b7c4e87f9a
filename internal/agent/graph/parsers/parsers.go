package parsers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/relay-agent/server/internal/agent/model"
	errx "github.com/relay-agent/server/internal/core/error"
)

// basic safety limits to avoid pathological inputs
const (
	maxContentLen = 128 * 1024 // 128KB
	maxErrSnippet = 200
)

// intentWord matches any intent name as a whole word.
var intentWord = func() *regexp.Regexp {
	names := make([]string, 0, len(model.Intents))
	for _, in := range model.Intents {
		names = append(names, regexp.QuoteMeta(string(in)))
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(names, "|") + `)\b`)
}()

// ParseIntent normalizes a classifier reply to one of model.Intents.
// An exact (case-insensitive) match wins; otherwise the class name that
// appears first in the reply as a whole word is used. Anything else is Chat.
func ParseIntent(content string) model.Intent {
	content = strings.TrimSpace(clip(content))
	word := strings.TrimFunc(content, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, in := range model.Intents {
		if strings.EqualFold(word, string(in)) {
			return in
		}
	}

	m := intentWord.FindStringSubmatch(content)
	if m == nil {
		return model.IntentChat
	}
	for _, in := range model.Intents {
		if strings.EqualFold(m[1], string(in)) {
			return in
		}
	}
	return model.IntentChat
}

// Verdict is the judge's decision about a draft answer.
type Verdict struct {
	Satisfactory bool
	Reason       string
}

// ParseVerdict reads a "YES" / "NO: <reason>" judge reply. A reply that
// follows neither form is unsatisfactory, with the raw text as reason.
func ParseVerdict(content string) Verdict {
	s := strings.TrimSpace(clip(content))
	// leading word, letters only
	n := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsLetter(r) })
	if n < 0 {
		n = len(s)
	}
	switch strings.ToUpper(s[:n]) {
	case "YES":
		return Verdict{Satisfactory: true}
	case "NO":
		reason := strings.TrimSpace(strings.TrimLeft(s[n:], ":.,- "))
		if reason == "" {
			reason = "rejected without a reason"
		}
		return Verdict{Reason: reason}
	}
	if s == "" {
		return Verdict{Reason: "empty validation reply"}
	}
	return Verdict{Reason: s}
}

// ParseProfile extracts the JSON object of a profile extraction reply. The
// object may be bare or wrapped in a markdown code fence. An empty object
// yields an empty, non-nil map.
func ParseProfile(content string) (map[string]any, error) {
	raw := stripFence(strings.TrimSpace(clip(content)))
	if start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); start >= 0 && end > start {
		raw = raw[start : end+1]
	}

	out := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, errx.New(
			fmt.Errorf("parse profile json %q: %w", snippet(raw), err),
			http.StatusUnprocessableEntity,
			"profile extraction returned invalid JSON",
		)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func stripFence(s string) string {
	i := strings.Index(s, "```")
	if i < 0 {
		return s
	}
	rest := s[i+3:]
	if j := strings.Index(rest, "```"); j >= 0 {
		rest = rest[:j]
	}
	return strings.TrimSpace(rest)
}

func clip(s string) string {
	return truncate(s, maxContentLen)
}

func snippet(s string) string {
	if len(s) > maxErrSnippet {
		return truncate(s, maxErrSnippet) + "..."
	}
	return s
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
