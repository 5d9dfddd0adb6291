package autoreply

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/nugget/wagate/internal/store"
)

// matchRule evaluates one rule against the message text. Non-regex
// modes compare case-insensitively; regex patterns match as written.
func matchRule(r *store.Rule, text string, logger *slog.Logger) bool {
	if r.Trigger == "" {
		return false
	}
	switch r.MatchMode {
	case store.MatchExact:
		return strings.EqualFold(strings.TrimSpace(text), r.Trigger)
	case store.MatchContains:
		return strings.Contains(strings.ToLower(text), strings.ToLower(r.Trigger))
	case store.MatchStartsWith:
		return strings.HasPrefix(strings.ToLower(text), strings.ToLower(r.Trigger))
	case store.MatchEndsWith:
		return strings.HasSuffix(strings.ToLower(text), strings.ToLower(r.Trigger))
	case store.MatchRegex:
		re, err := regexp.Compile(r.Trigger)
		if err != nil {
			logger.Warn("invalid rule pattern skipped", "rule_id", r.ID, "error", err)
			return false
		}
		return re.MatchString(text)
	default:
		return false
	}
}

// firstMatch returns the reply of the highest-priority matching rule,
// or "" when none match. Rules arrive pre-ordered from the store.
func firstMatch(rules []*store.Rule, text string, logger *slog.Logger) string {
	for _, r := range rules {
		if matchRule(r, text, logger) {
			return r.Reply
		}
	}
	return ""
}
