// Package redact strips credentials (the Discord bot token, the Matrix
// access token) from text before it is logged or posted to a room.
//
// Redaction is best-effort and operates on string representations. It does
// not replace keeping secrets out of log call-sites in the first place.
package redact

import "strings"

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
//
//	safe := redact.String(errText, cfg.DiscordToken)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Hint returns a short non-reversible hint for a credential, suitable for
// startup logs: "" when unset, "[REDACTED]" for short values and
// "abcd…[REDACTED]" otherwise.
func Hint(secret string) string {
	switch {
	case secret == "":
		return ""
	case len(secret) < 12:
		return placeholder
	default:
		return secret[:4] + "…" + placeholder
	}
}
