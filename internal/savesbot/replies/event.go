package replies

import (
	"fmt"
	"strings"

	"github.com/disgoorg/snowflake/v2"
)

// Scope says which balance a counting event changed.
type Scope uint8

const (
	ScopeUser Scope = iota + 1
	ScopeGuild
)

func (s Scope) String() string {
	switch s {
	case ScopeUser:
		return "user"
	case ScopeGuild:
		return "guild"
	}
	return "unknown"
}

// CountingEvent is a plain-text message the counting bot posts when a
// mistake consumed a save.
type CountingEvent struct {
	Scope  Scope
	UserID snowflake.ID
	Saves  float64
}

var (
	warningGlyphs = []string{"⚠️ ", "⚠ "}

	tmplGuildEvent = template{" used a guild save! Guild saves left: **", "/2**"}
	tmplUserEvent  = template{" used one of their saves! Saves left: **", "/3**"}
)

// ParseCountingEvent recognizes "⚠️ <@id> used …" messages. ok is false when
// content does not have the event shape at all; err is set when it has the
// shape but the number cannot be read.
func ParseCountingEvent(content string) (evt CountingEvent, ok bool, err error) {
	rest, found := "", false
	for _, g := range warningGlyphs {
		if rest, found = strings.CutPrefix(content, g); found {
			break
		}
	}
	if !found {
		return CountingEvent{}, false, nil
	}

	userID, rest, found := cutMention(rest)
	if !found {
		return CountingEvent{}, false, nil
	}

	for _, c := range []struct {
		scope Scope
		tmpl  template
	}{{ScopeGuild, tmplGuildEvent}, {ScopeUser, tmplUserEvent}} {
		if !strings.HasPrefix(rest, c.tmpl.prefix) {
			continue
		}
		v, err := c.tmpl.parse(rest)
		if err != nil {
			return CountingEvent{}, true, err
		}
		return CountingEvent{Scope: c.scope, UserID: userID, Saves: v}, true, nil
	}
	return CountingEvent{}, false, nil
}

// cutMention strips a leading "<@id>" or "<@!id>".
func cutMention(s string) (snowflake.ID, string, bool) {
	rest, ok := strings.CutPrefix(s, "<@")
	if !ok {
		return 0, s, false
	}
	rest = strings.TrimPrefix(rest, "!")
	end := strings.IndexByte(rest, '>')
	if end <= 0 || !isDigits(rest[:end]) {
		return 0, s, false
	}
	id, err := snowflake.Parse(rest[:end])
	if err != nil {
		return 0, s, false
	}
	return id, rest[end+1:], true
}

// FormatMention renders a user mention.
func FormatMention(id snowflake.ID) string {
	return fmt.Sprintf("<@%s>", id)
}
