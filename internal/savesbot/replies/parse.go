package replies

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrTemplateMismatch means a reply body did not match the template for
	// its kind, usually because the counting bot changed its output.
	ErrTemplateMismatch = errors.New("replies: body does not match template")
	// ErrUnclassified is returned by Parse for KindNone.
	ErrUnclassified = errors.New("replies: unclassified reply")
)

const (
	// MaxUserSaves and MaxGuildSaves are the counting bot's balance caps.
	MaxUserSaves  = 3
	MaxGuildSaves = 2
)

// Reply is a parsed reply body. Each Kind has exactly one concrete type.
type Reply interface {
	Kind() Kind
}

// ServerInfo carries the guild's balance.
type ServerInfo struct{ GuildSaves float64 }

// UserInfo carries the requesting user's balance.
type UserInfo struct{ Saves float64 }

// Donation carries both balances after a user donated to the guild.
type Donation struct {
	UserSaves  float64
	GuildSaves float64
}

// Transfer carries the sender's remaining balance and, when the counting bot
// states it, the recipient's new balance.
type Transfer struct {
	SenderSaves    float64
	RecipientSaves float64
	HasRecipient   bool
}

// VoteReward carries the voter's balance after the reward.
type VoteReward struct{ Saves float64 }

func (ServerInfo) Kind() Kind { return KindServerInfo }
func (UserInfo) Kind() Kind   { return KindUserInfo }
func (Donation) Kind() Kind   { return KindDonate }
func (Transfer) Kind() Kind   { return KindTransfer }
func (VoteReward) Kind() Kind { return KindVoteReward }

// template is a "<prefix><number><suffix>" line.
type template struct {
	prefix, suffix string
}

var (
	tmplGuildSaves     = template{"Guild Saves: **", "/2**"}
	tmplUserSaves      = template{"Saves: **", "/3**"}
	tmplYourSaves      = template{"Your Saves: **", "/3**"}
	tmplRecipientSaves = template{"Recipient Saves: **", "/3**"}
)

func (t template) parse(line string) (float64, error) {
	rest, ok := strings.CutPrefix(line, t.prefix)
	if !ok {
		return 0, fmt.Errorf("%w: %q lacks prefix %q", ErrTemplateMismatch, line, t.prefix)
	}
	num, ok := strings.CutSuffix(rest, t.suffix)
	if !ok {
		return 0, fmt.Errorf("%w: %q lacks suffix %q", ErrTemplateMismatch, line, t.suffix)
	}
	return parseSaves(num)
}

func parseSaves(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("%w: bad number %q", ErrTemplateMismatch, s)
	}
	return v, nil
}

func line(text string, i int) (string, error) {
	lines := strings.Split(text, "\n")
	if i >= len(lines) {
		return "", fmt.Errorf("%w: want line %d, body has %d", ErrTemplateMismatch, i, len(lines))
	}
	return lines[i], nil
}

func parseLine(text string, i int, t template) (float64, error) {
	l, err := line(text, i)
	if err != nil {
		return 0, err
	}
	return t.parse(l)
}

// Parse extracts the balances stated by an embed of the given kind.
func Parse(kind Kind, e Embed) (Reply, error) {
	switch kind {
	case KindServerInfo:
		v, err := parseLine(e.Description, 2, tmplGuildSaves)
		if err != nil {
			return nil, err
		}
		return ServerInfo{GuildSaves: v}, nil

	case KindUserInfo:
		if len(e.Fields) == 0 {
			return nil, fmt.Errorf("%w: user info without fields", ErrTemplateMismatch)
		}
		v, err := parseLine(e.Fields[0].Value, 4, tmplUserSaves)
		if err != nil {
			return nil, err
		}
		return UserInfo{Saves: v}, nil

	case KindDonate:
		u, err := parseLine(e.Description, 0, tmplYourSaves)
		if err != nil {
			return nil, err
		}
		g, err := parseLine(e.Description, 1, tmplGuildSaves)
		if err != nil {
			return nil, err
		}
		return Donation{UserSaves: u, GuildSaves: g}, nil

	case KindTransfer:
		s, err := parseLine(e.Description, 0, tmplYourSaves)
		if err != nil {
			return nil, err
		}
		out := Transfer{SenderSaves: s}
		if l, err := line(e.Description, 1); err == nil && l != "" {
			r, err := tmplRecipientSaves.parse(l)
			if err != nil {
				return nil, err
			}
			out.RecipientSaves, out.HasRecipient = r, true
		}
		return out, nil

	case KindVoteReward:
		v, err := parseLine(e.Description, 0, tmplUserSaves)
		if err != nil {
			return nil, err
		}
		return VoteReward{Saves: v}, nil
	}
	return nil, ErrUnclassified
}

// CreditRecipient returns the recipient balance after a transfer that did
// not state it: one save more, capped at MaxUserSaves.
func CreditRecipient(current float64) float64 {
	return math.Min(current+1, MaxUserSaves)
}
