// Package replies classifies messages produced by the counting bot and
// parses their fixed-format bodies into typed results.
//
// Classification is purely shape based: an embed title selects a Kind, and
// each Kind has exactly one body template. Plain-text counting events (no
// embed) are recognized separately by ParseCountingEvent.
package replies

// Kind identifies a command/reply template.
type Kind uint8

const (
	KindNone Kind = iota
	KindServerInfo
	KindUserInfo
	KindDonate
	KindTransfer
	KindVoteReward
)

var kindNames = [...]string{
	KindNone:       "none",
	KindServerInfo: "server-info",
	KindUserInfo:   "user-info",
	KindDonate:     "donate",
	KindTransfer:   "transfer",
	KindVoteReward: "vote-reward",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// triggerKinds is the allow-list of trigger command names ("c!<name>").
var triggerKinds = map[string]Kind{
	"server":   KindServerInfo,
	"user":     KindUserInfo,
	"donate":   KindDonate,
	"transfer": KindTransfer,
	"vote":     KindVoteReward,
}

// KindForTrigger maps a trigger command name to its Kind.
func KindForTrigger(name string) (Kind, bool) {
	k, ok := triggerKinds[name]
	return k, ok
}

// AffectsGuild reports whether replies of this kind change the guild balance.
func (k Kind) AffectsGuild() bool {
	return k == KindServerInfo || k == KindDonate
}
