package replies

const (
	serverInfoPrefix = "Info for `"

	TitleDonate     = "Save Donated"
	TitleTransfer   = "Save Transferred"
	TitleVoteReward = "Thanks for voting!"
)

// Field is one name/value pair of an embed.
type Field struct {
	Name  string
	Value string
}

// Embed is the platform-neutral shape of a rich reply.
type Embed struct {
	Title       string
	Description string
	Fields      []Field
}

// ClassifyTitle maps an embed title to a Kind, or KindNone.
func ClassifyTitle(title string) Kind {
	switch title {
	case TitleDonate:
		return KindDonate
	case TitleTransfer:
		return KindTransfer
	case TitleVoteReward:
		return KindVoteReward
	}
	n := len(title)
	if n > len(serverInfoPrefix) && title[:len(serverInfoPrefix)] == serverInfoPrefix && title[n-1] == '`' {
		return KindServerInfo
	}
	if n >= 5 && title[n-5] == '#' && isDigits(title[n-4:]) {
		return KindUserInfo
	}
	return KindNone
}

// Classify classifies a reply by its first embed. Replies without embeds are
// never classified.
func Classify(embeds []Embed) Kind {
	if len(embeds) == 0 {
		return KindNone
	}
	return ClassifyTitle(embeds[0].Title)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
