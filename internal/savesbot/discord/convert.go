package discord

import (
	"github.com/bwmarrin/discordgo"
	"github.com/disgoorg/snowflake/v2"

	"github.com/savesbot/savesbot/internal/savesbot/commands"
	"github.com/savesbot/savesbot/internal/savesbot/processor"
	"github.com/savesbot/savesbot/internal/savesbot/replies"
	"github.com/savesbot/savesbot/internal/savesbot/roles"
)

// Message is a converted MessageCreate: the processor view plus the role
// mentions the command router needs.
type Message struct {
	processor.Message
	AuthorBot    bool
	RoleMentions []snowflake.ID
}

// CommandRequest returns the router's view of m.
func (m Message) CommandRequest() *commands.Request {
	return &commands.Request{
		MessageID:    m.ID,
		ChannelID:    m.ChannelID,
		GuildID:      m.GuildID,
		AuthorID:     m.AuthorID,
		Content:      m.Content,
		RoleMentions: m.RoleMentions,
	}
}

// ConvertMessage converts a discordgo message. Unparseable IDs become zero.
func ConvertMessage(msg *discordgo.Message) Message {
	out := Message{
		Message: processor.Message{
			ID:        parseID(msg.ID),
			ChannelID: parseID(msg.ChannelID),
			GuildID:   parseID(msg.GuildID),
			Content:   msg.Content,
			Timestamp: msg.Timestamp,
		},
	}
	if msg.Author != nil {
		out.AuthorID = parseID(msg.Author.ID)
		out.AuthorBot = msg.Author.Bot
	}
	for _, u := range msg.Mentions {
		if u == nil {
			continue
		}
		if id := parseID(u.ID); id != 0 {
			out.Mentions = append(out.Mentions, id)
		}
	}
	for _, r := range msg.MentionRoles {
		if id := parseID(r); id != 0 {
			out.RoleMentions = append(out.RoleMentions, id)
		}
	}
	for _, e := range msg.Embeds {
		if e != nil {
			out.Embeds = append(out.Embeds, ConvertEmbed(e))
		}
	}
	return out
}

// ConvertEmbed converts a discordgo embed to the classifier's shape.
func ConvertEmbed(e *discordgo.MessageEmbed) replies.Embed {
	out := replies.Embed{Title: e.Title, Description: e.Description}
	for _, f := range e.Fields {
		if f != nil {
			out.Fields = append(out.Fields, replies.Field{Name: f.Name, Value: f.Value})
		}
	}
	return out
}

// ConvertMember converts a guild member. ok is false when the member has no
// user or the IDs do not parse.
func ConvertMember(guildID string, m *discordgo.Member) (roles.Member, bool) {
	if m == nil || m.User == nil {
		return roles.Member{}, false
	}
	if m.GuildID != "" {
		guildID = m.GuildID
	}
	g, u := parseID(guildID), parseID(m.User.ID)
	if g == 0 || u == 0 {
		return roles.Member{}, false
	}
	return roles.Member{GuildID: g, UserID: u, Bot: m.User.Bot}, true
}

func guildIDs(guilds []*discordgo.Guild) []snowflake.ID {
	out := make([]snowflake.ID, 0, len(guilds))
	for _, g := range guilds {
		if g == nil {
			continue
		}
		if id := parseID(g.ID); id != 0 {
			out = append(out, id)
		}
	}
	return out
}

func parseID(s string) snowflake.ID {
	if s == "" {
		return 0
	}
	id, err := snowflake.Parse(s)
	if err != nil {
		return 0
	}
	return id
}
