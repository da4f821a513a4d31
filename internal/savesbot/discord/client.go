// Package discord connects the bot to the Discord gateway with discordgo.
// It converts gateway events into the platform-neutral inputs of the
// processor and command router, and implements their outbound interfaces.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/disgoorg/snowflake/v2"

	"github.com/savesbot/savesbot/common/retry"
	"github.com/savesbot/savesbot/internal/savesbot/roles"
)

// Intents the bot needs: guild structure, member joins and listing, guild
// messages, and message content for reading the counting bot's replies.
const Intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsMessageContent

// REST error codes that mean a member cannot be updated.
const (
	errCodeUnknownMember      = 10007
	errCodeMissingPermissions = 50013
)

const membersPageSize = 1000

// Config holds Discord client configuration
type Config struct {
	Token string
	// Presence is shown as "listening to <Presence>" once ready.
	Presence string
}

// Handlers receive converted gateway events. Nil handlers are skipped.
type Handlers struct {
	OnMessage    func(ctx context.Context, m Message)
	OnMemberJoin func(ctx context.Context, m roles.Member)
	OnReady      func(ctx context.Context, guilds []snowflake.ID)
}

// eventQueueSize bounds converted events waiting for the dispatcher.
const eventQueueSize = 256

// Client wraps a discordgo session.
//
// discordgo runs with SyncEvents so handlers see events in gateway order.
// They only convert and enqueue; one dispatcher goroutine runs the bot's
// handlers in that same order, so a trigger is always registered before a
// later reply in the same channel is processed.
type Client struct {
	session  *discordgo.Session
	presence string
	retry    retry.Config
	logger   *slog.Logger

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	queue    chan func(context.Context)
	removers []func()
}

// New creates a client. It does not connect.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: token is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}
	session.Identify.Intents = Intents
	session.StateEnabled = true
	session.SyncEvents = true

	return &Client{
		session:  session,
		presence: cfg.Presence,
		retry: retry.Config{
			MaxAttempts:  5,
			InitialDelay: 2 * time.Second,
			MaxDelay:     time.Minute,
			Op:           "discord.open",
		},
		logger: logger,
	}, nil
}

// Open registers h and connects to the gateway, retrying transient
// failures. Handlers run with a context that is cancelled by Close.
func (c *Client) Open(ctx context.Context, h Handlers) error {
	c.startDispatch(ctx)

	c.mu.Lock()
	c.removers = append(c.removers,
		c.session.AddHandler(c.onMessageCreate(h)),
		c.session.AddHandler(c.onMemberAdd(h)),
		c.session.AddHandler(c.onReady(h)),
	)
	c.mu.Unlock()

	return retry.Do(ctx, c.retry, func() error {
		err := c.session.Open()
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == 401 {
			return retry.Permanent(fmt.Errorf("discord rejected the token: %w", err))
		}
		return err
	})
}

// Close disconnects, stops the dispatcher and cancels in-flight handler
// contexts. Queued events that have not started are dropped.
func (c *Client) Close() error {
	c.mu.Lock()
	for _, remove := range c.removers {
		remove()
	}
	c.removers = nil
	if c.cancel != nil {
		c.cancel()
	}
	c.queue = nil
	c.mu.Unlock()
	return c.session.Close()
}

func (c *Client) onMessageCreate(h Handlers) func(*discordgo.Session, *discordgo.MessageCreate) {
	return func(_ *discordgo.Session, evt *discordgo.MessageCreate) {
		if h.OnMessage == nil || evt.Message == nil || evt.Author == nil {
			return
		}
		if c.isSelf(evt.Author.ID) {
			return
		}
		m := ConvertMessage(evt.Message)
		c.enqueue(func(ctx context.Context) { h.OnMessage(ctx, m) })
	}
}

func (c *Client) onMemberAdd(h Handlers) func(*discordgo.Session, *discordgo.GuildMemberAdd) {
	return func(_ *discordgo.Session, evt *discordgo.GuildMemberAdd) {
		if h.OnMemberJoin == nil || evt.Member == nil {
			return
		}
		if m, ok := ConvertMember(evt.GuildID, evt.Member); ok {
			c.enqueue(func(ctx context.Context) { h.OnMemberJoin(ctx, m) })
		}
	}
}

func (c *Client) onReady(h Handlers) func(*discordgo.Session, *discordgo.Ready) {
	return func(s *discordgo.Session, evt *discordgo.Ready) {
		if evt.User != nil {
			c.logger.Info("discord ready", "user", evt.User.Username, "guilds", len(evt.Guilds))
		}
		guilds := guildIDs(evt.Guilds)
		c.enqueue(func(ctx context.Context) {
			if c.presence != "" {
				if err := s.UpdateListeningStatus(c.presence); err != nil {
					c.logger.Warn("failed to set presence", "err", err)
				}
			}
			if h.OnReady != nil {
				h.OnReady(ctx, guilds)
			}
		})
	}
}

// startDispatch creates the event queue and its single consumer. It is a
// no-op while a dispatcher is already running.
func (c *Client) startDispatch(parent context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queue != nil {
		return
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(parent))
	c.queue = make(chan func(context.Context), eventQueueSize)
	go dispatch(c.ctx, c.queue)
}

func dispatch(ctx context.Context, queue <-chan func(context.Context)) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-queue:
			fn(ctx)
		}
	}
}

// enqueue hands fn to the dispatcher. A full queue blocks the gateway
// handler rather than dropping or reordering events.
func (c *Client) enqueue(fn func(context.Context)) {
	c.mu.Lock()
	ctx, queue := c.ctx, c.queue
	c.mu.Unlock()
	if queue == nil {
		return
	}
	select {
	case queue <- fn:
	case <-ctx.Done():
	}
}

func (c *Client) isSelf(userID string) bool {
	st := c.session.State
	return st != nil && st.User != nil && st.User.ID == userID
}

// AddRole implements roles.Platform.
func (c *Client) AddRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error {
	err := c.session.GuildMemberRoleAdd(guildID.String(), userID.String(), roleID.String(), discordgo.WithContext(ctx))
	return memberError(err)
}

// RemoveRole implements roles.Platform.
func (c *Client) RemoveRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error {
	err := c.session.GuildMemberRoleRemove(guildID.String(), userID.String(), roleID.String(), discordgo.WithContext(ctx))
	return memberError(err)
}

// ListMembers implements roles.Platform by paging through the guild's
// member list.
func (c *Client) ListMembers(ctx context.Context, guildID snowflake.ID) ([]roles.Member, error) {
	var (
		out   []roles.Member
		after string
	)
	for {
		page, err := c.session.GuildMembers(guildID.String(), after, membersPageSize, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("list members: %w", err)
		}
		for _, m := range page {
			if member, ok := ConvertMember(guildID.String(), m); ok {
				out = append(out, member)
			}
		}
		if len(page) < membersPageSize {
			return out, nil
		}
		after = page[len(page)-1].User.ID
	}
}

// Send implements commands.Responder.
func (c *Client) Send(ctx context.Context, channelID snowflake.ID, text string) error {
	_, err := c.session.ChannelMessageSend(channelID.String(), text, discordgo.WithContext(ctx))
	return err
}

// SendEmbed implements commands.Responder.
func (c *Client) SendEmbed(ctx context.Context, channelID snowflake.ID, title, description string) error {
	embed := &discordgo.MessageEmbed{Title: title, Description: description}
	_, err := c.session.ChannelMessageSendEmbed(channelID.String(), embed, discordgo.WithContext(ctx))
	return err
}

// HasManageRoles implements commands.Responder.
func (c *Client) HasManageRoles(ctx context.Context, _, channelID, userID snowflake.ID) (bool, error) {
	perms, err := c.session.UserChannelPermissions(userID.String(), channelID.String(), discordgo.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("resolve permissions: %w", err)
	}
	return perms&(discordgo.PermissionManageRoles|discordgo.PermissionAdministrator) != 0, nil
}

// memberError maps "unknown member" and "missing permissions" to
// roles.ErrMemberGone so the checker treats them as expected.
func memberError(err error) error {
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Message != nil {
		switch restErr.Message.Code {
		case errCodeUnknownMember, errCodeMissingPermissions:
			return fmt.Errorf("%w: %s", roles.ErrMemberGone, restErr.Message.Message)
		}
	}
	return err
}
