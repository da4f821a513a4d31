// Package commands provides "::" command parsing and routing for the bot.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/disgoorg/snowflake/v2"
)

// DefaultPrefix is the bot's own command prefix.
const DefaultPrefix = "::"

// Command represents a parsed command
type Command struct {
	Name    string
	Args    []string
	Flags   map[string]string
	RawText string
}

var (
	// ErrNotACommand is returned by Parse when the message does not start
	// with the command prefix. Callers should use errors.Is to distinguish
	// this expected case from real errors.
	ErrNotACommand = errors.New("not a command (missing prefix)")

	// ErrUnauthorized rejects an owner-only command invoked by anyone else.
	// No handler code runs.
	ErrUnauthorized = errors.New("command is restricted to the bot owner")

	// ErrGuildOnly rejects a guild command invoked in a direct message.
	ErrGuildOnly = errors.New("command cannot be used in DMs")

	// ErrUnknownCommand is returned for a prefixed message that names no
	// registered command.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrMissingPermissions rejects a command whose invoker lacks the
	// required guild permission.
	ErrMissingPermissions = errors.New("missing required permission")
)

// Request is the message that invoked a command.
type Request struct {
	MessageID snowflake.ID
	ChannelID snowflake.ID
	// GuildID is zero for direct messages.
	GuildID  snowflake.ID
	AuthorID snowflake.ID
	Content  string
	// RoleMentions lists roles mentioned in the message, in order.
	RoleMentions []snowflake.ID
}

// Response is what a handler wants posted back. A non-empty Title is sent as
// an embed with Text as its description.
type Response struct {
	Title string
	Text  string
}

// Text is shorthand for a plain-text response.
func Text(format string, args ...any) Response {
	return Response{Text: fmt.Sprintf(format, args...)}
}

// Handler is a function that handles a command
type Handler func(ctx context.Context, cmd *Command, req *Request) (Response, error)

// Responder posts replies and answers permission questions. The Discord
// client implements it.
type Responder interface {
	Send(ctx context.Context, channelID snowflake.ID, text string) error
	SendEmbed(ctx context.Context, channelID snowflake.ID, title, description string) error
	HasManageRoles(ctx context.Context, guildID, channelID, userID snowflake.ID) (bool, error)
}

type guard uint8

const (
	guardGuild guard = 1 << iota
	guardOwner
	guardManageRoles
)

// Option restricts who may run a command.
type Option func(*route)

// GuildOnly rejects the command in direct messages.
func GuildOnly() Option { return func(r *route) { r.guards |= guardGuild } }

// OwnerOnly restricts the command to the configured owner.
func OwnerOnly() Option { return func(r *route) { r.guards |= guardOwner } }

// RequireManageRoles requires the invoker to hold Manage Roles in the guild.
// It implies GuildOnly.
func RequireManageRoles() Option {
	return func(r *route) { r.guards |= guardGuild | guardManageRoles }
}

type route struct {
	name    string
	brief   string
	handler Handler
	guards  guard
}

// Router routes commands to handlers
type Router struct {
	prefix    string
	ownerID   snowflake.ID
	responder Responder
	logger    *slog.Logger

	routes map[string]*route
	order  []string
}

// NewRouter creates a new command router
func NewRouter(prefix string, ownerID snowflake.ID, responder Responder, logger *slog.Logger) *Router {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		prefix:    prefix,
		ownerID:   ownerID,
		responder: responder,
		logger:    logger,
		routes:    make(map[string]*route),
	}
}

// Prefix returns the command prefix.
func (r *Router) Prefix() string { return r.prefix }

// Register registers a command handler
func (r *Router) Register(name, brief string, handler Handler, opts ...Option) {
	rt := &route{name: name, brief: brief, handler: handler}
	for _, o := range opts {
		o(rt)
	}
	if _, exists := r.routes[name]; !exists {
		r.order = append(r.order, name)
	}
	r.routes[name] = rt
}

// Parse parses a message into a command
func (r *Router) Parse(text string) (*Command, error) {
	text = strings.TrimSpace(text)

	if !strings.HasPrefix(text, r.prefix) {
		return nil, ErrNotACommand
	}

	text = strings.TrimSpace(strings.TrimPrefix(text, r.prefix))
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrUnknownCommand)
	}

	cmd := &Command{
		Name:    strings.ToLower(parts[0]),
		Args:    []string{},
		Flags:   make(map[string]string),
		RawText: text,
	}

	rest := parts[1:]
	for i := 0; i < len(rest); i++ {
		part := rest[i]
		if !strings.HasPrefix(part, "--") {
			cmd.Args = append(cmd.Args, part)
			continue
		}
		flagName := strings.TrimPrefix(part, "--")
		if i+1 < len(rest) && !strings.HasPrefix(rest[i+1], "--") {
			cmd.Flags[flagName] = rest[i+1]
			i++
		} else {
			cmd.Flags[flagName] = "true"
		}
	}

	return cmd, nil
}

// Route parses text, enforces the command's guards and runs its handler.
// Guards are checked before the handler so a rejected command has no side
// effect.
func (r *Router) Route(ctx context.Context, req *Request) (Response, error) {
	cmd, err := r.Parse(req.Content)
	if err != nil {
		return Response{}, err
	}

	rt, ok := r.routes[cmd.Name]
	if !ok {
		return Response{}, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Name)
	}

	if rt.guards&guardGuild != 0 && req.GuildID == 0 {
		return Response{}, ErrGuildOnly
	}
	if rt.guards&guardOwner != 0 && req.AuthorID != r.ownerID {
		return Response{}, ErrUnauthorized
	}
	if rt.guards&guardManageRoles != 0 {
		allowed, err := r.responder.HasManageRoles(ctx, req.GuildID, req.ChannelID, req.AuthorID)
		if err != nil {
			return Response{}, fmt.Errorf("check permissions: %w", err)
		}
		if !allowed {
			return Response{}, ErrMissingPermissions
		}
	}

	return rt.handler(ctx, cmd, req)
}

// Handle routes a message and posts the outcome. It returns ErrNotACommand
// for ordinary messages and otherwise only reports send failures; command
// errors become replies.
func (r *Router) Handle(ctx context.Context, req *Request) error {
	resp, err := r.Route(ctx, req)
	switch {
	case errors.Is(err, ErrNotACommand):
		return err
	case err == nil:
	case errors.Is(err, ErrGuildOnly):
		resp = Text("This command cannot be used in DMs")
	case errors.Is(err, ErrUnauthorized):
		r.logger.Warn("unauthorized command", "author", req.AuthorID, "content", req.Content)
		resp = Text("Only the bot owner can use this command.")
	case errors.Is(err, ErrMissingPermissions):
		resp = Text("You need the Manage Roles permission to use this command.")
	case errors.Is(err, ErrUnknownCommand):
		r.logger.Debug("ignoring unknown command", "content", req.Content)
		return nil
	default:
		r.logger.Error("command failed", "content", req.Content, "err", err)
		resp = Text("❌ %s", err)
	}

	if resp.Title == "" && resp.Text == "" {
		return nil
	}
	if resp.Title != "" {
		return r.responder.SendEmbed(ctx, req.ChannelID, resp.Title, resp.Text)
	}
	return r.responder.Send(ctx, req.ChannelID, resp.Text)
}

// Help lists registered commands in registration order.
func (r *Router) Help() string {
	var b strings.Builder
	for _, name := range r.order {
		rt := r.routes[name]
		fmt.Fprintf(&b, "`%s%s`", r.prefix, rt.name)
		if rt.brief != "" {
			b.WriteString(" - " + rt.brief)
		}
		if rt.guards&guardOwner != 0 {
			b.WriteString(" (owner only)")
		}
		b.WriteByte('\n')
	}
	return strings.TrimSuffix(b.String(), "\n")
}
