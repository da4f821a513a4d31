package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"github.com/savesbot/savesbot/common/version"
	"github.com/savesbot/savesbot/internal/savesbot/audit"
	"github.com/savesbot/savesbot/internal/savesbot/ledger"
	"github.com/savesbot/savesbot/internal/savesbot/records"
)

const (
	defaultAuditLimit = 10
	maxAuditLimit     = 50

	guildInfoTitle = "The following information is known about this guild"
)

// Refresher forces a disk merge.
type Refresher interface {
	Refresh(ctx context.Context) (time.Duration, error)
}

// GuildChecker rechecks every member of a guild.
type GuildChecker interface {
	CheckGuild(ctx context.Context, guildID snowflake.ID) (int, error)
}

// LedgerReader is the read side of the balance ledger.
type LedgerReader interface {
	Tail(ctx context.Context, limit int) ([]ledger.Entry, error)
}

// Handlers contains all command handlers
type Handlers struct {
	store     *records.Store
	refresher Refresher
	roles     GuildChecker
	ledger    LedgerReader
	notifier  audit.Notifier
	shutdown  func()
	logger    *slog.Logger
}

// HandlersConfig holds the dependencies for Handlers. Ledger, Roles and
// Notifier are optional. Refresher defaults to Store.
type HandlersConfig struct {
	Store     *records.Store
	Refresher Refresher
	Roles     GuildChecker
	Ledger    LedgerReader
	Notifier  audit.Notifier
	// Shutdown requests a graceful stop. It must not block.
	Shutdown func()
	Logger   *slog.Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(cfg HandlersConfig) *Handlers {
	h := &Handlers{
		store:     cfg.Store,
		refresher: cfg.Refresher,
		roles:     cfg.Roles,
		ledger:    cfg.Ledger,
		notifier:  cfg.Notifier,
		shutdown:  cfg.Shutdown,
		logger:    cfg.Logger,
	}
	if h.refresher == nil {
		h.refresher = cfg.Store
	}
	if h.notifier == nil {
		h.notifier = audit.Noop{}
	}
	if h.shutdown == nil {
		h.shutdown = func() {}
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// RegisterAll wires every handler into r.
func (h *Handlers) RegisterAll(r *Router) {
	r.Register("help", "Shows this message", func(context.Context, *Command, *Request) (Response, error) {
		return Response{Title: "Commands", Text: r.Help()}, nil
	})
	r.Register("count-role", "Sets the role given to people who are allowed to count",
		h.HandleCountRole, RequireManageRoles())
	r.Register("guild-info", "Shows the saves and count role known for this guild",
		h.HandleGuildInfo, GuildOnly())
	r.Register("refresh", "Syncs saves data with disk now", h.HandleRefresh, OwnerOnly())
	r.Register("shutdown", "Saves data and stops the bot", h.HandleShutdown, OwnerOnly())
	r.Register("audit", "Shows the latest balance changes", h.HandleAudit, OwnerOnly())
	r.Register("version", "Shows version information", h.HandleVersion)
}

// HandleCountRole sets the role granted to members who may count, then
// rechecks the guild so the new role is applied right away.
func (h *Handlers) HandleCountRole(ctx context.Context, cmd *Command, req *Request) (Response, error) {
	roleID, err := roleArgument(cmd, req)
	if err != nil {
		return Response{}, err
	}

	err = h.store.Guilds.With(ctx, func(g records.Guilds) error {
		g.GetOrCreate(req.GuildID).SetCountRole(roleID)
		return nil
	})
	if err != nil {
		return Response{}, fmt.Errorf("update guild: %w", err)
	}

	h.logger.Info("count role configured", "guild", req.GuildID, "role", roleID, "by", req.AuthorID)
	h.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindRoleSet,
		Actor:   req.AuthorID.String(),
		Target:  "guild " + req.GuildID.String(),
		Message: "count role set to " + roleID.String(),
	})

	msg := "Updated the role allowed to count to " + roleMention(roleID)
	if h.roles != nil {
		n, err := h.roles.CheckGuild(ctx, req.GuildID)
		if err != nil {
			h.logger.Error("recheck after count-role failed", "guild", req.GuildID, "err", err)
		} else {
			msg += fmt.Sprintf("\n%d member(s) can count.", n)
		}
	}
	return Text("%s", msg), nil
}

// HandleGuildInfo shows the guild's saves and configured role.
func (h *Handlers) HandleGuildInfo(ctx context.Context, _ *Command, req *Request) (Response, error) {
	var saves float64
	var role snowflake.ID
	err := h.store.Guilds.With(ctx, func(g records.Guilds) error {
		rec := g.GetOrCreate(req.GuildID)
		saves, role = rec.Saves, rec.CountRole()
		return nil
	})
	if err != nil {
		return Response{}, fmt.Errorf("read guild: %w", err)
	}

	roleText := "not set"
	if role != 0 {
		roleText = roleMention(role)
	}
	return Response{
		Title: guildInfoTitle,
		Text:  fmt.Sprintf("Guild Saves: %s\nCan Count Role: %s", formatSaves(saves), roleText),
	}, nil
}

// HandleRefresh forces a refresh and reports how long it took.
func (h *Handlers) HandleRefresh(ctx context.Context, _ *Command, req *Request) (Response, error) {
	elapsed, err := h.refresher.Refresh(ctx)
	if err != nil {
		h.notifier.Notify(ctx, audit.Event{
			Kind:    audit.KindRefreshFailed,
			Actor:   req.AuthorID.String(),
			Message: err.Error(),
		})
		return Response{}, fmt.Errorf("refresh failed: %w", err)
	}
	h.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindRefreshForced,
		Actor:   req.AuthorID.String(),
		Message: "took " + elapsed.Round(time.Millisecond).String(),
	})
	return Text("Synced saves data in %s", elapsed.Round(time.Millisecond)), nil
}

// HandleShutdown requests a graceful stop. The final refresh runs in the
// shutdown path, not here.
func (h *Handlers) HandleShutdown(ctx context.Context, _ *Command, req *Request) (Response, error) {
	h.logger.Info("shutdown requested", "by", req.AuthorID)
	h.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindShutdown,
		Actor:   req.AuthorID.String(),
		Message: "shutdown requested by command",
	})
	h.shutdown()
	return Text("Shutting down..."), nil
}

// HandleAudit shows the most recent ledger entries.
func (h *Handlers) HandleAudit(ctx context.Context, cmd *Command, _ *Request) (Response, error) {
	if h.ledger == nil {
		return Text("The balance ledger is not enabled."), nil
	}

	limit := defaultAuditLimit
	if arg, ok := cmd.GetArg(0); ok {
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			return Response{}, fmt.Errorf("invalid count %q", arg)
		}
		limit = min(n, maxAuditLimit)
	}

	entries, err := h.ledger.Tail(ctx, limit)
	if err != nil {
		return Response{}, fmt.Errorf("read ledger: %w", err)
	}
	if len(entries) == 0 {
		return Text("No balance changes recorded yet."), nil
	}

	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "`%s` %s %s %s → %s",
			e.Timestamp.UTC().Format(time.DateTime), e.Kind, e.Subject, e.SubjectID, formatSaves(e.Saves))
		if e.TraceID != "" {
			fmt.Fprintf(&b, " (%s)", e.TraceID)
		}
		b.WriteByte('\n')
	}
	return Response{Title: fmt.Sprintf("Last %d balance change(s)", len(entries)), Text: b.String()}, nil
}

// HandleVersion shows version information
func (h *Handlers) HandleVersion(context.Context, *Command, *Request) (Response, error) {
	return Text("Version: %s\nCommit: %s\nBuild Time: %s",
		version.Version, version.GitCommit, version.BuildTime), nil
}

// GetArg returns an argument by index
func (c *Command) GetArg(index int) (string, bool) {
	if index < 0 || index >= len(c.Args) {
		return "", false
	}
	return c.Args[index], true
}

// roleArgument resolves the role from a mention, a raw ID argument, or the
// message's parsed role mentions.
func roleArgument(cmd *Command, req *Request) (snowflake.ID, error) {
	arg, ok := cmd.GetArg(0)
	if !ok {
		if len(req.RoleMentions) > 0 {
			return req.RoleMentions[0], nil
		}
		return 0, fmt.Errorf("usage: count-role <role mention or id>")
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(arg, "<@&"), ">")
	id, err := snowflake.Parse(raw)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%q is not a role", arg)
	}
	return id, nil
}

func roleMention(id snowflake.ID) string {
	return "<@&" + id.String() + ">"
}

func formatSaves(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
