// Package roles decides who may count and keeps the guild's "can count" role
// in line with that decision.
package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/disgoorg/snowflake/v2"
	"golang.org/x/sync/errgroup"

	"github.com/savesbot/savesbot/internal/savesbot/audit"
	"github.com/savesbot/savesbot/internal/savesbot/records"
)

// ErrMemberGone is wrapped by Platform implementations when a member left
// the guild or the bot may not manage their roles.
var ErrMemberGone = errors.New("roles: member not found or not manageable")

// fanOutLimit bounds concurrent role calls during a guild-wide recheck.
const fanOutLimit = 16

// Member is a guild member as far as role rechecks are concerned.
type Member struct {
	GuildID snowflake.ID
	UserID  snowflake.ID
	Bot     bool
}

// Platform is the role-mutation surface of the chat platform.
type Platform interface {
	AddRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error
	RemoveRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error
	ListMembers(ctx context.Context, guildID snowflake.ID) ([]Member, error)
}

// Eligible reports whether a member may count: either their own balance or
// the guild's balance covers at least one save.
func Eligible(userSaves, guildSaves float64) bool {
	return userSaves >= 1 || guildSaves >= 1
}

// Checker recomputes eligibility and applies the configured role.
type Checker struct {
	store    *records.Store
	platform Platform
	notifier audit.Notifier
	logger   *slog.Logger
}

// NewChecker creates a Checker.
func NewChecker(store *records.Store, platform Platform, notifier audit.Notifier, logger *slog.Logger) *Checker {
	if notifier == nil {
		notifier = audit.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{store: store, platform: platform, notifier: notifier, logger: logger}
}

// Check recomputes m's eligibility and grants or revokes the guild's role.
// When the guild has no role configured the decision is returned without
// side effects. The two balances are read in separate critical sections.
func (c *Checker) Check(ctx context.Context, m Member) (bool, error) {
	var userSaves float64
	if err := c.store.Users.With(ctx, func(u records.Users) error {
		userSaves = u.GetOrCreate(m.UserID).Saves
		return nil
	}); err != nil {
		return false, err
	}

	var (
		guildSaves float64
		role       snowflake.ID
	)
	if err := c.store.Guilds.With(ctx, func(g records.Guilds) error {
		rec := g.GetOrCreate(m.GuildID)
		guildSaves, role = rec.Saves, rec.CountRole()
		return nil
	}); err != nil {
		return false, err
	}

	eligible := Eligible(userSaves, guildSaves)
	if role == 0 {
		return eligible, nil
	}

	var err error
	if eligible {
		err = c.platform.AddRole(ctx, m.GuildID, m.UserID, role)
	} else {
		err = c.platform.RemoveRole(ctx, m.GuildID, m.UserID, role)
	}
	if err != nil {
		return eligible, fmt.Errorf("update role %s for member %s: %w", role, m.UserID, err)
	}
	return eligible, nil
}

// CheckAndLog runs Check and contains any failure: it is logged with the
// member's identity and mirrored to the audit room.
func (c *Checker) CheckAndLog(ctx context.Context, m Member) bool {
	eligible, err := c.Check(ctx, m)
	if err != nil {
		c.report(ctx, m, err)
	}
	return eligible
}

// CheckMembers rechecks every non-bot member concurrently. A failure for one
// member never cancels the others. It returns the number of eligible members.
func (c *Checker) CheckMembers(ctx context.Context, members []Member) int {
	var (
		g     errgroup.Group
		count atomic.Int64
	)
	g.SetLimit(fanOutLimit)
	for _, m := range members {
		if m.Bot {
			continue
		}
		g.Go(func() error {
			if c.CheckAndLog(ctx, m) {
				count.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(count.Load())
}

// CheckGuild lists the guild's members and rechecks all of them.
func (c *Checker) CheckGuild(ctx context.Context, guildID snowflake.ID) (int, error) {
	members, err := c.platform.ListMembers(ctx, guildID)
	if err != nil {
		return 0, fmt.Errorf("list members of guild %s: %w", guildID, err)
	}
	n := c.CheckMembers(ctx, members)
	c.logger.Info("guild recheck complete", "guild", guildID, "members", len(members), "eligible", n)
	return n, nil
}

func (c *Checker) report(ctx context.Context, m Member, err error) {
	if errors.Is(err, ErrMemberGone) {
		c.logger.Warn("member left guild or is not manageable before role update",
			"guild", m.GuildID, "member", m.UserID, "err", err)
	} else {
		c.logger.Error("role update failed", "guild", m.GuildID, "member", m.UserID, "err", err)
	}
	c.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindRoleFailed,
		Target:  "guild " + m.GuildID.String(),
		Message: fmt.Sprintf("could not update role for member %s: %v", m.UserID, err),
	})
}
