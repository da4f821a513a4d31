// Package processor is the inbound message pipeline. Ordinary user messages
// that look like counting-bot commands are registered as pending triggers;
// messages from the counting bot are classified, correlated with the oldest
// pending trigger, parsed, applied to the record store and followed by a
// role recheck of everyone affected.
package processor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"github.com/savesbot/savesbot/common/trace"
	"github.com/savesbot/savesbot/internal/savesbot/audit"
	"github.com/savesbot/savesbot/internal/savesbot/ledger"
	"github.com/savesbot/savesbot/internal/savesbot/pending"
	"github.com/savesbot/savesbot/internal/savesbot/records"
	"github.com/savesbot/savesbot/internal/savesbot/replies"
	"github.com/savesbot/savesbot/internal/savesbot/roles"
)

// DefaultTriggerPrefix is the counting bot's command prefix.
const DefaultTriggerPrefix = "c!"

// Message is the platform-neutral shape of an inbound message.
type Message struct {
	ID        snowflake.ID
	ChannelID snowflake.ID
	// GuildID is zero for direct messages.
	GuildID  snowflake.ID
	AuthorID snowflake.ID
	Content  string
	Embeds   []replies.Embed
	// Mentions lists mentioned users in message order.
	Mentions  []snowflake.ID
	Timestamp time.Time
}

// Outcome is where a message left the pipeline.
type Outcome uint8

const (
	OutcomeIgnored Outcome = iota
	OutcomeRegistered
	OutcomeUnclassified
	OutcomeCorrelationMiss
	OutcomeParseError
	OutcomeApplied
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeRegistered:
		return "registered"
	case OutcomeUnclassified:
		return "unclassified"
	case OutcomeCorrelationMiss:
		return "correlation-miss"
	case OutcomeParseError:
		return "parse-error"
	case OutcomeApplied:
		return "applied"
	}
	return "unknown"
}

// Rechecker recomputes role eligibility after balances change.
type Rechecker interface {
	CheckMembers(ctx context.Context, members []roles.Member) int
	CheckGuild(ctx context.Context, guildID snowflake.ID) (int, error)
}

// Config configures a Processor.
type Config struct {
	CountingBotID snowflake.ID
	TriggerPrefix string
}

// Processor runs the inbound pipeline. It is safe for concurrent use.
type Processor struct {
	cfg      Config
	store    *records.Store
	table    *pending.Table
	roles    Rechecker
	ledger   ledger.Recorder
	notifier audit.Notifier
	logger   *slog.Logger
}

// Deps are the collaborators of a Processor. Ledger and Notifier are
// optional.
type Deps struct {
	Store    *records.Store
	Table    *pending.Table
	Roles    Rechecker
	Ledger   ledger.Recorder
	Notifier audit.Notifier
	Logger   *slog.Logger
}

// New creates a Processor.
func New(cfg Config, deps Deps) *Processor {
	if cfg.TriggerPrefix == "" {
		cfg.TriggerPrefix = DefaultTriggerPrefix
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.Nop{}
	}
	if deps.Notifier == nil {
		deps.Notifier = audit.Noop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Processor{
		cfg:      cfg,
		store:    deps.Store,
		table:    deps.Table,
		roles:    deps.Roles,
		ledger:   deps.Ledger,
		notifier: deps.Notifier,
		logger:   deps.Logger,
	}
}

// Table exposes the pending trigger table (for status reporting).
func (p *Processor) Table() *pending.Table { return p.table }

// HandleMessage runs one message through the pipeline. Only store failures
// (a cancelled context while waiting for a lock) are returned; everything
// else is contained and reported through the outcome and the logs.
func (p *Processor) HandleMessage(ctx context.Context, m Message) (Outcome, error) {
	if m.AuthorID != p.cfg.CountingBotID {
		return p.registerTrigger(m), nil
	}
	if m.GuildID == 0 {
		return OutcomeIgnored, nil
	}

	ctx, traceID := trace.Ensure(ctx)
	logger := p.logger.With("trace", traceID, "guild", m.GuildID, "channel", m.ChannelID)

	if len(m.Embeds) == 0 {
		return p.handleCountingEvent(ctx, logger, m)
	}
	return p.handleReply(ctx, logger, m)
}

func (p *Processor) registerTrigger(m Message) Outcome {
	rest, ok := strings.CutPrefix(m.Content, p.cfg.TriggerPrefix)
	if !ok || m.GuildID == 0 {
		return OutcomeIgnored
	}
	name, _, _ := strings.Cut(strings.TrimSpace(rest), " ")
	kind, ok := replies.KindForTrigger(strings.ToLower(name))
	if !ok {
		return OutcomeIgnored
	}
	received := m.Timestamp
	if received.IsZero() {
		received = time.Now()
	}
	p.table.Register(m.ChannelID, kind, &pending.Trigger{
		MessageID:  m.ID,
		ChannelID:  m.ChannelID,
		GuildID:    m.GuildID,
		AuthorID:   m.AuthorID,
		Recipients: m.Mentions,
		ReceivedAt: received,
	})
	p.logger.Debug("trigger registered", "channel", m.ChannelID, "kind", kind, "author", m.AuthorID)
	return OutcomeRegistered
}

func (p *Processor) handleReply(ctx context.Context, logger *slog.Logger, m Message) (Outcome, error) {
	embed := m.Embeds[0]
	kind := replies.ClassifyTitle(embed.Title)
	if kind == replies.KindNone {
		return OutcomeUnclassified, nil
	}

	trigger, ok := p.table.PopOldest(m.ChannelID, kind)
	if !ok {
		logger.Debug("reply has no pending trigger", "kind", kind)
		return OutcomeCorrelationMiss, nil
	}
	logger = logger.With("kind", kind, "author", trigger.AuthorID)

	reply, err := replies.Parse(kind, embed)
	if err != nil {
		p.reportParseError(ctx, logger, kind, m.GuildID, err)
		return OutcomeParseError, nil
	}

	var (
		entries  []ledger.Entry
		members  []snowflake.ID
		allGuild bool
	)
	base := ledger.Entry{
		TraceID:   trace.FromContext(ctx),
		Kind:      kind.String(),
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
	}
	userEntry := func(id snowflake.ID, saves float64) ledger.Entry {
		e := base
		e.Subject, e.SubjectID, e.Saves = ledger.SubjectUser, id, saves
		return e
	}
	guildEntry := func(saves float64) ledger.Entry {
		e := base
		e.Subject, e.SubjectID, e.Saves = ledger.SubjectGuild, m.GuildID, saves
		return e
	}

	switch r := reply.(type) {
	case replies.ServerInfo:
		if err := p.setGuildSaves(ctx, m.GuildID, r.GuildSaves); err != nil {
			return OutcomeApplied, err
		}
		entries = append(entries, guildEntry(r.GuildSaves))
		allGuild = true

	case replies.UserInfo:
		if err := p.setUserSaves(ctx, trigger.AuthorID, r.Saves); err != nil {
			return OutcomeApplied, err
		}
		entries = append(entries, userEntry(trigger.AuthorID, r.Saves))
		members = append(members, trigger.AuthorID)

	case replies.VoteReward:
		if err := p.setUserSaves(ctx, trigger.AuthorID, r.Saves); err != nil {
			return OutcomeApplied, err
		}
		entries = append(entries, userEntry(trigger.AuthorID, r.Saves))
		members = append(members, trigger.AuthorID)

	case replies.Donation:
		if err := p.setUserSaves(ctx, trigger.AuthorID, r.UserSaves); err != nil {
			return OutcomeApplied, err
		}
		if err := p.setGuildSaves(ctx, m.GuildID, r.GuildSaves); err != nil {
			return OutcomeApplied, err
		}
		entries = append(entries, userEntry(trigger.AuthorID, r.UserSaves), guildEntry(r.GuildSaves))
		allGuild = true

	case replies.Transfer:
		recipient, applied, err := p.applyTransfer(ctx, trigger, r)
		if err != nil {
			return OutcomeApplied, err
		}
		entries = append(entries, userEntry(trigger.AuthorID, r.SenderSaves))
		members = append(members, trigger.AuthorID)
		if recipient != 0 {
			entries = append(entries, userEntry(recipient, applied))
			members = append(members, recipient)
		} else {
			logger.Warn("transfer trigger named no recipient; only the sender was updated")
		}
	}

	if err := p.ledger.Record(ctx, entries...); err != nil {
		logger.Warn("ledger write failed", "err", err)
	}
	logger.Info("reply applied", "entries", len(entries))

	p.recheck(ctx, logger, m.GuildID, members, allGuild)
	return OutcomeApplied, nil
}

// applyTransfer updates sender and recipient in one users critical section
// so no reader observes only one side.
func (p *Processor) applyTransfer(ctx context.Context, trigger *pending.Trigger, r replies.Transfer) (snowflake.ID, float64, error) {
	var recipient snowflake.ID
	for _, id := range trigger.Recipients {
		if id != trigger.AuthorID {
			recipient = id
			break
		}
	}

	var applied float64
	err := p.store.Users.With(ctx, func(u records.Users) error {
		u.GetOrCreate(trigger.AuthorID).Saves = r.SenderSaves
		if recipient == 0 {
			return nil
		}
		rec := u.GetOrCreate(recipient)
		if r.HasRecipient {
			rec.Saves = r.RecipientSaves
		} else {
			rec.Saves = replies.CreditRecipient(rec.Saves)
		}
		applied = rec.Saves
		return nil
	})
	return recipient, applied, err
}

func (p *Processor) handleCountingEvent(ctx context.Context, logger *slog.Logger, m Message) (Outcome, error) {
	evt, ok, err := replies.ParseCountingEvent(m.Content)
	if !ok {
		return OutcomeUnclassified, nil
	}
	if err != nil {
		p.reportParseError(ctx, logger, replies.KindNone, m.GuildID, err)
		return OutcomeParseError, nil
	}
	logger = logger.With("event", evt.Scope, "member", evt.UserID)

	entry := ledger.Entry{
		TraceID:   trace.FromContext(ctx),
		Kind:      "counting-event." + evt.Scope.String(),
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		Saves:     evt.Saves,
	}

	switch evt.Scope {
	case replies.ScopeGuild:
		if err := p.setGuildSaves(ctx, m.GuildID, evt.Saves); err != nil {
			return OutcomeApplied, err
		}
		entry.Subject, entry.SubjectID = ledger.SubjectGuild, m.GuildID
	case replies.ScopeUser:
		if err := p.setUserSaves(ctx, evt.UserID, evt.Saves); err != nil {
			return OutcomeApplied, err
		}
		entry.Subject, entry.SubjectID = ledger.SubjectUser, evt.UserID
	}

	if err := p.ledger.Record(ctx, entry); err != nil {
		logger.Warn("ledger write failed", "err", err)
	}
	logger.Info("counting event applied", "saves", evt.Saves)

	if evt.Scope == replies.ScopeGuild {
		p.recheck(ctx, logger, m.GuildID, nil, true)
	} else {
		p.recheck(ctx, logger, m.GuildID, []snowflake.ID{evt.UserID}, false)
	}
	return OutcomeApplied, nil
}

func (p *Processor) setUserSaves(ctx context.Context, id snowflake.ID, saves float64) error {
	return p.store.Users.With(ctx, func(u records.Users) error {
		u.GetOrCreate(id).Saves = saves
		return nil
	})
}

func (p *Processor) setGuildSaves(ctx context.Context, id snowflake.ID, saves float64) error {
	return p.store.Guilds.With(ctx, func(g records.Guilds) error {
		g.GetOrCreate(id).Saves = saves
		return nil
	})
}

func (p *Processor) recheck(ctx context.Context, logger *slog.Logger, guildID snowflake.ID, members []snowflake.ID, allGuild bool) {
	if p.roles == nil {
		return
	}
	if allGuild {
		if _, err := p.roles.CheckGuild(ctx, guildID); err != nil {
			logger.Error("guild recheck failed", "err", err)
		}
		return
	}
	batch := make([]roles.Member, 0, len(members))
	for _, id := range members {
		batch = append(batch, roles.Member{GuildID: guildID, UserID: id})
	}
	p.roles.CheckMembers(ctx, batch)
}

func (p *Processor) reportParseError(ctx context.Context, logger *slog.Logger, kind replies.Kind, guildID snowflake.ID, err error) {
	if !errors.Is(err, replies.ErrTemplateMismatch) {
		logger.Error("reply parse failed", "err", err)
	} else {
		logger.Warn("counting bot reply did not match its template; format may have changed", "err", err)
	}
	p.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindParseError,
		Target:  "guild " + guildID.String(),
		Message: kind.String() + ": " + err.Error(),
	})
}
