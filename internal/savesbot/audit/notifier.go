// Package audit mirrors notable bot events to an operator room.
//
// When a Matrix audit room is configured the bot posts short notices for
// events an operator should see without tailing logs: refresh failures,
// counting-bot format changes, role mutation failures, forced refreshes and
// shutdown. Every notice carries the trace ID of the message that caused it.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/savesbot/savesbot/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindRefreshForced Kind = "refresh.forced"
	KindRefreshFailed Kind = "refresh.failed"
	KindParseError    Kind = "reply.parse_error"
	KindRoleFailed    Kind = "role.failed"
	KindRoleSet       Kind = "role.configured"
	KindShutdown      Kind = "shutdown"
	KindStarted       Kind = "started"
)

// Event carries the data that the notifier formats and sends.
type Event struct {
	Kind Kind
	// Actor is the user that triggered the event, if any.
	Actor string
	// Target is the guild or member affected.
	Target  string
	Message string
	// TraceID defaults to the trace carried by the context.
	TraceID   string
	Timestamp time.Time
}

// Notifier posts operator notices. Implementations must not block the
// caller for long; send failures are logged, never returned.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Sender is the subset of the Matrix client needed by RoomNotifier.
type Sender interface {
	SendNotice(ctx context.Context, roomID, message string) error
}

// RoomNotifier posts formatted notices to one room.
type RoomNotifier struct {
	sender Sender
	roomID string
	logger *slog.Logger
}

// NewRoomNotifier creates a RoomNotifier that posts to roomID via sender.
func NewRoomNotifier(sender Sender, roomID string, logger *slog.Logger) *RoomNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomNotifier{sender: sender, roomID: roomID, logger: logger}
}

// Notify formats evt and posts it.
func (n *RoomNotifier) Notify(ctx context.Context, evt Event) {
	if n.roomID == "" {
		return
	}
	if evt.TraceID == "" {
		evt.TraceID = trace.FromContext(ctx)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	msg := Format(evt)
	if err := n.sender.SendNotice(ctx, n.roomID, msg); err != nil {
		n.logger.Warn("audit notifier: failed to send room notice",
			"room", n.roomID, "kind", evt.Kind, "err", err)
		return
	}
	n.logger.Debug("audit notifier: sent notice", "room", n.roomID, "kind", evt.Kind)
}

// Format renders evt as a multi-line notice.
func Format(evt Event) string {
	icon := kindIcon(evt.Kind)
	msg := fmt.Sprintf("%s [%s] %s", icon, evt.Kind, evt.Message)
	if evt.Target != "" {
		msg = fmt.Sprintf("%s %s → %s", icon, evt.Target, evt.Message)
	}
	if evt.TraceID != "" {
		msg += "\n  trace: " + evt.TraceID
	}
	if evt.Actor != "" {
		msg += "\n  actor: " + evt.Actor
	}
	return msg
}

// Noop is used when no audit room is configured.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(context.Context, Event) {}

func kindIcon(k Kind) string {
	switch k {
	case KindRefreshForced:
		return "🔄"
	case KindRefreshFailed:
		return "💾"
	case KindParseError:
		return "🧩"
	case KindRoleFailed:
		return "🚫"
	case KindRoleSet:
		return "🏷️"
	case KindShutdown:
		return "⏹️"
	case KindStarted:
		return "✅"
	default:
		return "ℹ️"
	}
}
