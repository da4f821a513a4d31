// Package matrix provides the send-only Matrix client used to mirror audit
// notices into an operator room.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/savesbot/savesbot/common/retry"
)

// Config holds Matrix client configuration
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
}

// Enabled reports whether enough is configured to connect.
func (c Config) Enabled() bool {
	return c.Homeserver != "" && c.UserID != "" && c.AccessToken != ""
}

// Client wraps the mautrix client. It never syncs; it only joins rooms and
// sends notices.
type Client struct {
	client *mautrix.Client
	retry  retry.Config
	logger *slog.Logger
}

// New creates a new Matrix client
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	return &Client{
		client: client,
		retry:  retry.Config{MaxAttempts: 3, Op: "matrix.send"},
		logger: logger,
	}, nil
}

// JoinRoom joins roomID. Being already joined (or forbidden from re-joining)
// is not an error.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	_, err := c.client.JoinRoomByID(ctx, id.RoomID(roomID))
	if err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			c.logger.Warn("matrix: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return fmt.Errorf("join %s: %w", roomID, err)
	}
	return nil
}

// SendNotice sends a notice message, retrying transient failures.
func (c *Client) SendNotice(ctx context.Context, roomID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}
	err := retry.Do(ctx, c.retry, func() error {
		_, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content)
		if errors.Is(err, mautrix.MForbidden) || errors.Is(err, mautrix.MUnknownToken) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}
