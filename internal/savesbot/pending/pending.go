// Package pending correlates outgoing trigger commands with the asynchronous
// replies that answer them.
//
// Triggers are queued per (channel, kind) key in arrival order and a reply
// always resolves the oldest outstanding trigger for its key. The table is
// self-synchronizing; callers never lock it.
package pending

import (
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"github.com/savesbot/savesbot/internal/savesbot/replies"
)

// Key identifies a queue of waiting triggers.
type Key struct {
	ChannelID snowflake.ID
	Kind      replies.Kind
}

// Trigger is an outgoing request message waiting for its reply.
type Trigger struct {
	MessageID snowflake.ID
	ChannelID snowflake.ID
	GuildID   snowflake.ID
	AuthorID  snowflake.ID
	// Recipients are the users mentioned by the trigger, in message order.
	// Transfer replies credit the first one.
	Recipients []snowflake.ID
	ReceivedAt time.Time
}

// Table is a multi-valued, insertion-ordered map from Key to triggers.
// Queues grow without bound if replies never arrive; a key is removed as
// soon as its last trigger is popped.
type Table struct {
	mu     sync.Mutex
	queues map[Key][]*Trigger
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{queues: make(map[Key][]*Trigger)}
}

// Register appends trigger to the queue for (channelID, kind).
func (t *Table) Register(channelID snowflake.ID, kind replies.Kind, trigger *Trigger) {
	key := Key{ChannelID: channelID, Kind: kind}
	t.mu.Lock()
	t.queues[key] = append(t.queues[key], trigger)
	t.mu.Unlock()
}

// PopOldest removes and returns the earliest trigger registered for
// (channelID, kind). ok is false when nothing is pending.
func (t *Table) PopOldest(channelID snowflake.ID, kind replies.Kind) (trigger *Trigger, ok bool) {
	key := Key{ChannelID: channelID, Kind: kind}
	t.mu.Lock()
	defer t.mu.Unlock()

	q := t.queues[key]
	if len(q) == 0 {
		return nil, false
	}
	trigger = q[0]
	q[0] = nil
	if len(q) == 1 {
		delete(t.queues, key)
	} else {
		t.queues[key] = q[1:]
	}
	return trigger, true
}

// Len returns the total number of waiting triggers across all keys.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, q := range t.queues {
		n += len(q)
	}
	return n
}
