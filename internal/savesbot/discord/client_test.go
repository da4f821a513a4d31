package discord

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/disgoorg/snowflake/v2"

	"github.com/savesbot/savesbot/internal/savesbot/pending"
	"github.com/savesbot/savesbot/internal/savesbot/replies"
)

func TestDispatch_TriggersKeepGatewayOrder(t *testing.T) {
	c, err := New(Config{Token: "abc"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	const (
		n       = 200
		channel = 200
	)
	table := pending.NewTable()
	var wg sync.WaitGroup
	wg.Add(n)
	handle := c.onMessageCreate(Handlers{
		OnMessage: func(_ context.Context, m Message) {
			defer wg.Done()
			// Uneven handler latency must not let later messages overtake.
			if m.AuthorID%3 == 0 {
				time.Sleep(time.Millisecond)
			}
			table.Register(m.ChannelID, replies.KindUserInfo, &pending.Trigger{AuthorID: m.AuthorID})
		},
	})
	c.startDispatch(context.Background())

	for i := range n {
		handle(c.session, &discordgo.MessageCreate{Message: &discordgo.Message{
			ID:        strconv.Itoa(5000 + i),
			ChannelID: strconv.Itoa(channel),
			GuildID:   "100",
			Content:   "c!user",
			Author:    &discordgo.User{ID: strconv.Itoa(1001 + i)},
		}})
	}
	wg.Wait()

	for i := range n {
		trig, ok := table.PopOldest(channel, replies.KindUserInfo)
		if !ok {
			t.Fatalf("pop %d: nothing pending", i)
		}
		if want := snowflake.ID(1001 + i); trig.AuthorID != want {
			t.Fatalf("pop %d: author = %d, want %d", i, trig.AuthorID, want)
		}
	}
}

func TestDispatch_ReplyNeverOvertakesTrigger(t *testing.T) {
	c, err := New(Config{Token: "abc"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	table := pending.NewTable()
	var (
		mu     sync.Mutex
		misses int
		wg     sync.WaitGroup
	)
	const rounds = 100
	wg.Add(2 * rounds)
	handle := c.onMessageCreate(Handlers{
		OnMessage: func(_ context.Context, m Message) {
			defer wg.Done()
			if m.Content == "c!user" {
				table.Register(m.ChannelID, replies.KindUserInfo, &pending.Trigger{AuthorID: m.AuthorID})
				return
			}
			if _, ok := table.PopOldest(m.ChannelID, replies.KindUserInfo); !ok {
				mu.Lock()
				misses++
				mu.Unlock()
			}
		},
	})
	c.startDispatch(context.Background())

	for i := range rounds {
		handle(c.session, &discordgo.MessageCreate{Message: &discordgo.Message{
			ID: strconv.Itoa(2 * i), ChannelID: "200", GuildID: "100",
			Content: "c!user", Author: &discordgo.User{ID: "1001"},
		}})
		handle(c.session, &discordgo.MessageCreate{Message: &discordgo.Message{
			ID: strconv.Itoa(2*i + 1), ChannelID: "200", GuildID: "100",
			Author: &discordgo.User{ID: "510016054391734273", Bot: true},
		}})
	}
	wg.Wait()

	if misses != 0 {
		t.Errorf("%d replies processed before their trigger", misses)
	}
}

func TestClose_StopsDispatch(t *testing.T) {
	c, err := New(Config{Token: "abc"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.startDispatch(context.Background())
	_ = c.Close()

	called := false
	c.enqueue(func(context.Context) { called = true })
	if called {
		t.Error("event dispatched after Close")
	}
}
