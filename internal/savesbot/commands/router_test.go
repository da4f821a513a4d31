package commands_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/disgoorg/snowflake/v2"

	"github.com/savesbot/savesbot/internal/savesbot/commands"
)

const (
	owner   snowflake.ID = 338005893377556480
	member  snowflake.ID = 42
	guildID snowflake.ID = 100
	chanID  snowflake.ID = 200
)

type sent struct {
	channel snowflake.ID
	title   string
	text    string
}

type fakeResponder struct {
	mu          sync.Mutex
	sent        []sent
	manageRoles map[snowflake.ID]bool
}

func (f *fakeResponder) Send(_ context.Context, ch snowflake.ID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{channel: ch, text: text})
	return nil
}

func (f *fakeResponder) SendEmbed(_ context.Context, ch snowflake.ID, title, desc string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{channel: ch, title: title, text: desc})
	return nil
}

func (f *fakeResponder) HasManageRoles(_ context.Context, _, _, user snowflake.ID) (bool, error) {
	return f.manageRoles[user], nil
}

func (f *fakeResponder) last(t *testing.T) sent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("nothing was sent")
	}
	return f.sent[len(f.sent)-1]
}

func TestParseCommand_Basic(t *testing.T) {
	router := commands.NewRouter("::", owner, &fakeResponder{}, nil)

	tests := []struct {
		input     string
		wantName  string
		wantArgs  []string
		wantFlags map[string]string
		wantErr   error
	}{
		{input: "::help", wantName: "help"},
		{input: "  ::HELP  ", wantName: "help"},
		{input: "::count-role <@&555>", wantName: "count-role", wantArgs: []string{"<@&555>"}},
		{input: "::audit 20", wantName: "audit", wantArgs: []string{"20"}},
		{input: "::audit --limit 5 extra", wantName: "audit", wantArgs: []string{"extra"}, wantFlags: map[string]string{"limit": "5"}},
		{input: "::audit --verbose", wantName: "audit", wantFlags: map[string]string{"verbose": "true"}},
		{input: "c!user", wantErr: commands.ErrNotACommand},
		{input: "not a command", wantErr: commands.ErrNotACommand},
		{input: "::", wantErr: commands.ErrUnknownCommand},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			cmd, err := router.Parse(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cmd.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", cmd.Name, tt.wantName)
			}
			if len(cmd.Args) != len(tt.wantArgs) {
				t.Fatalf("Args = %v, want %v", cmd.Args, tt.wantArgs)
			}
			for i := range tt.wantArgs {
				if cmd.Args[i] != tt.wantArgs[i] {
					t.Errorf("Args[%d] = %q, want %q", i, cmd.Args[i], tt.wantArgs[i])
				}
			}
			for k, v := range tt.wantFlags {
				if cmd.Flags[k] != v {
					t.Errorf("Flags[%q] = %q, want %q", k, cmd.Flags[k], v)
				}
			}
		})
	}
}

func newRouter(resp *fakeResponder) (*commands.Router, *int) {
	calls := 0
	r := commands.NewRouter("", owner, resp, nil)
	handler := func(context.Context, *commands.Command, *commands.Request) (commands.Response, error) {
		calls++
		return commands.Text("ok"), nil
	}
	r.Register("open", "", handler)
	r.Register("guild", "", handler, commands.GuildOnly())
	r.Register("admin", "", handler, commands.OwnerOnly())
	r.Register("roles", "", handler, commands.RequireManageRoles())
	return r, &calls
}

func TestRoute_Guards(t *testing.T) {
	tests := []struct {
		name    string
		req     commands.Request
		wantErr error
	}{
		{"open in DM", commands.Request{AuthorID: member, Content: "::open"}, nil},
		{"guild in DM", commands.Request{AuthorID: member, Content: "::guild"}, commands.ErrGuildOnly},
		{"guild in guild", commands.Request{GuildID: guildID, AuthorID: member, Content: "::guild"}, nil},
		{"admin by member", commands.Request{GuildID: guildID, AuthorID: member, Content: "::admin"}, commands.ErrUnauthorized},
		{"admin by owner", commands.Request{AuthorID: owner, Content: "::admin"}, nil},
		{"roles without permission", commands.Request{GuildID: guildID, AuthorID: member, Content: "::roles"}, commands.ErrMissingPermissions},
		{"roles in DM", commands.Request{AuthorID: owner, Content: "::roles"}, commands.ErrGuildOnly},
		{"roles with permission", commands.Request{GuildID: guildID, AuthorID: owner, Content: "::roles"}, nil},
		{"unknown", commands.Request{AuthorID: member, Content: "::nope"}, commands.ErrUnknownCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, calls := newRouter(&fakeResponder{manageRoles: map[snowflake.ID]bool{owner: true}})
			_, err := r.Route(context.Background(), &tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			wantCalls := 0
			if tt.wantErr == nil {
				wantCalls = 1
			}
			if *calls != wantCalls {
				t.Errorf("handler calls = %d, want %d", *calls, wantCalls)
			}
		})
	}
}

func TestHandle_Replies(t *testing.T) {
	resp := &fakeResponder{}
	r, calls := newRouter(resp)
	ctx := context.Background()

	if err := r.Handle(ctx, &commands.Request{ChannelID: chanID, AuthorID: member, Content: "::guild"}); err != nil {
		t.Fatal(err)
	}
	if got := resp.last(t).text; got != "This command cannot be used in DMs" {
		t.Errorf("DM reply = %q", got)
	}

	if err := r.Handle(ctx, &commands.Request{ChannelID: chanID, GuildID: guildID, AuthorID: member, Content: "::admin"}); err != nil {
		t.Fatal(err)
	}
	if got := resp.last(t).text; got != "Only the bot owner can use this command." {
		t.Errorf("unauthorized reply = %q", got)
	}
	if *calls != 0 {
		t.Errorf("rejected commands ran their handler %d times", *calls)
	}

	before := len(resp.sent)
	if err := r.Handle(ctx, &commands.Request{ChannelID: chanID, Content: "::nope"}); err != nil {
		t.Fatalf("unknown command: %v", err)
	}
	if len(resp.sent) != before {
		t.Error("unknown commands should be ignored silently")
	}

	if err := r.Handle(ctx, &commands.Request{ChannelID: chanID, Content: "hello"}); !errors.Is(err, commands.ErrNotACommand) {
		t.Errorf("plain message: err = %v", err)
	}
}

func TestHelp_ListsCommandsInOrder(t *testing.T) {
	r, _ := newRouter(&fakeResponder{})
	want := "`::open`\n`::guild`\n`::admin` (owner only)\n`::roles`"
	if got := r.Help(); got != want {
		t.Errorf("Help() =\n%s\nwant\n%s", got, want)
	}
}
