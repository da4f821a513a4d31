package roles_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/disgoorg/snowflake/v2"

	"github.com/savesbot/savesbot/internal/savesbot/records"
	"github.com/savesbot/savesbot/internal/savesbot/roles"
)

type call struct {
	op     string
	user   snowflake.ID
	roleID snowflake.ID
}

// fakePlatform records role calls and fails for members listed in gone.
type fakePlatform struct {
	mu      sync.Mutex
	calls   []call
	gone    map[snowflake.ID]bool
	members []roles.Member
}

func (f *fakePlatform) record(op string, user, role snowflake.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[user] {
		return fmt.Errorf("unknown member: %w", roles.ErrMemberGone)
	}
	f.calls = append(f.calls, call{op, user, role})
	return nil
}

func (f *fakePlatform) AddRole(_ context.Context, _, user, role snowflake.ID) error {
	return f.record("add", user, role)
}

func (f *fakePlatform) RemoveRole(_ context.Context, _, user, role snowflake.ID) error {
	return f.record("remove", user, role)
}

func (f *fakePlatform) ListMembers(context.Context, snowflake.ID) ([]roles.Member, error) {
	return f.members, nil
}

func (f *fakePlatform) callsFor(user snowflake.ID) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.user == user {
			out = append(out, c)
		}
	}
	return out
}

func newStore(t *testing.T, guild snowflake.ID, guildSaves float64, role snowflake.ID, users map[snowflake.ID]float64) *records.Store {
	t.Helper()
	s := records.Open(t.TempDir(), nil)
	ctx := context.Background()
	_ = s.Guilds.With(ctx, func(g records.Guilds) error {
		rec := g.GetOrCreate(guild)
		rec.Saves = guildSaves
		rec.SetCountRole(role)
		return nil
	})
	_ = s.Users.With(ctx, func(u records.Users) error {
		for id, saves := range users {
			u.GetOrCreate(id).Saves = saves
		}
		return nil
	})
	return s
}

func TestEligible_Boundary(t *testing.T) {
	cases := []struct {
		user, guild float64
		want        bool
	}{
		{0, 0, false},
		{0.99, 0, false},
		{1, 0, true},
		{0, 0.99, false},
		{0, 1, true},
		{0.5, 0.5, false},
		{3, 2, true},
	}
	for _, c := range cases {
		if got := roles.Eligible(c.user, c.guild); got != c.want {
			t.Errorf("Eligible(%v, %v) = %v, want %v", c.user, c.guild, got, c.want)
		}
	}
}

func TestCheck_GrantsAndRevokes(t *testing.T) {
	const guild, role = 1, 500
	s := newStore(t, guild, 0, role, map[snowflake.ID]float64{10: 1, 11: 0.5})
	p := &fakePlatform{}
	c := roles.NewChecker(s, p, nil, nil)
	ctx := context.Background()

	if ok, err := c.Check(ctx, roles.Member{GuildID: guild, UserID: 10}); err != nil || !ok {
		t.Fatalf("member 10: ok=%v err=%v", ok, err)
	}
	if ok, err := c.Check(ctx, roles.Member{GuildID: guild, UserID: 11}); err != nil || ok {
		t.Fatalf("member 11: ok=%v err=%v", ok, err)
	}

	if got := p.callsFor(10); len(got) != 1 || got[0].op != "add" || got[0].roleID != role {
		t.Errorf("member 10 calls: %+v", got)
	}
	if got := p.callsFor(11); len(got) != 1 || got[0].op != "remove" {
		t.Errorf("member 11 calls: %+v", got)
	}
}

func TestCheck_NoRoleConfiguredHasNoSideEffect(t *testing.T) {
	s := newStore(t, 1, 2, 0, map[snowflake.ID]float64{10: 3})
	p := &fakePlatform{}
	c := roles.NewChecker(s, p, nil, nil)

	ok, err := c.Check(context.Background(), roles.Member{GuildID: 1, UserID: 10})
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if len(p.calls) != 0 {
		t.Errorf("expected no role calls, got %+v", p.calls)
	}
}

func TestCheck_GuildBalanceCoversEveryone(t *testing.T) {
	s := newStore(t, 1, 1, 500, nil)
	p := &fakePlatform{}
	c := roles.NewChecker(s, p, nil, nil)

	ok, err := c.Check(context.Background(), roles.Member{GuildID: 1, UserID: 77})
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	// The unseen user was materialized with a zero balance.
	_ = s.Users.With(context.Background(), func(u records.Users) error {
		if rec, found := u[77]; !found || rec.Saves != 0 {
			t.Errorf("expected lazily created user, got %+v", rec)
		}
		return nil
	})
}

func TestCheckGuild_FailureDoesNotAbortOthers(t *testing.T) {
	const guild = 1
	s := newStore(t, guild, 0, 500, map[snowflake.ID]float64{10: 1, 11: 1, 12: 0})
	p := &fakePlatform{
		gone: map[snowflake.ID]bool{11: true},
		members: []roles.Member{
			{GuildID: guild, UserID: 10},
			{GuildID: guild, UserID: 11},
			{GuildID: guild, UserID: 12},
			{GuildID: guild, UserID: 13, Bot: true},
		},
	}
	c := roles.NewChecker(s, p, nil, nil)

	n, err := c.CheckGuild(context.Background(), guild)
	if err != nil {
		t.Fatalf("CheckGuild: %v", err)
	}
	if n != 2 {
		t.Errorf("eligible count: got %d, want 2", n)
	}
	if len(p.callsFor(10)) != 1 || len(p.callsFor(12)) != 1 {
		t.Errorf("siblings of the failed member were not rechecked: %+v", p.calls)
	}
	if len(p.callsFor(13)) != 0 {
		t.Error("bots must be skipped")
	}
}
