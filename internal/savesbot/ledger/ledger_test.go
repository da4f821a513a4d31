package ledger_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/savesbot/savesbot/internal/savesbot/ledger"
)

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndTail(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	err := l.Record(ctx,
		ledger.Entry{TraceID: "t_1", Kind: "transfer", GuildID: 1, ChannelID: 2, Subject: ledger.SubjectUser, SubjectID: 10, Saves: 2},
		ledger.Entry{TraceID: "t_1", Kind: "transfer", GuildID: 1, ChannelID: 2, Subject: ledger.SubjectUser, SubjectID: 11, Saves: 3},
	)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l.Record(ctx, ledger.Entry{TraceID: "t_2", Kind: "server-info", GuildID: 1, Subject: ledger.SubjectGuild, SubjectID: 1, Saves: 1.5}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := l.Tail(ctx, 2)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].TraceID != "t_2" || got[0].Subject != ledger.SubjectGuild || got[0].Saves != 1.5 {
		t.Errorf("newest entry: %+v", got[0])
	}
	if got[0].ChannelID != 0 {
		t.Errorf("expected no channel for guild entry, got %d", got[0].ChannelID)
	}
	if got[1].SubjectID != 11 || got[1].ChannelID != 2 {
		t.Errorf("second entry: %+v", got[1])
	}
}

func TestByTrace(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_ = l.Record(ctx,
		ledger.Entry{TraceID: "t_a", Kind: "donate", GuildID: 1, Subject: ledger.SubjectUser, SubjectID: 5, Saves: 1},
		ledger.Entry{TraceID: "t_a", Kind: "donate", GuildID: 1, Subject: ledger.SubjectGuild, SubjectID: 1, Saves: 2},
		ledger.Entry{TraceID: "t_b", Kind: "vote-reward", GuildID: 1, Subject: ledger.SubjectUser, SubjectID: 6, Saves: 1},
	)

	got, err := l.ByTrace(ctx, "t_a")
	if err != nil {
		t.Fatalf("ByTrace: %v", err)
	}
	if len(got) != 2 || got[0].Subject != ledger.SubjectUser || got[1].Subject != ledger.SubjectGuild {
		t.Errorf("unexpected entries: %+v", got)
	}
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := ledger.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	l.Close()

	l2, err := ledger.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	l2.Close()
}

func TestRecord_Empty(t *testing.T) {
	l := newTestLedger(t)
	if err := l.Record(context.Background()); err != nil {
		t.Fatalf("empty Record: %v", err)
	}
	if err := (ledger.Nop{}).Record(context.Background(), ledger.Entry{}); err != nil {
		t.Fatalf("Nop.Record: %v", err)
	}
}
