// Package ledger keeps an append-only SQLite history of every balance the
// bot applied. The JSON documents stay the source of truth; the ledger only
// answers "when and why did this balance change".
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"

	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Subject says whose balance an entry records.
type Subject string

const (
	SubjectUser  Subject = "user"
	SubjectGuild Subject = "guild"
)

// Entry is one applied balance.
type Entry struct {
	ID        int64
	Timestamp time.Time
	TraceID   string
	Kind      string
	GuildID   snowflake.ID
	ChannelID snowflake.ID
	Subject   Subject
	SubjectID snowflake.ID
	Saves     float64
}

// Recorder is the write side used by the reply processor.
type Recorder interface {
	Record(ctx context.Context, entries ...Entry) error
}

// Nop discards entries; used when no ledger path is configured.
type Nop struct{}

// Record does nothing.
func (Nop) Record(context.Context, ...Entry) error { return nil }

// Ledger wraps the database connection
type Ledger struct {
	db *sql.DB
}

// Open opens (or creates) the ledger database and runs migrations.
func Open(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	// SQLite is single-writer; one shared connection serializes writers in
	// database/sql instead of contending on file locks.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	l := &Ledger{db: db}
	if err := l.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return l, nil
}

// Close closes the database connection
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) runMigrations() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var current int
	if err := l.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	seen := make(map[int]string, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, description, ok := parseMigrationName(name)
		if !ok {
			continue
		}
		if prev, dup := seen[version]; dup {
			return fmt.Errorf("duplicate migration version %04d: %q and %q", version, prev, name)
		}
		seen[version] = name
		if version <= current {
			continue
		}

		content, err := migrationsFS.ReadFile(path.Join("migrations", name))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		tx, err := l.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", version, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			version, time.Now(), description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
		slog.Info("applied ledger migration", "version", fmt.Sprintf("%04d", version), "description", description)
	}
	return nil
}

// parseMigrationName splits "0001_init.sql" into (1, "init").
func parseMigrationName(name string) (int, string, bool) {
	parts := strings.SplitN(name, "_", 2)
	if len(parts) < 2 {
		return 0, "", false
	}
	var version int
	if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
		return 0, "", false
	}
	return version, strings.TrimSuffix(parts[1], ".sql"), true
}

// Record appends entries in one transaction.
func (l *Ledger) Record(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, e := range entries {
		ts := e.Timestamp
		if ts.IsZero() {
			ts = now
		}
		var channel sql.NullString
		if e.ChannelID != 0 {
			channel = sql.NullString{String: e.ChannelID.String(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO balance_events (ts, trace_id, kind, guild_id, channel_id, subject, subject_id, saves)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, ts, e.TraceID, e.Kind, e.GuildID.String(), channel, string(e.Subject), e.SubjectID.String(), e.Saves); err != nil {
			return fmt.Errorf("ledger: insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

// Tail returns the most recent entries, newest first.
func (l *Ledger) Tail(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	return l.query(ctx, `
		SELECT id, ts, trace_id, kind, guild_id, channel_id, subject, subject_id, saves
		FROM balance_events
		ORDER BY id DESC
		LIMIT ?
	`, limit)
}

// ByTrace returns every entry written for one inbound message.
func (l *Ledger) ByTrace(ctx context.Context, traceID string) ([]Entry, error) {
	return l.query(ctx, `
		SELECT id, ts, trace_id, kind, guild_id, channel_id, subject, subject_id, saves
		FROM balance_events
		WHERE trace_id = ?
		ORDER BY id ASC
	`, traceID)
}

func (l *Ledger) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                Entry
			guild, subjectID string
			channel          sql.NullString
			subject          string
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.TraceID, &e.Kind, &guild, &channel, &subject, &subjectID, &e.Saves); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		e.Subject = Subject(subject)
		if e.GuildID, err = snowflake.Parse(guild); err != nil {
			return nil, fmt.Errorf("ledger: guild id %q: %w", guild, err)
		}
		if e.SubjectID, err = snowflake.Parse(subjectID); err != nil {
			return nil, fmt.Errorf("ledger: subject id %q: %w", subjectID, err)
		}
		if channel.Valid {
			if e.ChannelID, err = snowflake.Parse(channel.String); err != nil {
				return nil, fmt.Errorf("ledger: channel id %q: %w", channel.String, err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate: %w", err)
	}
	return out, nil
}
