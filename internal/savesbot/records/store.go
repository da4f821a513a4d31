// Package records holds the user and guild balance maps, each behind its own
// scoped lock, and keeps them in sync with users.json / guilds.json.
//
// Memory is the source of truth while the process runs. A refresh only adds
// on-disk records that memory has never seen, then writes the union back.
package records

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/savesbot/savesbot/internal/savesbot/scopedlock"
)

const (
	// DefaultRefreshInterval is how often the periodic refresh runs.
	DefaultRefreshInterval = 10 * time.Minute

	UsersFile  = "users.json"
	GuildsFile = "guilds.json"

	refreshKey = "refresh"
)

// Options configures a Store.
type Options struct {
	Users  Backend
	Guilds Backend
	Logger *slog.Logger
	// OnRefreshError is called with every failed periodic refresh. Forced
	// refreshes return their error to the caller instead.
	OnRefreshError func(err error)
}

// Stats describes the most recent completed refresh.
type Stats struct {
	LastRefresh  time.Time
	LastDuration time.Duration
	LastError    error
}

// Store owns the user and guild maps.
type Store struct {
	Users  *scopedlock.Lock[Users]
	Guilds *scopedlock.Lock[Guilds]

	usersBackend  Backend
	guildsBackend Backend
	logger        *slog.Logger
	onError       func(error)

	flight singleflight.Group
	// cycle serializes read-merge-write cycles, so a flight started after
	// Forget cannot interleave its Save with an older one.
	cycle sync.Mutex

	mu       sync.Mutex
	stats    Stats
	stopLoop context.CancelFunc
	loopDone chan struct{}
}

// New creates an empty Store over the given backends.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		Users:         scopedlock.New(Users{}),
		Guilds:        scopedlock.New(Guilds{}),
		usersBackend:  opts.Users,
		guildsBackend: opts.Guilds,
		logger:        logger,
		onError:       opts.OnRefreshError,
	}
}

// Open creates a Store backed by users.json and guilds.json in dir.
func Open(dir string, logger *slog.Logger) *Store {
	return New(Options{
		Users:  FileBackend{Path: filepath.Join(dir, UsersFile)},
		Guilds: FileBackend{Path: filepath.Join(dir, GuildsFile)},
		Logger: logger,
	})
}

// SetOnRefreshError installs the periodic refresh error hook.
func (s *Store) SetOnRefreshError(fn func(error)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

// Refresh merges both documents into memory and writes the union back.
// Concurrent callers share one in-flight refresh. The refresh itself is
// detached from ctx so an impatient caller cannot abort a half-written
// merge; ctx only bounds how long this caller waits.
func (s *Store) Refresh(ctx context.Context) (time.Duration, error) {
	ch := s.flight.DoChan(refreshKey, func() (any, error) {
		return s.refresh(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		d, _ := res.Val.(time.Duration)
		return d, res.Err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *Store) refresh(ctx context.Context) (time.Duration, error) {
	s.cycle.Lock()
	defer s.cycle.Unlock()

	s.logger.Info("syncing saves data")
	start := time.Now()

	var g errgroup.Group
	g.Go(func() error {
		return refreshDocument[Users, UserRecord](ctx, s.logger, UsersFile, s.usersBackend, usersSchema, s.Users)
	})
	g.Go(func() error {
		return refreshDocument[Guilds, GuildRecord](ctx, s.logger, GuildsFile, s.guildsBackend, guildsSchema, s.Guilds)
	})
	err := g.Wait()
	elapsed := time.Since(start)

	s.mu.Lock()
	s.stats = Stats{LastRefresh: start, LastDuration: elapsed, LastError: err}
	s.mu.Unlock()

	if err != nil {
		return elapsed, err
	}
	s.logger.Info("saves data synced", "duration", elapsed)
	return elapsed, nil
}

// refreshDocument runs one read-merge-write cycle for a single map. Decoding
// and encoding happen outside the lock; the lock is held only for the merge
// and for copying the snapshot.
func refreshDocument[M ~map[snowflake.ID]*R, R any](
	ctx context.Context,
	logger *slog.Logger,
	name string,
	backend Backend,
	schema *jsonschema.Schema,
	lock *scopedlock.Lock[M],
) error {
	data, err := backend.Load(ctx)
	if err != nil {
		logger.Error("refresh: read failed", "document", name, "err", err)
		return fmt.Errorf("%s: %w", name, err)
	}
	onDisk, err := decodeDocument[R](data, schema)
	if err != nil {
		logger.Error("refresh: document rejected", "document", name, "err", err)
		return fmt.Errorf("%s: %w", name, err)
	}

	var snapshot map[snowflake.ID]R
	err = lock.With(ctx, func(mem M) error {
		for id, rec := range onDisk {
			if _, ok := mem[id]; !ok {
				r := rec
				mem[id] = &r
			}
		}
		snapshot = make(map[snowflake.ID]R, len(mem))
		for id, rec := range mem {
			snapshot[id] = *rec
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	out, err := encodeDocument(snapshot)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", name, ErrWrite, err)
	}
	if err := backend.Save(ctx, out); err != nil {
		logger.Error("refresh: write failed; in-memory data kept", "document", name, "err", err)
		return fmt.Errorf("%s: %w: %v", name, ErrWrite, err)
	}
	return nil
}

// Start runs Refresh every interval until Shutdown. Calling Start on a
// running store is a no-op.
func (s *Store) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopLoop != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.stopLoop = cancel
	s.loopDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		s.logger.Info("periodic refresh started", "interval", interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error("periodic refresh failed", "err", err)
					s.mu.Lock()
					onError := s.onError
					s.mu.Unlock()
					if onError != nil {
						onError(err)
					}
				}
			}
		}
	}()
}

// Running reports whether the periodic refresh is active.
func (s *Store) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLoop != nil
}

// Shutdown stops the periodic refresh, waits for it to exit and performs a
// final refresh so every in-memory change reaches disk. The final refresh
// never joins a flight already in progress: that flight may have copied its
// snapshot before the latest mutations.
func (s *Store) Shutdown(ctx context.Context) (time.Duration, error) {
	s.mu.Lock()
	stop, done := s.stopLoop, s.loopDone
	s.stopLoop, s.loopDone = nil, nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		select {
		case <-done:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	s.flight.Forget(refreshKey)
	return s.Refresh(ctx)
}

// Stats returns the outcome of the most recent refresh.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Counts returns the number of user and guild records in memory.
func (s *Store) Counts(ctx context.Context) (users, guilds int, err error) {
	users, err = scopedlock.Peek(ctx, s.Users, func(u Users) int { return len(u) })
	if err != nil {
		return 0, 0, err
	}
	guilds, err = scopedlock.Peek(ctx, s.Guilds, func(g Guilds) int { return len(g) })
	return users, guilds, err
}
