package stream

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"streamchat/internal/domain"
	"streamchat/internal/sqldb"
)

func newSQLStore(t *testing.T, opts Options) (*SQLStore, *sqldb.DB) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := sqldb.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "stream.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := NewSQLStore(context.Background(), db, opts, logger)
	require.NoError(t, err)
	return s, db
}

func TestSQLStore_Contract(t *testing.T) {
	storeContract(t, func(t *testing.T) Store {
		s, _ := newSQLStore(t, Options{PollInterval: 20 * time.Millisecond})
		return s
	})
}

func TestSQLStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	s, db := newSQLStore(t, Options{})
	require.NoError(t, s.Create(ctx, "s1"))
	_, err := s.Append(ctx, "s1", domain.Delta{Text: "Hi"})
	require.NoError(t, err)

	// A second store on the same database sees the events.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	reopened, err := NewSQLStore(ctx, db, Options{}, logger)
	require.NoError(t, err)
	_, err = reopened.Append(ctx, "s1", domain.Finish{})
	require.NoError(t, err)

	seq, err := reopened.Subscribe(ctx, "s1", 0)
	require.NoError(t, err)
	got := collect(t, seq)
	require.Len(t, got, 2)
	require.Equal(t, domain.Delta{Text: "Hi"}, got[0].Payload)
	require.Equal(t, int64(1), got[1].Seq)
}

func TestSQLStore_Sweep(t *testing.T) {
	ctx := context.Background()
	s, _ := newSQLStore(t, Options{Retention: time.Minute, MaxLifetime: 10 * time.Minute})
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	require.NoError(t, s.Create(ctx, "done"))
	require.NoError(t, s.Create(ctx, "live"))
	_, err := s.Append(ctx, "done", domain.Finish{})
	require.NoError(t, err)

	n, err := s.Sweep(ctx, clock.Add(30*time.Second))
	require.NoError(t, err)
	require.Zero(t, n)

	clock = clock.Add(2 * time.Minute)
	_, err = s.Subscribe(ctx, "done", 0)
	require.ErrorIs(t, err, ErrNotFound)

	n, err = s.Sweep(ctx, clock)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = s.Subscribe(ctx, "live", 0)
	require.NoError(t, err)
}

func TestSQLStore_EndAbandoned(t *testing.T) {
	ctx := context.Background()
	opts := Options{AbandonAfter: 50 * time.Millisecond}
	s, db := newSQLStore(t, opts)
	require.NoError(t, s.Create(ctx, "s1"))
	_, err := s.Append(ctx, "s1", domain.Start{MessageID: "m1"})
	require.NoError(t, err)
	_, err = s.Append(ctx, "s1", domain.Delta{Text: "Hi"})
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, "fresh"))

	// The writer is gone; a new process opens the same database.
	time.Sleep(100 * time.Millisecond)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	reopened, err := NewSQLStore(ctx, db, Options{AbandonAfter: time.Minute}, logger)
	require.NoError(t, err)
	reopened.opts.AbandonAfter = 50 * time.Millisecond
	n, err := reopened.EndAbandoned(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	seq, err := reopened.Subscribe(ctx, "s1", 0)
	require.NoError(t, err)
	got := collect(t, seq)
	require.Len(t, got, 4)
	require.Equal(t, domain.ErrorPart{Message: abandonedMessage}, got[2].Payload)
	require.Equal(t, domain.Finish{Reason: "error"}, got[3].Payload)
	require.True(t, got[3].IsTerminal())

	n, err = reopened.EndAbandoned(ctx, time.Now())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSQLStore_OpenEndsAbandonedChannels(t *testing.T) {
	ctx := context.Background()
	s, db := newSQLStore(t, Options{})
	require.NoError(t, s.Create(ctx, "s1"))
	_, err := s.Append(ctx, "s1", domain.Delta{Text: "Hi"})
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	reopened, err := NewSQLStore(ctx, db, Options{AbandonAfter: 20 * time.Millisecond}, logger)
	require.NoError(t, err)

	seq, err := reopened.Subscribe(ctx, "s1", 1)
	require.NoError(t, err)
	got := collect(t, seq)
	require.Len(t, got, 2)
	require.Equal(t, domain.Finish{Reason: "error"}, got[1].Payload)
}

func TestSQLStore_SubscriberEndsSilentChannel(t *testing.T) {
	ctx := context.Background()
	s, _ := newSQLStore(t, Options{AbandonAfter: time.Minute, PollInterval: 10 * time.Millisecond})
	clock := time.Now()
	s.now = func() time.Time { return clock }

	require.NoError(t, s.Create(ctx, "s1"))
	_, err := s.Append(ctx, "s1", domain.Delta{Text: "Hi"})
	require.NoError(t, err)

	clock = clock.Add(2 * time.Minute)
	seq, err := s.Subscribe(ctx, "s1", 0)
	require.NoError(t, err)
	got := collect(t, seq)
	require.Len(t, got, 3)
	require.Equal(t, domain.Delta{Text: "Hi"}, got[0].Payload)
	require.Equal(t, domain.ErrorPart{Message: abandonedMessage}, got[1].Payload)
	require.Equal(t, domain.Finish{Reason: "error"}, got[2].Payload)
}
