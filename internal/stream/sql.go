package stream

import (
	"context"
	"database/sql"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"streamchat/internal/domain"
	"streamchat/internal/sqldb"
)

var sqlMigrations = []sqldb.Migration{
	{
		Version:     1,
		Description: "stream channels and events",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS stream_channels (
				id          VARCHAR(64) PRIMARY KEY,
				closed      INTEGER NOT NULL,
				created_at  BIGINT NOT NULL,
				updated_at  BIGINT NOT NULL,
				closed_at   BIGINT
			)`,
			`CREATE TABLE IF NOT EXISTS stream_events (
				stream_id   VARCHAR(64) NOT NULL,
				seq         BIGINT NOT NULL,
				kind        VARCHAR(64) NOT NULL,
				payload     TEXT NOT NULL,
				created_at  BIGINT NOT NULL,
				PRIMARY KEY (stream_id, seq)
			)`,
		},
	},
}

// SQLStore is a durable Store. Events survive restarts; subscribers poll
// the table and are woken early by appends made in this process.
type SQLStore struct {
	db     *sqldb.DB
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	waiters map[string]chan struct{}
}

var _ Store = (*SQLStore)(nil)

// abandonedMessage is the error shown on channels whose writer went away.
const abandonedMessage = "The response was interrupted. Please try again."

// NewSQLStore migrates the stream tables and ends channels abandoned by a
// previous process. The caller owns db.
func NewSQLStore(ctx context.Context, db *sqldb.DB, opts Options, logger *slog.Logger) (*SQLStore, error) {
	if err := sqldb.RunMigrations(ctx, db, "stream", sqlMigrations, logger); err != nil {
		return nil, errors.Wrap(err, "stream store migration failed")
	}
	s := &SQLStore{
		db:      db,
		opts:    opts.withDefaults(),
		logger:  logger,
		now:     time.Now,
		waiters: make(map[string]chan struct{}),
	}
	n, err := s.EndAbandoned(ctx, s.now())
	if err != nil {
		return nil, err
	}
	if n > 0 {
		logger.Info("ended abandoned streams", "count", n)
	}
	return s, nil
}

type channelRow struct {
	closed    bool
	updatedAt time.Time
	closedAt  time.Time
}

func (r channelRow) expired(now time.Time, opts Options) bool {
	if r.closed {
		return now.Sub(r.closedAt) >= opts.Retention
	}
	return now.Sub(r.updatedAt) >= opts.MaxLifetime
}

func (r channelRow) abandoned(now time.Time, opts Options) bool {
	return !r.closed && now.Sub(r.updatedAt) >= opts.AbandonAfter
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (channelRow, error) {
	var (
		closed    int
		updatedAt int64
		closedAt  sql.NullInt64
	)
	if err := row.Scan(&closed, &updatedAt, &closedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return channelRow{}, ErrNotFound
		}
		return channelRow{}, errors.Wrap(err, "read stream channel")
	}
	r := channelRow{closed: closed != 0, updatedAt: sqldb.FromMillis(updatedAt)}
	if closedAt.Valid {
		r.closedAt = sqldb.FromMillis(closedAt.Int64)
	}
	return r, nil
}

const selectChannel = `SELECT closed, updated_at, closed_at FROM stream_channels WHERE id = ?`

func (s *SQLStore) channel(ctx context.Context, id string) (channelRow, error) {
	r, err := scanChannel(s.db.QueryRow(ctx, selectChannel, id))
	if err != nil {
		return channelRow{}, err
	}
	if r.expired(s.now(), s.opts) {
		return channelRow{}, ErrNotFound
	}
	return r, nil
}

func (s *SQLStore) Create(ctx context.Context, id string) error {
	now := sqldb.Millis(s.now())
	_, err := s.db.Exec(ctx,
		`INSERT INTO stream_channels (id, closed, created_at, updated_at) VALUES (?, 0, ?, ?)`,
		id, now, now,
	)
	if sqldb.IsUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return errors.Wrapf(err, "create stream %s", id)
}

func (s *SQLStore) Append(ctx context.Context, id string, p domain.Payload) (domain.Event, error) {
	data, err := domain.MarshalPayload(p)
	if err != nil {
		return domain.Event{}, err
	}
	now := s.now()
	var ev domain.Event
	err = s.db.InTx(ctx, func(tx *sqldb.Tx) error {
		r, err := scanChannel(tx.QueryRow(ctx, selectChannel, id))
		if err != nil {
			return err
		}
		if r.expired(now, s.opts) {
			return ErrNotFound
		}
		if r.closed {
			return ErrClosed
		}
		var next int64
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(seq) + 1, 0) FROM stream_events WHERE stream_id = ?`, id,
		).Scan(&next); err != nil {
			return errors.Wrap(err, "next sequence")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO stream_events (stream_id, seq, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, next, string(p.Kind()), string(data), sqldb.Millis(now),
		); err != nil {
			return errors.Wrap(err, "insert event")
		}
		ev = domain.Event{Seq: next, Payload: p}
		if ev.IsTerminal() {
			_, err = tx.Exec(ctx,
				`UPDATE stream_channels SET updated_at = ?, closed = 1, closed_at = ? WHERE id = ?`,
				sqldb.Millis(now), sqldb.Millis(now), id)
		} else {
			_, err = tx.Exec(ctx,
				`UPDATE stream_channels SET updated_at = ? WHERE id = ?`, sqldb.Millis(now), id)
		}
		return errors.Wrap(err, "touch channel")
	})
	if err != nil {
		return domain.Event{}, err
	}
	s.wake(id)
	return ev, nil
}

func (s *SQLStore) Close(ctx context.Context, id string) error {
	r, err := s.channel(ctx, id)
	if err != nil {
		return err
	}
	if r.closed {
		return nil
	}
	now := sqldb.Millis(s.now())
	if _, err := s.db.Exec(ctx,
		`UPDATE stream_channels SET closed = 1, closed_at = ?, updated_at = ? WHERE id = ? AND closed = 0`,
		now, now, id,
	); err != nil {
		return errors.Wrapf(err, "close stream %s", id)
	}
	s.wake(id)
	return nil
}

func (s *SQLStore) Subscribe(ctx context.Context, id string, from int64) (iter.Seq2[domain.Event, error], error) {
	if _, err := s.channel(ctx, id); err != nil {
		return nil, err
	}
	if from < 0 {
		from = 0
	}
	return func(yield func(domain.Event, error) bool) {
		next := from
		ticker := time.NewTicker(s.opts.PollInterval)
		defer ticker.Stop()
		for {
			wait := s.waiter(id)
			// The closed flag is read before the events so a terminal
			// channel is never reported before its last event.
			r, err := scanChannel(s.db.QueryRow(ctx, selectChannel, id))
			if errors.Is(err, ErrNotFound) {
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(domain.Event{}, err)
				return
			}
			batch, err := s.eventsFrom(ctx, id, next)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(domain.Event{}, err)
				return
			}
			for _, ev := range batch {
				if !yield(ev, nil) {
					return
				}
				next = ev.Seq + 1
			}
			if r.closed {
				return
			}
			if len(batch) > 0 {
				continue
			}
			if r.abandoned(s.now(), s.opts) {
				if err := s.endAbandoned(ctx, id); err != nil {
					yield(domain.Event{}, err)
					return
				}
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-wait:
			case <-ticker.C:
			}
		}
	}, nil
}

func (s *SQLStore) eventsFrom(ctx context.Context, id string, from int64) ([]domain.Event, error) {
	rows, err := s.db.Query(ctx,
		`SELECT seq, payload FROM stream_events WHERE stream_id = ? AND seq >= ? ORDER BY seq ASC`,
		id, from,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "read events of stream %s", id)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var (
			seq     int64
			payload string
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		p, err := domain.UnmarshalPayload([]byte(payload))
		if err != nil {
			s.logger.Warn("skipping undecodable stream event", "stream", id, "seq", seq, "err", err)
			continue
		}
		out = append(out, domain.Event{Seq: seq, Payload: p})
	}
	return out, errors.Wrap(rows.Err(), "iterate events")
}

// EndAbandoned appends an error and a finish event to every open channel
// idle for AbandonAfter as of now, and reports how many it ended.
func (s *SQLStore) EndAbandoned(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id FROM stream_channels WHERE closed = 0 AND updated_at <= ? AND updated_at > ?`,
		sqldb.Millis(now.Add(-s.opts.AbandonAfter)), sqldb.Millis(now.Add(-s.opts.MaxLifetime)),
	)
	if err != nil {
		return 0, errors.Wrap(err, "find abandoned streams")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "scan abandoned stream")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "iterate abandoned streams")
	}

	for _, id := range ids {
		if err := s.endAbandoned(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// endAbandoned is a no-op when the writer finished the channel first.
func (s *SQLStore) endAbandoned(ctx context.Context, id string) error {
	for _, p := range []domain.Payload{domain.ErrorPart{Message: abandonedMessage}, domain.Finish{Reason: "error"}} {
		_, err := s.Append(ctx, id, p)
		if errors.Is(err, ErrClosed) || errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "end abandoned stream %s", id)
		}
	}
	s.logger.Warn("stream abandoned by its writer", "stream", id)
	return nil
}

// Sweep deletes expired channels and their events.
func (s *SQLStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	closedBefore := sqldb.Millis(now.Add(-s.opts.Retention))
	idleBefore := sqldb.Millis(now.Add(-s.opts.MaxLifetime))

	rows, err := s.db.Query(ctx,
		`SELECT id FROM stream_channels
		 WHERE (closed = 1 AND closed_at <= ?) OR (closed = 0 AND updated_at <= ?)`,
		closedBefore, idleBefore,
	)
	if err != nil {
		return 0, errors.Wrap(err, "find expired streams")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "scan expired stream")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "iterate expired streams")
	}

	for _, id := range ids {
		err := s.db.InTx(ctx, func(tx *sqldb.Tx) error {
			if _, err := tx.Exec(ctx, `DELETE FROM stream_events WHERE stream_id = ?`, id); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `DELETE FROM stream_channels WHERE id = ?`, id)
			return err
		})
		if err != nil {
			return 0, errors.Wrapf(err, "delete stream %s", id)
		}
		s.wake(id)
	}
	return len(ids), nil
}

// waiter returns the channel closed by the next in-process change to id.
func (s *SQLStore) waiter(id string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.waiters[id]
	if !ok {
		ch = make(chan struct{})
		s.waiters[id] = ch
	}
	return ch
}

func (s *SQLStore) wake(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.waiters[id]; ok {
		close(ch)
		delete(s.waiters, id)
	}
}
