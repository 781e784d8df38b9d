// Package chatstore persists chats, messages, stream ids and generation
// leases in any database supported by sqldb.
package chatstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"streamchat/internal/domain"
	"streamchat/internal/sqldb"
)

// Store implements domain.ChatStore.
type Store struct {
	db     *sqldb.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ domain.ChatStore = (*Store)(nil)

// New migrates the chat schema and returns a store. The caller owns db.
func New(ctx context.Context, db *sqldb.DB, logger *slog.Logger) (*Store, error) {
	if err := sqldb.RunMigrations(ctx, db, "chat", migrations, logger); err != nil {
		return nil, errors.Wrap(err, "chat store migration failed")
	}
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

func (s *Store) GetChat(ctx context.Context, id string) (*domain.Chat, error) {
	var (
		c         domain.Chat
		createdAt int64
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, title, visibility, created_at FROM chats WHERE id = ?`, id,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.Visibility, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get chat %s", id)
	}
	c.CreatedAt = sqldb.FromMillis(createdAt)
	return &c, nil
}

func (s *Store) SaveChat(ctx context.Context, chat domain.Chat) error {
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = s.now()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO chats (id, user_id, title, visibility, created_at) VALUES (?, ?, ?, ?, ?)`,
		chat.ID, chat.UserID, chat.Title, string(chat.Visibility), sqldb.Millis(chat.CreatedAt),
	)
	return errors.Wrapf(err, "save chat %s", chat.ID)
}

// DeleteChat removes the chat with its messages, stream ids and lease.
func (s *Store) DeleteChat(ctx context.Context, id string) error {
	return s.db.InTx(ctx, func(tx *sqldb.Tx) error {
		for _, q := range []string{
			`DELETE FROM messages WHERE chat_id = ?`,
			`DELETE FROM streams WHERE chat_id = ?`,
			`DELETE FROM chat_leases WHERE chat_id = ?`,
			`DELETE FROM chats WHERE id = ?`,
		} {
			if _, err := tx.Exec(ctx, q, id); err != nil {
				return errors.Wrapf(err, "delete chat %s", id)
			}
		}
		return nil
	})
}

func (s *Store) GetMessages(ctx context.Context, chatID string) ([]domain.Message, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, chat_id, role, parts, attachments, created_at
		 FROM messages WHERE chat_id = ?
		 ORDER BY created_at ASC, id ASC`, chatID,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "get messages for chat %s", chatID)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var (
			m                  domain.Message
			parts, attachments sql.NullString
			createdAt          int64
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &parts, &attachments, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		if parts.Valid && parts.String != "" {
			if err := json.Unmarshal([]byte(parts.String), &m.Parts); err != nil {
				return nil, errors.Wrapf(err, "decode parts of message %s", m.ID)
			}
		}
		if attachments.Valid && attachments.String != "" && attachments.String != "null" {
			if err := json.Unmarshal([]byte(attachments.String), &m.Attachments); err != nil {
				return nil, errors.Wrapf(err, "decode attachments of message %s", m.ID)
			}
		}
		m.CreatedAt = sqldb.FromMillis(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, errors.Wrap(rows.Err(), "iterate messages")
}

// SaveMessages writes msgs atomically; an existing message with the same id
// in the same chat is replaced. Ids owned by another chat are rejected with
// domain.ErrMessageIDTaken.
func (s *Store) SaveMessages(ctx context.Context, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.db.InTx(ctx, func(tx *sqldb.Tx) error {
		for _, m := range msgs {
			if m.CreatedAt.IsZero() {
				m.CreatedAt = s.now()
			}
			parts, err := json.Marshal(m.Parts)
			if err != nil {
				return errors.Wrapf(err, "encode parts of message %s", m.ID)
			}
			attachments, err := json.Marshal(m.Attachments)
			if err != nil {
				return errors.Wrapf(err, "encode attachments of message %s", m.ID)
			}
			if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE id = ? AND chat_id = ?`, m.ID, m.ChatID); err != nil {
				return errors.Wrapf(err, "replace message %s", m.ID)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO messages (id, chat_id, role, parts, attachments, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
				m.ID, m.ChatID, string(m.Role), string(parts), string(attachments), sqldb.Millis(m.CreatedAt),
			); err != nil {
				if sqldb.IsUniqueViolation(err) {
					return errors.Wrapf(domain.ErrMessageIDTaken, "message %s", m.ID)
				}
				return errors.Wrapf(err, "insert message %s", m.ID)
			}
		}
		return nil
	})
}

// CountRecentMessages counts user-authored messages across all of the
// user's chats created at or after since.
func (s *Store) CountRecentMessages(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages m
		 JOIN chats c ON c.id = m.chat_id
		 WHERE c.user_id = ? AND m.role = ? AND m.created_at >= ?`,
		userID, string(domain.RoleUser), sqldb.Millis(since),
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "count messages for user %s", userID)
	}
	return n, nil
}

func (s *Store) StreamIDs(ctx context.Context, chatID string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id FROM streams WHERE chat_id = ? ORDER BY created_at ASC, id ASC`, chatID,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "list streams for chat %s", chatID)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan stream id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "iterate stream ids")
}

func (s *Store) CreateStreamID(ctx context.Context, streamID, chatID string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO streams (id, chat_id, created_at) VALUES (?, ?, ?)`,
		streamID, chatID, sqldb.Millis(s.now()),
	)
	return errors.Wrapf(err, "create stream id for chat %s", chatID)
}

// AcquireLease takes the chat's generation lease. Expired leases are
// reclaimed; a live lease yields domain.ErrLeaseHeld.
func (s *Store) AcquireLease(ctx context.Context, chatID, token string, ttl time.Duration) (*domain.Lease, error) {
	now := s.now()
	lease := &domain.Lease{ChatID: chatID, Token: token, ExpiresAt: now.Add(ttl)}
	err := s.db.InTx(ctx, func(tx *sqldb.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM chat_leases WHERE chat_id = ? AND expires_at <= ?`, chatID, sqldb.Millis(now),
		); err != nil {
			return errors.Wrap(err, "reclaim expired lease")
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO chat_leases (chat_id, token, expires_at) VALUES (?, ?, ?)`,
			chatID, token, sqldb.Millis(lease.ExpiresAt),
		)
		if sqldb.IsUniqueViolation(err) {
			return domain.ErrLeaseHeld
		}
		return errors.Wrap(err, "insert lease")
	})
	if err != nil {
		if errors.Is(err, domain.ErrLeaseHeld) {
			return nil, domain.ErrLeaseHeld
		}
		return nil, errors.Wrapf(err, "acquire lease on chat %s", chatID)
	}
	return lease, nil
}

// ReleaseLease drops the lease only if token still owns it.
func (s *Store) ReleaseLease(ctx context.Context, chatID, token string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM chat_leases WHERE chat_id = ? AND token = ?`, chatID, token,
	)
	return errors.Wrapf(err, "release lease on chat %s", chatID)
}
