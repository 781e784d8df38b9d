package chatstore

import "streamchat/internal/sqldb"

// migrations is the ordered list of chat schema migrations. Timestamps are
// unix milliseconds so the same DDL runs on sqlite, postgres and mysql.
var migrations = []sqldb.Migration{
	{
		Version:     1,
		Description: "base schema: chats, messages, streams",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS chats (
				id          VARCHAR(64) PRIMARY KEY,
				user_id     VARCHAR(64) NOT NULL,
				title       VARCHAR(255) NOT NULL,
				visibility  VARCHAR(16) NOT NULL,
				created_at  BIGINT NOT NULL
			)`,
			`CREATE INDEX idx_chats_user ON chats(user_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id          VARCHAR(64) PRIMARY KEY,
				chat_id     VARCHAR(64) NOT NULL,
				role        VARCHAR(16) NOT NULL,
				parts       TEXT NOT NULL,
				attachments TEXT NOT NULL,
				created_at  BIGINT NOT NULL
			)`,
			`CREATE INDEX idx_messages_chat ON messages(chat_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS streams (
				id          VARCHAR(64) PRIMARY KEY,
				chat_id     VARCHAR(64) NOT NULL,
				created_at  BIGINT NOT NULL
			)`,
			`CREATE INDEX idx_streams_chat ON streams(chat_id, created_at)`,
		},
	},
	{
		Version:     2,
		Description: "v2: per-chat generation leases",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS chat_leases (
				chat_id     VARCHAR(64) PRIMARY KEY,
				token       VARCHAR(64) NOT NULL,
				expires_at  BIGINT NOT NULL
			)`,
		},
	},
}
