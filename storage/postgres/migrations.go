package postgres

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS public_keys (
		owner_id VARCHAR(255) PRIMARY KEY,
		public_key TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS conversations (
		id VARCHAR(64) PRIMARY KEY,
		kind VARCHAR(16) NOT NULL CHECK (kind IN ('direct', 'group', 'broadcast')),
		name VARCHAR(255) NOT NULL DEFAULT '',
		created_by VARCHAR(255) NOT NULL,
		community_id VARCHAR(255) NOT NULL DEFAULT '',
		restricted BOOLEAN NOT NULL DEFAULT FALSE,
		key_fingerprint BYTEA,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS participants (
		conversation_id VARCHAR(64) NOT NULL REFERENCES conversations(id),
		user_id VARCHAR(255) NOT NULL,
		role VARCHAR(16) NOT NULL CHECK (role IN ('member', 'moderator', 'admin')),
		joined_at TIMESTAMPTZ NOT NULL,
		left_at TIMESTAMPTZ,
		wrapped_key BYTEA,
		PRIMARY KEY (conversation_id, user_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_participants_active
	ON participants(conversation_id)
	WHERE left_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS messages (
		id VARCHAR(64) PRIMARY KEY,
		conversation_id VARCHAR(64) NOT NULL REFERENCES conversations(id),
		sender_id VARCHAR(255) NOT NULL,
		kind VARCHAR(16) NOT NULL CHECK (kind IN ('text', 'media', 'system')),
		envelope BYTEA NOT NULL,
		key_bundle BYTEA,
		timestamp TIMESTAMPTZ NOT NULL,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		deleted_at TIMESTAMPTZ
	)`,

	`CREATE INDEX IF NOT EXISTS idx_messages_conversation_time
	ON messages(conversation_id, timestamp DESC, id DESC)`,

	`CREATE TABLE IF NOT EXISTS read_receipts (
		user_id VARCHAR(255) NOT NULL,
		message_id VARCHAR(64) NOT NULL REFERENCES messages(id),
		read_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_id, message_id)
	)`,

	`CREATE TABLE IF NOT EXISTS communities (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL DEFAULT '',
		created_by VARCHAR(255) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS community_members (
		community_id VARCHAR(64) NOT NULL REFERENCES communities(id),
		user_id VARCHAR(255) NOT NULL,
		role VARCHAR(16) NOT NULL CHECK (role IN ('member', 'moderator', 'admin')),
		joined_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (community_id, user_id)
	)`,
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Migrate",
		"package":    "postgres",
		"statements": len(migrations),
	}).Info("Database schema up to date")
	return nil
}
