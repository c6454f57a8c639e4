// Package postgres implements storage.Store on PostgreSQL using sqlx and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sealchat/models"
	"github.com/opd-ai/sealchat/storage"
)

// SQLSTATE codes mapped onto storage errors.
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// ConnectOptions controls connection retries and pool sizing.
type ConnectOptions struct {
	MaxRetries      int
	RetryDelay      time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConnectOptions returns the pool settings used by the daemon.
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{
		MaxRetries:      10,
		RetryDelay:      3 * time.Second,
		MaxOpenConns:    25,
		MaxIdleConns:    25,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Connect opens a pooled connection to dsn, retrying while the database
// comes up.
func Connect(ctx context.Context, dsn string, opts ConnectOptions) (*sqlx.DB, error) {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}

	var (
		db  *sqlx.DB
		err error
	)
	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		db, err = sqlx.ConnectContext(ctx, "postgres", dsn)
		if err == nil {
			break
		}
		logrus.WithFields(logrus.Fields{
			"function": "Connect",
			"package":  "postgres",
			"attempt":  attempt,
			"max":      opts.MaxRetries,
			"error":    err.Error(),
		}).Warn("Failed to connect to PostgreSQL")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.RetryDelay):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"package":  "postgres",
	}).Info("Database connection established")
	return db, nil
}

// Store is a PostgreSQL backed storage.Store.
type Store struct {
	queries
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New wraps an open database handle.
func New(db *sqlx.DB) *Store {
	return &Store{queries: queries{ext: db}, db: db}
}

// InTx runs fn in a single database transaction.
func (s *Store) InTx(ctx context.Context, fn func(q storage.Queries) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(queries{ext: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// queries implements storage.Queries over a pool or a transaction.
type queries struct {
	ext sqlx.ExtContext
}

func mapError(err error, what string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case uniqueViolation:
			return fmt.Errorf("%s: %w", what, storage.ErrConflict)
		case foreignKeyViolation:
			return fmt.Errorf("%s: referenced record: %w", what, storage.ErrNotFound)
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func expectOne(res interface{ RowsAffected() (int64, error) }, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	return nil
}

func (q queries) PutPublicKey(ctx context.Context, rec *models.PublicKeyRecord) error {
	_, err := q.ext.ExecContext(ctx, `
		INSERT INTO public_keys (owner_id, public_key, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id) DO UPDATE
		SET public_key = EXCLUDED.public_key, created_at = EXCLUDED.created_at`,
		rec.OwnerID, rec.PublicKey, rec.CreatedAt)
	return mapError(err, "put public key")
}

func (q queries) GetPublicKey(ctx context.Context, ownerID string) (*models.PublicKeyRecord, error) {
	var rec models.PublicKeyRecord
	err := sqlx.GetContext(ctx, q.ext, &rec,
		`SELECT owner_id, public_key, created_at FROM public_keys WHERE owner_id = $1`, ownerID)
	if err != nil {
		return nil, mapError(err, "get public key "+ownerID)
	}
	return &rec, nil
}

func (q queries) GetPublicKeys(ctx context.Context, ownerIDs []string) ([]models.PublicKeyRecord, error) {
	recs := []models.PublicKeyRecord{}
	if len(ownerIDs) == 0 {
		return recs, nil
	}
	err := sqlx.SelectContext(ctx, q.ext, &recs,
		`SELECT owner_id, public_key, created_at FROM public_keys
		WHERE owner_id = ANY($1) ORDER BY owner_id`, pq.Array(ownerIDs))
	if err != nil {
		return nil, mapError(err, "get public keys")
	}
	return recs, nil
}

const conversationColumns = `id, kind, name, created_by, community_id, restricted, key_fingerprint, created_at, updated_at`

func (q queries) CreateConversation(ctx context.Context, c *models.Conversation) error {
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (:id, :kind, :name, :created_by, :community_id, :restricted, :key_fingerprint, :created_at, :updated_at)`, c)
	return mapError(err, "create conversation "+c.ID)
}

func (q queries) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	err := sqlx.GetContext(ctx, q.ext, &c, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	if err != nil {
		return nil, mapError(err, "get conversation "+id)
	}
	return &c, nil
}

func (q queries) TouchConversation(ctx context.Context, id string, at time.Time) error {
	res, err := q.ext.ExecContext(ctx, `UPDATE conversations SET updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return mapError(err, "touch conversation "+id)
	}
	return expectOne(res, "touch conversation "+id)
}

const participantColumns = `conversation_id, user_id, role, joined_at, left_at, wrapped_key`

func (q queries) AddParticipant(ctx context.Context, p *models.Participant) error {
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO participants (`+participantColumns+`)
		VALUES (:conversation_id, :user_id, :role, :joined_at, :left_at, :wrapped_key)`, p)
	return mapError(err, "add participant "+p.UserID)
}

func (q queries) GetParticipant(ctx context.Context, conversationID, userID string) (*models.Participant, error) {
	var p models.Participant
	err := sqlx.GetContext(ctx, q.ext, &p, `SELECT `+participantColumns+` FROM participants
		WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID)
	if err != nil {
		return nil, mapError(err, "get participant "+userID)
	}
	return &p, nil
}

func (q queries) ListParticipants(ctx context.Context, conversationID string, activeOnly bool) ([]models.Participant, error) {
	ps := []models.Participant{}
	query := `SELECT ` + participantColumns + ` FROM participants WHERE conversation_id = $1`
	if activeOnly {
		query += ` AND left_at IS NULL`
	}
	query += ` ORDER BY joined_at, user_id`

	if err := sqlx.SelectContext(ctx, q.ext, &ps, query, conversationID); err != nil {
		return nil, mapError(err, "list participants")
	}
	return ps, nil
}

func (q queries) UpdateParticipant(ctx context.Context, p *models.Participant) error {
	res, err := sqlx.NamedExecContext(ctx, q.ext, `
		UPDATE participants SET role = :role, left_at = :left_at, wrapped_key = :wrapped_key
		WHERE conversation_id = :conversation_id AND user_id = :user_id`, p)
	if err != nil {
		return mapError(err, "update participant "+p.UserID)
	}
	return expectOne(res, "update participant "+p.UserID)
}

const messageColumns = `id, conversation_id, sender_id, kind, envelope, key_bundle, timestamp, deleted, deleted_at`

func (q queries) CreateMessage(ctx context.Context, m *models.Message) error {
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (:id, :conversation_id, :sender_id, :kind, :envelope, :key_bundle, :timestamp, :deleted, :deleted_at)`, m)
	return mapError(err, "create message "+m.ID)
}

func (q queries) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var m models.Message
	if err := sqlx.GetContext(ctx, q.ext, &m, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id); err != nil {
		return nil, mapError(err, "get message "+id)
	}
	return &m, nil
}

func (q queries) MarkMessageDeleted(ctx context.Context, id string, at time.Time) error {
	res, err := q.ext.ExecContext(ctx, `UPDATE messages SET deleted = TRUE, deleted_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return mapError(err, "delete message "+id)
	}
	return expectOne(res, "delete message "+id)
}

func (q queries) ListMessages(ctx context.Context, mq storage.MessageQuery) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1`
	args := []interface{}{mq.ConversationID}

	if !mq.IncludeDeleted {
		query += ` AND NOT deleted`
	}
	if mq.ExcludeSender != "" {
		args = append(args, mq.ExcludeSender)
		query += fmt.Sprintf(` AND sender_id <> $%d`, len(args))
	}
	if mq.Before != nil {
		args = append(args, mq.Before.Timestamp, mq.Before.ID)
		query += fmt.Sprintf(` AND (timestamp, id) < ($%d, $%d)`, len(args)-1, len(args))
	}
	if mq.Through != nil {
		args = append(args, mq.Through.Timestamp, mq.Through.ID)
		query += fmt.Sprintf(` AND (timestamp, id) <= ($%d, $%d)`, len(args)-1, len(args))
	}
	if mq.Until != nil {
		args = append(args, *mq.Until)
		query += fmt.Sprintf(` AND timestamp <= $%d`, len(args))
	}
	query += ` ORDER BY timestamp DESC, id DESC`
	if mq.Limit > 0 {
		args = append(args, mq.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	ms := []models.Message{}
	if err := sqlx.SelectContext(ctx, q.ext, &ms, query, args...); err != nil {
		return nil, mapError(err, "list messages")
	}
	return ms, nil
}

func (q queries) CreateReadReceipt(ctx context.Context, r *models.ReadReceipt) (bool, error) {
	res, err := q.ext.ExecContext(ctx, `
		INSERT INTO read_receipts (user_id, message_id, read_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, message_id) DO NOTHING`,
		r.UserID, r.MessageID, r.ReadAt)
	if err != nil {
		return false, mapError(err, "create read receipt")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create read receipt: %w", err)
	}
	return n == 1, nil
}
