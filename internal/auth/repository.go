package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrDuplicateUser = errors.New("username or email already exists")

const pgUniqueViolation = "23505"

type Repository struct {
	db *sql.DB
}

type PurgeResult struct {
	DeletedBlocklistEntries int64 `json:"deleted_blocklist_entries"`
	DeletedLoginAttempts    int64 `json:"deleted_login_attempts"`
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetByEmail(ctx context.Context, email string) (User, error) {
	return r.getUser(ctx, `email = $1`, email)
}

func (r *Repository) GetByUsername(ctx context.Context, username string) (User, error) {
	return r.getUser(ctx, `username = $1`, username)
}

func (r *Repository) GetByID(ctx context.Context, id string) (User, error) {
	return r.getUser(ctx, `id = $1`, id)
}

func (r *Repository) getUser(ctx context.Context, where string, arg any) (User, error) {
	var user User
	err := r.db.QueryRowContext(ctx, `
		SELECT id, username, email, hashed_password, is_verified, created_at, updated_at
		FROM users
		WHERE `+where+`
	`, arg).Scan(&user.ID, &user.Username, &user.Email, &user.HashedPassword, &user.IsVerified, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("query user: %w", err)
	}

	return user, nil
}

// CreateUser inserts a new user row. The pre-check inside the
// transaction is an optimization only; the unique constraints on
// username and email are the authority when two registrations race.
func (r *Repository) CreateUser(ctx context.Context, username, email, hashedPassword string, verified bool) (User, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	now := time.Now().UTC()
	user := User{
		ID:             id.String(),
		Username:       username,
		Email:          email,
		HashedPassword: hashedPassword,
		IsVerified:     verified,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("begin create user tx: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM users WHERE username = $1 OR email = $2)
	`, username, email).Scan(&exists)
	if err != nil {
		return User{}, fmt.Errorf("check duplicate user: %w", err)
	}
	if exists {
		return User{}, ErrDuplicateUser
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, username, email, hashed_password, is_verified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, user.ID, user.Username, user.Email, user.HashedPassword, user.IsVerified, now)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrDuplicateUser
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("commit create user tx: %w", err)
	}

	return user, nil
}

func (r *Repository) IsNonceRevoked(ctx context.Context, nonce string) (bool, error) {
	var revoked bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM token_blocklist WHERE token_nonce = $1)
	`, nonce).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("query token blocklist: %w", err)
	}

	return revoked, nil
}

// RevokeNonce is idempotent: a nonce already on the blocklist is left
// alone rather than surfaced as a failure.
func (r *Repository) RevokeNonce(ctx context.Context, nonce string, expiresAt time.Time) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate blocklist id: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO token_blocklist (id, token_nonce, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_nonce) DO NOTHING
	`, id.String(), nonce, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert blocklist entry: %w", err)
	}

	return nil
}

func (r *Repository) GetLoginAttempt(ctx context.Context, email string) (LoginAttempt, error) {
	var attempt LoginAttempt
	attempt.Email = email

	var lockedUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until
		FROM auth_login_attempts
		WHERE email = $1
	`, email).Scan(&attempt.FailedAttempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return attempt, nil
		}
		return LoginAttempt{}, fmt.Errorf("query login attempt: %w", err)
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		attempt.LockedUntil = &value
	}

	return attempt, nil
}

func (r *Repository) RegisterFailedAttempt(ctx context.Context, email string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin login attempt tx: %w", err)
	}
	defer tx.Rollback()

	var failed int
	var lockedUntil sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until
		FROM auth_login_attempts
		WHERE email = $1
		FOR UPDATE
	`, email).Scan(&failed, &lockedUntil)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lock login attempt row: %w", err)
	}

	if lockedUntil.Valid && now.Before(lockedUntil.Time) {
		until := lockedUntil.Time.UTC()
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit existing lock tx: %w", err)
		}
		return &until, nil
	}

	failed++
	var nextLock *time.Time
	var nextLockValue any = nil
	if failed >= maxAttempts {
		until := now.UTC().Add(lockDuration)
		nextLock = &until
		nextLockValue = until
		failed = 0
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_login_attempts (email, failed_attempts, locked_until, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email)
		DO UPDATE SET
			failed_attempts = EXCLUDED.failed_attempts,
			locked_until = EXCLUDED.locked_until,
			updated_at = EXCLUDED.updated_at
	`, email, failed, nextLockValue, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("upsert failed login attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit login attempt tx: %w", err)
	}

	return nextLock, nil
}

func (r *Repository) ResetLoginAttempt(ctx context.Context, email string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM auth_login_attempts
		WHERE email = $1
	`, email)
	if err != nil {
		return fmt.Errorf("reset login attempts: %w", err)
	}

	return nil
}

// PurgeExpired removes blocklist rows whose tokens have expired
// naturally (Verify rejects those on the exp claim alone, so the rows
// are dead weight) and login attempt rows that have gone stale.
func (r *Repository) PurgeExpired(ctx context.Context, loginAttemptRetention time.Duration, batchSize int) (PurgeResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if loginAttemptRetention <= 0 {
		loginAttemptRetention = 30 * 24 * time.Hour
	}

	now := time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM token_blocklist
			WHERE expires_at < $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM token_blocklist t
		USING stale
		WHERE t.id = stale.id
	`, now, batchSize)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("delete expired blocklist entries: %w", err)
	}
	deletedBlocklist, err := res.RowsAffected()
	if err != nil {
		return PurgeResult{}, fmt.Errorf("expired blocklist rows affected: %w", err)
	}

	res, err = r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT email
			FROM auth_login_attempts
			WHERE updated_at < $1
			  AND (locked_until IS NULL OR locked_until < NOW())
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM auth_login_attempts t
		USING stale
		WHERE t.email = stale.email
	`, now.Add(-loginAttemptRetention), batchSize)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("delete stale login attempts: %w", err)
	}
	deletedAttempts, err := res.RowsAffected()
	if err != nil {
		return PurgeResult{}, fmt.Errorf("stale login attempts rows affected: %w", err)
	}

	return PurgeResult{
		DeletedBlocklistEntries: deletedBlocklist,
		DeletedLoginAttempts:    deletedAttempts,
	}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
