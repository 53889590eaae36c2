package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/prperemyshlev/social-connections/internal/domain"
	"github.com/prperemyshlev/social-connections/internal/utils"
	"github.com/prperemyshlev/social-connections/pkg/database"
)

const connectionColumns = `id, user_id, platform, external_account_id, external_account_handle, status,
	access_token, refresh_token, token_expires_at, token_issued_at, scopes, last_error,
	next_refresh_at, refresh_attempts, created_at, updated_at`

// connectionRepository implements ConnectionRepository on PostgreSQL
type connectionRepository struct {
	db     *database.Postgres
	cipher *utils.TokenCipher
}

// NewConnectionRepository creates a new connection repository
func NewConnectionRepository(db *database.Postgres, cipher *utils.TokenCipher) ConnectionRepository {
	return &connectionRepository{db: db, cipher: cipher}
}

// Upsert creates the connection or overwrites the one with the same identity
func (r *connectionRepository) Upsert(ctx context.Context, c *domain.Connection) error {
	query := `
		INSERT INTO social_account_connections (` + connectionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (user_id, platform, external_account_id) DO UPDATE SET
			external_account_handle = EXCLUDED.external_account_handle,
			status = EXCLUDED.status,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expires_at = EXCLUDED.token_expires_at,
			token_issued_at = EXCLUDED.token_issued_at,
			scopes = EXCLUDED.scopes,
			last_error = EXCLUDED.last_error,
			next_refresh_at = EXCLUDED.next_refresh_at,
			refresh_attempts = EXCLUDED.refresh_attempts,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at
	`

	if c.ID == "" {
		c.ID = uuid.New().String()
	}

	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}

	accessToken, refreshToken, err := r.seal(c)
	if err != nil {
		return err
	}

	err = r.db.DB.QueryRowContext(ctx, query,
		c.ID,
		c.UserID,
		c.Platform,
		c.ExternalAccountID,
		c.ExternalAccountHandle,
		c.Status,
		accessToken,
		refreshToken,
		c.TokenExpiresAt,
		c.TokenIssuedAt,
		pq.Array(scopesOrEmpty(c.Scopes)),
		c.LastError,
		c.NextRefreshAt,
		c.RefreshAttempts,
		c.CreatedAt,
		c.UpdatedAt,
	).Scan(&c.ID, &c.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to upsert connection: %w", err)
	}

	return nil
}

// Update overwrites every mutable column of the connection with c.ID
func (r *connectionRepository) Update(ctx context.Context, c *domain.Connection) error {
	query := `
		UPDATE social_account_connections SET
			external_account_id = $2,
			external_account_handle = $3,
			status = $4,
			access_token = $5,
			refresh_token = $6,
			token_expires_at = $7,
			token_issued_at = $8,
			scopes = $9,
			last_error = $10,
			next_refresh_at = $11,
			refresh_attempts = $12,
			updated_at = $13
		WHERE id = $1
	`

	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}

	accessToken, refreshToken, err := r.seal(c)
	if err != nil {
		return err
	}

	result, err := r.db.DB.ExecContext(ctx, query,
		c.ID,
		c.ExternalAccountID,
		c.ExternalAccountHandle,
		c.Status,
		accessToken,
		refreshToken,
		c.TokenExpiresAt,
		c.TokenIssuedAt,
		pq.Array(scopesOrEmpty(c.Scopes)),
		c.LastError,
		c.NextRefreshAt,
		c.RefreshAttempts,
		c.UpdatedAt,
	)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			if pqErr.Code == "23505" { // unique_violation
				return fmt.Errorf("connection %s: %w", c.ID, ErrDuplicateConnection)
			}
		}
		return fmt.Errorf("failed to update connection: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("connection with id %s not found: %w", c.ID, ErrNotFound)
	}

	return nil
}

// GetByID retrieves a connection by ID
func (r *connectionRepository) GetByID(ctx context.Context, id string) (*domain.Connection, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("connection with id %s not found: %w", id, ErrNotFound)
	}

	query := `SELECT ` + connectionColumns + ` FROM social_account_connections WHERE id = $1`

	c, err := r.scan(r.db.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("connection with id %s not found: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get connection by id: %w", err)
	}

	return c, nil
}

// GetByIdentity retrieves the connection for one external account of a user
func (r *connectionRepository) GetByIdentity(ctx context.Context, userID string, platform domain.Platform, externalAccountID string) (*domain.Connection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM social_account_connections
		WHERE user_id = $1 AND platform = $2 AND external_account_id = $3
	`

	c, err := r.scan(r.db.DB.QueryRowContext(ctx, query, userID, platform, externalAccountID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("connection for %s/%s not found: %w", userID, platform, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get connection by identity: %w", err)
	}

	return c, nil
}

// ListByUser retrieves all connections of a user, newest first
func (r *connectionRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Connection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM social_account_connections
		WHERE user_id = $1
		ORDER BY created_at DESC
	`

	return r.query(ctx, query, userID)
}

// ListDue retrieves connections whose scheduled refresh time has passed
func (r *connectionRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Connection, error) {
	query := `
		SELECT ` + connectionColumns + `
		FROM social_account_connections
		WHERE next_refresh_at IS NOT NULL
			AND next_refresh_at <= $1
			AND status = ANY($2)
		ORDER BY next_refresh_at ASC
		LIMIT $3
	`

	statuses := pq.Array([]string{
		string(domain.StatusActive),
		string(domain.StatusTokenExpired),
		string(domain.StatusRateLimited),
		string(domain.StatusTokenRefreshing),
	})

	return r.query(ctx, query, now, statuses, limit)
}

// ExpireActive demotes ACTIVE connections with an expired token
func (r *connectionRepository) ExpireActive(ctx context.Context, now time.Time) ([]*domain.Connection, error) {
	query := `
		UPDATE social_account_connections
		SET status = $2, updated_at = $1
		WHERE status = $3 AND token_expires_at IS NOT NULL AND token_expires_at <= $1
		RETURNING ` + connectionColumns

	return r.query(ctx, query, now, domain.StatusTokenExpired, domain.StatusActive)
}

func (r *connectionRepository) query(ctx context.Context, query string, args ...any) ([]*domain.Connection, error) {
	rows, err := r.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	var connections []*domain.Connection
	for rows.Next() {
		c, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		connections = append(connections, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate connections: %w", err)
	}

	return connections, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *connectionRepository) scan(row rowScanner) (*domain.Connection, error) {
	c := &domain.Connection{}
	var (
		accessToken, refreshToken     string
		expiresAt, issuedAt, nextTime sql.NullTime
		scopes                        pq.StringArray
	)

	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.Platform,
		&c.ExternalAccountID,
		&c.ExternalAccountHandle,
		&c.Status,
		&accessToken,
		&refreshToken,
		&expiresAt,
		&issuedAt,
		&scopes,
		&c.LastError,
		&nextTime,
		&c.RefreshAttempts,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if c.AccessToken, err = r.cipher.Decrypt(accessToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token of %s: %w", c.ID, err)
	}
	if c.RefreshToken, err = r.cipher.Decrypt(refreshToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token of %s: %w", c.ID, err)
	}

	c.TokenExpiresAt = nullTime(expiresAt)
	c.TokenIssuedAt = nullTime(issuedAt)
	c.NextRefreshAt = nullTime(nextTime)
	c.Scopes = []string(scopes)

	return c, nil
}

func (r *connectionRepository) seal(c *domain.Connection) (string, string, error) {
	accessToken, err := r.cipher.Encrypt(c.AccessToken)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt access token: %w", err)
	}

	refreshToken, err := r.cipher.Encrypt(c.RefreshToken)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	return accessToken, refreshToken, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func scopesOrEmpty(scopes []string) []string {
	if scopes == nil {
		return []string{}
	}
	return scopes
}
