package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polymirror/copytrader/internal/domain"
)

// FollowedUserStore implements domain.FollowedUserStore using PostgreSQL.
type FollowedUserStore struct {
	pool *pgxpool.Pool
}

// NewFollowedUserStore creates a new FollowedUserStore backed by the given
// connection pool.
func NewFollowedUserStore(pool *pgxpool.Pool) *FollowedUserStore {
	return &FollowedUserStore{pool: pool}
}

const followedUserSelectCols = `id, profile_wallet, label, enabled, created_at, updated_at`

func scanFollowedUserRows(rows pgx.Rows) ([]domain.FollowedUser, error) {
	var users []domain.FollowedUser
	for rows.Next() {
		var u domain.FollowedUser
		if err := rows.Scan(
			&u.ID, &u.ProfileWallet, &u.Label, &u.Enabled,
			&u.CreatedAt, &u.UpdatedAt,
		); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Upsert inserts a followed user or updates label/enabled on wallet conflict.
// Wallets are stored lowercase. Returns the stored row with ID set.
func (s *FollowedUserStore) Upsert(ctx context.Context, u domain.FollowedUser) (domain.FollowedUser, error) {
	const query = `
		INSERT INTO followed_users (profile_wallet, label, enabled)
		VALUES ($1, $2, $3)
		ON CONFLICT (profile_wallet) DO UPDATE SET
			label      = EXCLUDED.label,
			enabled    = EXCLUDED.enabled,
			updated_at = NOW()
		RETURNING ` + followedUserSelectCols

	row := s.pool.QueryRow(ctx, query, strings.ToLower(u.ProfileWallet), u.Label, u.Enabled)

	var out domain.FollowedUser
	if err := row.Scan(
		&out.ID, &out.ProfileWallet, &out.Label, &out.Enabled,
		&out.CreatedAt, &out.UpdatedAt,
	); err != nil {
		return domain.FollowedUser{}, fmt.Errorf("postgres: upsert followed user %s: %w", u.ProfileWallet, err)
	}
	return out, nil
}

// GetByID retrieves a single followed user.
func (s *FollowedUserStore) GetByID(ctx context.Context, id int64) (domain.FollowedUser, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+followedUserSelectCols+` FROM followed_users WHERE id = $1`, id)

	var u domain.FollowedUser
	err := row.Scan(&u.ID, &u.ProfileWallet, &u.Label, &u.Enabled, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.FollowedUser{}, domain.ErrNotFound
		}
		return domain.FollowedUser{}, fmt.Errorf("postgres: get followed user %d: %w", id, err)
	}
	return u, nil
}

// ListEnabled returns every enabled followed user. The ingestors build the
// wallet attribution snapshot from this set.
func (s *FollowedUserStore) ListEnabled(ctx context.Context) ([]domain.FollowedUser, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+followedUserSelectCols+` FROM followed_users WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list enabled followed users: %w", err)
	}
	defer rows.Close()

	users, err := scanFollowedUserRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan enabled followed users: %w", err)
	}
	return users, nil
}

// List returns followed users with pagination.
func (s *FollowedUserStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.FollowedUser, error) {
	query := `SELECT ` + followedUserSelectCols + ` FROM followed_users ORDER BY id`
	args := []any{}
	argIdx := 1

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list followed users: %w", err)
	}
	defer rows.Close()

	users, err := scanFollowedUserRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan followed users: %w", err)
	}
	return users, nil
}

// UpsertProxyWallet records a proxy wallet attribution for a followed user.
// Wallets are stored lowercase.
func (s *FollowedUserStore) UpsertProxyWallet(ctx context.Context, p domain.ProxyWallet) error {
	const query = `
		INSERT INTO followed_user_proxy_wallets (wallet, followed_user_id)
		VALUES ($1, $2)
		ON CONFLICT (wallet) DO UPDATE SET
			followed_user_id = EXCLUDED.followed_user_id`

	_, err := s.pool.Exec(ctx, query, strings.ToLower(p.Wallet), p.FollowedUserID)
	if err != nil {
		return fmt.Errorf("postgres: upsert proxy wallet %s: %w", p.Wallet, err)
	}
	return nil
}

// ListProxyWallets returns every proxy wallet attribution.
func (s *FollowedUserStore) ListProxyWallets(ctx context.Context) ([]domain.ProxyWallet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT wallet, followed_user_id, created_at FROM followed_user_proxy_wallets ORDER BY wallet`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list proxy wallets: %w", err)
	}
	defer rows.Close()

	var wallets []domain.ProxyWallet
	for rows.Next() {
		var p domain.ProxyWallet
		if err := rows.Scan(&p.Wallet, &p.FollowedUserID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan proxy wallet: %w", err)
		}
		wallets = append(wallets, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list proxy wallets rows: %w", err)
	}
	return wallets, nil
}
