package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// TokenRepo implements store.CredentialStore. Tokens are written by the
// OAuth flow elsewhere; this side only reads them.
type TokenRepo struct {
	db *DB
}

// NewTokenRepo wraps the pool.
func NewTokenRepo(db *DB) *TokenRepo {
	return &TokenRepo{db: db}
}

// AccessTokens returns provider tokens keyed by lowercased wallet address.
// Addresses without a stored token are simply absent from the result.
func (r *TokenRepo) AccessTokens(ctx context.Context, provider string, addresses []string) (map[string]string, error) {
	tokens := make(map[string]string, len(addresses))
	if len(addresses) == 0 {
		return tokens, nil
	}

	lowered := make([]string, 0, len(addresses))
	for _, a := range addresses {
		lowered = append(lowered, strings.ToLower(a))
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT lower(wallet_address), access_token
		FROM user_tokens
		WHERE provider = $1 AND lower(wallet_address) = ANY($2)
	`, provider, pq.Array(lowered))
	if err != nil {
		return nil, fmt.Errorf("query access tokens: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var addr, token string
		if err := rows.Scan(&addr, &token); err != nil {
			return nil, fmt.Errorf("scan access token: %w", err)
		}
		tokens[addr] = token
	}
	return tokens, rows.Err()
}
