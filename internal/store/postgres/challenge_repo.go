package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/yourorg/challenge-settler/internal/model"
	"github.com/yourorg/challenge-settler/internal/store"
)

// Repo implements store.Store on Postgres. Its methods are grouped by
// concern across the repo files in this package.
type Repo struct {
	db *DB
}

// NewRepo wraps the pool.
func NewRepo(db *DB) *Repo {
	return &Repo{db: db}
}

const challengeColumns = `contract_address, challenge_id, recipient, start_time, end_time,
	is_private, name, activity_type, goal_kind, goal_amount, description,
	total_donation_amount, results_finalized, participant_count`

// UpsertChallenges mirrors ledger state into the cache. Re-upserting is a
// harmless refresh; the natural key guarantees idempotency.
func (r *Repo) UpsertChallenges(ctx context.Context, challenges []model.Challenge) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin upsert challenges: %w", err)
	}
	defer tx.Rollback()

	n := 0
	for _, c := range challenges {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chain_challenges (`+challengeColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (contract_address, challenge_id) DO UPDATE SET
				recipient = EXCLUDED.recipient,
				start_time = EXCLUDED.start_time,
				end_time = EXCLUDED.end_time,
				is_private = EXCLUDED.is_private,
				name = EXCLUDED.name,
				activity_type = EXCLUDED.activity_type,
				goal_kind = EXCLUDED.goal_kind,
				goal_amount = EXCLUDED.goal_amount,
				description = EXCLUDED.description,
				total_donation_amount = EXCLUDED.total_donation_amount,
				results_finalized = EXCLUDED.results_finalized,
				participant_count = EXCLUDED.participant_count,
				updated_at = now()
		`, c.ContractAddress, int64(c.ChallengeID), c.Recipient, c.StartTime, c.EndTime,
			c.IsPrivate, c.Name, string(c.ActivityType), c.GoalKind, c.GoalAmount, c.Description,
			numericString(c.TotalDonationAmount), c.ResultsFinalized, c.ParticipantCount)
		if err != nil {
			return 0, fmt.Errorf("upsert challenge %d: %w", c.ChallengeID, err)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert challenges: %w", err)
	}
	return n, nil
}

// GetChallenge returns one cached challenge or store.ErrNotFound.
func (r *Repo) GetChallenge(ctx context.Context, contract string, challengeID uint64) (*model.Challenge, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+challengeColumns+`
		FROM chain_challenges
		WHERE contract_address = $1 AND challenge_id = $2
	`, contract, int64(challengeID))

	c, err := scanChallenge(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get challenge: %w", err)
	}
	return c, nil
}

// ListReadyChallenges returns cached challenges whose window has ended and
// whose results are not finalized, the pipeline's eligibility test.
func (r *Repo) ListReadyChallenges(ctx context.Context, contract string, now time.Time, limit int) ([]model.Challenge, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+challengeColumns+`
		FROM chain_challenges
		WHERE contract_address = $1 AND end_time <= $2 AND results_finalized = false
		ORDER BY challenge_id
		LIMIT $3
	`, contract, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("query ready challenges: %w", err)
	}
	defer rows.Close()

	var challenges []model.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ready challenge: %w", err)
		}
		challenges = append(challenges, *c)
	}
	return challenges, rows.Err()
}

// DeleteChallenge removes a live challenge row.
func (r *Repo) DeleteChallenge(ctx context.Context, contract string, challengeID uint64) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM chain_challenges WHERE contract_address = $1 AND challenge_id = $2
	`, contract, int64(challengeID)); err != nil {
		return fmt.Errorf("delete challenge: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChallenge(row rowScanner) (*model.Challenge, error) {
	var (
		c            model.Challenge
		challengeID  int64
		activityType string
		donation     string
	)
	err := row.Scan(
		&c.ContractAddress, &challengeID, &c.Recipient, &c.StartTime, &c.EndTime,
		&c.IsPrivate, &c.Name, &activityType, &c.GoalKind, &c.GoalAmount, &c.Description,
		&donation, &c.ResultsFinalized, &c.ParticipantCount,
	)
	if err != nil {
		return nil, err
	}
	c.ChallengeID = uint64(challengeID)
	c.ActivityType = model.ActivityType(activityType)
	c.TotalDonationAmount = parseNumeric(donation)
	return &c, nil
}

// numericString renders a big integer for a NUMERIC column; nil maps to 0.
func numericString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// parseNumeric converts a NUMERIC column value back to a big integer.
// Malformed values (impossible given the schema) decode to zero.
func parseNumeric(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}
