package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/yourorg/challenge-settler/internal/model"
	"github.com/yourorg/challenge-settler/internal/store"
)

// CacheParticipants refreshes the participant mirror for one challenge.
// The guards run inside the same transaction as the writes so a concurrent
// archive cannot slip between check and insert.
func (r *Repo) CacheParticipants(ctx context.Context, contract string, challengeID uint64, participants []model.Participant, now time.Time) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cache participants: %w", err)
	}
	defer tx.Rollback()

	var archived bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM finished_challenges
			WHERE contract_address = $1 AND challenge_id = $2
		)
	`, contract, int64(challengeID)).Scan(&archived)
	if err != nil {
		return 0, fmt.Errorf("check archived: %w", err)
	}
	if archived {
		return 0, store.ErrChallengeArchived
	}

	var ready bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM chain_challenges
			WHERE contract_address = $1 AND challenge_id = $2
			  AND end_time <= $3 AND results_finalized = false
		)
	`, contract, int64(challengeID), now.Unix()).Scan(&ready)
	if err != nil {
		return 0, fmt.Errorf("check ready: %w", err)
	}
	if !ready {
		return 0, store.ErrChallengeNotReady
	}

	n := 0
	for _, p := range participants {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chain_participants (
				contract_address, challenge_id, participant_address,
				initial_amount, amount, refund_bps, result_declared
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (contract_address, challenge_id, participant_address) DO UPDATE SET
				initial_amount = EXCLUDED.initial_amount,
				amount = EXCLUDED.amount,
				refund_bps = EXCLUDED.refund_bps,
				result_declared = EXCLUDED.result_declared,
				updated_at = now()
		`, contract, int64(challengeID), p.Address,
			numericString(p.InitialAmount), numericString(p.Amount),
			int16(p.RefundBps), p.ResultDeclared)
		if err != nil {
			return 0, fmt.Errorf("upsert participant %s: %w", p.Address, err)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cache participants: %w", err)
	}
	return n, nil
}

// ListParticipants returns the cached mirror for one challenge, ordered by
// address for deterministic settlement runs.
func (r *Repo) ListParticipants(ctx context.Context, contract string, challengeID uint64) ([]model.Participant, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT participant_address, initial_amount, amount, refund_bps, result_declared
		FROM chain_participants
		WHERE contract_address = $1 AND challenge_id = $2
		ORDER BY participant_address
	`, contract, int64(challengeID))
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var participants []model.Participant
	for rows.Next() {
		var (
			p       model.Participant
			initial string
			amount  string
			refund  int16
		)
		if err := rows.Scan(&p.Address, &initial, &amount, &refund, &p.ResultDeclared); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		p.ContractAddress = contract
		p.ChallengeID = challengeID
		p.InitialAmount = parseNumeric(initial)
		p.Amount = parseNumeric(amount)
		p.RefundBps = uint16(refund)
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// DeleteParticipants removes the live participant rows for one challenge.
func (r *Repo) DeleteParticipants(ctx context.Context, contract string, challengeID uint64) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM chain_participants WHERE contract_address = $1 AND challenge_id = $2
	`, contract, int64(challengeID)); err != nil {
		return fmt.Errorf("delete participants: %w", err)
	}
	return nil
}
