package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/yourorg/challenge-settler/internal/model"
)

// IsArchived reports whether a challenge already has an archive row.
func (r *Repo) IsArchived(ctx context.Context, contract string, challengeID uint64) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var archived bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM finished_challenges
			WHERE contract_address = $1 AND challenge_id = $2
		)
	`, contract, int64(challengeID)).Scan(&archived)
	if err != nil {
		return false, fmt.Errorf("check archived: %w", err)
	}
	return archived, nil
}

// ArchiveChallenge writes the terminal rows and deletes the live mirror in
// a single transaction. The inserts use DO NOTHING so a retry after a
// partial failure never overwrites an existing archive.
func (r *Repo) ArchiveChallenge(ctx context.Context, challenge model.FinishedChallenge, participants []model.FinishedParticipant) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rule, err := json.Marshal(challenge.Rule)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}
	summary, err := json.Marshal(challenge.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO finished_challenges (contract_address, challenge_id, rule, summary)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (contract_address, challenge_id) DO NOTHING
	`, challenge.ContractAddress, int64(challenge.ChallengeID), rule, summary)
	if err != nil {
		return fmt.Errorf("insert finished challenge: %w", err)
	}

	for _, p := range participants {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO finished_participants (
				contract_address, challenge_id, participant_address,
				stake_minor_units, percent_ppm, progress_ratio, batch_no, tx_hash,
				refund_amount, fail_amount, commission_amount, charity_amount, reward_amount
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (contract_address, challenge_id, participant_address) DO NOTHING
		`, p.ContractAddress, int64(p.ChallengeID), p.Address,
			numericString(p.Stake), int64(p.PercentPPM), p.ProgressRatio, p.BatchNo, p.TxHash,
			numericString(p.Payout.RefundAmount), numericString(p.Payout.FailAmount),
			numericString(p.Payout.CommissionAmount), numericString(p.Payout.CharityAmount),
			numericString(p.Payout.RewardAmount))
		if err != nil {
			return fmt.Errorf("insert finished participant %s: %w", p.Address, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM chain_participants WHERE contract_address = $1 AND challenge_id = $2
	`, challenge.ContractAddress, int64(challenge.ChallengeID))
	if err != nil {
		return fmt.Errorf("delete live participants: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM chain_challenges WHERE contract_address = $1 AND challenge_id = $2
	`, challenge.ContractAddress, int64(challenge.ChallengeID))
	if err != nil {
		return fmt.Errorf("delete live challenge: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive: %w", err)
	}
	return nil
}
