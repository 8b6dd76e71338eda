// Package model defines the core data structures for the challenge settler.
package model

import (
	"math"
	"math/big"
	"time"
)

// ActivityType identifies the external provider that tracks progress for a challenge.
type ActivityType string

// Supported activity providers. Anything else resolves every participant
// to an unknown ratio, which is a safe default rather than an error.
const (
	ActivityGitHub    ActivityType = "github"
	ActivityFarcaster ActivityType = "farcaster"
	ActivityWakaTime  ActivityType = "wakatime"
)

// PPM scale constants. The contract expects basis points; internally the
// pipeline carries parts-per-million for extra precision.
const (
	FullRefundPPM uint32 = 1_000_000
	MaxBps        uint16 = 10_000
)

// Challenge is a staking contest tracked on the ledger and mirrored in the cache.
type Challenge struct {
	// ContractAddress plus ChallengeID form the stable identity assigned by the ledger.
	ContractAddress string `json:"contract_address"`
	ChallengeID     uint64 `json:"challenge_id"`

	Recipient string `json:"recipient"`

	// StartTime and EndTime are ledger-native Unix timestamps (seconds).
	StartTime int64 `json:"start_time"`
	EndTime   int64 `json:"end_time"`

	IsPrivate bool   `json:"is_private"`
	Name      string `json:"name"`

	// ActivityType selects the progress provider; GoalKind is a free-form
	// descriptor of the counting rule (e.g. "per-day contribution").
	ActivityType ActivityType `json:"activity_type"`
	GoalKind     string       `json:"goal_kind"`

	// GoalAmount is the minimum per-day units for a day to count as met.
	GoalAmount int64 `json:"goal_amount"`

	Description string `json:"description"`

	// TotalDonationAmount is in the stake token's smallest unit.
	TotalDonationAmount *big.Int `json:"total_donation_amount"`

	// ResultsFinalized is set irreversibly true once the ledger accepts a declaration.
	ResultsFinalized bool `json:"results_finalized"`

	ParticipantCount int `json:"participant_count"`
}

// Eligible reports whether the challenge can be processed: it has ended
// and its results are not yet finalized on the ledger.
func (c Challenge) Eligible(now time.Time) bool {
	return c.EndTime <= now.Unix() && !c.ResultsFinalized
}

// Participant is one user's stake within a challenge.
type Participant struct {
	ContractAddress string `json:"contract_address"`
	ChallengeID     uint64 `json:"challenge_id"`
	Address         string `json:"participant_address"`

	// InitialAmount and Amount are stakes in the token's smallest unit.
	InitialAmount *big.Int `json:"initial_amount"`
	Amount        *big.Int `json:"amount"`

	// RefundBps is authoritative once ResultDeclared is true.
	RefundBps      uint16 `json:"refund_bps"`
	ResultDeclared bool   `json:"result_declared"`
}

// SettlementItem is one row of a prepared run for one participant.
// A nil ProgressRatio means the ratio could not be determined and the
// configured fallback percentage was applied.
type SettlementItem struct {
	Address       string   `json:"user"`
	Stake         *big.Int `json:"stake_minor_units"`
	PercentPPM    uint32   `json:"percent_ppm"`
	ProgressRatio *float64 `json:"progress_ratio"`

	// BatchNo and TxHash link the item to the chunked transaction that
	// declared it. Populated only after a successful declare.
	BatchNo *int   `json:"batch_no,omitempty"`
	TxHash  string `json:"tx_hash,omitempty"`
}

// Rule records what policy produced a run, for archival provenance.
type Rule struct {
	Type               string `json:"type"`
	FallbackPercentPPM uint32 `json:"fallback_percent_ppm"`
}

// Summary records the transactions that settled a challenge.
type Summary struct {
	RunID    string   `json:"run_id,omitempty"`
	TxHashes []string `json:"tx_hashes"`
}

// FinishedChallenge is the terminal, append-only archive row for a challenge.
type FinishedChallenge struct {
	ContractAddress string    `json:"contract_address"`
	ChallengeID     uint64    `json:"challenge_id"`
	Rule            Rule      `json:"rule"`
	Summary         Summary   `json:"summary"`
	ArchivedAt      time.Time `json:"archived_at"`
}

// FinishedParticipant is the terminal archive row for one participant,
// including the integer payout split derived from the final percentage.
type FinishedParticipant struct {
	ContractAddress string   `json:"contract_address"`
	ChallengeID     uint64   `json:"challenge_id"`
	Address         string   `json:"participant_address"`
	Stake           *big.Int `json:"stake_minor_units"`
	PercentPPM      uint32   `json:"percent_ppm"`
	ProgressRatio   *float64 `json:"progress_ratio"`
	BatchNo         *int     `json:"batch_no"`
	TxHash          string   `json:"tx_hash"`

	Payout PayoutBreakdown `json:"payout"`
}

// PayoutBreakdown is the integer split of a stake in the token's smallest
// unit. refund + fail = stake and commission + charity = fail always hold.
type PayoutBreakdown struct {
	RefundAmount     *big.Int `json:"refund_amount"`
	FailAmount       *big.Int `json:"fail_amount"`
	CommissionAmount *big.Int `json:"commission_amount"`
	CharityAmount    *big.Int `json:"charity_amount"`
	RewardAmount     *big.Int `json:"reward_from_commission_amount"`
}

// RatioToPPM clamps a completion ratio to [0,1] and converts it to
// parts-per-million.
func RatioToPPM(ratio float64) uint32 {
	if math.IsNaN(ratio) || ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return uint32(math.Round(ratio * 1_000_000))
}

// PPMToBps converts parts-per-million to the ledger's basis-point
// resolution: bps = round(ppm / 100).
func PPMToBps(ppm uint32) uint16 {
	return uint16((ppm + 50) / 100)
}

// BpsToPPM converts ledger basis points back to parts-per-million.
func BpsToPPM(bps uint16) uint32 {
	return uint32(bps) * 100
}

// ComputePayouts splits a stake using integer math in the token's smallest
// unit. percentPPM is the refund share; the failed remainder is split into
// platform commission and charity, with a slice of the commission reserved
// as a reward pool.
func ComputePayouts(stake *big.Int, percentPPM uint32, platformFeeBpsFail, rewardBpsOfFee uint32) PayoutBreakdown {
	if stake == nil || stake.Sign() < 0 {
		stake = big.NewInt(0)
	}
	if percentPPM > 1_000_000 {
		percentPPM = 1_000_000
	}

	million := big.NewInt(1_000_000)
	tenThousand := big.NewInt(10_000)

	refund := new(big.Int).Mul(stake, big.NewInt(int64(percentPPM)))
	refund.Div(refund, million)

	fail := new(big.Int).Sub(stake, refund)

	commission := new(big.Int).Mul(fail, big.NewInt(int64(platformFeeBpsFail)))
	commission.Div(commission, tenThousand)

	charity := new(big.Int).Sub(fail, commission)

	reward := new(big.Int).Mul(commission, big.NewInt(int64(rewardBpsOfFee)))
	reward.Div(reward, tenThousand)

	return PayoutBreakdown{
		RefundAmount:     refund,
		FailAmount:       fail,
		CommissionAmount: commission,
		CharityAmount:    charity,
		RewardAmount:     reward,
	}
}
