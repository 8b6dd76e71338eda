// Package settle turns a cached challenge into a concrete settlement run:
// one item per participant with a final refund percentage.
package settle

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/challenge-settler/internal/config"
	"github.com/yourorg/challenge-settler/internal/model"
	"github.com/yourorg/challenge-settler/internal/progress"
	"github.com/yourorg/challenge-settler/internal/store"
)

// Plan is a prepared run for one challenge. Items are ordered by address
// so repeated preparations of the same state are byte-identical.
type Plan struct {
	Challenge *model.Challenge
	Items     []model.SettlementItem
	Rule      model.Rule

	// UnknownCount is how many items fell back because no ratio could be
	// resolved. The orchestrator uses it for the full-outage guard.
	UnknownCount int
}

// ResolverFactory builds the progress strategy for an activity type. It
// exists so tests can substitute deterministic resolvers.
type ResolverFactory func(activity model.ActivityType) progress.Resolver

// Preparer assembles settlement plans. It only reads: no ledger or cache
// writes happen here.
type Preparer struct {
	store      store.Store
	resolverFn ResolverFactory
}

// NewPreparer creates a Preparer using the default resolver strategies.
func NewPreparer(cfg config.Config, st store.Store, creds store.CredentialStore) *Preparer {
	return &Preparer{
		store: st,
		resolverFn: func(activity model.ActivityType) progress.Resolver {
			return progress.New(cfg, activity, creds)
		},
	}
}

// NewPreparerWithResolver creates a Preparer with a custom resolver factory.
func NewPreparerWithResolver(st store.Store, fn ResolverFactory) *Preparer {
	return &Preparer{store: st, resolverFn: fn}
}

// Prepare builds the plan for one cached challenge. Progress resolution is
// one batched call for the whole participant set; a participant whose
// ratio comes back unknown gets fallbackPPM and a nil recorded ratio.
func (p *Preparer) Prepare(ctx context.Context, contract string, challengeID uint64, fallbackPPM uint32) (*Plan, error) {
	challenge, err := p.store.GetChallenge(ctx, contract, challengeID)
	if err != nil {
		return nil, fmt.Errorf("load challenge %d: %w", challengeID, err)
	}

	participants, err := p.store.ListParticipants(ctx, contract, challengeID)
	if err != nil {
		return nil, fmt.Errorf("load participants for challenge %d: %w", challengeID, err)
	}

	addresses := make([]string, 0, len(participants))
	for _, part := range participants {
		addresses = append(addresses, part.Address)
	}

	win := progress.Window{Start: challenge.StartTime, End: challenge.EndTime}
	ratios := p.resolverFn(challenge.ActivityType).Resolve(ctx, addresses, win, challenge.GoalAmount)

	plan := &Plan{
		Challenge: challenge,
		Items:     make([]model.SettlementItem, 0, len(participants)),
		Rule: model.Rule{
			Type:               "daily-threshold",
			FallbackPercentPPM: fallbackPPM,
		},
	}

	for _, part := range participants {
		item := model.SettlementItem{
			Address: part.Address,
			Stake:   part.Amount,
		}
		if ratio := ratios[part.Address]; ratio != nil {
			item.PercentPPM = model.RatioToPPM(*ratio)
			item.ProgressRatio = ratio
		} else {
			item.PercentPPM = fallbackPPM
			plan.UnknownCount++
		}
		plan.Items = append(plan.Items, item)
	}

	logrus.WithFields(logrus.Fields{
		"challenge_id": challengeID,
		"participants": len(plan.Items),
		"unknown":      plan.UnknownCount,
	}).Debug("Prepared settlement plan")
	return plan, nil
}
