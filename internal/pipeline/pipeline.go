// Package pipeline orchestrates one settlement run: refresh the cache from
// the ledger, prepare and declare results for every ended challenge, and
// archive the outcomes. The orchestrator is the only caller of the other
// components and isolates failures per challenge.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/challenge-settler/internal/chain"
	"github.com/yourorg/challenge-settler/internal/metrics"
	"github.com/yourorg/challenge-settler/internal/model"
	"github.com/yourorg/challenge-settler/internal/otel"
	"github.com/yourorg/challenge-settler/internal/settle"
	"github.com/yourorg/challenge-settler/internal/store"
)

// ChallengeReader is the ledger read surface the orchestrator needs.
type ChallengeReader interface {
	ListChallenges(ctx context.Context, limit int) ([]model.Challenge, error)
	ChallengeDetail(ctx context.Context, challengeID uint64) (*model.Challenge, []model.Participant, error)
}

// ResultWriter is the ledger write surface the orchestrator needs.
type ResultWriter interface {
	Declare(ctx context.Context, challengeID uint64, items []model.SettlementItem, chunkSize int, send bool) (*chain.DeclareResult, error)
}

// Planner prepares the settlement plan for one cached challenge.
type Planner interface {
	Prepare(ctx context.Context, contract string, challengeID uint64, fallbackPPM uint32) (*settle.Plan, error)
}

// Config carries the run-shaping knobs for the orchestrator.
type Config struct {
	ContractAddress      string
	FallbackPPM          uint32
	ChunkSize            int
	Send                 bool
	UnknownSkipThreshold float64
	ListLimit            int
	ReadyLimit           int
	PlatformFeeBpsFail   uint32
	RewardBpsOfFee       uint32
}

// Orchestrator runs the settlement pipeline end to end.
type Orchestrator struct {
	cfg      Config
	reader   ChallengeReader
	writer   ResultWriter
	planner  Planner
	store    store.Store
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewOrchestrator wires the pipeline components together.
func NewOrchestrator(cfg Config, reader ChallengeReader, writer ResultWriter, planner Planner, st store.Store, m *metrics.Metrics) *Orchestrator {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Orchestrator{
		cfg:     cfg,
		reader:  reader,
		writer:  writer,
		planner: planner,
		store:   st,
		metrics: m,
		now:     time.Now,
	}
}

// Report summarizes one pipeline run.
type Report struct {
	RunID      string `json:"run_id"`
	Refreshed  int    `json:"refreshed"`
	Ready      int    `json:"ready"`
	Declared   int    `json:"declared"`
	Archived   int    `json:"archived"`
	Reconciled int    `json:"reconciled"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
}

// Run executes one full pipeline pass. Per-challenge failures are logged
// and skipped so one bad challenge cannot block the rest.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: uuid.NewString()}
	started := o.now()

	ctx, span := otel.Tracer().Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("run_id", report.RunID)))
	defer span.End()

	log := logrus.WithField("run_id", report.RunID)
	log.Info("Starting settlement run")

	// A transient ledger-read failure here must not strand challenges that
	// earlier runs already cached; settlement proceeds from the cache.
	if err := o.refresh(ctx, report); err != nil {
		otel.RecordError(ctx, err)
		log.Warnf("Cache refresh failed, settling from previously cached challenges: %v", err)
	}

	ready, err := o.store.ListReadyChallenges(ctx, o.cfg.ContractAddress, o.now(), o.cfg.ReadyLimit)
	if err != nil {
		o.metrics.RunsTotal.WithLabelValues("error").Inc()
		otel.RecordError(ctx, err)
		return report, fmt.Errorf("list ready challenges: %w", err)
	}
	report.Ready = len(ready)

	for _, challenge := range ready {
		if err := o.processChallenge(ctx, challenge, report); err != nil {
			report.Failed++
			o.metrics.ChallengesProcessed.WithLabelValues("failed").Inc()
			otel.RecordError(ctx, err)
			log.WithField("challenge_id", challenge.ChallengeID).
				Warnf("Challenge processing failed, continuing: %v", err)
		}
	}

	o.metrics.RunsTotal.WithLabelValues("ok").Inc()
	o.metrics.RunDuration.Observe(o.now().Sub(started).Seconds())

	log.WithFields(logrus.Fields{
		"refreshed":  report.Refreshed,
		"ready":      report.Ready,
		"declared":   report.Declared,
		"archived":   report.Archived,
		"reconciled": report.Reconciled,
		"skipped":    report.Skipped,
		"failed":     report.Failed,
		"duration":   o.now().Sub(started),
	}).Info("Settlement run finished")
	return report, nil
}

// refresh mirrors the ledger's ended, unfinalized challenges into the
// cache. Still-running and externally finalized challenges never enter the
// cache, and challenges already archived are skipped so a terminal outcome
// is never resurrected.
func (o *Orchestrator) refresh(ctx context.Context, report *Report) error {
	ctx, span := otel.Tracer().Start(ctx, "pipeline.refresh")
	defer span.End()

	challenges, err := o.reader.ListChallenges(ctx, o.cfg.ListLimit)
	if err != nil {
		return fmt.Errorf("list challenges: %w", err)
	}

	now := o.now()
	fresh := make([]model.Challenge, 0, len(challenges))
	for _, c := range challenges {
		if !c.Eligible(now) {
			continue
		}
		archived, err := o.store.IsArchived(ctx, c.ContractAddress, c.ChallengeID)
		if err != nil {
			return fmt.Errorf("check archived %d: %w", c.ChallengeID, err)
		}
		if archived {
			logrus.Debugf("Challenge %d already archived, not re-caching", c.ChallengeID)
			continue
		}
		fresh = append(fresh, c)
	}

	n, err := o.store.UpsertChallenges(ctx, fresh)
	if err != nil {
		return fmt.Errorf("upsert challenges: %w", err)
	}
	report.Refreshed = n
	return nil
}

// processChallenge handles one ready challenge end to end.
func (o *Orchestrator) processChallenge(ctx context.Context, cached model.Challenge, report *Report) error {
	ctx, span := otel.Tracer().Start(ctx, "pipeline.challenge",
		trace.WithAttributes(attribute.Int64("challenge_id", int64(cached.ChallengeID))))
	defer span.End()

	log := logrus.WithField("challenge_id", cached.ChallengeID)

	// Fresh ledger detail: the authoritative participant set, including
	// which results are already declared.
	detail, participants, err := o.reader.ChallengeDetail(ctx, cached.ChallengeID)
	if err != nil {
		return fmt.Errorf("challenge detail: %w", err)
	}

	if detail.ResultsFinalized {
		// The ledger finished this challenge outside of us; reconcile.
		report.Reconciled++
		return o.archive(ctx, detail, participants, nil, nil, report)
	}

	if _, err := o.store.CacheParticipants(ctx, detail.ContractAddress, detail.ChallengeID, participants, o.now()); err != nil {
		if errors.Is(err, store.ErrChallengeArchived) {
			log.Debug("Challenge archived concurrently, skipping")
			return nil
		}
		return fmt.Errorf("cache participants: %w", err)
	}

	plan, err := o.planner.Prepare(ctx, detail.ContractAddress, detail.ChallengeID, o.cfg.FallbackPPM)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}

	pending := pendingItems(plan.Items, participants)
	if len(pending) == 0 {
		// Everything already declared on the ledger; archive only.
		report.Reconciled++
		return o.archive(ctx, detail, participants, plan, nil, report)
	}

	if len(plan.Items) > 0 && o.cfg.UnknownSkipThreshold > 0 {
		unknownRatio := float64(plan.UnknownCount) / float64(len(plan.Items))
		if unknownRatio >= o.cfg.UnknownSkipThreshold {
			report.Skipped++
			o.metrics.UnknownRatioSkips.Inc()
			o.metrics.ChallengesProcessed.WithLabelValues("skipped").Inc()
			log.WithField("unknown_ratio", unknownRatio).
				Warn("Provider outage guard engaged, leaving challenge for next run")
			return nil
		}
	}

	result, err := o.writer.Declare(ctx, detail.ChallengeID, pending, o.cfg.ChunkSize, o.cfg.Send)
	if err != nil {
		if errors.Is(err, chain.ErrAlreadyDeclared) {
			return o.reconcile(ctx, detail.ChallengeID, plan, report)
		}
		return fmt.Errorf("declare: %w", err)
	}

	if result.DryRun {
		report.Skipped++
		o.metrics.ChallengesProcessed.WithLabelValues("dry_run").Inc()
		log.WithField("chunks", len(result.Payload.Chunks)).
			Info("Dry run, payload prepared but not broadcast")
		return nil
	}

	report.Declared++
	o.metrics.ParticipantsSettled.Add(float64(len(pending)))
	o.metrics.TxSubmitted.Add(float64(len(result.TxHashes)))

	annotate(pending, result, o.cfg.ChunkSize)
	mergeAnnotations(plan.Items, pending)

	o.metrics.ChallengesProcessed.WithLabelValues("declared").Inc()
	return o.archive(ctx, detail, participants, plan, result, report)
}

// reconcile handles the ledger's "already declared" signal: re-read the
// detail and archive when nothing is left pending.
func (o *Orchestrator) reconcile(ctx context.Context, challengeID uint64, plan *settle.Plan, report *Report) error {
	detail, participants, err := o.reader.ChallengeDetail(ctx, challengeID)
	if err != nil {
		return fmt.Errorf("reconcile detail: %w", err)
	}

	if stillPending(participants) {
		logrus.WithField("challenge_id", challengeID).
			Info("Partial declaration on ledger, leaving challenge for next run")
		return nil
	}

	report.Reconciled++
	o.metrics.ChallengesProcessed.WithLabelValues("reconciled").Inc()
	return o.archive(ctx, detail, participants, plan, nil, report)
}

// archive writes the terminal rows and removes the live mirror.
func (o *Orchestrator) archive(ctx context.Context, challenge *model.Challenge, participants []model.Participant, plan *settle.Plan, result *chain.DeclareResult, report *Report) error {
	ctx, span := otel.Tracer().Start(ctx, "pipeline.archive")
	defer span.End()

	rule := model.Rule{Type: "daily-threshold", FallbackPercentPPM: o.cfg.FallbackPPM}
	if plan != nil {
		rule = plan.Rule
	}

	summary := model.Summary{RunID: report.RunID}
	if result != nil {
		summary.TxHashes = result.TxHashes
	}

	finished := model.FinishedChallenge{
		ContractAddress: challenge.ContractAddress,
		ChallengeID:     challenge.ChallengeID,
		Rule:            rule,
		Summary:         summary,
		ArchivedAt:      o.now(),
	}

	items := make(map[string]model.SettlementItem)
	if plan != nil {
		for _, it := range plan.Items {
			items[it.Address] = it
		}
	}

	rows := make([]model.FinishedParticipant, 0, len(participants))
	for _, p := range participants {
		row := model.FinishedParticipant{
			ContractAddress: challenge.ContractAddress,
			ChallengeID:     challenge.ChallengeID,
			Address:         p.Address,
			Stake:           p.Amount,
			PercentPPM:      model.BpsToPPM(p.RefundBps),
		}
		if it, ok := items[p.Address]; ok {
			// The ledger's declared percentage is authoritative for
			// participants settled by an earlier run.
			if !p.ResultDeclared {
				row.PercentPPM = it.PercentPPM
				row.BatchNo = it.BatchNo
				row.TxHash = it.TxHash
			}
			row.ProgressRatio = it.ProgressRatio
		}
		row.Payout = model.ComputePayouts(row.Stake, row.PercentPPM, o.cfg.PlatformFeeBpsFail, o.cfg.RewardBpsOfFee)
		rows = append(rows, row)
	}

	if err := o.store.ArchiveChallenge(ctx, finished, rows); err != nil {
		return fmt.Errorf("archive challenge %d: %w", challenge.ChallengeID, err)
	}
	report.Archived++

	logrus.WithFields(logrus.Fields{
		"challenge_id": challenge.ChallengeID,
		"participants": len(rows),
		"txs":          len(summary.TxHashes),
	}).Info("Archived challenge")
	return nil
}

// pendingItems filters the plan down to participants whose results are not
// yet declared on the ledger, preserving plan order. Reruns after partial
// declarations therefore only resubmit what is actually missing.
func pendingItems(items []model.SettlementItem, participants []model.Participant) []model.SettlementItem {
	declared := make(map[string]bool, len(participants))
	for _, p := range participants {
		declared[p.Address] = p.ResultDeclared
	}
	var pending []model.SettlementItem
	for _, it := range items {
		if !declared[it.Address] {
			pending = append(pending, it)
		}
	}
	return pending
}

func stillPending(participants []model.Participant) bool {
	for _, p := range participants {
		if !p.ResultDeclared {
			return true
		}
	}
	return false
}

// annotate stamps each declared item with its chunk number and tx hash.
func annotate(items []model.SettlementItem, result *chain.DeclareResult, chunkSize int) {
	if chunkSize <= 0 {
		chunkSize = 200
	}
	for i := range items {
		batch := i / chunkSize
		items[i].BatchNo = &batch
		if batch < len(result.TxHashes) {
			items[i].TxHash = result.TxHashes[batch]
		}
	}
}

// mergeAnnotations copies chunk annotations from the declared subset back
// into the full plan.
func mergeAnnotations(all, declared []model.SettlementItem) {
	byAddr := make(map[string]model.SettlementItem, len(declared))
	for _, it := range declared {
		byAddr[it.Address] = it
	}
	for i := range all {
		if it, ok := byAddr[all[i].Address]; ok {
			all[i].BatchNo = it.BatchNo
			all[i].TxHash = it.TxHash
		}
	}
}
