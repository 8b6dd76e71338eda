package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/challenge-settler/internal/chain"
	"github.com/yourorg/challenge-settler/internal/model"
	"github.com/yourorg/challenge-settler/internal/settle"
	"github.com/yourorg/challenge-settler/internal/store"
)

const testContract = "0x000000000000000000000000000000000000cafe"

type challengeKey struct {
	contract string
	id       uint64
}

// pipeStore is an in-memory store.Store that enforces the same safety
// rules as the Postgres implementation.
type pipeStore struct {
	challenges   map[challengeKey]model.Challenge
	participants map[challengeKey][]model.Participant
	archived     map[challengeKey]model.FinishedChallenge
	archivedRows map[challengeKey][]model.FinishedParticipant
}

func newPipeStore() *pipeStore {
	return &pipeStore{
		challenges:   map[challengeKey]model.Challenge{},
		participants: map[challengeKey][]model.Participant{},
		archived:     map[challengeKey]model.FinishedChallenge{},
		archivedRows: map[challengeKey][]model.FinishedParticipant{},
	}
}

func (s *pipeStore) UpsertChallenges(_ context.Context, challenges []model.Challenge) (int, error) {
	for _, c := range challenges {
		s.challenges[challengeKey{c.ContractAddress, c.ChallengeID}] = c
	}
	return len(challenges), nil
}

func (s *pipeStore) GetChallenge(_ context.Context, contract string, id uint64) (*model.Challenge, error) {
	c, ok := s.challenges[challengeKey{contract, id}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *pipeStore) ListReadyChallenges(_ context.Context, contract string, now time.Time, limit int) ([]model.Challenge, error) {
	var ready []model.Challenge
	for k, c := range s.challenges {
		if k.contract == contract && c.Eligible(now) {
			ready = append(ready, c)
		}
	}
	if len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

func (s *pipeStore) DeleteChallenge(_ context.Context, contract string, id uint64) error {
	delete(s.challenges, challengeKey{contract, id})
	return nil
}

func (s *pipeStore) CacheParticipants(_ context.Context, contract string, id uint64, participants []model.Participant, now time.Time) (int, error) {
	k := challengeKey{contract, id}
	if _, ok := s.archived[k]; ok {
		return 0, store.ErrChallengeArchived
	}
	c, ok := s.challenges[k]
	if !ok || !c.Eligible(now) {
		return 0, store.ErrChallengeNotReady
	}
	s.participants[k] = participants
	return len(participants), nil
}

func (s *pipeStore) ListParticipants(_ context.Context, contract string, id uint64) ([]model.Participant, error) {
	return s.participants[challengeKey{contract, id}], nil
}

func (s *pipeStore) DeleteParticipants(_ context.Context, contract string, id uint64) error {
	delete(s.participants, challengeKey{contract, id})
	return nil
}

func (s *pipeStore) IsArchived(_ context.Context, contract string, id uint64) (bool, error) {
	_, ok := s.archived[challengeKey{contract, id}]
	return ok, nil
}

func (s *pipeStore) ArchiveChallenge(_ context.Context, challenge model.FinishedChallenge, rows []model.FinishedParticipant) error {
	k := challengeKey{challenge.ContractAddress, challenge.ChallengeID}
	s.archived[k] = challenge
	s.archivedRows[k] = rows
	delete(s.challenges, k)
	delete(s.participants, k)
	return nil
}

// fakeReader serves one challenge with a mutable participant set. The
// listing and the detail read can diverge, like a real ledger whose
// listing lags the finalization flag.
type fakeReader struct {
	challenge      model.Challenge
	extraListed    []model.Challenge
	detailOverride *model.Challenge
	participants   []model.Participant
	listErr        error
	detailErr      error

	detailCalls  int
	beforeDetail func(callNo int)
}

func (r *fakeReader) ListChallenges(context.Context, int) ([]model.Challenge, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return append([]model.Challenge{r.challenge}, r.extraListed...), nil
}

func (r *fakeReader) ChallengeDetail(context.Context, uint64) (*model.Challenge, []model.Participant, error) {
	r.detailCalls++
	if r.beforeDetail != nil {
		r.beforeDetail(r.detailCalls)
	}
	if r.detailErr != nil {
		return nil, nil, r.detailErr
	}
	c := r.challenge
	if r.detailOverride != nil {
		c = *r.detailOverride
	}
	parts := make([]model.Participant, len(r.participants))
	copy(parts, r.participants)
	return &c, parts, nil
}

// markDeclared flips every participant to declared, simulating a mined
// declaration.
func (r *fakeReader) markDeclared() {
	for i := range r.participants {
		r.participants[i].ResultDeclared = true
		r.participants[i].RefundBps = 7143
	}
}

type declareCall struct {
	challengeID uint64
	items       []model.SettlementItem
	send        bool
}

// fakeWriter records declarations and confirms them instantly.
type fakeWriter struct {
	calls  []declareCall
	err    error
	onSend func()
}

func (w *fakeWriter) Declare(_ context.Context, challengeID uint64, items []model.SettlementItem, chunkSize int, send bool) (*chain.DeclareResult, error) {
	w.calls = append(w.calls, declareCall{challengeID: challengeID, items: items, send: send})
	if w.err != nil {
		return &chain.DeclareResult{}, w.err
	}

	chunks := chain.ChunkItems(items, chunkSize)
	result := &chain.DeclareResult{DryRun: !send}
	for i, chunk := range chunks {
		dc := chain.DeclareChunk{}
		for _, it := range chunk {
			dc.Participants = append(dc.Participants, it.Address)
			dc.RefundBps = append(dc.RefundBps, model.PPMToBps(it.PercentPPM))
		}
		result.Payload.Chunks = append(result.Payload.Chunks, dc)
		if send {
			result.TxHashes = append(result.TxHashes, fmt.Sprintf("0xtx%02d", i))
		}
	}
	if send && w.onSend != nil {
		w.onSend()
	}
	return result, nil
}

// fakePlanner returns canned ratios per address.
type fakePlanner struct {
	store  store.Store
	ratios map[string]*float64
}

func (p *fakePlanner) Prepare(ctx context.Context, contract string, challengeID uint64, fallbackPPM uint32) (*settle.Plan, error) {
	participants, err := p.store.ListParticipants(ctx, contract, challengeID)
	if err != nil {
		return nil, err
	}
	plan := &settle.Plan{
		Rule: model.Rule{Type: "daily-threshold", FallbackPercentPPM: fallbackPPM},
	}
	for _, part := range participants {
		item := model.SettlementItem{Address: part.Address, Stake: part.Amount}
		if ratio := p.ratios[part.Address]; ratio != nil {
			item.PercentPPM = model.RatioToPPM(*ratio)
			item.ProgressRatio = ratio
		} else {
			item.PercentPPM = fallbackPPM
			plan.UnknownCount++
		}
		plan.Items = append(plan.Items, item)
	}
	return plan, nil
}

func ptr(v float64) *float64 { return &v }

func endedChallenge() model.Challenge {
	return model.Challenge{
		ContractAddress: testContract,
		ChallengeID:     7,
		StartTime:       1_709_251_200,
		EndTime:         1_709_856_000, // well in the past
		ActivityType:    model.ActivityGitHub,
		GoalAmount:      1,
	}
}

func testParticipants() []model.Participant {
	return []model.Participant{
		{ContractAddress: testContract, ChallengeID: 7, Address: "0xaaa1", Amount: big.NewInt(1_000)},
		{ContractAddress: testContract, ChallengeID: 7, Address: "0xaaa2", Amount: big.NewInt(2_000)},
	}
}

func testConfig() Config {
	return Config{
		ContractAddress:      testContract,
		FallbackPPM:          1_000_000,
		ChunkSize:            200,
		Send:                 true,
		UnknownSkipThreshold: 1.0,
		ListLimit:            1000,
		ReadyLimit:           200,
		PlatformFeeBpsFail:   1000,
		RewardBpsOfFee:       500,
	}
}

func newTestOrchestrator(cfg Config, reader *fakeReader, writer *fakeWriter, st *pipeStore, ratios map[string]*float64) *Orchestrator {
	planner := &fakePlanner{store: st, ratios: ratios}
	return NewOrchestrator(cfg, reader, writer, planner, st, nil)
}

func TestRun_DeclaresAndArchives(t *testing.T) {
	st := newPipeStore()
	reader := &fakeReader{challenge: endedChallenge(), participants: testParticipants()}
	writer := &fakeWriter{onSend: reader.markDeclared}
	ratios := map[string]*float64{"0xaaa1": ptr(5.0 / 7.0)}

	orch := newTestOrchestrator(testConfig(), reader, writer, st, ratios)

	report, err := orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Refreshed)
	assert.Equal(t, 1, report.Ready)
	assert.Equal(t, 1, report.Declared)
	assert.Equal(t, 1, report.Archived)
	assert.Zero(t, report.Failed)
	assert.NotEmpty(t, report.RunID)

	require.Len(t, writer.calls, 1)
	assert.True(t, writer.calls[0].send)
	assert.Len(t, writer.calls[0].items, 2)

	// Live rows are gone, archive rows exist.
	k := challengeKey{testContract, 7}
	assert.NotContains(t, st.challenges, k)
	assert.NotContains(t, st.participants, k)
	require.Contains(t, st.archived, k)

	rows := st.archivedRows[k]
	require.Len(t, rows, 2)
	byAddr := map[string]model.FinishedParticipant{}
	for _, row := range rows {
		byAddr[row.Address] = row
	}

	known := byAddr["0xaaa1"]
	assert.Equal(t, uint32(714286), known.PercentPPM)
	require.NotNil(t, known.ProgressRatio)
	require.NotNil(t, known.BatchNo)
	assert.Equal(t, 0, *known.BatchNo)
	assert.Equal(t, "0xtx00", known.TxHash)
	assert.Equal(t, int64(714), known.Payout.RefundAmount.Int64())

	unknown := byAddr["0xaaa2"]
	assert.Equal(t, uint32(1_000_000), unknown.PercentPPM)
	assert.Nil(t, unknown.ProgressRatio)
	assert.Equal(t, int64(2_000), unknown.Payout.RefundAmount.Int64())

	summary := st.archived[k].Summary
	assert.Equal(t, []string{"0xtx00"}, summary.TxHashes)
	assert.Equal(t, report.RunID, summary.RunID)
}

func TestRun_SecondRunIsIdempotent(t *testing.T) {
	st := newPipeStore()
	reader := &fakeReader{challenge: endedChallenge(), participants: testParticipants()}
	writer := &fakeWriter{onSend: reader.markDeclared}
	ratios := map[string]*float64{"0xaaa1": ptr(1.0), "0xaaa2": ptr(0.5)}

	orch := newTestOrchestrator(testConfig(), reader, writer, st, ratios)

	_, err := orch.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, writer.calls, 1)

	// The ledger still lists the challenge, the archive must keep it out.
	report, err := orch.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, writer.calls, 1, "no new declarations on rerun")
	assert.Zero(t, report.Refreshed, "archived challenge is not re-cached")
	assert.Zero(t, report.Ready)
}

func TestRun_RefreshSkipsIneligibleChallenges(t *testing.T) {
	st := newPipeStore()
	reader := &fakeReader{challenge: endedChallenge(), participants: testParticipants()}

	running := endedChallenge()
	running.ChallengeID = 8
	running.EndTime = time.Now().Add(24 * time.Hour).Unix()

	finalized := endedChallenge()
	finalized.ChallengeID = 9
	finalized.ResultsFinalized = true

	reader.extraListed = []model.Challenge{running, finalized}
	writer := &fakeWriter{onSend: reader.markDeclared}
	ratios := map[string]*float64{"0xaaa1": ptr(1.0), "0xaaa2": ptr(1.0)}

	orch := newTestOrchestrator(testConfig(), reader, writer, st, ratios)

	report, err := orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Refreshed, "only the ended, unfinalized challenge is cached")
	assert.NotContains(t, st.challenges, challengeKey{testContract, 8}, "still-running challenge stays out of the cache")
	assert.NotContains(t, st.challenges, challengeKey{testContract, 9}, "ledger-finalized challenge stays out of the cache")
	assert.Contains(t, st.archived, challengeKey{testContract, 7})
}

func TestRun_RefreshFailureSettlesFromCache(t *testing.T) {
	st := newPipeStore()
	reader := &fakeReader{
		challenge:    endedChallenge(),
		participants: testParticipants(),
		listErr:      errors.New("rpc unavailable"),
	}
	writer := &fakeWriter{onSend: reader.markDeclared}
	ratios := map[string]*float64{"0xaaa1": ptr(1.0), "0xaaa2": ptr(1.0)}

	// Cached by an earlier run, before the ledger listing started failing.
	st.challenges[challengeKey{testContract, 7}] = endedChallenge()

	orch := newTestOrchestrator(testConfig(), reader, writer, st, ratios)

	report, err := orch.Run(context.Background())
	require.NoError(t, err, "a refresh failure does not abort the run")

	assert.Zero(t, report.Refreshed)
	assert.Equal(t, 1, report.Ready)
	assert.Equal(t, 1, report.Declared)
	assert.Equal(t, 1, report.Archived)
}

func TestRun_OutageGuardSkipsSend(t *testing.T) {
	st := newPipeStore()
	reader := &fakeReader{challenge: endedChallenge(), participants: testParticipants()}
	writer := &fakeWriter{}

	// Every participant resolves unknown.
	orch := newTestOrchestrator(testConfig(), reader, writer, st, map[string]*float64{})

	report, err := orch.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, writer.calls, "no declaration during a full provider outage")
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Archived)

	// Challenge stays cached for the next run.
	assert.Contains(t, st.challenges, challengeKey{testContract, 7})
}

func TestRun_ZeroThresholdDisablesOutageGuard(t *testing.T) {
	st := newPipeStore()
	reader := &fakeReader{challenge: endedChallenge(), participants: testParticipants()}
	writer := &fakeWriter{onSend: reader.markDeclared}

	cfg := testConfig()
	cfg.UnknownSkipThreshold = 0
	orch := newTestOrchestrator(cfg, reader, writer, st, map[string]*float64{})

	report, err := orch.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, writer.calls, 1, "disabled guard declares fallback percentages even during a full outage")
	assert.Equal(t, 1, report.Declared)
	assert.Zero(t, report.Skipped)
}

func TestRun_PartialUnknownStillDeclares(t *testing.T) {
	st := newPipeStore()
	reader := &fakeReader{challenge: endedChallenge(), participants: testParticipants()}
	writer := &fakeWriter{onSend: reader.markDeclared}

	// One of two unknown: below the 1.0 threshold.
	ratios := map[string]*float64{"0xaaa1": ptr(0.25)}
	orch := newTestOrchestrator(testConfig(), reader, writer, st, ratios)

	report, err := orch.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, writer.calls, 1)
	assert.Equal(t, 1, report.Declared)
	assert.Zero(t, report.Skipped)
}

func TestRun_WriterFailureLeavesChallengeCached(t *testing.T) {
	st := newPipeStore()
	reader := &fakeReader{challenge: endedChallenge(), participants: testParticipants()}
	writer := &fakeWriter{err: errors.New("rpc unavailable")}
	ratios := map[string]*float64{"0xaaa1": ptr(1.0), "0xaaa2": ptr(1.0)}

	orch := newTestOrchestrator(testConfig(), reader, writer, st, ratios)

	report, err := orch.Run(context.Background())
	require.NoError(t, err, "per-challenge failures do not fail the run")

	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Archived)
	assert.Contains(t, st.challenges, challengeKey{testContract, 7})
	assert.Contains(t, st.participants, challengeKey{testContract, 7})
}

func TestRun_AlreadyDeclaredReconciles(t *testing.T) {
	st := newPipeStore()
	reader := &fakeReader{challenge: endedChallenge(), participants: testParticipants()}
	writer := &fakeWriter{err: fmt.Errorf("chunk 0: %w", chain.ErrAlreadyDeclared)}
	ratios := map[string]*float64{"0xaaa1": ptr(1.0), "0xaaa2": ptr(1.0)}

	// A previous crashed run got its transactions mined: the first detail
	// read shows pending, the reconciliation read shows all declared.
	reader.beforeDetail = func(callNo int) {
		if callNo == 2 {
			reader.markDeclared()
		}
	}

	orch := newTestOrchestrator(testConfig(), reader, writer, st, ratios)

	report, err := orch.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Reconciled)
	assert.Equal(t, 1, report.Archived)
	assert.Zero(t, report.Failed)
	assert.Contains(t, st.archived, challengeKey{testContract, 7})
}

func TestRun_AlreadyDeclaredWithPendingLeavesForNextRun(t *testing.T) {
	st := newPipeStore()
	reader := &fakeReader{challenge: endedChallenge(), participants: testParticipants()}
	writer := &fakeWriter{err: fmt.Errorf("chunk 0: %w", chain.ErrAlreadyDeclared)}
	ratios := map[string]*float64{"0xaaa1": ptr(1.0), "0xaaa2": ptr(1.0)}

	// Only one of two participants is declared on the ledger.
	reader.participants[0].ResultDeclared = true

	orch := newTestOrchestrator(testConfig(), reader, writer, st, ratios)

	report, err := orch.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, report.Archived)
	assert.Zero(t, report.Reconciled)
	assert.Contains(t, st.challenges, challengeKey{testContract, 7}, "partially declared challenge waits for the next run")
}

func TestRun_LedgerFinalizedReconcilesWithoutDeclaring(t *testing.T) {
	st := newPipeStore()
	reader := &fakeReader{challenge: endedChallenge(), participants: testParticipants()}
	reader.markDeclared()
	writer := &fakeWriter{}

	// The listing lags, but the detail read reports the ledger already
	// finalized the challenge.
	finalized := endedChallenge()
	finalized.ResultsFinalized = true
	reader.detailOverride = &finalized

	orch := newTestOrchestrator(testConfig(), reader, writer, st, map[string]*float64{})

	report, err := orch.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, writer.calls)
	assert.Equal(t, 1, report.Reconciled)
	assert.Equal(t, 1, report.Archived)

	// Archived percentages come from the ledger's declared basis points.
	rows := st.archivedRows[challengeKey{testContract, 7}]
	require.Len(t, rows, 2)
	assert.Equal(t, uint32(714300), rows[0].PercentPPM)
}

func TestRun_DryRunDoesNotArchive(t *testing.T) {
	st := newPipeStore()
	reader := &fakeReader{challenge: endedChallenge(), participants: testParticipants()}
	writer := &fakeWriter{}
	ratios := map[string]*float64{"0xaaa1": ptr(1.0), "0xaaa2": ptr(1.0)}

	cfg := testConfig()
	cfg.Send = false
	orch := newTestOrchestrator(cfg, reader, writer, st, ratios)

	report, err := orch.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, writer.calls, 1)
	assert.False(t, writer.calls[0].send)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Archived)
	assert.Contains(t, st.challenges, challengeKey{testContract, 7})
}

func TestRun_PendingFilterSkipsDeclaredParticipants(t *testing.T) {
	st := newPipeStore()
	reader := &fakeReader{challenge: endedChallenge(), participants: testParticipants()}
	// One participant already declared from a previous partial run.
	reader.participants[0].ResultDeclared = true
	reader.participants[0].RefundBps = 5000

	writer := &fakeWriter{onSend: reader.markDeclared}
	ratios := map[string]*float64{"0xaaa1": ptr(1.0), "0xaaa2": ptr(0.5)}

	orch := newTestOrchestrator(testConfig(), reader, writer, st, ratios)

	report, err := orch.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, writer.calls, 1)
	require.Len(t, writer.calls[0].items, 1, "already declared participants are filtered out")
	assert.Equal(t, "0xaaa2", writer.calls[0].items[0].Address)
	assert.Equal(t, 1, report.Archived)
}
