// Package store defines the cache store contract: a durable mirror of
// ledger state plus the append-only archive, keyed on natural ledger keys.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/yourorg/challenge-settler/internal/model"
)

// Sentinel errors for the cache store's safety rules. Caching is a refresh
// of ledger state, never an independent source of truth.
var (
	// ErrChallengeArchived rejects (re)caching participants for a
	// challenge that has already been archived.
	ErrChallengeArchived = errors.New("challenge already archived")

	// ErrChallengeNotReady rejects caching participants for a challenge
	// that is absent from the cache or not in the ended, unfinalized state.
	ErrChallengeNotReady = errors.New("challenge not cached as ready")

	// ErrNotFound is returned by point reads that match nothing.
	ErrNotFound = errors.New("not found")
)

// Store is the pipeline's only write authority over local state. All
// operations are idempotent under retry: upsert semantics on natural keys.
type Store interface {
	UpsertChallenges(ctx context.Context, challenges []model.Challenge) (int, error)
	GetChallenge(ctx context.Context, contract string, challengeID uint64) (*model.Challenge, error)
	ListReadyChallenges(ctx context.Context, contract string, now time.Time, limit int) ([]model.Challenge, error)
	DeleteChallenge(ctx context.Context, contract string, challengeID uint64) error

	// CacheParticipants refreshes the participant mirror for one
	// challenge. It refuses archived challenges (ErrChallengeArchived)
	// and challenges not cached as ready (ErrChallengeNotReady).
	CacheParticipants(ctx context.Context, contract string, challengeID uint64, participants []model.Participant, now time.Time) (int, error)
	ListParticipants(ctx context.Context, contract string, challengeID uint64) ([]model.Participant, error)
	DeleteParticipants(ctx context.Context, contract string, challengeID uint64) error

	IsArchived(ctx context.Context, contract string, challengeID uint64) (bool, error)

	// ArchiveChallenge writes the terminal Finished rows and deletes the
	// live rows in one transaction: archive-then-delete, so a crash can
	// never lose data.
	ArchiveChallenge(ctx context.Context, challenge model.FinishedChallenge, participants []model.FinishedParticipant) error
}

// CredentialStore looks up previously stored provider credentials. The
// pipeline only reads tokens; acquisition and storage live elsewhere.
type CredentialStore interface {
	// AccessTokens returns a map of lowercased wallet address to opaque
	// token for the given provider. Addresses without a stored token are
	// absent from the map.
	AccessTokens(ctx context.Context, provider string, addresses []string) (map[string]string, error)
}
