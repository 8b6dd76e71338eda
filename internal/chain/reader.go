package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/challenge-settler/internal/model"
)

// callBackend is the read-only subset of an Ethereum client the reader needs.
// *ethclient.Client satisfies it.
type callBackend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error)
}

// Reader performs read-only queries against the settlement contract.
// Both operations are pure; transient errors propagate to the caller,
// which decides whether to skip or abort.
type Reader struct {
	backend  callBackend
	contract common.Address
}

// NewReader creates a Reader bound to one contract address.
func NewReader(backend callBackend, contract common.Address) *Reader {
	return &Reader{backend: backend, contract: contract}
}

// ListChallenges fetches up to limit challenges from the contract.
func (r *Reader) ListChallenges(ctx context.Context, limit int) ([]model.Challenge, error) {
	out, err := r.call(ctx, "getAllChallenges", big.NewInt(int64(limit)))
	if err != nil {
		return nil, err
	}

	records := *abi.ConvertType(out[0], new([]challengeTuple)).(*[]challengeTuple)
	challenges := make([]model.Challenge, 0, len(records))
	for _, rec := range records {
		challenges = append(challenges, rec.toModel(r.contractKey()))
	}

	logrus.Debugf("Listed %d challenges from contract %s", len(challenges), r.contract.Hex())
	return challenges, nil
}

// ChallengeDetail fetches one challenge with its full participant list.
func (r *Reader) ChallengeDetail(ctx context.Context, challengeID uint64) (*model.Challenge, []model.Participant, error) {
	out, err := r.call(ctx, "getChallengeById", new(big.Int).SetUint64(challengeID))
	if err != nil {
		return nil, nil, err
	}

	detail := *abi.ConvertType(out[0], new(challengeDetailTuple)).(*challengeDetailTuple)
	challenge, participants := detail.toModel(r.contractKey())

	logrus.WithFields(logrus.Fields{
		"challenge_id": challengeID,
		"participants": len(participants),
	}).Debug("Fetched challenge detail")
	return &challenge, participants, nil
}

func (r *Reader) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	raw, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &r.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call failed (contract %s, code bytes %d): %w",
			method, r.contract.Hex(), r.codeLen(ctx), err)
	}

	out, err := contractABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	return out, nil
}

// codeLen reports the length of the contract's deployed code, a quick
// diagnostic for calls failing against a wrong address or chain.
// contractKey is the lowercase hex form used as the cache's natural key.
func (r *Reader) contractKey() string {
	return strings.ToLower(r.contract.Hex())
}

func (r *Reader) codeLen(ctx context.Context) int {
	code, err := r.backend.CodeAt(ctx, r.contract, nil)
	if err != nil {
		return -1
	}
	return len(code)
}
