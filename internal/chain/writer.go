package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/challenge-settler/internal/model"
)

// ErrAlreadyDeclared marks the ledger's rejection of a declaration for a
// participant whose result is already finalized. It is a reconciliation
// signal, not a failure: the orchestrator re-reads chain state instead of
// resubmitting.
var ErrAlreadyDeclared = errors.New("result already declared on ledger")

// alreadyDeclaredMarker matches the contract's revert reason.
const alreadyDeclaredMarker = "already declared"

// receiptPollInterval is how often a submitted transaction is polled for
// its receipt.
const receiptPollInterval = 2 * time.Second

// txBackend is the subset of an Ethereum client the writer needs.
// *ethclient.Client satisfies it.
type txBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// WriterConfig carries fee policy for result declarations.
type WriterConfig struct {
	// MaxFeeGwei, when positive, is a hard ceiling on maxFeePerGas that is
	// never exceeded regardless of network congestion.
	MaxFeeGwei float64

	// PriorityFeeGwei is the tip used when the node cannot suggest one.
	PriorityFeeGwei float64

	// GasLimit, when positive, skips gas estimation.
	GasLimit uint64
}

// Writer converts a payout plan into chunked declareResults transactions.
type Writer struct {
	backend  txBackend
	contract common.Address
	key      *ecdsa.PrivateKey
	cfg      WriterConfig
}

// NewWriter creates a Writer. key may be nil for dry-run-only use.
func NewWriter(backend txBackend, contract common.Address, key *ecdsa.PrivateKey, cfg WriterConfig) *Writer {
	if cfg.PriorityFeeGwei <= 0 {
		cfg.PriorityFeeGwei = 2
	}
	return &Writer{backend: backend, contract: contract, key: key, cfg: cfg}
}

// DeclareChunk is one bounded slice of a participant list submitted as a
// single transaction.
type DeclareChunk struct {
	Participants []string `json:"participants"`
	RefundBps    []uint16 `json:"refundPercentages"`
}

// DeclarePayload is the full set of contract calls a declaration produces.
// A dry run returns exactly the payload a live run would broadcast.
type DeclarePayload struct {
	ChallengeID uint64         `json:"challenge_id"`
	Chunks      []DeclareChunk `json:"chunks"`
}

// FeeParams records the fee scheme chosen for one chunk.
type FeeParams struct {
	GasPrice             *big.Int `json:"gas_price,omitempty"`
	MaxFeePerGas         *big.Int `json:"max_fee_per_gas,omitempty"`
	MaxPriorityFeePerGas *big.Int `json:"max_priority_fee_per_gas,omitempty"`
}

// DeclareResult reports what a declaration did (or, for dry runs, would do).
type DeclareResult struct {
	DryRun    bool
	Payload   DeclarePayload
	TxHashes  []string
	Receipts  []*types.Receipt
	FeeParams []FeeParams
}

// ChunkItems partitions items into consecutive chunks of at most size
// entries. The ceiling is dictated by the ledger's per-transaction limits.
func ChunkItems(items []model.SettlementItem, size int) [][]model.SettlementItem {
	if size <= 0 {
		size = 200
	}
	var chunks [][]model.SettlementItem
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

// Declare converts items to basis points, partitions them into chunks of at
// most chunkSize, and submits one fee-capped transaction per chunk. With
// send=false no transaction is broadcast and the would-be payload is
// returned instead.
//
// A "nonce too low" rejection refreshes the pending nonce and retries the
// same chunk exactly once. A chunk whose receipt reports failure aborts the
// remaining chunks. An "already declared" rejection returns a result
// wrapped in ErrAlreadyDeclared so the caller can reconcile.
func (w *Writer) Declare(ctx context.Context, challengeID uint64, items []model.SettlementItem, chunkSize int, send bool) (*DeclareResult, error) {
	chunks := ChunkItems(items, chunkSize)

	payload := DeclarePayload{ChallengeID: challengeID}
	for _, chunk := range chunks {
		dc := DeclareChunk{
			Participants: make([]string, 0, len(chunk)),
			RefundBps:    make([]uint16, 0, len(chunk)),
		}
		for _, it := range chunk {
			dc.Participants = append(dc.Participants, it.Address)
			dc.RefundBps = append(dc.RefundBps, model.PPMToBps(it.PercentPPM))
		}
		payload.Chunks = append(payload.Chunks, dc)
	}

	result := &DeclareResult{DryRun: !send, Payload: payload}

	if !send {
		// Preview the fee scheme so dry runs surface misconfiguration, one
		// entry per would-be transaction, but a preview failure never fails
		// the dry run itself.
		if fee, err := w.feeParams(ctx); err == nil {
			for range payload.Chunks {
				result.FeeParams = append(result.FeeParams, fee)
			}
		}
		return result, nil
	}

	if w.key == nil {
		return nil, errors.New("private key not configured for sending transactions")
	}

	chainID, err := w.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	from := crypto.PubkeyToAddress(w.key.PublicKey)

	// Pending (mempool-inclusive) count so back-to-back chunks in the same
	// run do not collide, and a concurrent run racing transactions from the
	// same key is tolerated.
	nonce, err := w.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}

	for i, dc := range payload.Chunks {
		hash, receipt, fee, used, err := w.submitChunk(ctx, chainID, from, nonce, challengeID, dc)
		if err != nil {
			if isAlreadyDeclared(err) {
				logrus.WithFields(logrus.Fields{
					"challenge_id": challengeID,
					"chunk":        i,
				}).Info("Ledger reports results already declared; surfacing for reconciliation")
				return result, fmt.Errorf("chunk %d: %w", i, ErrAlreadyDeclared)
			}
			return result, fmt.Errorf("chunk %d: %w", i, err)
		}

		result.TxHashes = append(result.TxHashes, hash.Hex())
		result.Receipts = append(result.Receipts, receipt)
		result.FeeParams = append(result.FeeParams, fee)
		nonce = used + 1

		logrus.WithFields(logrus.Fields{
			"challenge_id": challengeID,
			"chunk":        i,
			"tx":           hash.Hex(),
			"gas_used":     receipt.GasUsed,
		}).Info("Declared chunk")
	}

	return result, nil
}

// submitChunk signs, broadcasts, and confirms one chunk. It returns the
// nonce actually used so the caller can advance from it.
func (w *Writer) submitChunk(ctx context.Context, chainID *big.Int, from common.Address, nonce uint64, challengeID uint64, dc DeclareChunk) (common.Hash, *types.Receipt, FeeParams, uint64, error) {
	addrs := make([]common.Address, len(dc.Participants))
	for i, a := range dc.Participants {
		addrs[i] = common.HexToAddress(a)
	}

	data, err := contractABI.Pack("declareResults", new(big.Int).SetUint64(challengeID), addrs, dc.RefundBps)
	if err != nil {
		return common.Hash{}, nil, FeeParams{}, nonce, fmt.Errorf("pack declareResults: %w", err)
	}

	retried := false
	for {
		fee, err := w.feeParams(ctx)
		if err != nil {
			return common.Hash{}, nil, FeeParams{}, nonce, err
		}

		gas := w.cfg.GasLimit
		if gas == 0 {
			gas, err = w.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &w.contract, Data: data})
			if err != nil {
				return common.Hash{}, nil, fee, nonce, fmt.Errorf("estimate gas: %w", err)
			}
		}

		tx := buildTx(chainID, nonce, w.contract, data, gas, fee)
		signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
		if err != nil {
			return common.Hash{}, nil, fee, nonce, fmt.Errorf("sign tx: %w", err)
		}

		if err := w.backend.SendTransaction(ctx, signed); err != nil {
			if isNonceTooLow(err) && !retried {
				retried = true
				nonce, err = w.backend.PendingNonceAt(ctx, from)
				if err != nil {
					return common.Hash{}, nil, fee, nonce, fmt.Errorf("refresh pending nonce: %w", err)
				}
				logrus.Warnf("Nonce too low, retrying chunk once with refreshed nonce %d", nonce)
				continue
			}
			return common.Hash{}, nil, fee, nonce, fmt.Errorf("send tx: %w", err)
		}

		receipt, err := w.waitReceipt(ctx, signed.Hash())
		if err != nil {
			return signed.Hash(), nil, fee, nonce, err
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			return signed.Hash(), receipt, fee, nonce, fmt.Errorf("tx %s reverted", signed.Hash().Hex())
		}
		return signed.Hash(), receipt, fee, nonce, nil
	}
}

// feeParams decides the fee scheme for a transaction. Priority order:
// configured fee cap, then EIP-1559 from the current base fee, then the
// node's legacy gas price.
func (w *Writer) feeParams(ctx context.Context) (FeeParams, error) {
	if w.cfg.MaxFeeGwei > 0 {
		feeCap := gweiToWei(w.cfg.MaxFeeGwei)
		tip, err := w.backend.SuggestGasTipCap(ctx)
		if err != nil || tip == nil {
			tip = gweiToWei(w.cfg.PriorityFeeGwei)
		}
		// The cap is a hard ceiling; the tip can never push past it.
		if tip.Cmp(feeCap) > 0 {
			tip = new(big.Int).Set(feeCap)
		}
		return FeeParams{MaxFeePerGas: feeCap, MaxPriorityFeePerGas: tip}, nil
	}

	if head, err := w.backend.HeaderByNumber(ctx, nil); err == nil && head.BaseFee != nil {
		tip, err := w.backend.SuggestGasTipCap(ctx)
		if err != nil || tip == nil {
			tip = gweiToWei(w.cfg.PriorityFeeGwei)
		}
		maxFee := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
		maxFee.Add(maxFee, tip)
		return FeeParams{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
	}

	price, err := w.backend.SuggestGasPrice(ctx)
	if err != nil {
		return FeeParams{}, fmt.Errorf("suggest gas price: %w", err)
	}
	return FeeParams{GasPrice: price}, nil
}

func buildTx(chainID *big.Int, nonce uint64, to common.Address, data []byte, gas uint64, fee FeeParams) *types.Transaction {
	if fee.MaxFeePerGas != nil {
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: fee.MaxPriorityFeePerGas,
			GasFeeCap: fee.MaxFeePerGas,
			Gas:       gas,
			To:        &to,
			Data:      data,
		})
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: fee.GasPrice,
		Gas:      gas,
		To:       &to,
		Data:     data,
	})
}

// waitReceipt blocks until the transaction is mined or ctx expires.
func (w *Writer) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	for {
		receipt, err := w.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("receipt for %s: %w", hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for receipt %s: %w", hash.Hex(), ctx.Err())
		case <-time.After(receiptPollInterval):
		}
	}
}

func isAlreadyDeclared(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), alreadyDeclaredMarker)
}

func isNonceTooLow(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

func gweiToWei(gwei float64) *big.Int {
	wei := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(1e9))
	out, _ := wei.Int(nil)
	return out
}
