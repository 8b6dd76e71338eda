// Package chain implements the read and write sides of the settlement
// contract: listing challenges, fetching participant detail, and declaring
// refund results in chunked, fee-capped transactions.
package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/yourorg/challenge-settler/internal/model"
)

// contractABIJSON covers the three contract methods the pipeline uses.
const contractABIJSON = `[
  {
    "name": "getAllChallenges",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{"name": "limit", "type": "uint256"}],
    "outputs": [{"name": "", "type": "tuple[]", "components": [
      {"name": "challengeId", "type": "uint256"},
      {"name": "recipient", "type": "address"},
      {"name": "startTime", "type": "uint256"},
      {"name": "endTime", "type": "uint256"},
      {"name": "isPrivate", "type": "bool"},
      {"name": "name", "type": "string"},
      {"name": "apiType", "type": "string"},
      {"name": "goalType", "type": "string"},
      {"name": "goalAmount", "type": "uint256"},
      {"name": "description", "type": "string"},
      {"name": "totalDonationAmount", "type": "uint256"},
      {"name": "resultsFinalized", "type": "bool"},
      {"name": "participantCount", "type": "uint256"}
    ]}]
  },
  {
    "name": "getChallengeById",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{"name": "challengeId", "type": "uint256"}],
    "outputs": [{"name": "", "type": "tuple", "components": [
      {"name": "challengeId", "type": "uint256"},
      {"name": "recipient", "type": "address"},
      {"name": "startTime", "type": "uint256"},
      {"name": "endTime", "type": "uint256"},
      {"name": "isPrivate", "type": "bool"},
      {"name": "name", "type": "string"},
      {"name": "apiType", "type": "string"},
      {"name": "goalType", "type": "string"},
      {"name": "goalAmount", "type": "uint256"},
      {"name": "description", "type": "string"},
      {"name": "totalDonationAmount", "type": "uint256"},
      {"name": "resultsFinalized", "type": "bool"},
      {"name": "participants", "type": "tuple[]", "components": [
        {"name": "participantAddress", "type": "address"},
        {"name": "initialAmount", "type": "uint256"},
        {"name": "amount", "type": "uint256"},
        {"name": "refundPercentage", "type": "uint16"},
        {"name": "resultDeclared", "type": "bool"}
      ]}
    ]}]
  },
  {
    "name": "declareResults",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "challengeId", "type": "uint256"},
      {"name": "participants", "type": "address[]"},
      {"name": "refundPercentages", "type": "uint16[]"}
    ],
    "outputs": []
  }
]`

// contractABI is parsed once at startup; the ABI string is a compile-time
// constant, so a parse failure is a programming error.
var contractABI = mustParseABI(contractABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("chain: invalid contract ABI: " + err.Error())
	}
	return parsed
}

// challengeTuple mirrors the contract's challenge struct layout.
type challengeTuple struct {
	ChallengeId         *big.Int
	Recipient           common.Address
	StartTime           *big.Int
	EndTime             *big.Int
	IsPrivate           bool
	Name                string
	ApiType             string
	GoalType            string
	GoalAmount          *big.Int
	Description         string
	TotalDonationAmount *big.Int
	ResultsFinalized    bool
	ParticipantCount    *big.Int
}

// participantTuple mirrors the contract's participant struct layout.
type participantTuple struct {
	ParticipantAddress common.Address
	InitialAmount      *big.Int
	Amount             *big.Int
	RefundPercentage   uint16
	ResultDeclared     bool
}

// challengeDetailTuple mirrors getChallengeById's return value.
type challengeDetailTuple struct {
	ChallengeId         *big.Int
	Recipient           common.Address
	StartTime           *big.Int
	EndTime             *big.Int
	IsPrivate           bool
	Name                string
	ApiType             string
	GoalType            string
	GoalAmount          *big.Int
	Description         string
	TotalDonationAmount *big.Int
	ResultsFinalized    bool
	Participants        []participantTuple
}

func (t challengeTuple) toModel(contractAddr string) model.Challenge {
	return model.Challenge{
		ContractAddress:     contractAddr,
		ChallengeID:         t.ChallengeId.Uint64(),
		Recipient:           strings.ToLower(t.Recipient.Hex()),
		StartTime:           t.StartTime.Int64(),
		EndTime:             t.EndTime.Int64(),
		IsPrivate:           t.IsPrivate,
		Name:                t.Name,
		ActivityType:        model.ActivityType(strings.ToLower(t.ApiType)),
		GoalKind:            t.GoalType,
		GoalAmount:          t.GoalAmount.Int64(),
		Description:         t.Description,
		TotalDonationAmount: new(big.Int).Set(t.TotalDonationAmount),
		ResultsFinalized:    t.ResultsFinalized,
		ParticipantCount:    int(t.ParticipantCount.Int64()),
	}
}

func (t challengeDetailTuple) toModel(contractAddr string) (model.Challenge, []model.Participant) {
	c := model.Challenge{
		ContractAddress:     contractAddr,
		ChallengeID:         t.ChallengeId.Uint64(),
		Recipient:           strings.ToLower(t.Recipient.Hex()),
		StartTime:           t.StartTime.Int64(),
		EndTime:             t.EndTime.Int64(),
		IsPrivate:           t.IsPrivate,
		Name:                t.Name,
		ActivityType:        model.ActivityType(strings.ToLower(t.ApiType)),
		GoalKind:            t.GoalType,
		GoalAmount:          t.GoalAmount.Int64(),
		Description:         t.Description,
		TotalDonationAmount: new(big.Int).Set(t.TotalDonationAmount),
		ResultsFinalized:    t.ResultsFinalized,
		ParticipantCount:    len(t.Participants),
	}

	parts := make([]model.Participant, 0, len(t.Participants))
	for _, p := range t.Participants {
		parts = append(parts, model.Participant{
			ContractAddress: contractAddr,
			ChallengeID:     c.ChallengeID,
			Address:         strings.ToLower(p.ParticipantAddress.Hex()),
			InitialAmount:   new(big.Int).Set(p.InitialAmount),
			Amount:          new(big.Int).Set(p.Amount),
			RefundBps:       p.RefundPercentage,
			ResultDeclared:  p.ResultDeclared,
		})
	}
	return c, parts
}
