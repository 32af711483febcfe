// Package event defines the canonical event envelope and cursor types shared
// by every ingestion component. The package carries no business logic: all
// conversions must be lossless across a JSON boundary, so block numbers are
// string-encoded there instead of risking float64 truncation.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// Type enumerates the kinds of on-chain log the gateway can observe.
type Type string

const (
	TypeRegistration Type = "registration"
	TypeRebalance    Type = "rebalance"
	TypeSettlement   Type = "settlement"
	TypeReward       Type = "reward"
	TypeRedemption   Type = "redemption"
	TypeDeployment   Type = "deployment"
)

// BlockNumber is a uint64 that string-encodes at JSON boundaries.
type BlockNumber uint64

func (b BlockNumber) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(b), 10))
}

func (b *BlockNumber) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return err
		}
		*b = BlockNumber(n)
		return nil
	}
	var n uint64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*b = BlockNumber(n)
	return nil
}

// Cursor is a (blockNumber, logIndex) progress marker on a stream.
type Cursor struct {
	BlockNumber BlockNumber `json:"blockNumber"`
	LogIndex    int64       `json:"logIndex"`
}

// Less reports whether c sorts strictly before other, lexicographically on
// (blockNumber, logIndex).
func (c Cursor) Less(other Cursor) bool {
	if c.BlockNumber != other.BlockNumber {
		return c.BlockNumber < other.BlockNumber
	}
	return c.LogIndex < other.LogIndex
}

// LessEqual reports c <= other.
func (c Cursor) LessEqual(other Cursor) bool {
	return c == other || c.Less(other)
}

// DerivedAt records the chain context an envelope was observed under.
type DerivedAt struct {
	BlockNumber BlockNumber `json:"blockNumber"`
	BlockHash   string      `json:"blockHash"`
	Timestamp   int64       `json:"timestamp"`
}

// Envelope is one log observed on chain, never mutated in place once produced.
type Envelope struct {
	Type       Type            `json:"type"`
	ChainID    int             `json:"chainId"`
	BlockNumber BlockNumber    `json:"blockNumber"`
	LogIndex   int64           `json:"logIndex"`
	TxHash     string          `json:"txHash"`
	Cursor     Cursor          `json:"cursor"`
	Payload    json.RawMessage `json:"payload"`
	ReorgFlag  bool            `json:"reorgFlag"`
	DerivedAt  DerivedAt       `json:"derivedAt"`
}

// EnvelopeKey uniquely identifies an envelope within a chain.
type EnvelopeKey struct {
	ChainID  int
	TxHash   string
	LogIndex int64
}

// Key returns the global (chainId,txHash,logIndex) identity of the envelope.
func (e Envelope) Key() EnvelopeKey {
	return EnvelopeKey{ChainID: e.ChainID, TxHash: e.TxHash, LogIndex: e.LogIndex}
}

// Equal reports whether two envelopes share the same (chainId,txHash,logIndex) identity.
func (e Envelope) Equal(other Envelope) bool {
	return e.Key() == other.Key()
}

// MilestoneKind enumerates the business-visible outcomes derived from events.
type MilestoneKind string

const (
	MilestoneSettled          MilestoneKind = "settled"
	MilestoneRewardReady      MilestoneKind = "reward_ready"
	MilestoneRedemptionReady  MilestoneKind = "redemption_ready"
)

// milestoneByEventType maps an event type to the milestone it drives, per the
// live ingestion loop's dispatch rule. Event types absent from this map never
// produce a milestone.
var milestoneByEventType = map[Type]MilestoneKind{
	TypeSettlement: MilestoneSettled,
	TypeReward:     MilestoneRewardReady,
	TypeRedemption: MilestoneRedemptionReady,
}

// MilestoneFor returns the milestone kind an event type drives, if any.
func MilestoneFor(t Type) (MilestoneKind, bool) {
	m, ok := milestoneByEventType[t]
	return m, ok
}

// MilestonePayload is published to the job dispatcher for each milestone-
// driving event.
type MilestonePayload struct {
	ContestID         string        `json:"contestId"`
	ChainID           int           `json:"chainId"`
	Milestone         MilestoneKind `json:"milestone"`
	SourceTxHash      string        `json:"sourceTxHash"`
	SourceLogIndex    int64         `json:"sourceLogIndex"`
	SourceBlockNumber BlockNumber   `json:"sourceBlockNumber"`
	Payload           json.RawMessage `json:"payload"`
}

// IdempotencyKey computes H(contestId,chainId,milestone,txHash,logIndex), the
// stable identity shared by the queue's dedupeKey and the milestone
// ledger's idempotencyKey for the same payload.
func (p MilestonePayload) IdempotencyKey() string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s:%s:%d", p.ContestID, p.ChainID, p.Milestone, p.SourceTxHash, p.SourceLogIndex)))
	return hex.EncodeToString(h[:])
}
