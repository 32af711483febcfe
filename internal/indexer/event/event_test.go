package event

import (
	"encoding/json"
	"testing"
)

func TestCursorLess(t *testing.T) {
	a := Cursor{BlockNumber: 100, LogIndex: 1}
	b := Cursor{BlockNumber: 100, LogIndex: 2}
	c := Cursor{BlockNumber: 101, LogIndex: 0}

	if !a.Less(b) {
		t.Fatalf("expected (100,1) < (100,2)")
	}
	if !b.Less(c) {
		t.Fatalf("expected (100,2) < (101,0)")
	}
	if c.Less(a) {
		t.Fatalf("did not expect (101,0) < (100,1)")
	}
}

func TestBlockNumberRoundTripsThroughJSONAsString(t *testing.T) {
	b := BlockNumber(18446744073709551615) // max uint64, would lose precision as a JSON number
	data, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"18446744073709551615"` {
		t.Fatalf("expected string-encoded block number, got %s", data)
	}

	var decoded BlockNumber
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded != b {
		t.Fatalf("round trip mismatch: got %d, want %d", decoded, b)
	}
}

func TestEnvelopeEqualityByChainTxLogIndex(t *testing.T) {
	a := Envelope{ChainID: 1, TxHash: "0xabc", LogIndex: 2, BlockNumber: 100}
	b := Envelope{ChainID: 1, TxHash: "0xabc", LogIndex: 2, BlockNumber: 999}
	c := Envelope{ChainID: 1, TxHash: "0xabc", LogIndex: 3, BlockNumber: 100}

	if !a.Equal(b) {
		t.Fatalf("expected envelopes with same (chain,tx,logIndex) to be equal regardless of block number")
	}
	if a.Equal(c) {
		t.Fatalf("did not expect envelopes with different logIndex to be equal")
	}
}

func TestMilestoneForMapping(t *testing.T) {
	cases := map[Type]MilestoneKind{
		TypeSettlement: MilestoneSettled,
		TypeReward:     MilestoneRewardReady,
		TypeRedemption: MilestoneRedemptionReady,
	}
	for typ, want := range cases {
		got, ok := MilestoneFor(typ)
		if !ok || got != want {
			t.Errorf("MilestoneFor(%s) = %s,%v want %s,true", typ, got, ok, want)
		}
	}
	if _, ok := MilestoneFor(TypeRegistration); ok {
		t.Fatalf("registration events should not drive a milestone")
	}
}
