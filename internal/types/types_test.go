package types

import (
	"testing"
)

func TestChainIDName(t *testing.T) {
	tests := []struct {
		chain ChainID
		want  string
	}{
		{ChainEthereum, "ethereum"},
		{ChainPolygon, "polygon"},
		{ChainAnvil, "anvil"},
		{ChainID(999), "chain-999"},
	}

	for _, tt := range tests {
		if got := tt.chain.Name(); got != tt.want {
			t.Errorf("ChainID(%d).Name() = %v, want %v", int64(tt.chain), got, tt.want)
		}
	}
}

func TestTradingPairKindValid(t *testing.T) {
	if !PairKindShort.Valid() {
		t.Errorf("PairKindShort.Valid() = false, want true")
	}
	if TradingPairKind("perp").Valid() {
		t.Errorf("TradingPairKind(perp).Valid() = true, want false")
	}
}

func TestBlockRange(t *testing.T) {
	tests := []struct {
		name      string
		r         BlockRange
		wantEmpty bool
		wantSize  uint64
	}{
		{name: "single block", r: BlockRange{From: 10, To: 10}, wantSize: 1},
		{name: "window", r: BlockRange{From: 10, To: 19}, wantSize: 10},
		{name: "start past head", r: BlockRange{From: 11, To: 10}, wantEmpty: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.Empty(); got != tt.wantEmpty {
				t.Errorf("Empty() = %v, want %v", got, tt.wantEmpty)
			}
			if got := tt.r.Size(); got != tt.wantSize {
				t.Errorf("Size() = %v, want %v", got, tt.wantSize)
			}
		})
	}
}
