package service

import (
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/trade-executor/internal/models"
)

// PositionSummary is one line of the portfolio listing
type PositionSummary struct {
	PositionID   int        `json:"positionId"`
	Pair         string     `json:"pair"`
	Kind         string     `json:"kind"`
	State        string     `json:"state"`
	Quantity     string     `json:"quantity"`
	Value        float64    `json:"value"`
	Price        float64    `json:"price"`
	HealthFactor *float64   `json:"healthFactor,omitempty"`
	Trades       int        `json:"trades"`
	OpenedAt     time.Time  `json:"openedAt"`
	ClosedAt     *time.Time `json:"closedAt,omitempty"`
	FreezeReason string     `json:"freezeReason,omitempty"`
}

// StateSummary is the human facing digest of a state file
type StateSummary struct {
	Name             string            `json:"name"`
	Cycle            int               `json:"cycle"`
	LastUpdatedAt    time.Time         `json:"lastUpdatedAt"`
	ReserveAsset     string            `json:"reserveAsset,omitempty"`
	ReserveQuantity  string            `json:"reserveQuantity"`
	ReserveValue     float64           `json:"reserveValue"`
	TotalEquity      float64           `json:"totalEquity"`
	NetAssetValue    float64           `json:"netAssetValue"`
	CashFlow         float64           `json:"cashFlow"`
	OpenPositions    int               `json:"openPositions"`
	FrozenPositions  int               `json:"frozenPositions"`
	ClosedPositions  int               `json:"closedPositions"`
	BalanceUpdates   int               `json:"balanceUpdates"`
	VaultAddress     string            `json:"vaultAddress,omitempty"`
	LastBlockScanned *uint64           `json:"lastBlockScanned,omitempty"`
	LastTreasuryAt   *time.Time        `json:"lastTreasuryAt,omitempty"`
	LastInterestAt   *time.Time        `json:"lastInterestAt,omitempty"`
	Positions        []PositionSummary `json:"positions"`
}

// Summarise builds the digest of a state
func Summarise(state *models.State) *StateSummary {
	p := state.Portfolio
	s := &StateSummary{
		Name:             state.Name,
		Cycle:            state.Cycle,
		LastUpdatedAt:    state.LastUpdatedAt,
		ReserveQuantity:  state.GetReserveQuantity().String(),
		ReserveValue:     p.GetReserveValue(),
		TotalEquity:      p.GetTotalEquity(),
		NetAssetValue:    p.GetNetAssetValue(),
		CashFlow:         p.GetCashFlow(),
		OpenPositions:    len(p.OpenPositions),
		FrozenPositions:  len(p.FrozenPositions),
		ClosedPositions:  len(p.ClosedPositions),
		BalanceUpdates:   len(state.Sync.Treasury.BalanceUpdateRefs),
		VaultAddress:     state.Sync.Deployment.Address,
		LastBlockScanned: state.Sync.Treasury.LastBlockScanned,
		LastTreasuryAt:   state.Sync.Treasury.LastUpdatedAt,
		LastInterestAt:   state.Sync.Interest.LastSyncAt,
	}
	if r, err := p.DefaultReserve(); err == nil {
		s.ReserveAsset = r.Asset.TokenSymbol
	}

	for _, pos := range p.AllPositions() {
		ps := PositionSummary{
			PositionID:   pos.PositionID,
			Pair:         pos.Pair.Ticker(),
			Kind:         string(pos.Pair.Kind),
			State:        positionState(pos),
			Quantity:     pos.GetQuantity().String(),
			Value:        pos.GetValue(),
			Price:        pos.LastTokenPrice,
			Trades:       len(pos.Trades),
			OpenedAt:     pos.OpenedAt,
			ClosedAt:     pos.ClosedAt,
			FreezeReason: pos.FreezeReason,
		}
		if pos.Loan != nil && pos.Loan.Borrowed != nil {
			hf := pos.Loan.HealthFactor()
			ps.HealthFactor = &hf
		}
		s.Positions = append(s.Positions, ps)
	}
	return s
}

func positionState(p *models.TradingPosition) string {
	switch {
	case p.IsClosed():
		return "closed"
	case p.IsFrozen():
		return "frozen"
	default:
		return "open"
	}
}

// PrintSummary writes the digest for the show command
func PrintSummary(w io.Writer, s *StateSummary) {
	fmt.Fprintf(w, "State %s, cycle %d, updated %s\n", s.Name, s.Cycle, s.LastUpdatedAt.Format(time.RFC3339))
	if s.VaultAddress != "" {
		fmt.Fprintf(w, "Vault %s", s.VaultAddress)
		if s.LastBlockScanned != nil {
			fmt.Fprintf(w, ", treasury scanned to block %d", *s.LastBlockScanned)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "Reserve %s %s ($%.2f)\n", s.ReserveQuantity, s.ReserveAsset, s.ReserveValue)
	fmt.Fprintf(w, "Total equity $%.2f, NAV $%.2f, net flow $%.2f\n", s.TotalEquity, s.NetAssetValue, s.CashFlow)
	fmt.Fprintf(w, "Positions: %d open, %d frozen, %d closed\n", s.OpenPositions, s.FrozenPositions, s.ClosedPositions)

	if len(s.Positions) == 0 {
		return
	}
	table := tablewriter.NewWriter(w)
	table.Header("#", "Pair", "State", "Quantity", "Price", "Value", "Health", "Trades")
	for _, p := range s.Positions {
		health := "-"
		if p.HealthFactor != nil {
			health = fmt.Sprintf("%.3f", *p.HealthFactor)
		}
		table.Append(
			fmt.Sprintf("%d", p.PositionID),
			p.Pair,
			p.State,
			p.Quantity,
			fmt.Sprintf("%.4f", p.Price),
			fmt.Sprintf("$%.2f", p.Value),
			health,
			fmt.Sprintf("%d", p.Trades),
		)
	}
	table.Render()
}
