package execution

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/trade-executor/internal/adapter"
	"github.com/trade-executor/internal/models"
)

const (
	approveGasLimit = 100_000
	swapGasLimit    = 350_000
)

// Router decides which contract calls carry out a trade, approvals first
type Router interface {
	PlanCalls(ctx context.Context, trade *models.TradeExecution) ([]ContractCall, error)
}

// SwapEncoder encodes the exchange specific call for a trade
type SwapEncoder func(trade *models.TradeExecution) (ContractCall, error)

// ApproveAndSwapRouter approves exactly the spent amount for the exchange and then
// calls the encoder's swap
type ApproveAndSwapRouter struct {
	Spender common.Address
	Encode  SwapEncoder
}

// NewApproveAndSwapRouter creates a router for one exchange
func NewApproveAndSwapRouter(spender common.Address, encode SwapEncoder) *ApproveAndSwapRouter {
	return &ApproveAndSwapRouter{Spender: spender, Encode: encode}
}

// PlanCalls returns approve followed by the swap
func (r *ApproveAndSwapRouter) PlanCalls(_ context.Context, trade *models.TradeExecution) ([]ContractCall, error) {
	if r.Encode == nil {
		return nil, fmt.Errorf("router for %s has no swap encoder", r.Spender.Hex())
	}

	spent := trade.Pair.Quote
	amount := trade.PlannedReserve
	if trade.IsSell() {
		spent = trade.Pair.Base
		amount = trade.PlannedQuantity.Neg()
	}

	if !amount.IsPositive() {
		return nil, fmt.Errorf("trade %d spends nothing", trade.TradeID)
	}
	raw := spent.ConvertToRaw(amount)
	data, err := adapter.PackApprove(r.Spender, raw)
	if err != nil {
		return nil, err
	}
	approve := ContractCall{
		To:       spent.ChecksumAddress(),
		Data:     data,
		Function: "approve",
		Args:     []string{r.Spender.Hex(), raw.String()},
		GasLimit: approveGasLimit,
	}

	swap, err := r.Encode(trade)
	if err != nil {
		return nil, fmt.Errorf("encode trade %d: %w", trade.TradeID, err)
	}
	if swap.GasLimit == 0 {
		swap.GasLimit = swapGasLimit
	}
	return []ContractCall{approve, swap}, nil
}
