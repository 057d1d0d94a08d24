package execution

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/trade-executor/internal/adapter"
	"github.com/trade-executor/internal/models"
)

// ReceiptAnalyser turns the receipts of a successful trade into executed amounts
type ReceiptAnalyser interface {
	AnalyseTrade(ctx context.Context, trade *models.TradeExecution, receipts []*ethtypes.Receipt) (models.ExecutionResult, error)
}

// PlannedFillAnalyser reports every trade as filled at its planned amounts.
// Used by simulated execution and for lending trades whose token flows are
// mints and burns rather than swaps.
type PlannedFillAnalyser struct{}

func (PlannedFillAnalyser) AnalyseTrade(_ context.Context, trade *models.TradeExecution, _ []*ethtypes.Receipt) (models.ExecutionResult, error) {
	return plannedFill(trade), nil
}

func plannedFill(trade *models.TradeExecution) models.ExecutionResult {
	var fees float64
	if trade.Pair.Fee != nil {
		fees = *trade.Pair.Fee * trade.PlannedReserve.Abs().InexactFloat64()
	}
	return models.ExecutionResult{
		ExecutedPrice:                 trade.PlannedPrice,
		ExecutedQuantity:              trade.PlannedQuantity,
		ExecutedReserve:               trade.PlannedReserve,
		LPFeesPaid:                    fees,
		ExecutedCollateralConsumption: trade.PlannedCollateralConsumption,
		ExecutedCollateralAllocation:  trade.PlannedCollateralAllocation,
	}
}

// TransferAnalyser reads the ERC-20 Transfer logs to and from the holder to find
// what a spot swap actually bought or sold.
type TransferAnalyser struct {
	Holder common.Address
}

// AnalyseTrade sums base and quote transfers of the holder across the receipts
func (a TransferAnalyser) AnalyseTrade(_ context.Context, trade *models.TradeExecution, receipts []*ethtypes.Receipt) (models.ExecutionResult, error) {
	if trade.Pair.IsLeverage() {
		return plannedFill(trade), nil
	}

	base := a.netFlow(trade.Pair.Base, receipts)
	quote := a.netFlow(trade.Pair.Quote, receipts)

	if base.IsZero() {
		return models.ExecutionResult{}, fmt.Errorf("trade %d: no %s transfer for %s in receipts",
			trade.TradeID, trade.Pair.Base.TokenSymbol, a.Holder.Hex())
	}
	if trade.IsBuy() != base.IsPositive() {
		return models.ExecutionResult{}, fmt.Errorf("trade %d: %s moved %s, wrong direction",
			trade.TradeID, trade.Pair.Base.TokenSymbol, base)
	}

	reserve := quote.Abs()
	price := reserve.Div(base.Abs()).InexactFloat64()
	var fees float64
	if trade.Pair.Fee != nil {
		fees = *trade.Pair.Fee * reserve.InexactFloat64()
	}
	return models.ExecutionResult{
		ExecutedPrice:    price,
		ExecutedQuantity: base,
		ExecutedReserve:  reserve,
		LPFeesPaid:       fees,
	}, nil
}

// netFlow is tokens received minus tokens sent by the holder
func (a TransferAnalyser) netFlow(asset *models.AssetIdentifier, receipts []*ethtypes.Receipt) decimal.Decimal {
	token := common.HexToAddress(asset.Address)
	total := new(big.Int)
	for _, r := range receipts {
		if r == nil || r.Status != ethtypes.ReceiptStatusSuccessful {
			continue
		}
		for _, l := range r.Logs {
			if l.Address != token || len(l.Topics) != 3 || l.Topics[0] != adapter.TransferTopic {
				continue
			}
			from := common.BytesToAddress(l.Topics[1].Bytes())
			to := common.BytesToAddress(l.Topics[2].Bytes())
			value := new(big.Int).SetBytes(l.Data)
			if strings.EqualFold(to.Hex(), a.Holder.Hex()) {
				total.Add(total, value)
			}
			if strings.EqualFold(from.Hex(), a.Holder.Hex()) {
				total.Sub(total, value)
			}
		}
	}
	return asset.ConvertToDecimal(total)
}
