package execution

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	apperrors "github.com/trade-executor/internal/errors"
	"github.com/trade-executor/internal/logging"
	"github.com/trade-executor/internal/models"
	"github.com/trade-executor/internal/ratelimit"
	"github.com/trade-executor/internal/retry"
)

// Defaults for the confirmation wait
const (
	DefaultConfirmationTimeout    = 5 * time.Minute
	DefaultConfirmationBlockCount = 2
	DefaultPollDelay              = time.Second
)

// ExecutionModel is how a cycle's trades reach the market
type ExecutionModel interface {
	ExecuteTrades(ctx context.Context, at time.Time, state *models.State, trades []*models.TradeExecution, router Router) error
	RepairUnconfirmedTrades(ctx context.Context, state *models.State) ([]*models.TradeExecution, error)
}

// TradeTx pairs a broadcast transaction with the trade that owns it
type TradeTx struct {
	Trade *models.TradeExecution
	Tx    *models.BlockchainTransaction
}

// LiveExecution signs trades with the hot wallet and settles them on chain
type LiveExecution struct {
	client        ratelimit.EthClient
	builder       *TransactionBuilder
	analyser      ReceiptAnalyser
	blockCount    uint64
	timeout       time.Duration
	pollDelay     time.Duration
	stopOnFailure bool
	retry         *retry.RetryConfig
	now           func() time.Time
	logger        *logging.Logger
}

var _ ExecutionModel = (*LiveExecution)(nil)

// LiveExecutionConfig holds configuration for LiveExecution
type LiveExecutionConfig struct {
	Client  ratelimit.EthClient
	Builder *TransactionBuilder
	// Analyser defaults to a TransferAnalyser on the builder's wallet
	Analyser               ReceiptAnalyser
	ConfirmationBlockCount uint64
	// zero or negative leaves trades broadcasted without waiting
	ConfirmationTimeout    time.Duration
	PollDelay              time.Duration
	StopOnExecutionFailure bool
	Retry                  *retry.RetryConfig
	Now                    func() time.Time
	Logger                 *logging.Logger
}

// NewLiveExecution creates the on-chain execution model
func NewLiveExecution(cfg *LiveExecutionConfig) (*LiveExecution, error) {
	if cfg == nil || cfg.Client == nil {
		return nil, errors.New("client cannot be nil")
	}
	if cfg.Builder == nil {
		return nil, errors.New("transaction builder cannot be nil")
	}
	e := &LiveExecution{
		client:        cfg.Client,
		builder:       cfg.Builder,
		analyser:      cfg.Analyser,
		blockCount:    cfg.ConfirmationBlockCount,
		timeout:       cfg.ConfirmationTimeout,
		pollDelay:     cfg.PollDelay,
		stopOnFailure: cfg.StopOnExecutionFailure,
		retry:         cfg.Retry,
		now:           cfg.Now,
		logger:        cfg.Logger,
	}
	if e.analyser == nil {
		e.analyser = TransferAnalyser{Holder: cfg.Builder.Wallet().Address()}
	}
	if e.pollDelay <= 0 {
		e.pollDelay = DefaultPollDelay
	}
	if e.retry == nil {
		e.retry = retry.DefaultRetryConfig()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.logger == nil {
		e.logger = logging.GetGlobalLogger()
	}
	return e, nil
}

// Initialise syncs the wallet nonce and checks there is gas money
func (e *LiveExecution) Initialise(ctx context.Context, minGasBalance float64) error {
	wallet := e.builder.Wallet()
	if err := wallet.SyncNonce(ctx, e.client); err != nil {
		return err
	}
	wei, err := e.client.BalanceAt(ctx, wallet.Address(), nil)
	if err != nil {
		return apperrors.NewChainError("BalanceAt", err)
	}
	balance, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18)).Float64()
	e.logger.WithFields(map[string]interface{}{
		"wallet":  wallet.Address().Hex(),
		"nonce":   wallet.CurrentNonce(),
		"balance": balance,
	}).Info("Hot wallet ready")
	if minGasBalance > 0 && balance < minGasBalance {
		return apperrors.NewValidationError("gas_balance",
			fmt.Sprintf("wallet %s has %.6f native currency, at least %.6f needed", wallet.Address().Hex(), balance, minGasBalance))
	}
	return nil
}

// ExecuteTrades signs, allocates capital for, broadcasts and resolves a cycle's trades.
// Trades that fail before anything is sent are cancelled, see State.CancelTrades.
// Positions whose trade failed on chain are frozen.
func (e *LiveExecution) ExecuteTrades(ctx context.Context, at time.Time, state *models.State, trades []*models.TradeExecution, router Router) error {
	if len(trades) == 0 {
		return nil
	}

	if err := e.prepare(ctx, at, state, trades, router); err != nil {
		return e.cancel(ctx, state, trades, err)
	}

	txs, err := e.Broadcast(ctx, at, trades)
	if err != nil {
		return e.cancel(ctx, state, trades, err)
	}

	if e.timeout <= 0 {
		e.logger.WithField("trades", len(trades)).Warn("Confirmation wait disabled, trades left broadcasted")
		return nil
	}

	receipts, err := e.WaitTradesToComplete(ctx, trades, e.blockCount, e.timeout, e.pollDelay)
	if err != nil {
		return err
	}
	resolveErr := e.ResolveTrades(ctx, e.now(), state, txs, receipts, e.stopOnFailure)
	FreezePositionOnFailedTrade(at, state, trades)
	return resolveErr
}

// cancel rolls back the trades of a batch that never left the wallet and resyncs the nonce.
// Trades already marked broadcasted stay for repair.
func (e *LiveExecution) cancel(ctx context.Context, state *models.State, trades []*models.TradeExecution, cause error) error {
	cancelled := 0
	for _, t := range trades {
		if t.IsPending() && !t.IsUnfinished() {
			cancelled++
		}
	}
	if err := state.CancelTrades(trades); err != nil {
		e.logger.WithError(err).Error("Could not cancel trades")
		return errors.Join(cause, err)
	}
	if syncErr := e.builder.Wallet().SyncNonce(ctx, e.client); syncErr != nil {
		e.logger.WithError(syncErr).Warn("Could not resync nonce after failed preparation")
	}
	if cancelled > 0 {
		e.logger.WithError(cause).WithField("trades", cancelled).Warn("Trades cancelled before broadcast")
	}
	return cause
}

// prepare builds every transaction first so a signing problem leaves the reserve untouched
func (e *LiveExecution) prepare(ctx context.Context, at time.Time, state *models.State, trades []*models.TradeExecution, router Router) error {
	fees, err := e.builder.EstimateFees(ctx)
	if err != nil {
		return err
	}
	for _, t := range trades {
		if len(t.Blockchain) > 0 {
			return apperrors.NewValidationError("trade", fmt.Sprintf("trade %d already has transactions", t.TradeID))
		}
		calls, err := router.PlanCalls(ctx, t)
		if err != nil {
			return err
		}
		for _, c := range calls {
			tx, err := e.builder.Build(fees, c, state.Portfolio.CheckForNonceReuse)
			if err != nil {
				return fmt.Errorf("trade %d: %w", t.TradeID, err)
			}
			t.Blockchain = append(t.Blockchain, tx)
		}
	}
	return state.StartTrades(at, trades, true)
}

// Broadcast sends every prepared transaction of trades and marks the trades broadcasted.
// A nonce appearing twice in the batch fails the whole batch before anything is sent.
func (e *LiveExecution) Broadcast(ctx context.Context, at time.Time, trades []*models.TradeExecution) (map[common.Hash]TradeTx, error) {
	out := make(map[common.Hash]TradeTx)
	nonces := make(map[uint64]bool)
	var batch []*ethtypes.Transaction

	for _, t := range trades {
		if len(t.Blockchain) == 0 {
			return nil, apperrors.NewValidationError("trade", fmt.Sprintf("trade %d has no prepared transactions", t.TradeID))
		}
		for _, tx := range t.Blockchain {
			if nonces[tx.Nonce] {
				return nil, apperrors.NewNonceReuseError(tx.Nonce)
			}
			nonces[tx.Nonce] = true
			signed, err := decodeSigned(tx)
			if err != nil {
				return nil, err
			}
			out[signed.Hash()] = TradeTx{Trade: t, Tx: tx}
			batch = append(batch, signed)
		}
	}

	for _, t := range trades {
		for _, tx := range t.Blockchain {
			tx.SetBroadcastInformation(at)
		}
		if err := t.MarkBroadcasted(at); err != nil {
			return nil, err
		}
	}

	e.logger.WithFields(map[string]interface{}{"trades": len(trades), "txs": len(batch)}).Info("Broadcasting trades")
	for _, signed := range batch {
		signed := signed
		err := retry.Do(ctx, e.retry, func(ctx context.Context, attempt int) error {
			err := e.client.SendTransaction(ctx, signed)
			if isAlreadyKnown(err) {
				return nil
			}
			return err
		})
		if err != nil {
			for _, t := range trades {
				e.logger.WithFields(map[string]interface{}{"trade": t.String(), "nonces": t.Nonces()}).Error("Could not broadcast trade")
			}
			return out, apperrors.NewChainError("SendTransaction", err)
		}
	}
	return out, nil
}

// a retried broadcast of a transaction that reached the mempool
func isAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// WaitTradesToComplete polls receipts for every transaction of trades until each is mined and
// blockCount blocks deep. A timeout of zero or less returns immediately with no receipts.
// When the timeout runs out the receipts collected so far are returned without error,
// only a cancelled ctx is an error.
func (e *LiveExecution) WaitTradesToComplete(ctx context.Context, trades []*models.TradeExecution, blockCount uint64, timeout, pollDelay time.Duration) (map[common.Hash]*ethtypes.Receipt, error) {
	receipts := make(map[common.Hash]*ethtypes.Receipt)
	if timeout <= 0 {
		return receipts, nil
	}
	if pollDelay <= 0 {
		pollDelay = DefaultPollDelay
	}

	pending := make(map[common.Hash]bool)
	for _, t := range trades {
		for _, tx := range t.Blockchain {
			pending[common.HexToHash(tx.TxHash)] = true
		}
	}
	e.logger.WithFields(map[string]interface{}{
		"trades":      len(trades),
		"txs":         len(pending),
		"block_count": blockCount,
		"timeout":     timeout.String(),
	}).Info("Waiting for trades to confirm")

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(pollDelay)
	defer ticker.Stop()

	for {
		head, err := e.client.BlockNumber(ctx)
		if err != nil && ctx.Err() == nil {
			e.logger.WithError(err).Warn("Block number read failed while waiting for receipts")
		}
		for hash := range pending {
			if ctx.Err() != nil {
				break
			}
			r, err := e.client.TransactionReceipt(ctx, hash)
			if err != nil {
				if !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
					e.logger.WithError(err).WithField("tx", hash.Hex()).Warn("Receipt read failed")
				}
				continue
			}
			if r.BlockNumber == nil || head < r.BlockNumber.Uint64()+blockCount {
				continue
			}
			receipts[hash] = r
			delete(pending, hash)
		}
		if len(pending) == 0 {
			return receipts, nil
		}

		select {
		case <-ctx.Done():
			if err := parent.Err(); err != nil {
				return receipts, err
			}
			e.logger.WithFields(map[string]interface{}{
				"unconfirmed": len(pending),
				"txs":         len(pending) + len(receipts),
				"timeout":     timeout.String(),
			}).Warn("Confirmation wait timed out, resolving what was mined")
			return receipts, nil
		case <-ticker.C:
		}
	}
}

// ResolveTrades records receipts on the transactions and settles each trade whose
// transactions are all mined: success with the analysed amounts, or failed with the
// revert reason. With stopOnFailure a failed trade returns ErrTradeExecutionFailed
// once every trade has been resolved.
func (e *LiveExecution) ResolveTrades(ctx context.Context, at time.Time, state *models.State, txs map[common.Hash]TradeTx, receipts map[common.Hash]*ethtypes.Receipt, stopOnFailure bool) error {
	touched := make(map[int]*models.TradeExecution)
	headers := make(map[uint64]time.Time)

	for hash, tt := range txs {
		r, ok := receipts[hash]
		if !ok || tt.Tx.IsConfirmed() {
			continue
		}
		block := r.BlockNumber.Uint64()
		includedAt, ok := headers[block]
		if !ok {
			includedAt = e.blockTime(ctx, block, at)
			headers[block] = includedAt
		}
		success := r.Status == ethtypes.ReceiptStatusSuccessful
		reason := ""
		if !success {
			reason = e.revertReason(ctx, tt.Tx, r.BlockNumber)
		}
		tt.Tx.SetConfirmationInformation(includedAt, block, r.BlockHash.Hex(), r.GasUsed, r.EffectiveGasPrice, success, reason)
		touched[tt.Trade.TradeID] = tt.Trade
	}

	ids := make([]int, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var failure error
	for _, id := range ids {
		t := touched[id]
		if !t.IsUnfinished() {
			continue
		}
		if !allConfirmed(t) {
			e.logger.WithFields(map[string]interface{}{"trade_id": t.TradeID, "trade": t.String()}).Info("Trade has unmined transactions, left broadcasted")
			continue
		}

		if reason := t.RevertReason(); reason != "" {
			e.logger.WithFields(map[string]interface{}{"trade": t.String(), "reason": reason}).Error("Trade failed")
			if err := state.MarkTradeFailed(at, t, reason); err != nil {
				return err
			}
			if stopOnFailure && failure == nil {
				failure = apperrors.NewTradeExecutionFailedError(t.TradeID, reason)
			}
			continue
		}

		result, err := e.analyser.AnalyseTrade(ctx, t, receiptsFor(t, receipts))
		if err != nil {
			return apperrors.NewIntegrityError(fmt.Sprintf("analyse trade %d", t.TradeID), err)
		}
		if err := state.MarkTradeSuccess(at, t, result); err != nil {
			return err
		}
		e.logger.WithFields(map[string]interface{}{
			"trade":    t.String(),
			"price":    result.ExecutedPrice,
			"quantity": result.ExecutedQuantity.String(),
		}).Info("Trade executed")
	}
	return failure
}

func allConfirmed(t *models.TradeExecution) bool {
	for _, tx := range t.Blockchain {
		if !tx.IsConfirmed() {
			return false
		}
	}
	return true
}

func receiptsFor(t *models.TradeExecution, receipts map[common.Hash]*ethtypes.Receipt) []*ethtypes.Receipt {
	out := make([]*ethtypes.Receipt, 0, len(t.Blockchain))
	for _, tx := range t.Blockchain {
		if r, ok := receipts[common.HexToHash(tx.TxHash)]; ok {
			out = append(out, r)
		}
	}
	return out
}

func (e *LiveExecution) blockTime(ctx context.Context, block uint64, fallback time.Time) time.Time {
	h, err := e.client.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		e.logger.WithError(err).WithField("block", block).Warn("Header read failed, using wall clock for inclusion time")
		return fallback
	}
	return time.Unix(int64(h.Time), 0).UTC()
}

// revertReason replays the transaction as a call at its block and returns the node's error
func (e *LiveExecution) revertReason(ctx context.Context, tx *models.BlockchainTransaction, block *big.Int) string {
	signed, err := decodeSigned(tx)
	if err != nil {
		return err.Error()
	}
	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(signed.ChainId()), signed)
	if err != nil {
		return err.Error()
	}
	_, err = e.client.CallContract(ctx, ethereum.CallMsg{
		From:      from,
		To:        signed.To(),
		Gas:       signed.Gas(),
		GasFeeCap: signed.GasFeeCap(),
		GasTipCap: signed.GasTipCap(),
		Value:     signed.Value(),
		Data:      signed.Data(),
	}, block)
	if err == nil {
		return fmt.Sprintf("transaction %s reverted without a reason", tx.TxHash)
	}
	return err.Error()
}

// FreezePositionOnFailedTrade freezes every open position that owns a failed trade
func FreezePositionOnFailedTrade(at time.Time, state *models.State, trades []*models.TradeExecution) []*models.TradingPosition {
	var frozen []*models.TradingPosition
	for _, t := range trades {
		if !t.IsFailed() {
			continue
		}
		pos, err := state.Portfolio.GetPositionByID(t.PositionID)
		if err != nil || pos.IsFrozen() {
			continue
		}
		if pos.IsClosed() {
			continue
		}
		state.Portfolio.FreezePosition(pos, at, t.RevertReason())
		frozen = append(frozen, pos)
		logging.GetGlobalLogger().WithFields(map[string]interface{}{
			"position": pos.PositionID,
			"trade":    t.TradeID,
		}).Warn("Position frozen on failed trade")
	}
	return frozen
}

// RepairUnconfirmedTrades waits again for trades left broadcasted by a previous run and
// resolves them. It needs a positive confirmation timeout. A trade still unmined after the
// wait stays broadcasted and is not returned.
func (e *LiveExecution) RepairUnconfirmedTrades(ctx context.Context, state *models.State) ([]*models.TradeExecution, error) {
	if e.timeout <= 0 {
		return nil, apperrors.NewValidationError("confirmation_timeout", "must be positive to repair unconfirmed trades")
	}

	var repaired []*models.TradeExecution
	for _, p := range state.Portfolio.OpenAndFrozenPositions() {
		for _, t := range p.Trades {
			if !t.IsUnfinished() || len(t.Blockchain) == 0 {
				continue
			}
			e.logger.WithField("trade", t.String()).Info("Found unconfirmed trade")

			receipts, err := e.WaitTradesToComplete(ctx, []*models.TradeExecution{t}, e.blockCount, e.timeout, e.pollDelay)
			if err != nil {
				FreezePositionOnFailedTrade(e.now(), state, repaired)
				return repaired, err
			}
			txs := make(map[common.Hash]TradeTx, len(t.Blockchain))
			for _, tx := range t.Blockchain {
				txs[common.HexToHash(tx.TxHash)] = TradeTx{Trade: t, Tx: tx}
			}
			if err := e.ResolveTrades(ctx, e.now(), state, txs, receipts, false); err != nil {
				FreezePositionOnFailedTrade(e.now(), state, repaired)
				return repaired, err
			}
			if t.IsUnfinished() {
				continue
			}
			t.AddNote("Failed broadcast repaired")
			repaired = append(repaired, t)
		}
	}
	FreezePositionOnFailedTrade(e.now(), state, repaired)
	return repaired, nil
}
