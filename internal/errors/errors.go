package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryIntegrity represents state or accounting inconsistencies
	CategoryIntegrity ErrorCategory = "integrity"
	// CategoryExecution represents failed or unresolved trade execution
	CategoryExecution ErrorCategory = "execution"
	// CategoryLiquidationRisk represents a loan that would be unsafe
	CategoryLiquidationRisk ErrorCategory = "liquidation_risk"
	// CategoryRepairAborted represents an operator declining a repair
	CategoryRepairAborted ErrorCategory = "repair_aborted"
	// CategoryChain represents blockchain node errors
	CategoryChain ErrorCategory = "chain"
	// CategoryConfiguration represents invalid configuration
	CategoryConfiguration ErrorCategory = "configuration"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryCache represents cache errors
	CategoryCache ErrorCategory = "cache"
	// CategoryValidation represents validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents conflict errors
	CategoryConflict ErrorCategory = "conflict"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategorySystem represents unexpected errors
	CategorySystem ErrorCategory = "system"
)

// Sentinel errors, match with errors.Is
var (
	ErrUnknownAsset         = errors.New("unknown asset")
	ErrAmbiguousAsset       = errors.New("more than one open position for asset")
	ErrDuplicateEvent       = errors.New("treasury event already processed")
	ErrNegativeInterest     = errors.New("interest accrued is not positive")
	ErrInterestTripwire     = errors.New("interest gain exceeds tripwire")
	ErrLiquidationRisked    = errors.New("loan health factor below liquidation threshold")
	ErrRepairAborted        = errors.New("repair aborted")
	ErrAlreadyInitialised   = errors.New("treasury already initialised")
	ErrNotInitialised       = errors.New("treasury not initialised")
	ErrNonceReuse           = errors.New("nonce already used")
	ErrChainReorganisation  = errors.New("chain reorganisation detected")
	ErrTradeExecutionFailed = errors.New("trade execution failed")
	ErrInvalidTransition    = errors.New("invalid trade state transition")
	ErrCapitalUnderflow     = errors.New("not enough reserves to allocate capital")
	ErrReserveMismatch      = errors.New("asset is not the reserve asset")
	ErrStatePristine        = errors.New("state file is pristine")
	ErrTreasuryNotSynced    = errors.New("cannot do trades before treasury is synced at least once")
	ErrNegativeQuantity     = errors.New("tracked quantity would go negative")
	ErrPositionNotFound     = errors.New("position not found")
)

// CategorizedError represents an error with a category and machine readable code
type CategorizedError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Details  map[string]interface{}
	Cause    error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// Integrity errors

// NewUnknownAssetError creates an error for an event touching an asset we do not hold
func NewUnknownAssetError(asset string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryIntegrity,
		Code:     "UNKNOWN_ASSET",
		Message:  fmt.Sprintf("no reserve or open position for asset %s", asset),
		Cause:    ErrUnknownAsset,
		Details: map[string]interface{}{
			"asset": asset,
		},
	}
}

// NewAmbiguousAssetError creates an error for an asset held by several open positions
func NewAmbiguousAssetError(asset string, positionIDs []int) *CategorizedError {
	return &CategorizedError{
		Category: CategoryIntegrity,
		Code:     "AMBIGUOUS_ASSET",
		Message:  fmt.Sprintf("asset %s is held by positions %v", asset, positionIDs),
		Cause:    ErrAmbiguousAsset,
		Details: map[string]interface{}{
			"asset":     asset,
			"positions": positionIDs,
		},
	}
}

// NewDuplicateEventError creates an error for a treasury event seen twice
func NewDuplicateEventError(key string, balanceUpdateID int) *CategorizedError {
	return &CategorizedError{
		Category: CategoryIntegrity,
		Code:     "DUPLICATE_EVENT",
		Message:  fmt.Sprintf("event %s already recorded as balance update %d", key, balanceUpdateID),
		Cause:    ErrDuplicateEvent,
		Details: map[string]interface{}{
			"event":          key,
			"balance_update": balanceUpdateID,
		},
	}
}

// NewNegativeInterestError creates an error for a non-positive interest accrual
func NewNegativeInterestError(asset string, accrued string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryIntegrity,
		Code:     "NEGATIVE_INTEREST",
		Message:  fmt.Sprintf("interest for %s was %s", asset, accrued),
		Cause:    ErrNegativeInterest,
		Details: map[string]interface{}{
			"asset":   asset,
			"accrued": accrued,
		},
	}
}

// NewInterestTripwireError creates an error for an implausibly large interest gain
func NewInterestTripwireError(asset string, gain float64, maxGain float64) *CategorizedError {
	return &CategorizedError{
		Category: CategoryIntegrity,
		Code:     "INTEREST_TRIPWIRE",
		Message:  fmt.Sprintf("interest gain %f for %s exceeds maximum %f", gain, asset, maxGain),
		Cause:    ErrInterestTripwire,
		Details: map[string]interface{}{
			"asset":    asset,
			"gain":     gain,
			"max_gain": maxGain,
		},
	}
}

// NewReserveMismatchError creates an error for a deposit in a non-reserve asset
func NewReserveMismatchError(asset string, reserve string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryIntegrity,
		Code:     "RESERVE_MISMATCH",
		Message:  fmt.Sprintf("deposit asset %s does not match reserve %s", asset, reserve),
		Cause:    ErrReserveMismatch,
		Details: map[string]interface{}{
			"asset":   asset,
			"reserve": reserve,
		},
	}
}

// NewIntegrityError creates a generic integrity error
func NewIntegrityError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryIntegrity,
		Code:     "INTEGRITY_ERROR",
		Message:  message,
		Cause:    cause,
	}
}

// Execution errors

// NewLiquidationRiskedError creates an error for a loan that fails its health check
func NewLiquidationRiskedError(positionID int, healthFactor float64) *CategorizedError {
	return &CategorizedError{
		Category: CategoryLiquidationRisk,
		Code:     "LIQUIDATION_RISKED",
		Message:  fmt.Sprintf("position %d health factor %f", positionID, healthFactor),
		Cause:    ErrLiquidationRisked,
		Details: map[string]interface{}{
			"position":      positionID,
			"health_factor": healthFactor,
		},
	}
}

// NewTradeExecutionFailedError creates an error for a reverted trade
func NewTradeExecutionFailedError(tradeID int, reason string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryExecution,
		Code:     "TRADE_EXECUTION_FAILED",
		Message:  fmt.Sprintf("trade %d failed: %s", tradeID, reason),
		Cause:    ErrTradeExecutionFailed,
		Details: map[string]interface{}{
			"trade":  tradeID,
			"reason": reason,
		},
	}
}

// NewInvalidTransitionError creates an error for an illegal trade state change
func NewInvalidTransitionError(tradeID int, from string, to string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryExecution,
		Code:     "INVALID_TRANSITION",
		Message:  fmt.Sprintf("trade %d cannot move from %s to %s", tradeID, from, to),
		Cause:    ErrInvalidTransition,
		Details: map[string]interface{}{
			"trade": tradeID,
			"from":  from,
			"to":    to,
		},
	}
}

// NewNonceReuseError creates an error for a transaction nonce seen twice
func NewNonceReuseError(nonce uint64) *CategorizedError {
	return &CategorizedError{
		Category: CategoryExecution,
		Code:     "NONCE_REUSE",
		Message:  fmt.Sprintf("Nonce already used: %d", nonce),
		Cause:    ErrNonceReuse,
		Details: map[string]interface{}{
			"nonce": nonce,
		},
	}
}

// NewCapitalUnderflowError creates an error for allocating more than the reserve holds
func NewCapitalUnderflowError(available string, requested string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryExecution,
		Code:     "CAPITAL_UNDERFLOW",
		Message:  fmt.Sprintf("reserve has %s, trade needs %s", available, requested),
		Cause:    ErrCapitalUnderflow,
		Details: map[string]interface{}{
			"available": available,
			"requested": requested,
		},
	}
}

// NewRepairAbortedError creates an error for an operator declining a repair
func NewRepairAbortedError() *CategorizedError {
	return &CategorizedError{
		Category: CategoryRepairAborted,
		Code:     "REPAIR_ABORTED",
		Message:  "repair aborted by operator",
		Cause:    ErrRepairAborted,
	}
}

// Infrastructure errors

// NewChainError creates a blockchain node error
func NewChainError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryChain,
		Code:     "CHAIN_ERROR",
		Message:  fmt.Sprintf("chain error during %s", operation),
		Cause:    cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewChainReorganisationError creates an error for a block hash that changed
func NewChainReorganisationError(block uint64, was string, now string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryChain,
		Code:     "CHAIN_REORGANISATION",
		Message:  fmt.Sprintf("block %d hash changed from %s to %s", block, was, now),
		Cause:    ErrChainReorganisation,
		Details: map[string]interface{}{
			"block": block,
			"was":   was,
			"now":   now,
		},
	}
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryConfiguration,
		Code:     "INVALID_CONFIGURATION",
		Message:  fmt.Sprintf("invalid configuration '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryDatabase,
		Code:     "DATABASE_ERROR",
		Message:  fmt.Sprintf("database error during %s", operation),
		Cause:    cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewCacheError creates a cache error
func NewCacheError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryCache,
		Code:     "CACHE_ERROR",
		Message:  fmt.Sprintf("cache error during %s", operation),
		Cause:    cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewValidationError creates a validation error
func NewValidationError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryValidation,
		Code:     "INVALID_PARAMETER",
		Message:  fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryNotFound,
		Code:     "NOT_FOUND",
		Message:  fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewConflictError creates a conflict error
func NewConflictError(message string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryConflict,
		Code:     "CONFLICT",
		Message:  message,
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(provider string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryRateLimit,
		Code:     "RATE_LIMIT_EXCEEDED",
		Message:  fmt.Sprintf("rate limit exceeded: %s", provider),
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// NewInternalError creates an unexpected error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategorySystem,
		Code:     "INTERNAL_ERROR",
		Message:  message,
		Cause:    cause,
	}
}

var sentinelCategories = []struct {
	err      error
	category ErrorCategory
	code     string
}{
	{ErrUnknownAsset, CategoryIntegrity, "UNKNOWN_ASSET"},
	{ErrAmbiguousAsset, CategoryIntegrity, "AMBIGUOUS_ASSET"},
	{ErrDuplicateEvent, CategoryIntegrity, "DUPLICATE_EVENT"},
	{ErrNegativeInterest, CategoryIntegrity, "NEGATIVE_INTEREST"},
	{ErrInterestTripwire, CategoryIntegrity, "INTEREST_TRIPWIRE"},
	{ErrReserveMismatch, CategoryIntegrity, "RESERVE_MISMATCH"},
	{ErrAlreadyInitialised, CategoryIntegrity, "ALREADY_INITIALISED"},
	{ErrNotInitialised, CategoryIntegrity, "NOT_INITIALISED"},
	{ErrStatePristine, CategoryIntegrity, "STATE_PRISTINE"},
	{ErrNegativeQuantity, CategoryIntegrity, "NEGATIVE_QUANTITY"},
	{ErrPositionNotFound, CategoryNotFound, "POSITION_NOT_FOUND"},
	{ErrLiquidationRisked, CategoryLiquidationRisk, "LIQUIDATION_RISKED"},
	{ErrRepairAborted, CategoryRepairAborted, "REPAIR_ABORTED"},
	{ErrNonceReuse, CategoryExecution, "NONCE_REUSE"},
	{ErrTradeExecutionFailed, CategoryExecution, "TRADE_EXECUTION_FAILED"},
	{ErrInvalidTransition, CategoryExecution, "INVALID_TRANSITION"},
	{ErrCapitalUnderflow, CategoryExecution, "CAPITAL_UNDERFLOW"},
	{ErrTreasuryNotSynced, CategoryExecution, "TREASURY_NOT_SYNCED"},
	{ErrChainReorganisation, CategoryChain, "CHAIN_REORGANISATION"},
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	// If already categorized, return as-is
	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr
	}

	for _, s := range sentinelCategories {
		if errors.Is(err, s.err) {
			return &CategorizedError{
				Category: s.category,
				Code:     s.code,
				Message:  err.Error(),
				Cause:    err,
			}
		}
	}

	// Default to internal error
	return NewInternalError("unexpected error", err)
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryChain:
		return !errors.Is(err, ErrChainReorganisation)
	case CategoryDatabase, CategoryCache, CategoryRateLimit:
		return true
	default:
		return false
	}
}

// IsIntegrityError reports whether the error means the state disagrees with the chain
func IsIntegrityError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}
	return catErr.Category == CategoryIntegrity
}

// ExitCode maps an error to a process exit code
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	catErr := Categorize(err)
	switch catErr.Category {
	case CategoryRepairAborted:
		return 0
	case CategoryIntegrity:
		return 1
	default:
		return 2
	}
}
