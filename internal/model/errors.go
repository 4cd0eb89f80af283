package model

import (
	"errors"
	"fmt"
)

// Error classes. Every rejection returned by the engine wraps exactly one of
// these, so callers classify failures with errors.Is.
var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidInput         = errors.New("invalid input")
	ErrLimitExceeded        = errors.New("round action limit exceeded")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrInternalComputation  = errors.New("internal computation error")
)

// Specific rejections.
var (
	ErrPlayerNotFound  = fmt.Errorf("player %w", ErrNotFound)
	ErrAssetNotFound   = fmt.Errorf("asset %w", ErrNotFound)
	ErrEventNotFound   = fmt.Errorf("event %w", ErrNotFound)
	ErrInvalidQuantity = fmt.Errorf("%w: quantity must be a positive integer", ErrInvalidInput)
	ErrInvalidImpact   = fmt.Errorf("%w: impact must be within [-0.99, 0.99]", ErrInvalidInput)
	ErrPurchaseLimit   = fmt.Errorf("%w: purchase limit reached for this round", ErrLimitExceeded)
	ErrSaleLimit       = fmt.Errorf("%w: sale limit reached for this round", ErrLimitExceeded)
)
