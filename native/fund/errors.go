package fund

import "errors"

var (
	ErrUnauthorized          = errors.New("fund: unauthorized caller")
	ErrOnlyFund              = errors.New("fund: only the fund may call")
	ErrInactiveMarket        = errors.New("fund: primary market inactive")
	ErrFundInactive          = errors.New("fund: trading inactive")
	ErrNotYetDue             = errors.New("fund: settlement not yet due")
	ErrAlreadySettled        = errors.New("fund: epoch already settled")
	ErrOutOfBounds           = errors.New("fund: rebalance index out of bounds")
	ErrNoSnapshot            = errors.New("fund: no nav snapshot")
	ErrInsufficientBalance   = errors.New("fund: insufficient balance")
	ErrInsufficientAllowance = errors.New("fund: insufficient allowance")
	ErrZeroAddress           = errors.New("fund: zero address")
	ErrBelowMinimum          = errors.New("fund: amount below minimum")
	ErrEmptyFundNoUnderlying = errors.New("fund: shares outstanding without underlying")
	ErrZeroNavCreation       = errors.New("fund: cannot create at zero nav")
	ErrInvalidAmount         = errors.New("fund: invalid amount")
	ErrInvalidTranche        = errors.New("fund: invalid tranche")
	ErrPriceNotReady         = errors.New("fund: price not ready")
	ErrOverflow              = errors.New("fund: arithmetic overflow")
	ErrNotInitialized        = errors.New("fund: not initialized")
	ErrAlreadyInitialized    = errors.New("fund: already initialized")
	ErrAlreadyBound          = errors.New("fund: capability already issued")
	ErrInsufficientLiquidity = errors.New("fund: insufficient hot underlying")
)

// IsTransient reports whether err signals data that is not ready yet, so the
// caller may retry the same operation later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrPriceNotReady)
}
