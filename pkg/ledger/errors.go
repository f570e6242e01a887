package ledger

import "errors"

// Sentinel errors surfaced by ledger operations. Callers match with
// errors.Is; the order service maps them to structured rejection codes.
var (
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
	ErrUserNotFound        = errors.New("ledger: user has no balance entry")
	ErrInsufficientBalance = errors.New("ledger: insufficient available balance")
	ErrInsufficientLocked  = errors.New("ledger: insufficient locked balance")
)
