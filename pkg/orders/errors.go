package orders

import "fmt"

// Rejection error codes returned to API clients. These are wire-stable.
const (
	CodeInvalidSignature    = "INVALID_SIGNATURE"
	CodeInvalidNonce        = "INVALID_NONCE"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeOrderExpired        = "ORDER_EXPIRED"
	CodeRiskLimitExceeded   = "RISK_LIMIT_EXCEEDED"
	CodeOrderNotFound       = "ORDER_NOT_FOUND"
	CodeOrderNotOwned       = "ORDER_NOT_OWNED"
	CodeInvalidOrder        = "INVALID_ORDER"
	CodeTradingPaused       = "TRADING_PAUSED"
)

// Rejection carries a stable error code plus human-readable detail.
type Rejection struct {
	Code    string `json:"errorCode"`
	Details string `json:"details"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Details)
}

func reject(code, format string, args ...interface{}) *Rejection {
	return &Rejection{Code: code, Details: fmt.Sprintf(format, args...)}
}
