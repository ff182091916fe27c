package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrRiskRejected   = errors.New("risk budget rejected")
	ErrBlacklisted    = errors.New("market blacklisted")
	ErrDuplicateOrder = errors.New("duplicate order key")
	ErrOrderFailed    = errors.New("order failed after retries")
	ErrMarketResolved = errors.New("market already resolved")
	ErrLockHeld       = errors.New("lock already held")
	ErrWSDisconnect   = errors.New("websocket disconnected")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrRateLimited    = errors.New("rate limited")
)
