package budget

import "errors"

var (
	// ErrExceeded is returned once consumption has passed the session cap.
	ErrExceeded = errors.New("token budget exceeded")

	// ErrInvalidAmount is returned for negative or overflowing amounts.
	ErrInvalidAmount = errors.New("invalid token amount")
)
