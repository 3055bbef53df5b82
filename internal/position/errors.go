package position

import "errors"

var (
	// ErrPositionNotFound is returned by stores when no row exists for the
	// (account, sub-account, symbol) key.
	ErrPositionNotFound = errors.New("position not found")
	// ErrInsufficientAvailable rejects a block that exceeds the sellable
	// quantity while short selling is disabled, and a release that exceeds
	// what is currently blocked.
	ErrInsufficientAvailable = errors.New("insufficient available quantity")
)
