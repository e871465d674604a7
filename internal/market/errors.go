package market

import (
	"errors"
	"fmt"
)

// Errors reported by the engine. Every rejected operation leaves all
// participating records exactly as they were; callers match with errors.Is.
var (
	ErrUnauthorized = errors.New("caller lacks the required role")
	ErrNotFound     = errors.New("record not found")

	ErrDuplicateName    = errors.New("marketplace name already registered")
	ErrDuplicateListing = errors.New("asset already has a live listing")
	ErrNotWhitelisted   = errors.New("collection is not whitelisted")

	ErrInvalidFee   = errors.New("fee must be between 0 and 10000 basis points")
	ErrInvalidTerms = errors.New("price and rental duration must be positive")

	ErrAlreadyRented       = errors.New("listing is not available for rent")
	ErrNotRented           = errors.New("listing is not rented")
	ErrNotListed           = errors.New("listing is not in the listed state")
	ErrInsufficientPayment = errors.New("payment is below the listing price")
	ErrInsufficientFunds   = errors.New("insufficient balance")

	// ErrConflict reports a lost optimistic-concurrency race on a listing
	// record. The service maps it back to the state error the loser would
	// have observed.
	ErrConflict = errors.New("listing was modified concurrently")
)

// ErrNotYetExpired wraps ErrUnauthorized: before the rental end time only the
// registered renter may return, so a premature return by anyone else is both
// too early and unauthorized.
var ErrNotYetExpired = fmt.Errorf("rental has not expired: %w", ErrUnauthorized)
