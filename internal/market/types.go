package market

import (
	"context"
	"time"
)

// ListingState is the lifecycle state of a Listing.
type ListingState int

const (
	StateListed ListingState = iota
	StateRented
	StateClosed
)

func (s ListingState) String() string {
	switch s {
	case StateListed:
		return "listed"
	case StateRented:
		return "rented"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Marketplace is a curated market created by an admin. The name doubles as
// the record address: it is globally unique within the registry.
type Marketplace struct {
	Name      string    `json:"name"`
	Admin     string    `json:"admin"`
	FeeBps    uint16    `json:"fee_bps"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Treasury holds the accumulated marketplace fees. One per Marketplace,
// created atomically with it.
type Treasury struct {
	Marketplace string `json:"marketplace"`
	Balance     uint64 `json:"balance"`
}

// WhitelistedDao records the current authority approved to list assets from
// a collection on a marketplace. At most one authority per
// (marketplace, collection) pair.
type WhitelistedDao struct {
	Marketplace  string    `json:"marketplace"`
	CollectionID string    `json:"collection_id"`
	DaoAuthority string    `json:"dao_authority"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Listing is the central record of the engine, keyed by (marketplace, asset).
// CurrentRenter, RentalStart and RentalEnd are either all unset (idle) or all
// set (rented), with RentalEnd = RentalStart + RentalDuration exactly.
// Rental times are unix seconds from the time oracle.
type Listing struct {
	Marketplace    string       `json:"marketplace"`
	AssetID        string       `json:"asset_id"`
	CollectionID   string       `json:"collection_id"`
	Seller         string       `json:"seller"`
	Price          uint64       `json:"price"`
	RentalDuration int64        `json:"rental_duration"`
	CurrentRenter  string       `json:"current_renter,omitempty"`
	RentalStart    int64        `json:"rental_start,omitempty"`
	RentalEnd      int64        `json:"rental_end,omitempty"`
	Vault          string       `json:"vault"`
	State          ListingState `json:"state"`
	Version        int64        `json:"version"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// ExpiredAt reports whether a rented listing's term has run out at the given
// instant. Expiry is a computed predicate, never a scheduled event.
func (l *Listing) ExpiredAt(now time.Time) bool {
	return l.State == StateRented && now.Unix() >= l.RentalEnd
}

// Custodian is the external token-custody primitive. Deposit moves an asset
// from its holder into a program-controlled vault and returns the vault
// handle; Release moves it from the vault to the recipient.
type Custodian interface {
	Deposit(ctx context.Context, assetID, owner string) (vault string, err error)
	Release(ctx context.Context, assetID, vault, recipient string) error
}

// Provenance resolves the verified collection an asset belongs to.
type Provenance interface {
	CollectionOf(ctx context.Context, assetID string) (string, error)
}

// Event describes a committed state transition, fanned out to subscribers.
type Event struct {
	Type        string    `json:"type"`
	Marketplace string    `json:"marketplace"`
	AssetID     string    `json:"asset_id,omitempty"`
	Actor       string    `json:"actor"`
	At          time.Time `json:"at"`
}

// Event types published by the service.
const (
	EventMarketplaceCreated = "marketplace.created"
	EventFeeUpdated         = "marketplace.fee_updated"
	EventDaoWhitelisted     = "dao.whitelisted"
	EventDaoRevoked         = "dao.revoked"
	EventListingCreated     = "listing.created"
	EventListingRented      = "listing.rented"
	EventListingReturned    = "listing.returned"
	EventListingCancelled   = "listing.cancelled"
)
