package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Recorder receives an audit record for every committed transition.
type Recorder interface {
	Record(eventType, actor, target, description string)
}

// Service drives the marketplace engine. Every operation is synchronous
// request/response: it is evaluated against a consistent snapshot of the
// referenced records and applied atomically or not at all. The clock is the
// only time source; client-supplied timestamps are never trusted.
type Service struct {
	store       *Store
	custodian   Custodian
	provenance  Provenance
	clock       clock.Clock
	audit       Recorder
	subscribers map[string]chan Event
	mu          sync.RWMutex
}

// NewService creates a marketplace service. audit may be nil.
func NewService(store *Store, custodian Custodian, provenance Provenance, clk clock.Clock, audit Recorder) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		store:       store,
		custodian:   custodian,
		provenance:  provenance,
		clock:       clk,
		audit:       audit,
		subscribers: make(map[string]chan Event),
	}
}

// CreateMarketplace registers a new marketplace and provisions its treasury.
func (s *Service) CreateMarketplace(ctx context.Context, admin, name string, feeBps uint16) (*Marketplace, error) {
	if feeBps > MaxFeeBps {
		return nil, ErrInvalidFee
	}
	if name == "" || admin == "" {
		return nil, fmt.Errorf("%w: name and admin are required", ErrInvalidTerms)
	}

	now := s.clock.Now().UTC()
	m := &Marketplace{
		Name:      name,
		Admin:     admin,
		FeeBps:    feeBps,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateMarketplace(m); err != nil {
		return nil, err
	}

	s.record(EventMarketplaceCreated, admin, name, fmt.Sprintf("marketplace created with fee %d bps", feeBps))
	s.publish(Event{Type: EventMarketplaceCreated, Marketplace: name, Actor: admin, At: now})
	return m, nil
}

// Lookup retrieves a marketplace by name.
func (s *Service) Lookup(ctx context.Context, name string) (*Marketplace, error) {
	m, err := s.store.GetMarketplace(name)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: marketplace %q", ErrNotFound, name)
	}
	return m, nil
}

// TreasuryBalance returns the accumulated fee balance of a marketplace.
func (s *Service) TreasuryBalance(ctx context.Context, name string) (uint64, error) {
	return s.store.TreasuryBalance(name)
}

// UpdateFee changes the marketplace fee rate. Admin only.
func (s *Service) UpdateFee(ctx context.Context, caller, name string, feeBps uint16) error {
	if feeBps > MaxFeeBps {
		return ErrInvalidFee
	}
	m, err := s.Lookup(ctx, name)
	if err != nil {
		return err
	}
	if caller != m.Admin {
		return fmt.Errorf("%w: only the marketplace admin may change the fee", ErrUnauthorized)
	}

	now := s.clock.Now()
	if err := s.store.UpdateMarketplaceFee(name, feeBps, now); err != nil {
		return err
	}

	s.record(EventFeeUpdated, caller, name, fmt.Sprintf("fee changed to %d bps", feeBps))
	s.publish(Event{Type: EventFeeUpdated, Marketplace: name, Actor: caller, At: now.UTC()})
	return nil
}

// WhitelistDao approves a DAO authority for a collection on a marketplace.
// Re-whitelisting the same collection overwrites the authority of record.
// Admin only.
func (s *Service) WhitelistDao(ctx context.Context, caller, marketplace, daoAuthority, collectionID string) (*WhitelistedDao, error) {
	m, err := s.Lookup(ctx, marketplace)
	if err != nil {
		return nil, err
	}
	if caller != m.Admin {
		return nil, fmt.Errorf("%w: only the marketplace admin may whitelist", ErrUnauthorized)
	}
	if daoAuthority == "" || collectionID == "" {
		return nil, fmt.Errorf("%w: dao authority and collection are required", ErrInvalidTerms)
	}

	now := s.clock.Now().UTC()
	w := &WhitelistedDao{
		Marketplace:  marketplace,
		CollectionID: collectionID,
		DaoAuthority: daoAuthority,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.UpsertWhitelist(w); err != nil {
		return nil, err
	}

	s.record(EventDaoWhitelisted, caller, marketplace+"/"+collectionID, "collection whitelisted for "+daoAuthority)
	s.publish(Event{Type: EventDaoWhitelisted, Marketplace: marketplace, Actor: caller, At: now})
	return w, nil
}

// RevokeDao removes the authority of record for a collection. Listings
// already created from the collection are unaffected; revocation blocks only
// future listing creation. Admin only.
func (s *Service) RevokeDao(ctx context.Context, caller, marketplace, collectionID string) error {
	m, err := s.Lookup(ctx, marketplace)
	if err != nil {
		return err
	}
	if caller != m.Admin {
		return fmt.Errorf("%w: only the marketplace admin may revoke", ErrUnauthorized)
	}

	if err := s.store.DeleteWhitelist(marketplace, collectionID); err != nil {
		return err
	}

	s.record(EventDaoRevoked, caller, marketplace+"/"+collectionID, "collection whitelist revoked")
	s.publish(Event{Type: EventDaoRevoked, Marketplace: marketplace, Actor: caller, At: s.clock.Now().UTC()})
	return nil
}

// List deposits an asset into escrow and opens a listing. The caller must be
// the registered DAO authority for the asset's collection and must hold the
// asset; the whitelist is checked before any custody transfer happens.
func (s *Service) List(ctx context.Context, caller, marketplace, assetID string, price uint64, rentalDuration int64) (*Listing, error) {
	m, err := s.Lookup(ctx, marketplace)
	if err != nil {
		return nil, err
	}
	if price == 0 || rentalDuration <= 0 {
		return nil, ErrInvalidTerms
	}

	collectionID, err := s.provenance.CollectionOf(ctx, assetID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve collection of %s: %w", assetID, err)
	}

	w, err := s.store.GetWhitelist(m.Name, collectionID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("%w: collection %s on %q", ErrNotWhitelisted, collectionID, m.Name)
	}
	if w.DaoAuthority != caller {
		return nil, fmt.Errorf("%w: caller is not the authority for collection %s", ErrUnauthorized, collectionID)
	}

	if existing, err := s.store.GetListing(m.Name, assetID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateListing, m.Name, assetID)
	}

	vault, err := s.custodian.Deposit(ctx, assetID, caller)
	if err != nil {
		return nil, fmt.Errorf("escrow deposit failed: %w", err)
	}

	now := s.clock.Now().UTC()
	l := &Listing{
		Marketplace:    m.Name,
		AssetID:        assetID,
		CollectionID:   collectionID,
		Seller:         caller,
		Price:          price,
		RentalDuration: rentalDuration,
		Vault:          vault,
		State:          StateListed,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateListing(l); err != nil {
		// Undo the escrow so the asset is never stranded in a vault
		// without a listing that controls it.
		if relErr := s.custodian.Release(ctx, assetID, vault, caller); relErr != nil {
			log.Errorf("Failed to release %s after listing rollback: %v", assetID, relErr)
		}
		return nil, err
	}

	s.record(EventListingCreated, caller, m.Name+"/"+assetID, fmt.Sprintf("listed at %d for %ds", price, rentalDuration))
	s.publish(Event{Type: EventListingCreated, Marketplace: m.Name, AssetID: assetID, Actor: caller, At: now})
	return l, nil
}

// GetListing retrieves a listing by its (marketplace, asset) key.
func (s *Service) GetListing(ctx context.Context, marketplace, assetID string) (*Listing, error) {
	l, err := s.store.GetListing(marketplace, assetID)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, fmt.Errorf("%w: listing %s/%s", ErrNotFound, marketplace, assetID)
	}
	return l, nil
}

// Rent activates a listing for the caller. The payment must cover the price;
// exactly the price moves: the fee share is credited to the treasury and the
// remainder to the seller, immediately. An expired rental on the listing is
// lazily ended before availability is evaluated.
func (s *Service) Rent(ctx context.Context, caller, marketplace, assetID string, payment uint64) (*Listing, error) {
	m, err := s.Lookup(ctx, marketplace)
	if err != nil {
		return nil, err
	}
	l, err := s.GetListing(ctx, m.Name, assetID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	l, err = s.settleExpiry(l, now)
	if err != nil {
		return nil, err
	}

	if l.State != StateListed {
		return nil, fmt.Errorf("%w: %s/%s is %s", ErrAlreadyRented, m.Name, assetID, l.State)
	}
	if payment < l.Price {
		return nil, fmt.Errorf("%w: payment %d < price %d", ErrInsufficientPayment, payment, l.Price)
	}

	fee, payout := SplitFee(l.Price, m.FeeBps)

	expectedVersion := l.Version
	l.CurrentRenter = caller
	l.RentalStart = now.Unix()
	l.RentalEnd = now.Unix() + l.RentalDuration
	l.State = StateRented

	if err := s.store.RentListing(l, expectedVersion, l.Price, fee, payout, now); err != nil {
		if errors.Is(err, ErrConflict) {
			// The concurrent winner observed the Listed state; the
			// loser reports the listing as taken.
			return nil, fmt.Errorf("%w: %s/%s", ErrAlreadyRented, m.Name, assetID)
		}
		return nil, err
	}

	s.record(EventListingRented, caller, m.Name+"/"+assetID,
		fmt.Sprintf("rented until %d (fee %d, payout %d)", l.RentalEnd, fee, payout))
	s.publish(Event{Type: EventListingRented, Marketplace: m.Name, AssetID: assetID, Actor: caller, At: now.UTC()})
	return l, nil
}

// Return ends a rental. Before the end time only the registered renter may
// return; at or after the end time anyone may (the seller reclaiming an
// expired rental, typically). The asset stays in the listing's vault and the
// listing reopens; only Cancel moves the asset out of escrow.
func (s *Service) Return(ctx context.Context, caller, marketplace, assetID string) (*Listing, error) {
	l, err := s.GetListing(ctx, marketplace, assetID)
	if err != nil {
		return nil, err
	}
	if l.State != StateRented {
		return nil, fmt.Errorf("%w: %s/%s is %s", ErrNotRented, marketplace, assetID, l.State)
	}

	now := s.clock.Now()
	if !l.ExpiredAt(now) && caller != l.CurrentRenter {
		return nil, fmt.Errorf("%w: only %s may return before %d", ErrNotYetExpired, l.CurrentRenter, l.RentalEnd)
	}

	if err := s.reopen(l, now); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotRented, marketplace, assetID)
		}
		return nil, err
	}

	s.record(EventListingReturned, caller, marketplace+"/"+assetID, "rental ended, listing reopened")
	s.publish(Event{Type: EventListingReturned, Marketplace: marketplace, AssetID: assetID, Actor: caller, At: now.UTC()})
	return l, nil
}

// Cancel closes a listing and releases the asset from the vault back to the
// seller. Seller only, and only while Listed: a rented listing cannot be
// cancelled out from under its renter, expired or not. The rental has to be
// returned first.
func (s *Service) Cancel(ctx context.Context, caller, marketplace, assetID string) error {
	l, err := s.GetListing(ctx, marketplace, assetID)
	if err != nil {
		return err
	}
	if l.State != StateListed {
		return fmt.Errorf("%w: %s/%s is %s", ErrNotListed, marketplace, assetID, l.State)
	}
	if caller != l.Seller {
		return fmt.Errorf("%w: only the seller may cancel", ErrUnauthorized)
	}

	// Remove the record first so a concurrent Rent loses the version race,
	// then empty the vault. The row is restored if the release fails.
	if err := s.store.DeleteListing(marketplace, assetID, l.Version); err != nil {
		if errors.Is(err, ErrConflict) {
			return fmt.Errorf("%w: %s/%s", ErrNotListed, marketplace, assetID)
		}
		return err
	}
	if err := s.custodian.Release(ctx, assetID, l.Vault, l.Seller); err != nil {
		if insErr := s.store.InsertListing(l); insErr != nil {
			log.Errorf("Failed to restore listing %s/%s after release failure: %v", marketplace, assetID, insErr)
		}
		return fmt.Errorf("escrow release failed: %w", err)
	}

	now := s.clock.Now().UTC()
	s.record(EventListingCancelled, caller, marketplace+"/"+assetID, "listing closed, asset released to seller")
	s.publish(Event{Type: EventListingCancelled, Marketplace: marketplace, AssetID: assetID, Actor: caller, At: now})
	return nil
}

// DepositFunds credits an account's settlement-currency balance.
func (s *Service) DepositFunds(ctx context.Context, account string, amount uint64) error {
	if account == "" || amount == 0 {
		return fmt.Errorf("%w: account and a positive amount are required", ErrInvalidTerms)
	}
	return s.store.Deposit(account, amount)
}

// Balance returns an account's settlement-currency balance.
func (s *Service) Balance(ctx context.Context, account string) (uint64, error) {
	return s.store.Balance(account)
}

// settleExpiry lazily ends an expired rental before the caller's transition
// is evaluated, returning the refreshed listing.
func (s *Service) settleExpiry(l *Listing, now time.Time) (*Listing, error) {
	if !l.ExpiredAt(now) {
		return l, nil
	}

	if err := s.reopen(l, now); err != nil {
		if errors.Is(err, ErrConflict) {
			// Someone else settled it; re-read the record.
			fresh, rerr := s.store.GetListing(l.Marketplace, l.AssetID)
			if rerr != nil {
				return nil, rerr
			}
			if fresh == nil {
				return nil, fmt.Errorf("%w: listing %s/%s", ErrNotFound, l.Marketplace, l.AssetID)
			}
			return fresh, nil
		}
		return nil, err
	}

	s.record(EventListingReturned, l.Seller, l.Marketplace+"/"+l.AssetID, "expired rental settled lazily")
	s.publish(Event{Type: EventListingReturned, Marketplace: l.Marketplace, AssetID: l.AssetID, Actor: l.Seller, At: now.UTC()})
	return l, nil
}

// reopen clears the rental fields and moves the listing back to Listed.
func (s *Service) reopen(l *Listing, now time.Time) error {
	expectedVersion := l.Version
	l.CurrentRenter = ""
	l.RentalStart = 0
	l.RentalEnd = 0
	l.State = StateListed
	return s.store.UpdateListing(l, expectedVersion, now)
}

// Subscribe registers an event subscriber. The returned cancel function
// removes the subscription and closes the channel.
func (s *Service) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := uuid.New().String()

	s.mu.Lock()
	s.subscribers[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if sub, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(sub)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Service) publish(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			log.Warn("Event channel full, dropping event")
		}
	}
}

func (s *Service) record(eventType, actor, target, description string) {
	if s.audit != nil {
		s.audit.Record(eventType, actor, target, description)
	}
}
