package market

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(filepath.Join(t.TempDir(), "market.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedStoreListing(t *testing.T, s *Store) *Listing {
	t.Helper()

	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	m := &Marketplace{Name: "market", Admin: "admin-1", FeeBps: 100, CreatedAt: now, UpdatedAt: now}
	if err := s.CreateMarketplace(m); err != nil {
		t.Fatalf("Failed to create marketplace: %v", err)
	}

	l := &Listing{
		Marketplace:    "market",
		AssetID:        "asset-1",
		CollectionID:   "collection-1",
		Seller:         "dao-1",
		Price:          1000,
		RentalDuration: 3600,
		Vault:          "vault-1",
		State:          StateListed,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.CreateListing(l); err != nil {
		t.Fatalf("Failed to create listing: %v", err)
	}
	return l
}

func TestStoreGetMarketplaceMissing(t *testing.T) {
	s := newTestStore(t)

	m, err := s.GetMarketplace("no-such")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if m != nil {
		t.Errorf("Expected nil marketplace, got %+v", m)
	}
}

func TestStoreUpdateListingVersionConflict(t *testing.T) {
	s := newTestStore(t)
	l := seedStoreListing(t, s)
	now := time.Date(2024, 6, 1, 1, 0, 0, 0, time.UTC)

	first := *l
	first.State = StateRented
	first.CurrentRenter = "renter-1"
	if err := s.UpdateListing(&first, 1, now); err != nil {
		t.Fatalf("Failed to update listing: %v", err)
	}
	if first.Version != 2 {
		t.Errorf("Version = %d, want 2", first.Version)
	}

	// A second writer holding the stale version loses.
	second := *l
	second.State = StateRented
	second.CurrentRenter = "renter-2"
	if err := s.UpdateListing(&second, 1, now); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict, got %v", err)
	}

	got, err := s.GetListing("market", "asset-1")
	if err != nil {
		t.Fatalf("Failed to get listing: %v", err)
	}
	if got.CurrentRenter != "renter-1" {
		t.Errorf("CurrentRenter = %s, the stale write must not apply", got.CurrentRenter)
	}
}

func TestStoreRentListingAtomicity(t *testing.T) {
	s := newTestStore(t)
	l := seedStoreListing(t, s)
	now := time.Date(2024, 6, 1, 1, 0, 0, 0, time.UTC)

	if err := s.Deposit("renter-1", 400); err != nil {
		t.Fatalf("Failed to deposit: %v", err)
	}

	rented := *l
	rented.State = StateRented
	rented.CurrentRenter = "renter-1"
	rented.RentalStart = now.Unix()
	rented.RentalEnd = now.Unix() + l.RentalDuration

	// Balance below price: nothing commits.
	if err := s.RentListing(&rented, 1, 1000, 10, 990, now); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}
	if b, _ := s.Balance("renter-1"); b != 400 {
		t.Errorf("Renter balance = %d, want 400", b)
	}
	if b, _ := s.TreasuryBalance("market"); b != 0 {
		t.Errorf("Treasury balance = %d, want 0", b)
	}
	got, _ := s.GetListing("market", "asset-1")
	if got.State != StateListed || got.Version != 1 {
		t.Errorf("Listing state = %s version %d, want listed version 1", got.State, got.Version)
	}

	// With funds in place every effect commits together.
	if err := s.Deposit("renter-1", 600); err != nil {
		t.Fatalf("Failed to deposit: %v", err)
	}
	if err := s.RentListing(&rented, 1, 1000, 10, 990, now); err != nil {
		t.Fatalf("Failed to rent: %v", err)
	}
	if b, _ := s.Balance("renter-1"); b != 0 {
		t.Errorf("Renter balance = %d, want 0", b)
	}
	if b, _ := s.Balance("dao-1"); b != 990 {
		t.Errorf("Seller balance = %d, want 990", b)
	}
	if b, _ := s.TreasuryBalance("market"); b != 10 {
		t.Errorf("Treasury balance = %d, want 10", b)
	}
	got, _ = s.GetListing("market", "asset-1")
	if got.State != StateRented || got.Version != 2 {
		t.Errorf("Listing state = %s version %d, want rented version 2", got.State, got.Version)
	}
}

func TestStoreRentListingStaleVersionRollsBack(t *testing.T) {
	s := newTestStore(t)
	l := seedStoreListing(t, s)
	now := time.Date(2024, 6, 1, 1, 0, 0, 0, time.UTC)

	if err := s.Deposit("renter-1", 1000); err != nil {
		t.Fatalf("Failed to deposit: %v", err)
	}

	rented := *l
	rented.State = StateRented
	rented.CurrentRenter = "renter-1"

	if err := s.RentListing(&rented, 99, 1000, 10, 990, now); !errors.Is(err, ErrConflict) {
		t.Fatalf("Expected ErrConflict, got %v", err)
	}

	// The version check fires after the balance moves inside the
	// transaction; the rollback must undo them all.
	if b, _ := s.Balance("renter-1"); b != 1000 {
		t.Errorf("Renter balance = %d, want 1000", b)
	}
	if b, _ := s.Balance("dao-1"); b != 0 {
		t.Errorf("Seller balance = %d, want 0", b)
	}
	if b, _ := s.TreasuryBalance("market"); b != 0 {
		t.Errorf("Treasury balance = %d, want 0", b)
	}
}

func TestStoreDeleteListingVersionConflict(t *testing.T) {
	s := newTestStore(t)
	seedStoreListing(t, s)

	if err := s.DeleteListing("market", "asset-1", 5); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict for stale version, got %v", err)
	}
	if err := s.DeleteListing("market", "asset-1", 1); err != nil {
		t.Fatalf("Failed to delete listing: %v", err)
	}

	got, err := s.GetListing("market", "asset-1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("Listing still present after delete: %+v", got)
	}
}

func TestStoreInsertListingRestoresRow(t *testing.T) {
	s := newTestStore(t)
	l := seedStoreListing(t, s)

	if err := s.DeleteListing("market", "asset-1", 1); err != nil {
		t.Fatalf("Failed to delete listing: %v", err)
	}
	if err := s.InsertListing(l); err != nil {
		t.Fatalf("Failed to restore listing: %v", err)
	}

	got, err := s.GetListing("market", "asset-1")
	if err != nil {
		t.Fatalf("Failed to get listing: %v", err)
	}
	if got == nil || got.Vault != "vault-1" || got.Version != 1 {
		t.Errorf("Restored listing = %+v", got)
	}
}
