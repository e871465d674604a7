package market

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "github.com/mattn/go-sqlite3"
)

var log = logging.Logger("market")

// Store provides SQLite-based storage for marketplace records. Every record
// is addressed by its natural key (marketplace by name, whitelist by
// marketplace+collection, listing by marketplace+asset), so lookups never
// need a secondary index.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewStore opens the market database and initializes its tables.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	return store, nil
}

func (s *Store) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS marketplaces (
			name TEXT PRIMARY KEY,
			admin TEXT NOT NULL,
			fee_bps INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS treasuries (
			marketplace TEXT PRIMARY KEY,
			balance INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (marketplace) REFERENCES marketplaces(name)
		);

		CREATE TABLE IF NOT EXISTS whitelisted_daos (
			marketplace TEXT NOT NULL,
			collection_id TEXT NOT NULL,
			dao_authority TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (marketplace, collection_id),
			FOREIGN KEY (marketplace) REFERENCES marketplaces(name)
		);

		CREATE TABLE IF NOT EXISTS listings (
			marketplace TEXT NOT NULL,
			asset_id TEXT NOT NULL,
			collection_id TEXT NOT NULL,
			seller TEXT NOT NULL,
			price INTEGER NOT NULL,
			rental_duration INTEGER NOT NULL,
			current_renter TEXT NOT NULL DEFAULT '',
			rental_start INTEGER NOT NULL DEFAULT 0,
			rental_end INTEGER NOT NULL DEFAULT 0,
			vault TEXT NOT NULL,
			state INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (marketplace, asset_id),
			FOREIGN KEY (marketplace) REFERENCES marketplaces(name)
		);
		CREATE INDEX IF NOT EXISTS idx_listings_seller ON listings(seller);
		CREATE INDEX IF NOT EXISTS idx_listings_state ON listings(state);

		CREATE TABLE IF NOT EXISTS balances (
			account TEXT PRIMARY KEY,
			amount INTEGER NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create market tables: %w", err)
	}

	log.Info("Market tables initialized")
	return nil
}

// CreateMarketplace inserts a marketplace and provisions its treasury in one
// transaction. Returns ErrDuplicateName when the name is taken.
func (s *Store) CreateMarketplace(m *Marketplace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM marketplaces WHERE name = ?)`, m.Name).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check marketplace name: %w", err)
	}
	if exists {
		return ErrDuplicateName
	}

	_, err = tx.Exec(`
		INSERT INTO marketplaces (name, admin, fee_bps, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, m.Name, m.Admin, m.FeeBps, m.CreatedAt.Unix(), m.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create marketplace: %w", err)
	}

	_, err = tx.Exec(`INSERT INTO treasuries (marketplace, balance) VALUES (?, 0)`, m.Name)
	if err != nil {
		return fmt.Errorf("failed to provision treasury: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.Infof("Created marketplace %q (admin %s, fee %d bps)", m.Name, m.Admin, m.FeeBps)
	return nil
}

// GetMarketplace retrieves a marketplace by name. Returns (nil, nil) when it
// does not exist.
func (s *Store) GetMarketplace(name string) (*Marketplace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var m Marketplace
	var createdAt, updatedAt int64
	err := s.db.QueryRow(`
		SELECT name, admin, fee_bps, created_at, updated_at
		FROM marketplaces WHERE name = ?
	`, name).Scan(&m.Name, &m.Admin, &m.FeeBps, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get marketplace: %w", err)
	}

	m.CreatedAt = time.Unix(createdAt, 0).UTC()
	m.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &m, nil
}

// UpdateMarketplaceFee sets a new fee rate for the marketplace.
func (s *Store) UpdateMarketplaceFee(name string, feeBps uint16, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE marketplaces SET fee_bps = ?, updated_at = ? WHERE name = ?
	`, feeBps, now.Unix(), name)
	if err != nil {
		return fmt.Errorf("failed to update fee: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TreasuryBalance returns the accumulated fee balance of a marketplace.
func (s *Store) TreasuryBalance(name string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var balance uint64
	err := s.db.QueryRow(`SELECT balance FROM treasuries WHERE marketplace = ?`, name).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get treasury balance: %w", err)
	}
	return balance, nil
}

// UpsertWhitelist records the current authority for a collection,
// overwriting any previous authority of record.
func (s *Store) UpsertWhitelist(w *WhitelistedDao) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO whitelisted_daos (marketplace, collection_id, dao_authority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(marketplace, collection_id)
		DO UPDATE SET dao_authority = excluded.dao_authority, updated_at = excluded.updated_at
	`, w.Marketplace, w.CollectionID, w.DaoAuthority, w.CreatedAt.Unix(), w.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to whitelist dao: %w", err)
	}

	log.Infof("Whitelisted collection %s on %q (authority %s)", w.CollectionID, w.Marketplace, w.DaoAuthority)
	return nil
}

// GetWhitelist retrieves the whitelist record for a collection. Returns
// (nil, nil) when the collection has no current authority.
func (s *Store) GetWhitelist(marketplace, collectionID string) (*WhitelistedDao, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var w WhitelistedDao
	var createdAt, updatedAt int64
	err := s.db.QueryRow(`
		SELECT marketplace, collection_id, dao_authority, created_at, updated_at
		FROM whitelisted_daos WHERE marketplace = ? AND collection_id = ?
	`, marketplace, collectionID).Scan(&w.Marketplace, &w.CollectionID, &w.DaoAuthority, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get whitelist record: %w", err)
	}

	w.CreatedAt = time.Unix(createdAt, 0).UTC()
	w.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &w, nil
}

// DeleteWhitelist removes the authority of record for a collection.
func (s *Store) DeleteWhitelist(marketplace, collectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		DELETE FROM whitelisted_daos WHERE marketplace = ? AND collection_id = ?
	`, marketplace, collectionID)
	if err != nil {
		return fmt.Errorf("failed to revoke dao: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateListing inserts a fresh listing record. Returns ErrDuplicateListing
// when a live listing for the asset already exists.
func (s *Store) CreateListing(l *Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM listings WHERE marketplace = ? AND asset_id = ?)
	`, l.Marketplace, l.AssetID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check listing: %w", err)
	}
	if exists {
		return ErrDuplicateListing
	}

	_, err = tx.Exec(`
		INSERT INTO listings (
			marketplace, asset_id, collection_id, seller, price, rental_duration,
			current_renter, rental_start, rental_end, vault, state, version,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		l.Marketplace, l.AssetID, l.CollectionID, l.Seller, l.Price, l.RentalDuration,
		l.CurrentRenter, l.RentalStart, l.RentalEnd, l.Vault, l.State, l.Version,
		l.CreatedAt.Unix(), l.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create listing: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.Infof("Created listing %s/%s (seller %s, price %d)", l.Marketplace, l.AssetID, l.Seller, l.Price)
	return nil
}

// GetListing retrieves a listing by its (marketplace, asset) key. Returns
// (nil, nil) when no record exists.
func (s *Store) GetListing(marketplace, assetID string) (*Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT marketplace, asset_id, collection_id, seller, price, rental_duration,
			current_renter, rental_start, rental_end, vault, state, version,
			created_at, updated_at
		FROM listings WHERE marketplace = ? AND asset_id = ?
	`, marketplace, assetID)

	return scanListing(row)
}

func scanListing(row *sql.Row) (*Listing, error) {
	var l Listing
	var createdAt, updatedAt int64
	err := row.Scan(
		&l.Marketplace, &l.AssetID, &l.CollectionID, &l.Seller, &l.Price, &l.RentalDuration,
		&l.CurrentRenter, &l.RentalStart, &l.RentalEnd, &l.Vault, &l.State, &l.Version,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan listing: %w", err)
	}

	l.CreatedAt = time.Unix(createdAt, 0).UTC()
	l.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &l, nil
}

// updateListingTx applies the rental fields and state of l, guarded by the
// expected version. Returns ErrConflict when another transition got there
// first.
func updateListingTx(tx *sql.Tx, l *Listing, expectedVersion int64, now time.Time) error {
	res, err := tx.Exec(`
		UPDATE listings
		SET current_renter = ?, rental_start = ?, rental_end = ?, state = ?,
			version = version + 1, updated_at = ?
		WHERE marketplace = ? AND asset_id = ? AND version = ?
	`,
		l.CurrentRenter, l.RentalStart, l.RentalEnd, l.State,
		now.Unix(), l.Marketplace, l.AssetID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update listing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	l.Version = expectedVersion + 1
	l.UpdatedAt = now.UTC()
	return nil
}

// UpdateListing applies a single-record transition with optimistic
// concurrency. Used by Return, where no funds move.
func (s *Store) UpdateListing(l *Listing, expectedVersion int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := updateListingTx(tx, l, expectedVersion, now); err != nil {
		return err
	}
	return tx.Commit()
}

// RentListing performs the whole rent settlement in one transaction: debit
// the renter, credit the treasury and the seller, and move the listing to
// Rented under a version check. Either every effect commits or none does.
func (s *Store) RentListing(l *Listing, expectedVersion int64, price, fee, payout uint64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var balance uint64
	err = tx.QueryRow(`SELECT amount FROM balances WHERE account = ?`, l.CurrentRenter).Scan(&balance)
	if err == sql.ErrNoRows {
		return ErrInsufficientFunds
	}
	if err != nil {
		return fmt.Errorf("failed to get renter balance: %w", err)
	}
	if balance < price {
		return ErrInsufficientFunds
	}

	if _, err := tx.Exec(`UPDATE balances SET amount = amount - ? WHERE account = ?`, price, l.CurrentRenter); err != nil {
		return fmt.Errorf("failed to debit renter: %w", err)
	}
	if _, err := tx.Exec(`UPDATE treasuries SET balance = balance + ? WHERE marketplace = ?`, fee, l.Marketplace); err != nil {
		return fmt.Errorf("failed to credit treasury: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO balances (account, amount) VALUES (?, ?)
		ON CONFLICT(account) DO UPDATE SET amount = amount + excluded.amount
	`, l.Seller, payout); err != nil {
		return fmt.Errorf("failed to credit seller: %w", err)
	}

	if err := updateListingTx(tx, l, expectedVersion, now); err != nil {
		return err
	}

	return tx.Commit()
}

// DeleteListing removes a closed listing record under a version check.
func (s *Store) DeleteListing(marketplace, assetID string, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		DELETE FROM listings WHERE marketplace = ? AND asset_id = ? AND version = ?
	`, marketplace, assetID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to delete listing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// InsertListing re-inserts a listing row verbatim. Used to roll the record
// back when a custody release fails after the row was already removed.
func (s *Store) InsertListing(l *Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO listings (
			marketplace, asset_id, collection_id, seller, price, rental_duration,
			current_renter, rental_start, rental_end, vault, state, version,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		l.Marketplace, l.AssetID, l.CollectionID, l.Seller, l.Price, l.RentalDuration,
		l.CurrentRenter, l.RentalStart, l.RentalEnd, l.Vault, l.State, l.Version,
		l.CreatedAt.Unix(), l.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to restore listing: %w", err)
	}
	return nil
}

// Balance returns the settlement-currency balance of an account. Unknown
// accounts hold zero.
func (s *Store) Balance(account string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var amount uint64
	err := s.db.QueryRow(`SELECT amount FROM balances WHERE account = ?`, account).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return amount, nil
}

// Deposit credits an account's settlement-currency balance.
func (s *Store) Deposit(account string, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO balances (account, amount) VALUES (?, ?)
		ON CONFLICT(account) DO UPDATE SET amount = amount + excluded.amount
	`, account, amount)
	if err != nil {
		return fmt.Errorf("failed to deposit: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
