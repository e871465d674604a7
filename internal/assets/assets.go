// Package assets implements the token-custody and collection-provenance
// collaborators consumed by the marketplace engine. Each unique asset has
// exactly one holder: a principal's address, or a vault handle while the
// asset is escrowed. Deposit and Release are guarded by the current holder,
// so a custody transfer can never be applied twice.
package assets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	_ "github.com/mattn/go-sqlite3"
)

var log = logging.Logger("assets")

var (
	ErrUnknownAsset = errors.New("asset is not registered")
	ErrNotHeld      = errors.New("asset is not held by the given owner")
	ErrNotEscrowed  = errors.New("asset is not escrowed in the given vault")
	ErrExists       = errors.New("asset is already registered")
)

// Ledger is the SQLite-backed custody ledger.
type Ledger struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewLedger opens the asset ledger and initializes its table.
func NewLedger(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}
	return l, nil
}

func (l *Ledger) initTables() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS assets (
			asset_id TEXT PRIMARY KEY,
			collection_id TEXT NOT NULL,
			holder TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_assets_holder ON assets(holder);
	`)
	if err != nil {
		return fmt.Errorf("failed to create assets table: %w", err)
	}
	return nil
}

// Mint registers a new asset under a verified collection, held by owner.
func (l *Ledger) Mint(ctx context.Context, assetID, collectionID, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO assets (asset_id, collection_id, holder) VALUES (?, ?, ?)
	`, assetID, collectionID, owner)
	if err != nil {
		return fmt.Errorf("failed to mint asset: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrExists, assetID)
	}

	log.Infof("Minted asset %s (collection %s, holder %s)", assetID, collectionID, owner)
	return nil
}

// CollectionOf resolves the verified collection an asset belongs to.
func (l *Ledger) CollectionOf(ctx context.Context, assetID string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var collection string
	err := l.db.QueryRowContext(ctx, `SELECT collection_id FROM assets WHERE asset_id = ?`, assetID).Scan(&collection)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %s", ErrUnknownAsset, assetID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve collection: %w", err)
	}
	return collection, nil
}

// Holder returns the current holder of an asset: a principal's address, or
// a vault handle while escrowed.
func (l *Ledger) Holder(ctx context.Context, assetID string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var holder string
	err := l.db.QueryRowContext(ctx, `SELECT holder FROM assets WHERE asset_id = ?`, assetID).Scan(&holder)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %s", ErrUnknownAsset, assetID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get holder: %w", err)
	}
	return holder, nil
}

// Deposit moves an asset from its owner into a fresh vault and returns the
// vault handle. The guard on the current holder makes the transfer apply at
// most once.
func (l *Ledger) Deposit(ctx context.Context, assetID, owner string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	vault := uuid.New().String()
	res, err := l.db.ExecContext(ctx, `
		UPDATE assets SET holder = ? WHERE asset_id = ? AND holder = ?
	`, vault, assetID, owner)
	if err != nil {
		return "", fmt.Errorf("failed to deposit asset: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("%w: %s is not held by %s", ErrNotHeld, assetID, owner)
	}

	log.Infof("Escrowed asset %s into vault %s", assetID, vault)
	return vault, nil
}

// Release moves an asset out of its vault to the recipient.
func (l *Ledger) Release(ctx context.Context, assetID, vault, recipient string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.ExecContext(ctx, `
		UPDATE assets SET holder = ? WHERE asset_id = ? AND holder = ?
	`, recipient, assetID, vault)
	if err != nil {
		return fmt.Errorf("failed to release asset: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s is not in vault %s", ErrNotEscrowed, assetID, vault)
	}

	log.Infof("Released asset %s from vault %s to %s", assetID, vault, recipient)
	return nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
