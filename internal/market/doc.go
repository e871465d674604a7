// Package market implements the rental marketplace engine.
//
// The engine is a sequential ledger of state transitions over four record
// kinds: Marketplace (with its Treasury), WhitelistedDao, Listing, and the
// settlement-currency balances. Key pieces:
//
//   - Registry: marketplace creation and lookup, keyed by name
//   - Whitelist: per-marketplace, per-collection DAO approval, admin-only
//   - Listing engine: the Listed/Rented/Closed state machine per asset
//   - Fee settlement: basis-point split of the rental price between the
//     marketplace treasury and the seller
//   - Event fan-out for committed transitions
//
// Expiry is lazy: there is no scheduler, every entry point that inspects
// rental fields compares the stored end time against the injected clock.
// Custody of the underlying asset and collection provenance are external
// collaborators consumed through the Custodian and Provenance interfaces.
package market
