package market

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestAPI(t *testing.T) (*testEnv, *httptest.Server) {
	t.Helper()

	env := newTestEnv(t)
	mux := http.NewServeMux()
	NewAPIHandler(env.service).RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return env, srv
}

func doJSON(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func TestAPICreateAndGetMarketplace(t *testing.T) {
	_, srv := newTestAPI(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/market/marketplaces", map[string]interface{}{
		"admin": "admin-1", "name": "market", "fee_bps": 100,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Status = %d, want 201", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/market/marketplaces/market", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Status = %d, want 200", resp.StatusCode)
	}
	var got struct {
		Name            string `json:"name"`
		Admin           string `json:"admin"`
		FeeBps          uint16 `json:"fee_bps"`
		TreasuryBalance uint64 `json:"treasury_balance"`
	}
	decodeBody(t, resp, &got)
	if got.Name != "market" || got.Admin != "admin-1" || got.FeeBps != 100 {
		t.Errorf("Marketplace = %+v", got)
	}
	if got.TreasuryBalance != 0 {
		t.Errorf("TreasuryBalance = %d, want 0", got.TreasuryBalance)
	}
}

func TestAPIStatusMapping(t *testing.T) {
	env, srv := newTestAPI(t)
	ctx := context.Background()

	if _, err := env.service.CreateMarketplace(ctx, "admin-1", "market", 100); err != nil {
		t.Fatalf("Failed to create marketplace: %v", err)
	}

	tests := []struct {
		name       string
		method     string
		path       string
		body       interface{}
		wantStatus int
	}{
		{
			"duplicate name", http.MethodPost, "/api/market/marketplaces",
			map[string]interface{}{"admin": "admin-2", "name": "market", "fee_bps": 50},
			http.StatusConflict,
		},
		{
			"invalid fee", http.MethodPost, "/api/market/marketplaces",
			map[string]interface{}{"admin": "admin-2", "name": "other", "fee_bps": 10001},
			http.StatusBadRequest,
		},
		{
			"unknown marketplace", http.MethodGet, "/api/market/marketplaces/ghost", nil,
			http.StatusNotFound,
		},
		{
			"fee by non-admin", http.MethodPatch, "/api/market/marketplaces/market/fee",
			map[string]interface{}{"caller": "stranger", "fee_bps": 200},
			http.StatusForbidden,
		},
		{
			"whitelist by non-admin", http.MethodPost, "/api/market/marketplaces/market/whitelist",
			map[string]interface{}{"caller": "stranger", "dao_authority": "dao-1", "collection_id": "c1"},
			http.StatusForbidden,
		},
		{
			"unknown listing", http.MethodGet, "/api/market/listings/market/ghost", nil,
			http.StatusNotFound,
		},
		{
			"deposit zero", http.MethodPost, "/api/market/balances/deposit",
			map[string]interface{}{"account": "a", "amount": 0},
			http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, tt.method, srv.URL+tt.path, tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("Status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestAPIListingLifecycle(t *testing.T) {
	env, srv := newTestAPI(t)
	ctx := context.Background()

	if _, err := env.service.CreateMarketplace(ctx, "admin-1", "market", 100); err != nil {
		t.Fatalf("Failed to create marketplace: %v", err)
	}
	if err := env.ledger.Mint(ctx, "asset-1", "collection-1", "dao-1"); err != nil {
		t.Fatalf("Failed to mint: %v", err)
	}

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/market/marketplaces/market/whitelist", map[string]interface{}{
		"caller": "admin-1", "dao_authority": "dao-1", "collection_id": "collection-1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Whitelist status = %d, want 201", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/market/listings", map[string]interface{}{
		"caller": "dao-1", "marketplace": "market", "asset_id": "asset-1",
		"price": 1000, "rental_duration": 3600,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("List status = %d, want 201", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/market/balances/deposit", map[string]interface{}{
		"account": "renter-1", "amount": 5000,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Deposit status = %d, want 200", resp.StatusCode)
	}

	// Renting with a short payment is rejected as payment required.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/market/listings/rent", map[string]interface{}{
		"caller": "renter-1", "marketplace": "market", "asset_id": "asset-1", "payment": 500,
	})
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("Short rent status = %d, want 402", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/market/listings/rent", map[string]interface{}{
		"caller": "renter-1", "marketplace": "market", "asset_id": "asset-1", "payment": 1000,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Rent status = %d, want 200", resp.StatusCode)
	}
	var rented Listing
	decodeBody(t, resp, &rented)
	if rented.State != StateRented || rented.CurrentRenter != "renter-1" {
		t.Errorf("Rented listing = %+v", rented)
	}

	// Cancelling while rented conflicts.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/market/listings/cancel", map[string]interface{}{
		"caller": "dao-1", "marketplace": "market", "asset_id": "asset-1",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("Cancel-while-rented status = %d, want 409", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/market/listings/return", map[string]interface{}{
		"caller": "renter-1", "marketplace": "market", "asset_id": "asset-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Return status = %d, want 200", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/market/listings/cancel", map[string]interface{}{
		"caller": "dao-1", "marketplace": "market", "asset_id": "asset-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Cancel status = %d, want 200", resp.StatusCode)
	}

	// Balances after one settled rental at 1% fee.
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/market/balances/dao-1", nil)
	var balance struct {
		Account string `json:"account"`
		Balance uint64 `json:"balance"`
	}
	decodeBody(t, resp, &balance)
	if balance.Balance != 990 {
		t.Errorf("Seller balance = %d, want 990", balance.Balance)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+fmt.Sprintf("/api/market/marketplaces/%s", "market"), nil)
	var m struct {
		TreasuryBalance uint64 `json:"treasury_balance"`
	}
	decodeBody(t, resp, &m)
	if m.TreasuryBalance != 10 {
		t.Errorf("Treasury balance = %d, want 10", m.TreasuryBalance)
	}
}
