package market

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// APIHandler provides HTTP handlers for the marketplace API. The caller's
// principal arrives as a field of the request body; verifying that the
// transport actually authenticated that principal is the outer layer's job.
type APIHandler struct {
	service *Service
}

// NewAPIHandler creates a new API handler.
func NewAPIHandler(service *Service) *APIHandler {
	return &APIHandler{service: service}
}

// RegisterRoutes registers the marketplace HTTP routes on a mux.
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	// Marketplaces and whitelist
	mux.HandleFunc("/api/market/marketplaces", h.handleMarketplaces)
	mux.HandleFunc("/api/market/marketplaces/", h.handleMarketplaceByName)

	// Listing transitions
	mux.HandleFunc("/api/market/listings", h.handleCreateListing)
	mux.HandleFunc("/api/market/listings/rent", h.handleRent)
	mux.HandleFunc("/api/market/listings/return", h.handleReturn)
	mux.HandleFunc("/api/market/listings/cancel", h.handleCancel)
	mux.HandleFunc("/api/market/listings/", h.handleListingByKey)

	// Settlement-currency balances
	mux.HandleFunc("/api/market/balances/deposit", h.handleDeposit)
	mux.HandleFunc("/api/market/balances/", h.handleBalance)
}

type createMarketplaceRequest struct {
	Admin  string `json:"admin"`
	Name   string `json:"name"`
	FeeBps uint16 `json:"fee_bps"`
}

type updateFeeRequest struct {
	Caller string `json:"caller"`
	FeeBps uint16 `json:"fee_bps"`
}

type whitelistRequest struct {
	Caller       string `json:"caller"`
	DaoAuthority string `json:"dao_authority"`
	CollectionID string `json:"collection_id"`
}

type revokeRequest struct {
	Caller string `json:"caller"`
}

type listRequest struct {
	Caller         string `json:"caller"`
	Marketplace    string `json:"marketplace"`
	AssetID        string `json:"asset_id"`
	Price          uint64 `json:"price"`
	RentalDuration int64  `json:"rental_duration"`
}

type rentRequest struct {
	Caller      string `json:"caller"`
	Marketplace string `json:"marketplace"`
	AssetID     string `json:"asset_id"`
	Payment     uint64 `json:"payment"`
}

type transitionRequest struct {
	Caller      string `json:"caller"`
	Marketplace string `json:"marketplace"`
	AssetID     string `json:"asset_id"`
}

type depositRequest struct {
	Account string `json:"account"`
	Amount  uint64 `json:"amount"`
}

type marketplaceResponse struct {
	*Marketplace
	TreasuryBalance uint64 `json:"treasury_balance"`
}

func (h *APIHandler) handleMarketplaces(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createMarketplaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	m, err := h.service.CreateMarketplace(r.Context(), req.Admin, req.Name, req.FeeBps)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *APIHandler) handleMarketplaceByName(w http.ResponseWriter, r *http.Request) {
	rest := extractPathParam(r.URL.Path, "/api/market/marketplaces/")
	if rest == "" {
		http.Error(w, "marketplace name required", http.StatusBadRequest)
		return
	}

	parts := strings.SplitN(rest, "/", 3)
	name := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		m, err := h.service.Lookup(r.Context(), name)
		if err != nil {
			writeError(w, err)
			return
		}
		balance, err := h.service.TreasuryBalance(r.Context(), name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, marketplaceResponse{Marketplace: m, TreasuryBalance: balance})
		return
	}

	switch parts[1] {
	case "fee":
		h.handleUpdateFee(w, r, name)
	case "whitelist":
		collection := ""
		if len(parts) == 3 {
			collection = parts[2]
		}
		h.handleWhitelist(w, r, name, collection)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (h *APIHandler) handleUpdateFee(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPatch {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req updateFeeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.service.UpdateFee(r.Context(), req.Caller, name, req.FeeBps); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"marketplace": name, "fee_bps": req.FeeBps})
}

func (h *APIHandler) handleWhitelist(w http.ResponseWriter, r *http.Request, name, collection string) {
	switch r.Method {
	case http.MethodPost:
		var req whitelistRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		rec, err := h.service.WhitelistDao(r.Context(), req.Caller, name, req.DaoAuthority, req.CollectionID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rec)

	case http.MethodDelete:
		if collection == "" {
			http.Error(w, "collection ID required", http.StatusBadRequest)
			return
		}
		var req revokeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := h.service.RevokeDao(r.Context(), req.Caller, name, collection); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"marketplace": name, "collection_id": collection, "revoked": true})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *APIHandler) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req listRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	l, err := h.service.List(r.Context(), req.Caller, req.Marketplace, req.AssetID, req.Price, req.RentalDuration)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (h *APIHandler) handleRent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req rentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	l, err := h.service.Rent(r.Context(), req.Caller, req.Marketplace, req.AssetID, req.Payment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *APIHandler) handleReturn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	l, err := h.service.Return(r.Context(), req.Caller, req.Marketplace, req.AssetID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *APIHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.service.Cancel(r.Context(), req.Caller, req.Marketplace, req.AssetID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"marketplace": req.Marketplace,
		"asset_id":    req.AssetID,
		"closed":      true,
	})
}

func (h *APIHandler) handleListingByKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := extractPathParam(r.URL.Path, "/api/market/listings/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.Error(w, "marketplace and asset ID required", http.StatusBadRequest)
		return
	}

	l, err := h.service.GetListing(r.Context(), parts[0], parts[1])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *APIHandler) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.service.DepositFunds(r.Context(), req.Account, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	balance, err := h.service.Balance(r.Context(), req.Account)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account": req.Account, "balance": balance})
}

func (h *APIHandler) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	account := extractPathParam(r.URL.Path, "/api/market/balances/")
	if account == "" {
		http.Error(w, "account required", http.StatusBadRequest)
		return
	}

	balance, err := h.service.Balance(r.Context(), account)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account": account, "balance": balance})
}

// writeError maps engine errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidFee), errors.Is(err, ErrInvalidTerms):
		status = http.StatusBadRequest
	case errors.Is(err, ErrInsufficientPayment), errors.Is(err, ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, ErrDuplicateName), errors.Is(err, ErrDuplicateListing),
		errors.Is(err, ErrAlreadyRented), errors.Is(err, ErrNotRented),
		errors.Is(err, ErrNotListed), errors.Is(err, ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, ErrNotWhitelisted), errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func extractPathParam(path, prefix string) string {
	return strings.TrimPrefix(path, prefix)
}
