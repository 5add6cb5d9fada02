package server

import (
	"context"
	"encoding/hex"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/offramp-labs/settlement-core/accounts"
	"github.com/offramp-labs/settlement-core/batch"
	"github.com/offramp-labs/settlement-core/domain"
	"github.com/offramp-labs/settlement-core/fillerledger"
	"github.com/offramp-labs/settlement-core/gerror"
	"github.com/offramp-labs/settlement-core/matching"
	"github.com/offramp-labs/settlement-core/metrics"
	"github.com/offramp-labs/settlement-core/orders"
)

// readinessTimeout bounds how long Readyz waits on the backing storage.
const readinessTimeout = 2 * time.Second

// Handlers binds the RPC surface to the components that implement it:
// the order store for reads, the matching engine for
// locking/payment-proof/discovery, and the batch builder for the
// batch-worker operations. It owns no state of its own.
type Handlers struct {
	Orders   orders.Store
	Accounts accounts.Store
	Ledger   fillerledger.Store
	Matcher  *matching.Engine
	Builder  *batch.Builder
}

// NewHandlers builds the RPC handler set.
func NewHandlers(orderStore orders.Store, accountStore accounts.Store, ledger fillerledger.Store, matcher *matching.Engine, builder *batch.Builder) *Handlers {
	return &Handlers{Orders: orderStore, Accounts: accountStore, Ledger: ledger, Matcher: matcher, Builder: builder}
}

type orderResponse struct {
	OrderID        uuid.UUID `json:"order_id"`
	Kind           string    `json:"kind"`
	Status         string    `json:"status"`
	FromAddress    string    `json:"from_address"`
	ToAddress      string    `json:"to_address"`
	TokenID        string    `json:"token_id"`
	Amount         string    `json:"amount"`
	BankingHash    string    `json:"banking_hash"`
	FillerID       *string   `json:"filler_id,omitempty"`
	LockedAmount   *string   `json:"locked_amount,omitempty"`
	BatchID        *uint32   `json:"batch_id,omitempty"`
	OnChainOrderID *uint64   `json:"on_chain_order_id,omitempty"`
}

func toOrderResponse(o *domain.Order) orderResponse {
	resp := orderResponse{
		OrderID:     o.ID,
		Kind:        o.Kind.String(),
		Status:      o.Status.String(),
		FromAddress: o.FromAddress.Hex(),
		ToAddress:   o.ToAddress.Hex(),
		TokenID:     o.TokenID.String(),
		Amount:      o.Amount.String(),
		BankingHash: hex.EncodeToString(o.BankingHash[:]),
		FillerID:    o.FillerID,
		BatchID:     o.BatchID,
	}
	if o.LockedAmount != nil {
		s := o.LockedAmount.String()
		resp.LockedAmount = &s
	}
	if o.OnChainOrderID != nil {
		resp.OnChainOrderID = o.OnChainOrderID
	}
	return resp
}

type createOrderRequest struct {
	Kind        string `json:"kind"`
	From        string `json:"from"`
	To          string `json:"to"`
	TokenID     string `json:"token_id"`
	Amount      string `json:"amount"`
	BankingHash string `json:"banking_hash"`
}

func parseKind(s string) (domain.Kind, bool) {
	switch s {
	case "BridgeIn":
		return domain.BridgeIn, true
	case "BridgeOut":
		return domain.BridgeOut, true
	case "Transfer":
		return domain.Transfer, true
	default:
		return 0, false
	}
}

func parseBigInt(s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(s, 10)
	return v, ok
}

// CreateOrder implements create_order: the public entrypoint for a
// freshly deposited BridgeIn order, called by the chain watcher or
// directly by an operator for testing.
func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	kind, ok := parseKind(req.Kind)
	if !ok {
		writeError(w, gerror.ErrInvalid)
		return
	}
	tokenID, ok := parseBigInt(req.TokenID)
	if !ok {
		writeError(w, gerror.ErrInvalid)
		return
	}
	amount, ok := parseBigInt(req.Amount)
	if !ok {
		writeError(w, gerror.ErrInvalid)
		return
	}
	bankingHashBytes, err := hex.DecodeString(req.BankingHash)
	if err != nil {
		writeError(w, gerror.ErrInvalid)
		return
	}
	var bankingHash [32]byte
	copy(bankingHash[:], bankingHashBytes)

	order := &domain.Order{
		ID:          uuid.New(),
		Kind:        kind,
		FromAddress: common.HexToAddress(req.From),
		ToAddress:   common.HexToAddress(req.To),
		TokenID:     tokenID,
		Amount:      amount,
		BankingHash: bankingHash,
	}
	if err := h.Orders.Create(r.Context(), order); err != nil {
		writeError(w, err)
		return
	}
	// A BridgeIn deposit mints the seller's off-chain balance, which the
	// batch builder debits again at settlement.
	if kind == domain.BridgeIn {
		if _, err := h.Accounts.Apply(r.Context(), []domain.Delta{{Address: order.FromAddress, TokenID: tokenID, Amount: amount}}); err != nil {
			writeError(w, err)
			return
		}
	}
	metrics.OrderCreated(kind.String())
	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func orderIDParam(r *http.Request) (uuid.UUID, bool) {
	return parseUUID(mux.Vars(r)["order_id"])
}

func parseUUID(s string) (uuid.UUID, bool) {
	id, err := uuid.Parse(s)
	return id, err == nil
}

// GetOrder implements get_order.
func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(r)
	if !ok {
		writeError(w, gerror.ErrInvalid)
		return
	}
	o, err := h.Orders.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

// ListDiscovery implements list_discovery: every BridgeIn order currently
// eligible for filler locking, up to limit (query param, defaults to
// unbounded).
func (h *Handlers) ListDiscovery(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, gerror.ErrInvalid)
			return
		}
		limit = v
	}
	list, err := h.Orders.ListByKindStatus(r.Context(), domain.BridgeIn, domain.Discovery, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]orderResponse, len(list))
	for i, o := range list {
		out[i] = toOrderResponse(o)
	}
	writeJSON(w, http.StatusOK, out)
}

type lockOrderRequest struct {
	FillerID string `json:"filler_id"`
	Amount   string `json:"amount"`
}

// LockOrder implements lock_order.
func (h *Handlers) LockOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(r)
	if !ok {
		writeError(w, gerror.ErrInvalid)
		return
	}
	var req lockOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := parseBigInt(req.Amount)
	if !ok {
		writeError(w, gerror.ErrInvalid)
		return
	}
	updated, err := h.Matcher.LockOrder(r.Context(), id, req.FillerID, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(updated))
}

type submitPaymentProofRequest struct {
	FillerID    string `json:"filler_id"`
	BankingHash string `json:"banking_hash"`
}

// SubmitPaymentProof implements submit_payment_proof.
func (h *Handlers) SubmitPaymentProof(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(r)
	if !ok {
		writeError(w, gerror.ErrInvalid)
		return
	}
	var req submitPaymentProofRequest
	if !decodeBody(w, r, &req) {
		return
	}
	hashBytes, err := hex.DecodeString(req.BankingHash)
	if err != nil {
		writeError(w, gerror.ErrInvalid)
		return
	}
	var bankingHash [32]byte
	copy(bankingHash[:], hashBytes)

	updated, err := h.Matcher.SubmitPaymentProof(r.Context(), id, req.FillerID, bankingHash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(updated))
}

// MarkDiscovery implements mark_discovery.
func (h *Handlers) MarkDiscovery(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(r)
	if !ok {
		writeError(w, gerror.ErrInvalid)
		return
	}
	updated, err := h.Matcher.MarkDiscovery(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(updated))
}

type fillerBalanceResponse struct {
	FillerID           string            `json:"filler_id"`
	Total              map[string]string `json:"total"`
	Available          map[string]string `json:"available"`
	Locked             map[string]string `json:"locked"`
	CompletedJobs      uint64            `json:"completed_jobs"`
	Wallets            []walletResponse  `json:"wallets"`
	OperationalAddress string            `json:"operational_address"`
	PayoutAddress      string            `json:"payout_address"`
}

type walletResponse struct {
	Address    string `json:"address"`
	Percentage uint8  `json:"percentage"`
}

func toFillerBalanceResponse(s fillerledger.Snapshot) fillerBalanceResponse {
	resp := fillerBalanceResponse{
		FillerID:           s.FillerID,
		Total:              make(map[string]string, len(s.Total)),
		Available:          make(map[string]string, len(s.Available)),
		Locked:             make(map[string]string, len(s.Locked)),
		CompletedJobs:      s.CompletedJobs,
		OperationalAddress: s.OperationalAddress.Hex(),
		PayoutAddress:      s.PayoutAddress.Hex(),
	}
	for k, v := range s.Total {
		resp.Total[k] = v.String()
	}
	for k, v := range s.Available {
		resp.Available[k] = v.String()
	}
	for k, v := range s.Locked {
		resp.Locked[k] = v.String()
	}
	for _, wl := range s.Wallets {
		resp.Wallets = append(resp.Wallets, walletResponse{Address: wl.Address.Hex(), Percentage: wl.Percentage})
	}
	return resp
}

// GetFillerBalance implements get_filler_balance.
func (h *Handlers) GetFillerBalance(w http.ResponseWriter, r *http.Request) {
	fillerID := mux.Vars(r)["filler_id"]
	snap, err := h.Ledger.Read(r.Context(), fillerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFillerBalanceResponse(snap))
}

type putFillerWalletsRequest struct {
	Wallets []walletResponse `json:"wallets"`
	// OperationalAddress receives the filler's off-chain Transfer credits
	// when a batch seals.
	OperationalAddress string `json:"operational_address"`
	// PayoutAddress is where the filler's BridgeOut leaves resolve
	// on-chain. Defaults to the first wallet when omitted.
	PayoutAddress string `json:"payout_address"`
}

// PutFillerWallets implements put_filler_wallets: it replaces the payout
// wallet set and records the two addresses the batch builder routes a
// sealed order's Transfer and BridgeOut leaves to.
func (h *Handlers) PutFillerWallets(w http.ResponseWriter, r *http.Request) {
	fillerID := mux.Vars(r)["filler_id"]
	var req putFillerWalletsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	wallets := make([]domain.PayoutWallet, len(req.Wallets))
	for i, wl := range req.Wallets {
		wallets[i] = domain.PayoutWallet{Address: common.HexToAddress(wl.Address), Percentage: wl.Percentage}
	}
	if err := h.Ledger.EnsureFiller(r.Context(), fillerID); err != nil {
		writeError(w, err)
		return
	}
	if err := h.Ledger.ReplaceWallets(r.Context(), fillerID, wallets); err != nil {
		writeError(w, err)
		return
	}

	operational := common.HexToAddress(req.OperationalAddress)
	payout := common.HexToAddress(req.PayoutAddress)
	if payout == domain.ZeroAddress && len(wallets) > 0 {
		payout = wallets[0].Address
	}
	if operational != domain.ZeroAddress || payout != domain.ZeroAddress {
		if err := h.Ledger.SetAddresses(r.Context(), fillerID, operational, payout); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type startBatchResponse struct {
	BatchID uint32 `json:"batch_id"`
}

// StartBatch implements start_batch.
func (h *Handlers) StartBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := h.Builder.StartBatch(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, startBatchResponse{BatchID: batchID})
}

type finalizeBatchResponse struct {
	BatchID       uint32 `json:"batch_id"`
	NewStateRoot  string `json:"new_state_root"`
	NewOrdersRoot string `json:"new_orders_root"`
	Proof         string `json:"proof"`
	OrdersCount   int    `json:"orders_count"`
}

func batchIDParam(r *http.Request) (uint32, bool) {
	s := mux.Vars(r)["batch_id"]
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err == nil
}

// FinalizeBatch implements finalize_batch.
func (h *Handlers) FinalizeBatch(w http.ResponseWriter, r *http.Request) {
	batchID, ok := batchIDParam(r)
	if !ok {
		writeError(w, gerror.ErrInvalid)
		return
	}
	sealed, err := h.Builder.FinalizeBatch(r.Context(), batchID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, finalizeBatchResponse{
		BatchID:       sealed.BatchID,
		NewStateRoot:  hex.EncodeToString(sealed.NewStateRoot[:]),
		NewOrdersRoot: hex.EncodeToString(sealed.NewOrdersRoot[:]),
		Proof:         hex.EncodeToString(sealed.Proof),
		OrdersCount:   len(sealed.OrderIDs),
	})
}

type claimProofResponse struct {
	BatchID        uint32   `json:"batch_id"`
	OrderID        string   `json:"order_id"`
	OnChainOrderID uint64   `json:"on_chain_order_id"`
	From           string   `json:"from"`
	To             string   `json:"to"`
	TokenID        string   `json:"token_id"`
	Amount         string   `json:"amount"`
	Leaf           string   `json:"leaf"`
	Path           []string `json:"path"`
	Root           string   `json:"root"`
}

// GetClaimProof implements get_claim_proof.
func (h *Handlers) GetClaimProof(w http.ResponseWriter, r *http.Request) {
	batchID, ok := batchIDParam(r)
	if !ok {
		writeError(w, gerror.ErrInvalid)
		return
	}
	onChainOrderID, err := strconv.ParseUint(mux.Vars(r)["on_chain_order_id"], 10, 64)
	if err != nil {
		writeError(w, gerror.ErrInvalid)
		return
	}
	cp, err := h.Builder.GetClaimProof(r.Context(), batchID, onChainOrderID)
	if err != nil {
		writeError(w, err)
		return
	}
	path := make([]string, len(cp.Path))
	for i, p := range cp.Path {
		path[i] = hex.EncodeToString(p[:])
	}
	writeJSON(w, http.StatusOK, claimProofResponse{
		BatchID:        cp.BatchID,
		OrderID:        cp.OrderID.String(),
		OnChainOrderID: cp.OnChainOrderID,
		From:           cp.From.Hex(),
		To:             cp.To.Hex(),
		TokenID:        cp.TokenID.String(),
		Amount:         cp.Amount.String(),
		Leaf:           hex.EncodeToString(cp.Leaf[:]),
		Path:           path,
		Root:           hex.EncodeToString(cp.Root[:]),
	})
}

// Healthz implements the liveness probe: the process is up and serving.
func (h *Handlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz implements the readiness probe: the order store answers a cheap
// query, meaning the backing storage is reachable.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()
	if _, err := h.Orders.ListByKindStatus(ctx, domain.BridgeIn, domain.Pending, 1); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
