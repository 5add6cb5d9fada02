package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/offramp-labs/settlement-core/accounts"
	"github.com/offramp-labs/settlement-core/batch"
	"github.com/offramp-labs/settlement-core/events"
	"github.com/offramp-labs/settlement-core/fillerledger"
	"github.com/offramp-labs/settlement-core/matching"
	"github.com/offramp-labs/settlement-core/merkle"
	"github.com/offramp-labs/settlement-core/orders"
	"github.com/offramp-labs/settlement-core/proof"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	srv    *httptest.Server
	ledger fillerledger.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	orderStore := orders.NewMemory()
	accountStore := accounts.NewMemory()
	ledger := fillerledger.NewMemory()
	batchStore := batch.NewMemory()

	matcher := matching.NewEngine(orderStore, ledger, events.NoOp{}, matching.Config{
		DiscoveryInterval: time.Second,
		LockTimeout:       30 * time.Minute,
	})
	builder := batch.NewBuilder(batchStore, orderStore, accountStore, ledger, proof.MVP{}, events.NoOp{}, batch.Config{}, 1)

	handlers := NewHandlers(orderStore, accountStore, ledger, matcher, builder)
	srv := httptest.NewServer(New(handlers))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, ledger: ledger}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHappySingleOrderOverHTTP(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Seed filler f1 with capacity; addresses register over the wire.
	tokenID := big.NewInt(1)
	require.NoError(t, f.ledger.EnsureFiller(ctx, "f1"))
	require.NoError(t, f.ledger.Credit(ctx, "f1", tokenID, big.NewInt(1000)))

	resp, _ := f.do(t, http.MethodPut, "/v1/fillers/f1/wallets", map[string]interface{}{
		"wallets":             []map[string]interface{}{{"address": "0x0c", "percentage": 100}},
		"operational_address": "0x000000000000000000000000000000000000000b",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, created := f.do(t, http.MethodPost, "/v1/orders", map[string]string{
		"kind":         "BridgeIn",
		"from":         "0x000000000000000000000000000000000000000a",
		"to":           "0x0000000000000000000000000000000000000000",
		"token_id":     "1",
		"amount":       "100",
		"banking_hash": hex.EncodeToString(bytes.Repeat([]byte{0x12}, 32)),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	orderID := created["order_id"].(string)
	assert.Equal(t, "Pending", created["status"])

	resp, promoted := f.do(t, http.MethodPost, "/v1/orders/"+orderID+"/mark-discovery", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Discovery", promoted["status"])

	resp, listed := f.do(t, http.MethodGet, "/v1/orders/discovery?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = listed // body is a JSON array; status code is the assertion here

	resp, locked := f.do(t, http.MethodPost, "/v1/orders/"+orderID+"/lock", map[string]string{
		"filler_id": "f1",
		"amount":    "100",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Locked", locked["status"])

	resp, balance := f.do(t, http.MethodGet, "/v1/fillers/f1/balance", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "900", balance["available"].(map[string]interface{})["1"])
	assert.Equal(t, "100", balance["locked"].(map[string]interface{})["1"])
	assert.Equal(t, common.HexToAddress("0x0b").Hex(), balance["operational_address"])
	assert.Equal(t, common.HexToAddress("0x0c").Hex(), balance["payout_address"])

	resp, paid := f.do(t, http.MethodPost, "/v1/orders/"+orderID+"/payment-proof", map[string]string{
		"filler_id":    "f1",
		"banking_hash": hex.EncodeToString(bytes.Repeat([]byte{0xab}, 32)),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "MarkPaid", paid["status"])

	resp, started := f.do(t, http.MethodPost, "/v1/batches", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	batchID := started["batch_id"].(float64)
	assert.Equal(t, float64(1), batchID)

	resp, sealed := f.do(t, http.MethodPost, fmt.Sprintf("/v1/batches/%d/finalize", int(batchID)), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), sealed["orders_count"])
	assert.NotEmpty(t, sealed["proof"])
	assert.NotEqual(t, hex.EncodeToString(make([]byte, 32)), sealed["new_orders_root"])

	// The seller order, transfer and bridgeout share one on-chain id; the
	// claim proof endpoint resolves the BridgeOut leaf.
	resp, settledOrder := f.do(t, http.MethodGet, "/v1/orders/"+orderID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Settled", settledOrder["status"])
	onChainID := int(settledOrder["on_chain_order_id"].(float64))

	resp, claim := f.do(t, http.MethodGet, fmt.Sprintf("/v1/batches/%d/claim-proof/%d", int(batchID), onChainID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, common.HexToAddress("0x0c").Hex(), claim["to"],
		"the claimable leaf must resolve to the registered payout wallet")

	var leaf, root merkle.Hash
	leafBytes, err := hex.DecodeString(claim["leaf"].(string))
	require.NoError(t, err)
	copy(leaf[:], leafBytes)
	rootBytes, err := hex.DecodeString(claim["root"].(string))
	require.NoError(t, err)
	copy(root[:], rootBytes)
	assert.Equal(t, sealed["new_orders_root"], claim["root"])

	var path []merkle.Hash
	for _, p := range claim["path"].([]interface{}) {
		raw, err := hex.DecodeString(p.(string))
		require.NoError(t, err)
		var h merkle.Hash
		copy(h[:], raw)
		path = append(path, h)
	}
	assert.True(t, merkle.Verify(leaf, path, root), "claim path must verify against the sealed orders root")
}

func TestCreateOrderRejectsMalformedInput(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/orders", map[string]string{
		"kind":   "NotAKind",
		"amount": "100",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/orders", map[string]string{
		"kind":         "BridgeIn",
		"from":         "0x01",
		"token_id":     "1",
		"amount":       "not-a-number",
		"banking_hash": "12",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetOrderNotFound(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/v1/orders/00000000-0000-0000-0000-000000000000", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPutFillerWalletsValidatesPercentages(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPut, "/v1/fillers/f9/wallets", map[string]interface{}{
		"wallets": []map[string]interface{}{
			{"address": "0x01", "percentage": 60},
			{"address": "0x02", "percentage": 30},
		},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "percentages summing to 90 must be rejected")

	resp, _ = f.do(t, http.MethodPut, "/v1/fillers/f9/wallets", map[string]interface{}{
		"wallets": []map[string]interface{}{
			{"address": "0x01", "percentage": 60},
			{"address": "0x02", "percentage": 40},
		},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPutFillerWalletsDefaultsPayoutToFirstWallet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPut, "/v1/fillers/f3/wallets", map[string]interface{}{
		"wallets": []map[string]interface{}{
			{"address": "0x11", "percentage": 70},
			{"address": "0x22", "percentage": 30},
		},
		"operational_address": "0x0000000000000000000000000000000000000033",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	snap, err := f.ledger.Read(ctx, "f3")
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x11"), snap.PayoutAddress)
	assert.Equal(t, common.HexToAddress("0x33"), snap.OperationalAddress)
}

func TestStartBatchWhileBuildingReturnsBusy(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/batches", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/batches", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
