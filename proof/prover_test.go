package proof

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/offramp-labs/settlement-core/gerror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMVPAlwaysReturnsNonEmptyProof(t *testing.T) {
	p := MVP{}
	proof, err := p.Prove(context.Background(), BatchWitness{})
	require.NoError(t, err)
	assert.NotEmpty(t, proof)
}

func TestExternalProverSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(externalResponse{Proof: []byte{0xde, 0xad}})
	}))
	defer srv.Close()

	p := NewExternal(srv.URL)
	proof, err := p.Prove(context.Background(), BatchWitness{})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, proof)
}

func TestExternalProverRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(externalResponse{Rejected: true, Error: "bad witness"})
	}))
	defer srv.Close()

	p := NewExternal(srv.URL)
	_, err := p.Prove(context.Background(), BatchWitness{})
	assert.ErrorIs(t, err, gerror.ErrProverRejected)
}

func TestExternalProverUnavailableOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewExternal(srv.URL)
	_, err := p.Prove(context.Background(), BatchWitness{})
	assert.ErrorIs(t, err, gerror.ErrProverUnavailable)
}

func TestExternalProverUnavailableOnUnreachable(t *testing.T) {
	p := NewExternal("http://127.0.0.1:0")
	_, err := p.Prove(context.Background(), BatchWitness{})
	assert.ErrorIs(t, err, gerror.ErrProverUnavailable)
}
