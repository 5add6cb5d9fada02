package proof

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/offramp-labs/settlement-core/gerror"
)

// External binds to a real zero-knowledge prover service over HTTP,
// marshaling the BatchWitness as JSON. The prover itself is an external
// collaborator; this binding only fixes the shape of the
// request/response envelope and the error taxonomy.
type External struct {
	Endpoint string
	Client   *http.Client
}

// NewExternal builds an External prover binding against endpoint, using
// a client with a generous timeout since proving can take minutes.
func NewExternal(endpoint string) *External {
	return &External{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 10 * time.Minute},
	}
}

type externalResponse struct {
	Proof   []byte `json:"proof"`
	Error   string `json:"error,omitempty"`
	Rejected bool  `json:"rejected,omitempty"`
}

// Prove implements Prover. A network-level failure to reach the prover
// surfaces as gerror.ErrProverUnavailable (recoverable, retry); a prover
// response explicitly marking the witness rejected surfaces as
// gerror.ErrProverRejected (fatal for this batch).
func (e *External) Prove(ctx context.Context, witness BatchWitness) ([]byte, error) {
	body, err := json.Marshal(witness)
	if err != nil {
		return nil, fmt.Errorf("proof: marshal witness: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("proof: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gerror.ErrProverUnavailable, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", gerror.ErrProverUnavailable, err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", gerror.ErrProverUnavailable, resp.StatusCode)
	}

	var parsed externalResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", gerror.ErrProverUnavailable, err)
	}

	if parsed.Rejected || resp.StatusCode == http.StatusUnprocessableEntity {
		return nil, fmt.Errorf("%w: %s", gerror.ErrProverRejected, parsed.Error)
	}
	if len(parsed.Proof) == 0 {
		return nil, fmt.Errorf("%w: empty proof in response", gerror.ErrProverUnavailable)
	}

	return parsed.Proof, nil
}
