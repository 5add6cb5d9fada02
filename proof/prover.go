package proof

import "context"

// Prover is the pluggable component the batch builder calls at seal
// time.
type Prover interface {
	Prove(ctx context.Context, witness BatchWitness) ([]byte, error)
}

// mvpSentinel is the fixed non-empty byte string the MVP prover returns.
var mvpSentinel = []byte{0x12, 0x34}

// MVP is the trivial prover binding used before an external prover is
// wired up: it accepts any witness and returns a sentinel, non-empty
// proof. It never fails.
type MVP struct{}

// Prove implements Prover.
func (MVP) Prove(context.Context, BatchWitness) ([]byte, error) {
	return mvpSentinel, nil
}
