package merkle

import (
	"bytes"

	"golang.org/x/crypto/sha3"
)

// Hash is a 32-byte Merkle node: a leaf hash or an internal node hash.
type Hash [32]byte

// ZeroHash is the all-zero value used as the root of an empty tree.
var ZeroHash = Hash{}

// sortedPairHash implements the on-chain verifier's internal-node rule:
// parent = keccak256(min(a,b) || max(a,b)), packed with no length
// prefix. Because the inputs are sorted before
// concatenation the rule is independent of which side of the tree a or b
// came from, which is what lets a proof omit left/right markers.
func sortedPairHash(a, b Hash) Hash {
	lo, hi := a, b
	if bytes.Compare(a[:], b[:]) > 0 {
		lo, hi = b, a
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(lo[:])  //nolint:errcheck
	h.Write(hi[:])  //nolint:errcheck
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
