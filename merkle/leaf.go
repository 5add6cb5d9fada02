package merkle

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/iden3/go-iden3-crypto/keccak256"
	"github.com/offramp-labs/settlement-core/domain"
)

const slotLen = 32

// slot left-pads v into a canonical 32-byte big-endian ABI-style slot,
// matching the fixed-width encoding the on-chain verifier expects. v
// must fit in 32 bytes; callers control every field width so this never
// truncates.
func slot(v *big.Int) [slotLen]byte {
	var out [slotLen]byte
	if v == nil {
		return out
	}
	b := v.Bytes()
	copy(out[slotLen-len(b):], b)
	return out
}

func slotUint(v uint64) [slotLen]byte {
	return slot(new(big.Int).SetUint64(v))
}

func slotAddress(addr common.Address) [slotLen]byte {
	var out [slotLen]byte
	copy(out[slotLen-len(addr):], addr[:])
	return out
}

func slotBytes(b [16]byte) [slotLen]byte {
	var out [slotLen]byte
	copy(out[slotLen-len(b):], b[:])
	return out
}

// OrderLeaf computes the orders-tree leaf for a single order within a
// batch:
//
//	keccak256(encode(batch_id, order_id, kind, from, to, token_id, amount))
//
// from is the zero address for BridgeOut leaves; the on-chain verifier's
// test vectors encode address(0) there, not the recipient.
func OrderLeaf(batchID uint32, orderID [16]byte, kind domain.Kind, from, to common.Address, tokenID, amount *big.Int) Hash {
	buf := make([]byte, 0, 7*slotLen)
	s := slotUint(uint64(batchID))
	buf = append(buf, s[:]...)
	s = slotBytes(orderID)
	buf = append(buf, s[:]...)
	s = slotUint(uint64(kind))
	buf = append(buf, s[:]...)
	s = slotAddress(from)
	buf = append(buf, s[:]...)
	s = slotAddress(to)
	buf = append(buf, s[:]...)
	s = slot(tokenID)
	buf = append(buf, s[:]...)
	s = slot(amount)
	buf = append(buf, s[:]...)

	var out Hash
	copy(out[:], keccak256.Hash(buf))
	return out
}

// AccountLeaf computes the state-tree leaf for one account row:
// keccak256(encode(address, token_id, balance)).
func AccountLeaf(address common.Address, tokenID, balance *big.Int) Hash {
	buf := make([]byte, 0, 3*slotLen)
	s := slotAddress(address)
	buf = append(buf, s[:]...)
	s = slot(tokenID)
	buf = append(buf, s[:]...)
	s = slot(balance)
	buf = append(buf, s[:]...)

	var out Hash
	copy(out[:], keccak256.Hash(buf))
	return out
}
