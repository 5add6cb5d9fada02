package chainadapter

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/offramp-labs/settlement-core/domain"
)

// submitProofArgs is the exact public-input tuple the verifier contract
// accepts: (batch_id, prev_batch_id, prev_state_root, prev_orders_root,
// new_state_root, new_orders_root, proof).
var submitProofArgs = abi.Arguments{
	{Type: mustType("uint32")},
	{Type: mustType("uint32")},
	{Type: mustType("bytes32")},
	{Type: mustType("bytes32")},
	{Type: mustType("bytes32")},
	{Type: mustType("bytes32")},
	{Type: mustType("bytes")},
}

var submitProofSelector = crypto.Keccak256([]byte("submitProof(uint32,uint32,bytes32,bytes32,bytes32,bytes32,bytes)"))[:4]

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// EthTxSender is the production TxSender, signing with a local keystore
// key and sending directly against the verifier contract.
type EthTxSender struct {
	client          *ethclient.Client
	verifierAddress common.Address
	auth            *bind.TransactOpts
	confirmations   uint64
}

// NewEthTxSender dials rpcURL and loads the operator signing key from a
// keystore file at keystorePath, decrypted with password.
func NewEthTxSender(ctx context.Context, rpcURL string, verifierAddress common.Address, keystorePath, password string, confirmations uint64) (*EthTxSender, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chainadapter: dial %s: %w", rpcURL, err)
	}

	encrypted, err := os.ReadFile(filepath.Clean(keystorePath))
	if err != nil {
		return nil, fmt.Errorf("chainadapter: read keystore: %w", err)
	}
	key, err := keystore.DecryptKey(encrypted, password)
	if err != nil {
		return nil, fmt.Errorf("chainadapter: decrypt keystore: %w", err)
	}

	chainID, err := client.NetworkID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chainadapter: network id: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key.PrivateKey, chainID)
	if err != nil {
		return nil, fmt.Errorf("chainadapter: build transactor: %w", err)
	}

	return &EthTxSender{client: client, verifierAddress: verifierAddress, auth: auth, confirmations: confirmations}, nil
}

// SubmitProof implements TxSender.
func (s *EthTxSender) SubmitProof(ctx context.Context, b *domain.Batch) (common.Hash, error) {
	packed, err := submitProofArgs.Pack(
		b.BatchID, b.PrevBatchID,
		b.PrevStateRoot, b.PrevOrdersRoot,
		b.NewStateRoot, b.NewOrdersRoot,
		b.Proof,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chainadapter: pack submitProof args: %w", err)
	}
	data := append(append([]byte{}, submitProofSelector...), packed...)

	nonce, err := s.client.PendingNonceAt(ctx, s.auth.From)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chainadapter: nonce: %w", err)
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chainadapter: gas price: %w", err)
	}
	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{From: s.auth.From, To: &s.verifierAddress, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("chainadapter: estimate gas: %w", err)
	}

	tx := types.NewTransaction(nonce, s.verifierAddress, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := s.auth.Signer(s.auth.From, tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chainadapter: sign tx: %w", err)
	}
	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("chainadapter: send tx: %w", err)
	}
	return signed.Hash(), nil
}

// Confirmed implements TxSender: a receipt with a successful status that
// is at least s.confirmations blocks below the chain head is confirmed; a
// present receipt with a failed status is a persistent revert.
func (s *EthTxSender) Confirmed(ctx context.Context, txHash common.Hash) (bool, error) {
	receipt, err := s.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		return false, nil // not yet mined
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return false, ErrReverted
	}

	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return false, fmt.Errorf("chainadapter: block number: %w", err)
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined || head-mined < s.confirmations {
		return false, nil
	}
	return true, nil
}
