package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// TxBackend is the transaction-side RPC surface the wallet needs.
type TxBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
}

var (
	// ErrNoKey is returned when the wallet has no signing key loaded.
	ErrNoKey = errors.New("wallet: signing key not loaded")

	// ErrChainIDRequired is returned when the wallet is constructed without
	// a chain ID; replay protection is mandatory.
	ErrChainIDRequired = errors.New("wallet: chain id required")
)

// Wallet signs and submits transactions for a single account.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	backend TxBackend
}

// Load decrypts a go-ethereum keystore file and binds the wallet to the
// backend for nonce/gas/submission.
func Load(keystorePath, passphrase string, chainID *big.Int, backend TxBackend) (*Wallet, error) {
	raw, err := os.ReadFile(strings.TrimSpace(keystorePath))
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	key, err := keystore.DecryptKey(raw, passphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	return NewFromKey(key.PrivateKey, chainID, backend)
}

// NewFromKey builds a wallet around an already-decrypted private key.
func NewFromKey(key *ecdsa.PrivateKey, chainID *big.Int, backend TxBackend) (*Wallet, error) {
	if key == nil {
		return nil, ErrNoKey
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, ErrChainIDRequired
	}
	return &Wallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: new(big.Int).Set(chainID),
		backend: backend,
	}, nil
}

// Address returns the account the wallet signs for.
func (w *Wallet) Address() common.Address {
	if w == nil {
		return common.Address{}
	}
	return w.address
}

// ChainID returns the replay-protection chain ID the wallet signs with.
func (w *Wallet) ChainID() *big.Int {
	if w == nil || w.chainID == nil {
		return nil
	}
	return new(big.Int).Set(w.chainID)
}

// WriteContract packs the method call, signs a transaction carrying the
// given value and gas limit, submits it, and returns the transaction hash.
// A zero gasLimit asks the node for an estimate via the signed parameters.
func (w *Wallet) WriteContract(ctx context.Context, to common.Address, contractABI abi.ABI, method string, value *big.Int, gasLimit uint64, args ...interface{}) (common.Hash, error) {
	if w == nil || w.key == nil {
		return common.Hash{}, ErrNoKey
	}
	if w.backend == nil {
		return common.Hash{}, fmt.Errorf("wallet: backend not configured")
	}
	input, err := contractABI.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}
	nonce, err := w.backend.PendingNonceAt(ctx, w.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := w.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}
	if value == nil {
		value = new(big.Int)
	}
	if gasLimit == 0 {
		gasLimit = defaultGasLimit
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     input,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}
	if err := w.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}
	return signed.Hash(), nil
}

const defaultGasLimit = 300_000
