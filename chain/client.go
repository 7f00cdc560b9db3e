package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend defines the subset of the Ethereum RPC the marketplace flows use.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

var (
	// ErrTxReverted is returned when a mined transaction reports a failed status.
	ErrTxReverted = errors.New("transaction failed")

	// ErrReceiptTimeout is returned when the context expires before the
	// transaction is mined with the requested confirmation depth.
	ErrReceiptTimeout = errors.New("timed out waiting for transaction receipt")
)

// Dial initialises an EVM RPC client for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Client wraps a Backend with the read-side helpers the flows depend on.
type Client struct {
	backend      Backend
	pollInterval time.Duration
}

// NewClient constructs a Client with the default receipt poll interval.
func NewClient(backend Backend) *Client {
	return &Client{backend: backend, pollInterval: time.Second}
}

// WithPollInterval overrides the receipt polling cadence, primarily for tests.
func (c *Client) WithPollInterval(interval time.Duration) *Client {
	if interval > 0 {
		c.pollInterval = interval
	}
	return c
}

// Simulate performs a dry-run call. A revert surfaces as the backend's error,
// message intact, so callers can show it to the user verbatim.
func (c *Client) Simulate(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	if c == nil || c.backend == nil {
		return nil, fmt.Errorf("chain client not initialised")
	}
	return c.backend.CallContract(ctx, msg, nil)
}

// EstimateGas asks the node for a gas estimate of the provided call.
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if c == nil || c.backend == nil {
		return 0, fmt.Errorf("chain client not initialised")
	}
	return c.backend.EstimateGas(ctx, msg)
}

// GasPrice returns the node's suggested gas price.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	if c == nil || c.backend == nil {
		return nil, fmt.Errorf("chain client not initialised")
	}
	return c.backend.SuggestGasPrice(ctx)
}

// NativeBalance reads the native-currency balance of the account at head.
func (c *Client) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	if c == nil || c.backend == nil {
		return nil, fmt.Errorf("chain client not initialised")
	}
	return c.backend.BalanceAt(ctx, account, nil)
}

// ReadContract performs a packed eth_call against the given contract method
// and unpacks the results.
func (c *Client) ReadContract(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	if c == nil || c.backend == nil {
		return nil, fmt.Errorf("chain client not initialised")
	}
	input, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	output, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := contractABI.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// WaitForReceipt polls until the transaction is mined and has matured past
// the requested confirmation depth, then checks the receipt status. The
// context is the only timeout; callers decide how long to wait.
func (c *Client) WaitForReceipt(ctx context.Context, txHash common.Hash, confirmations uint64) (*gethtypes.Receipt, error) {
	if c == nil || c.backend == nil {
		return nil, fmt.Errorf("chain client not initialised")
	}
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil && receipt != nil:
			confirmed, err := c.confirmed(ctx, receipt, confirmations)
			if err != nil {
				return nil, err
			}
			if confirmed {
				if receipt.Status != gethtypes.ReceiptStatusSuccessful {
					return receipt, ErrTxReverted
				}
				return receipt, nil
			}
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return nil, fmt.Errorf("fetch receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, txHash.Hex())
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *Client) confirmed(ctx context.Context, receipt *gethtypes.Receipt, confirmations uint64) (bool, error) {
	if confirmations <= 1 {
		return true, nil
	}
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("fetch head: %w", err)
	}
	if header == nil || header.Number == nil || receipt.BlockNumber == nil {
		return false, fmt.Errorf("block metadata unavailable")
	}
	if header.Number.Cmp(receipt.BlockNumber) < 0 {
		return false, nil
	}
	depth := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	depth.Add(depth, big.NewInt(1))
	return depth.Cmp(new(big.Int).SetUint64(confirmations)) >= 0, nil
}
