package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
	{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// ERC20ABI is the minimal token interface used by the purchase flow.
var ERC20ABI = mustParseABI(erc20ABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse embedded ABI: %v", err))
	}
	return parsed
}

// Allowance reads the ERC-20 spending allowance granted by owner to spender.
func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	values, err := c.ReadContract(ctx, token, ERC20ABI, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("allowance: unexpected result type %T", values[0])
	}
	return amount, nil
}

// TokenBalance reads the ERC-20 balance of the account.
func (c *Client) TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	values, err := c.ReadContract(ctx, token, ERC20ABI, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf: unexpected result type %T", values[0])
	}
	return amount, nil
}
