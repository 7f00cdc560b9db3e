package order

import (
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
)

// ExchangeAddress is the exchange protocol entrypoint. Orders with no conduit
// key expect token approvals granted directly to it.
var ExchangeAddress = common.HexToAddress("0x00000000000000ADc04C56Bf30aC9d3c0aAF14dC")

// Conduit routing keys recognised by the marketplace. Approving a conduit
// lets one approval serve every venue routing through it.
var (
	OpenMarketConduitKey = common.HexToHash("0x0000007b02230091a7ed01230072f7006a004d60a8d4e71d599b8104250f0000")
	VaultConduitKey      = common.HexToHash("0xf984c55ca75735936f64c4b49d4e44cb0c93f90700e7e1a9e9ae527b02a84e71")

	openMarketConduit = common.HexToAddress("0x1E0049783F008A0085193E00003D00cd54003c71")
	vaultConduit      = common.HexToAddress("0x88899DC0B84C6E726840e00DFb94ABc6248825eC")
)

var conduitTargets = map[common.Hash]common.Address{
	{}:                   ExchangeAddress,
	OpenMarketConduitKey: openMarketConduit,
	VaultConduitKey:      vaultConduit,
}

// RegisterConduit adds or overrides a conduit routing entry. Deployments
// register extra conduits from configuration at startup, before any flow
// resolves an approval target.
func RegisterConduit(key common.Hash, target common.Address) {
	conduitTargets[key] = target
}

// ApprovalTarget resolves the spender that must be approved for an order's
// conduit key. Unknown keys fall back to the exchange itself; that is safe
// (the exchange can always pull approved tokens) but logged because the order
// likely came from an unrecognised venue.
func ApprovalTarget(conduitKey [32]byte) common.Address {
	target, ok := conduitTargets[common.Hash(conduitKey)]
	if !ok {
		slog.Warn("order: unknown conduit key, defaulting approval target to exchange",
			"conduitKey", common.Hash(conduitKey).Hex())
		return ExchangeAddress
	}
	return target
}
