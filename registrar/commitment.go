package registrar

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// RegistrationParams carries everything needed for the commit and reveal
// halves of a registration.
type RegistrationParams struct {
	Label    string
	Owner    common.Address
	Duration time.Duration
	Secret   [32]byte
	Resolver common.Address
	Referrer common.Address
}

// GenerateSecret draws a fresh 32-byte commitment secret. One secret is
// generated per flow instance and reused across retries so the reveal always
// matches the published commitment.
func GenerateSecret() ([32]byte, error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return [32]byte{}, fmt.Errorf("registrar: generate secret: %w", err)
	}
	return secret, nil
}

var commitmentArgs = abi.Arguments{
	{Type: mustType("bytes32")},
	{Type: mustType("address")},
	{Type: mustType("uint256")},
	{Type: mustType("bytes32")},
	{Type: mustType("address")},
	{Type: mustType("address")},
}

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(fmt.Sprintf("abi type %s: %v", name, err))
	}
	return t
}

// MakeCommitment derives the commitment hash for the registration parameters.
// It is a pure function: identical inputs always produce the same hash, which
// is what lets a retried reveal match the original commit.
func MakeCommitment(params RegistrationParams) (common.Hash, error) {
	label := strings.TrimSpace(params.Label)
	if label == "" {
		return common.Hash{}, ErrLabelRequired
	}
	labelHash := crypto.Keccak256Hash([]byte(label))
	seconds := big.NewInt(int64(params.Duration / time.Second))
	packed, err := commitmentArgs.Pack(
		[32]byte(labelHash),
		params.Owner,
		seconds,
		params.Secret,
		params.Resolver,
		params.Referrer,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("registrar: pack commitment: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}
