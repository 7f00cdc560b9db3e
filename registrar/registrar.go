package registrar

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Reader is the read-side chain surface the registrar needs.
type Reader interface {
	ReadContract(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error)
}

// Sender submits signed transactions.
type Sender interface {
	Address() common.Address
	WriteContract(ctx context.Context, to common.Address, contractABI abi.ABI, method string, value *big.Int, gasLimit uint64, args ...interface{}) (common.Hash, error)
}

// ControllerABI covers the name-registration controller surface used by the
// registration and renewal flows.
var ControllerABI = mustParseABI(controllerABIJSON)

const controllerABIJSON = `[
	{"name":"available","type":"function","stateMutability":"view","inputs":[{"name":"name","type":"string"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"rentPrice","type":"function","stateMutability":"view","inputs":[{"name":"name","type":"string"},{"name":"duration","type":"uint256"}],"outputs":[{"name":"base","type":"uint256"},{"name":"premium","type":"uint256"}]},
	{"name":"minCommitmentAge","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"maxCommitmentAge","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"commit","type":"function","stateMutability":"nonpayable","inputs":[{"name":"commitment","type":"bytes32"}],"outputs":[]},
	{"name":"register","type":"function","stateMutability":"payable","inputs":[{"name":"name","type":"string"},{"name":"owner","type":"address"},{"name":"duration","type":"uint256"},{"name":"secret","type":"bytes32"},{"name":"resolver","type":"address"},{"name":"referrer","type":"address"}],"outputs":[]},
	{"name":"renewAll","type":"function","stateMutability":"payable","inputs":[{"name":"names","type":"string[]"},{"name":"duration","type":"uint256"}],"outputs":[]}
]`

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse controller ABI: %v", err))
	}
	return parsed
}

var (
	// ErrLabelRequired is returned when the caller passes an empty name.
	ErrLabelRequired = errors.New("registrar: label required")
)

// CommitmentAges are the protocol's commit-reveal window bounds, in seconds.
type CommitmentAges struct {
	Min time.Duration
	Max time.Duration
}

// Registrar drives the on-chain name-registration controller.
type Registrar struct {
	reader     Reader
	sender     Sender
	controller common.Address
	resolver   common.Address
	pricing    *Schedule
}

// New constructs a Registrar bound to a controller and default resolver.
func New(reader Reader, sender Sender, controller, resolver common.Address, pricing *Schedule) *Registrar {
	if pricing == nil {
		pricing = DefaultSchedule()
	}
	return &Registrar{
		reader:     reader,
		sender:     sender,
		controller: controller,
		resolver:   resolver,
		pricing:    pricing,
	}
}

// Available reports whether the label can currently be registered.
func (r *Registrar) Available(ctx context.Context, label string) (bool, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return false, ErrLabelRequired
	}
	values, err := r.reader.ReadContract(ctx, r.controller, ControllerABI, "available", label)
	if err != nil {
		return false, fmt.Errorf("registrar: check availability: %w", err)
	}
	available, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("registrar: unexpected availability result %T", values[0])
	}
	return available, nil
}

// RentPrice reads the total registration price for the duration, base plus
// any premium, in the chain's native currency.
func (r *Registrar) RentPrice(ctx context.Context, label string, duration time.Duration) (*big.Int, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, ErrLabelRequired
	}
	seconds := big.NewInt(int64(duration / time.Second))
	values, err := r.reader.ReadContract(ctx, r.controller, ControllerABI, "rentPrice", label, seconds)
	if err != nil {
		return nil, fmt.Errorf("registrar: rent price: %w", err)
	}
	base, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("registrar: unexpected base price %T", values[0])
	}
	premium, ok := values[1].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("registrar: unexpected premium %T", values[1])
	}
	return new(big.Int).Add(base, premium), nil
}

// GetCommitmentAges reads the protocol's commit maturity window.
func (r *Registrar) GetCommitmentAges(ctx context.Context) (CommitmentAges, error) {
	minValues, err := r.reader.ReadContract(ctx, r.controller, ControllerABI, "minCommitmentAge")
	if err != nil {
		return CommitmentAges{}, fmt.Errorf("registrar: min commitment age: %w", err)
	}
	maxValues, err := r.reader.ReadContract(ctx, r.controller, ControllerABI, "maxCommitmentAge")
	if err != nil {
		return CommitmentAges{}, fmt.Errorf("registrar: max commitment age: %w", err)
	}
	minAge, ok := minValues[0].(*big.Int)
	if !ok {
		return CommitmentAges{}, fmt.Errorf("registrar: unexpected min age %T", minValues[0])
	}
	maxAge, ok := maxValues[0].(*big.Int)
	if !ok {
		return CommitmentAges{}, fmt.Errorf("registrar: unexpected max age %T", maxValues[0])
	}
	return CommitmentAges{
		Min: time.Duration(minAge.Int64()) * time.Second,
		Max: time.Duration(maxAge.Int64()) * time.Second,
	}, nil
}

// SubmitCommit publishes a commitment hash ahead of registration.
func (r *Registrar) SubmitCommit(ctx context.Context, commitment common.Hash) (common.Hash, error) {
	hash, err := r.sender.WriteContract(ctx, r.controller, ControllerABI, "commit", nil, 0, commitment)
	if err != nil {
		return common.Hash{}, fmt.Errorf("registrar: submit commit: %w", err)
	}
	return hash, nil
}

// SubmitRegister reveals the registration, paying the rent price as value.
func (r *Registrar) SubmitRegister(ctx context.Context, params RegistrationParams, value *big.Int) (common.Hash, error) {
	if strings.TrimSpace(params.Label) == "" {
		return common.Hash{}, ErrLabelRequired
	}
	seconds := big.NewInt(int64(params.Duration / time.Second))
	resolver := params.Resolver
	if resolver == (common.Address{}) {
		resolver = r.resolver
	}
	hash, err := r.sender.WriteContract(ctx, r.controller, ControllerABI, "register", value, 0,
		params.Label, params.Owner, seconds, params.Secret, resolver, params.Referrer)
	if err != nil {
		return common.Hash{}, fmt.Errorf("registrar: submit register: %w", err)
	}
	return hash, nil
}

// RenewAll extends every provided label by the same duration in one batched
// transaction, paying the summed rent as value.
func (r *Registrar) RenewAll(ctx context.Context, labels []string, duration time.Duration, value *big.Int) (common.Hash, error) {
	if len(labels) == 0 {
		return common.Hash{}, ErrLabelRequired
	}
	seconds := big.NewInt(int64(duration / time.Second))
	hash, err := r.sender.WriteContract(ctx, r.controller, ControllerABI, "renewAll", value, 0, labels, seconds)
	if err != nil {
		return common.Hash{}, fmt.Errorf("registrar: renew: %w", err)
	}
	return hash, nil
}

// PriceUSD returns the schedule price for registering or renewing the label
// for the given number of years.
func (r *Registrar) PriceUSD(label string, years float64) float64 {
	return r.pricing.PriceUSD(label, years)
}
