package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"namemarket/chain"
	"namemarket/market/order"
	"namemarket/observability"
)

// Gas fallbacks used when simulation cannot produce an estimate. ERC-20
// fulfillment routes through a conduit and costs more than a native sale.
const (
	fallbackGasERC20  = 400_000
	fallbackGasNative = 250_000
	fallbackGasTotal  = 300_000
)

// ChainReader is the read-only chain surface the purchase flow consumes.
type ChainReader interface {
	Simulate(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	WaitForReceipt(ctx context.Context, txHash common.Hash, confirmations uint64) (*gethtypes.Receipt, error)
}

// TxSender submits signed contract calls.
type TxSender interface {
	Address() common.Address
	WriteContract(ctx context.Context, to common.Address, contractABI abi.ABI, method string, value *big.Int, gasLimit uint64, args ...interface{}) (common.Hash, error)
}

// Invalidator refreshes downstream read caches after a successful purchase.
// Calls are fire-and-forget; failures are logged, never surfaced.
type Invalidator interface {
	InvalidateName(ctx context.Context, name string) error
	InvalidatePortfolio(ctx context.Context, owner common.Address) error
	InvalidateOffers(ctx context.Context, owner common.Address) error
}

// PurchaseLog remembers fulfilled listings so the UI does not re-offer them.
type PurchaseLog interface {
	RecordPurchase(ctx context.Context, listingID string, txHash common.Hash) error
	HasPurchase(ctx context.Context, listingID string) (bool, error)
}

var (
	// ErrInFlight is returned when a caller tries to cancel a flow whose
	// transaction has already been handed to the chain.
	ErrInFlight = errors.New("purchase: transaction in flight, flow cannot be cancelled")

	// ErrNotRetryable is returned when Retry is called outside the error step.
	ErrNotRetryable = errors.New("purchase: flow is not in the error step")
)

// Config wires a purchase flow instance. Every field except Invalidator and
// Purchases is required.
type Config struct {
	Listing       order.Listing
	Chain         ChainReader
	Sender        TxSender
	Exchange      common.Address
	PaymentToken  common.Address
	Invalidator   Invalidator
	Purchases     PurchaseLog
	Confirmations uint64
	Clock         func() time.Time
	Logger        *slog.Logger
}

// Flow owns the state of one purchase attempt. Instances are not shared;
// each buyer session constructs its own.
type Flow struct {
	mu sync.Mutex

	listing       order.Listing
	chainClient   ChainReader
	sender        TxSender
	exchange      common.Address
	paymentToken  common.Address
	invalidator   Invalidator
	purchases     PurchaseLog
	confirmations uint64
	clock         func() time.Time
	logger        *slog.Logger
	metrics       *observability.FlowMetrics
	tracer        trace.Tracer

	step           Step
	errMsg         string
	parsed         *order.Order
	needsApproval  bool
	approvalTarget common.Address
	gasEstimate    uint64
	gasPrice       *big.Int
	txHash         common.Hash
}

// New constructs a purchase flow in the review step.
func New(cfg Config) (*Flow, error) {
	if cfg.Chain == nil {
		return nil, fmt.Errorf("purchase: chain reader required")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("purchase: transaction sender required")
	}
	if cfg.Exchange == (common.Address{}) {
		return nil, fmt.Errorf("purchase: exchange address required")
	}
	if strings.TrimSpace(cfg.Listing.ID) == "" {
		return nil, fmt.Errorf("purchase: listing id required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	confirmations := cfg.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}
	return &Flow{
		listing:       cfg.Listing,
		chainClient:   cfg.Chain,
		sender:        cfg.Sender,
		exchange:      cfg.Exchange,
		paymentToken:  cfg.PaymentToken,
		invalidator:   cfg.Invalidator,
		purchases:     cfg.Purchases,
		confirmations: confirmations,
		clock:         clock,
		logger:        logger,
		metrics:       observability.Flows(),
		tracer:        otel.Tracer("market/purchase"),
		step:          StepReview,
	}, nil
}

// Step returns the current step.
func (f *Flow) Step() Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.step
}

// Err returns the message carried by the error step, empty otherwise.
func (f *Flow) Err() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errMsg
}

// NeedsApproval reports whether an ERC-20 approval must precede the purchase.
func (f *Flow) NeedsApproval() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.needsApproval
}

// GasEstimate returns the last computed gas figure, zero before EstimateGas.
func (f *Flow) GasEstimate() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gasEstimate
}

// TxHash returns the fulfillment transaction hash once submitted.
func (f *Flow) TxHash() common.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txHash
}

func (f *Flow) advance(event Event) error {
	next, err := Transition(f.step, event)
	if err != nil {
		return err
	}
	f.step = next
	return nil
}

func (f *Flow) fail(err error) {
	f.errMsg = err.Error()
	if _, terr := Transition(f.step, EventFailed); terr == nil {
		f.step = StepError
	}
	f.logger.Warn("purchase flow failed",
		"listing", f.listing.ID,
		"step", string(f.step),
		"error", err.Error(),
	)
}

func (f *Flow) ensureParsed() (*order.Order, error) {
	if f.parsed != nil {
		return f.parsed, nil
	}
	parsed, err := order.ParseStoredOrder(f.listing)
	if err != nil {
		return nil, err
	}
	f.parsed = parsed
	return parsed, nil
}

// EstimateGas computes a buffered gas figure for the fulfillment call. It
// never fails: unparseable or unsimulatable orders yield a conservative
// fixed fallback so the review screen can always quote a fee.
func (f *Flow) EstimateGas(ctx context.Context) uint64 {
	start := f.clock()
	ctx, span := f.tracer.Start(ctx, "purchase.estimate_gas",
		trace.WithAttributes(attribute.String("listing.id", f.listing.ID)))
	defer span.End()
	f.mu.Lock()
	defer f.mu.Unlock()

	parsed, err := f.ensureParsed()
	if err != nil {
		f.gasEstimate = fallbackGasTotal
		span.SetAttributes(attribute.Int64("gas.estimate", int64(f.gasEstimate)))
		f.metrics.Observe("purchase", "estimate_gas", f.clock().Sub(start), nil)
		return f.gasEstimate
	}

	native := order.UsesNativeToken(parsed)
	msg, err := f.fulfillmentCall(parsed, native)
	if err != nil {
		f.gasEstimate = fallbackGasTotal
		span.SetAttributes(attribute.Int64("gas.estimate", int64(f.gasEstimate)))
		f.metrics.Observe("purchase", "estimate_gas", f.clock().Sub(start), nil)
		return f.gasEstimate
	}

	estimate, err := f.chainClient.EstimateGas(ctx, msg)
	if err != nil {
		if native {
			f.gasEstimate = fallbackGasNative
		} else {
			f.gasEstimate = fallbackGasERC20
		}
		f.logger.Debug("gas simulation failed, using fallback",
			"listing", f.listing.ID, "fallback", f.gasEstimate, "error", err.Error())
	} else {
		// 20% headroom over the simulated figure.
		f.gasEstimate = estimate + estimate/5
	}
	span.SetAttributes(attribute.Int64("gas.estimate", int64(f.gasEstimate)))
	f.metrics.Observe("purchase", "estimate_gas", f.clock().Sub(start), nil)
	return f.gasEstimate
}

// CheckApproval determines whether the buyer must grant an ERC-20 allowance
// before the purchase. Listings in the native currency, or in any token
// other than the single supported one, need no approval step.
func (f *Flow) CheckApproval(ctx context.Context) error {
	start := f.clock()
	ctx, span := f.tracer.Start(ctx, "purchase.check_approval",
		trace.WithAttributes(attribute.String("listing.id", f.listing.ID)))
	defer span.End()
	f.mu.Lock()
	defer f.mu.Unlock()

	f.needsApproval = false
	parsed, err := f.ensureParsed()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.metrics.Observe("purchase", "check_approval", f.clock().Sub(start), err)
		return err
	}
	if order.UsesNativeToken(parsed) {
		f.metrics.Observe("purchase", "check_approval", f.clock().Sub(start), nil)
		return nil
	}
	token := order.PaymentToken(parsed)
	if f.paymentToken == (common.Address{}) || token != f.paymentToken {
		f.metrics.Observe("purchase", "check_approval", f.clock().Sub(start), nil)
		return nil
	}

	f.approvalTarget = order.ApprovalTarget(parsed.Parameters.ConduitKey)
	allowance, err := f.chainClient.Allowance(ctx, token, f.sender.Address(), f.approvalTarget)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.metrics.Observe("purchase", "check_approval", f.clock().Sub(start), err)
		return fmt.Errorf("read allowance: %w", err)
	}
	f.needsApproval = allowance.Cmp(f.listing.Price) < 0
	span.SetAttributes(attribute.Bool("approval.needed", f.needsApproval))
	f.metrics.Observe("purchase", "check_approval", f.clock().Sub(start), nil)
	return nil
}

// Approve grants the resolved spender an allowance equal to the listing
// price, waits for confirmation, and on success immediately re-enters the
// purchase so the buyer does not have to click twice.
func (f *Flow) Approve(ctx context.Context) error {
	start := f.clock()
	ctx, span := f.tracer.Start(ctx, "purchase.approve",
		trace.WithAttributes(attribute.String("listing.id", f.listing.ID)))
	defer span.End()

	f.mu.Lock()
	if err := f.advance(EventStartApproval); err != nil {
		f.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.metrics.Observe("purchase", "approve", f.clock().Sub(start), err)
		return err
	}
	token := f.paymentToken
	spender := f.approvalTarget
	if spender == (common.Address{}) {
		spender = f.exchange
	}
	amount := f.listing.Price
	f.mu.Unlock()

	txHash, err := f.sender.WriteContract(ctx, token, chain.ERC20ABI, "approve", nil, 0, spender, amount)
	if err == nil {
		_, err = f.chainClient.WaitForReceipt(ctx, txHash, f.confirmations)
	}

	f.mu.Lock()
	if err != nil {
		f.fail(err)
		f.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.metrics.Observe("purchase", "approve", f.clock().Sub(start), err)
		return err
	}
	f.needsApproval = false
	if err := f.advance(EventApprovalConfirmed); err != nil {
		f.mu.Unlock()
		f.metrics.Observe("purchase", "approve", f.clock().Sub(start), err)
		return err
	}
	f.mu.Unlock()

	span.SetStatus(codes.Ok, "approval confirmed")
	f.metrics.Observe("purchase", "approve", f.clock().Sub(start), nil)
	f.logger.Info("allowance granted, continuing to purchase",
		"listing", f.listing.ID, "spender", spender.Hex())
	return f.Purchase(ctx)
}

// Purchase fulfills the listing: validate, dry-run, submit, confirm. The
// simulator's revert message is surfaced verbatim so the buyer sees exactly
// why a doomed transaction would fail, before any gas is spent.
func (f *Flow) Purchase(ctx context.Context) error {
	start := f.clock()
	ctx, span := f.tracer.Start(ctx, "purchase.fulfill",
		trace.WithAttributes(attribute.String("listing.id", f.listing.ID)))
	defer span.End()

	f.mu.Lock()
	f.parsed = nil // re-parse so a stale cached order cannot be fulfilled
	parsed, err := f.ensureParsed()
	if err != nil {
		f.fail(err)
		f.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.metrics.Observe("purchase", "fulfill", f.clock().Sub(start), err)
		return err
	}
	if result := order.Validate(parsed, f.clock()); !result.Valid {
		err := fmt.Errorf("order validation failed: %s", strings.Join(result.Errors, "; "))
		f.fail(err)
		f.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.metrics.Observe("purchase", "fulfill", f.clock().Sub(start), err)
		return err
	}
	if err := f.advance(EventStartPurchase); err != nil {
		f.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.metrics.Observe("purchase", "fulfill", f.clock().Sub(start), err)
		return err
	}
	native := order.UsesNativeToken(parsed)
	msg, err := f.fulfillmentCall(parsed, native)
	if err != nil {
		f.fail(err)
		f.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.metrics.Observe("purchase", "fulfill", f.clock().Sub(start), err)
		return err
	}
	gasLimit := f.gasEstimate
	f.mu.Unlock()

	if _, err := f.chainClient.Simulate(ctx, msg); err != nil {
		f.mu.Lock()
		f.fail(err)
		f.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.metrics.Observe("purchase", "fulfill", f.clock().Sub(start), err)
		return err
	}

	f.mu.Lock()
	if err := f.advance(EventSubmitted); err != nil {
		f.mu.Unlock()
		f.metrics.Observe("purchase", "fulfill", f.clock().Sub(start), err)
		return err
	}
	f.mu.Unlock()

	method := "fulfillAdvancedOrder"
	args := advancedArgs(parsed, f.sender.Address())
	if native {
		method = "fulfillBasicOrder"
		basic, berr := order.BuildBasicOrderParameters(parsed)
		if berr != nil {
			f.mu.Lock()
			f.fail(berr)
			f.mu.Unlock()
			span.RecordError(berr)
			span.SetStatus(codes.Error, berr.Error())
			f.metrics.Observe("purchase", "fulfill", f.clock().Sub(start), berr)
			return berr
		}
		args = []interface{}{basic}
	}
	txHash, err := f.sender.WriteContract(ctx, f.exchange, order.ExchangeABI, method, msg.Value, gasLimit, args...)
	if err == nil {
		f.mu.Lock()
		f.txHash = txHash
		f.mu.Unlock()
		_, err = f.chainClient.WaitForReceipt(ctx, txHash, f.confirmations)
		if errors.Is(err, chain.ErrTxReverted) {
			err = chain.ErrTxReverted
		}
	}

	f.mu.Lock()
	if err != nil {
		f.fail(err)
		f.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.metrics.Observe("purchase", "fulfill", f.clock().Sub(start), err)
		return err
	}
	if err := f.advance(EventConfirmed); err != nil {
		f.mu.Unlock()
		f.metrics.Observe("purchase", "fulfill", f.clock().Sub(start), err)
		return err
	}
	f.mu.Unlock()

	f.recordSuccess(ctx)
	span.SetStatus(codes.Ok, "purchase confirmed")
	f.metrics.Observe("purchase", "fulfill", f.clock().Sub(start), nil)
	f.logger.Info("listing fulfilled",
		"listing", f.listing.ID, "name", f.listing.Name, "tx", f.txHash.Hex())
	return nil
}

func (f *Flow) recordSuccess(ctx context.Context) {
	if f.purchases != nil {
		if err := f.purchases.RecordPurchase(ctx, f.listing.ID, f.txHash); err != nil {
			f.logger.Warn("record purchase", "listing", f.listing.ID, "error", err.Error())
		}
	}
	if f.invalidator == nil {
		return
	}
	buyer := f.sender.Address()
	name := f.listing.Name
	inv := f.invalidator
	logger := f.logger
	go func() {
		refreshCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := inv.InvalidateName(refreshCtx, name); err != nil {
			logger.Debug("refresh name details", "name", name, "error", err.Error())
		}
		if err := inv.InvalidatePortfolio(refreshCtx, buyer); err != nil {
			logger.Debug("refresh portfolio", "owner", buyer.Hex(), "error", err.Error())
		}
		if err := inv.InvalidateOffers(refreshCtx, buyer); err != nil {
			logger.Debug("refresh offers", "owner", buyer.Hex(), "error", err.Error())
		}
	}()
}

// Retry returns an errored flow to review. Approval and gas state from the
// previous attempt are kept as-is.
func (f *Flow) Retry() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.step != StepError {
		return ErrNotRetryable
	}
	if err := f.advance(EventRetry); err != nil {
		return err
	}
	f.errMsg = ""
	return nil
}

// Cancel abandons the flow. It refuses while a submitted transaction is
// still pending, since the chain cannot be told to forget it.
func (f *Flow) Cancel() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.step.InFlight() {
		return ErrInFlight
	}
	return nil
}

// SufficientBalance checks whether the buyer can afford the listing given
// the current gas estimate. It performs only idempotent reads.
func (f *Flow) SufficientBalance(ctx context.Context) (bool, error) {
	f.mu.Lock()
	parsed, err := f.ensureParsed()
	if err != nil {
		f.mu.Unlock()
		return false, err
	}
	gasEstimate := f.gasEstimate
	price := f.listing.Price
	f.mu.Unlock()

	buyer := f.sender.Address()
	if order.UsesNativeToken(parsed) {
		balance, err := f.chainClient.NativeBalance(ctx, buyer)
		if err != nil {
			return false, fmt.Errorf("read balance: %w", err)
		}
		gasPrice, err := f.chainClient.GasPrice(ctx)
		if err != nil {
			return false, fmt.Errorf("read gas price: %w", err)
		}
		f.mu.Lock()
		f.gasPrice = gasPrice
		f.mu.Unlock()
		return HasSufficientNative(balance, price, gasEstimate, gasPrice), nil
	}
	token := order.PaymentToken(parsed)
	balance, err := f.chainClient.TokenBalance(ctx, token, buyer)
	if err != nil {
		return false, fmt.Errorf("read token balance: %w", err)
	}
	return HasSufficientToken(balance, price), nil
}

// fulfillmentCall builds the simulation/estimation message for the order.
// Callers hold f.mu.
func (f *Flow) fulfillmentCall(parsed *order.Order, native bool) (ethereum.CallMsg, error) {
	var (
		data  []byte
		value *big.Int
		err   error
	)
	if native {
		basic, berr := order.BuildBasicOrderParameters(parsed)
		if berr != nil {
			return ethereum.CallMsg{}, berr
		}
		value, err = order.TotalPayment(parsed)
		if err != nil {
			return ethereum.CallMsg{}, err
		}
		data, err = order.ExchangeABI.Pack("fulfillBasicOrder", basic)
	} else {
		value = new(big.Int)
		data, err = order.ExchangeABI.Pack("fulfillAdvancedOrder", advancedArgs(parsed, f.sender.Address())...)
	}
	if err != nil {
		return ethereum.CallMsg{}, fmt.Errorf("pack fulfillment call: %w", err)
	}
	from := f.sender.Address()
	to := f.exchange
	return ethereum.CallMsg{From: from, To: &to, Value: value, Data: data}, nil
}

func advancedArgs(parsed *order.Order, recipient common.Address) []interface{} {
	advanced, err := order.BuildAdvancedOrder(parsed)
	if err != nil {
		// BuildAdvancedOrder only fails on nil orders, which ensureParsed rules out.
		return nil
	}
	var fulfillerConduitKey [32]byte
	return []interface{}{advanced, []order.CriteriaResolver{}, fulfillerConduitKey, recipient}
}
