package renew

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"namemarket/chain"
	"namemarket/observability"
	"namemarket/registrar"
)

// Renewal gas is a heuristic rather than a simulation. The batch call cost
// grows roughly linearly with the number of names.
const (
	gasBase      = 150_000
	gasPerDomain = 50_000
)

// State is the renewal flow's lifecycle. Renewal is single-phase; there is
// no commit-reveal because extending a name you already own cannot be
// front-run the same way a registration can.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateSuccess State = "success"
	StateError   State = "error"
)

// Domain is a currently-owned name selected for extension.
type Domain struct {
	Label  string
	Expiry time.Time
}

// Extender submits the batched on-chain renewal.
type Extender interface {
	RenewAll(ctx context.Context, labels []string, duration time.Duration, value *big.Int) (common.Hash, error)
}

// Receipts waits out transaction confirmation.
type Receipts interface {
	WaitForReceipt(ctx context.Context, txHash common.Hash, confirmations uint64) (*gethtypes.Receipt, error)
}

// PriceFeed converts a USD amount into the chain's native currency.
type PriceFeed interface {
	NativeForUSD(ctx context.Context, usd float64) (*big.Int, error)
}

// Portfolio is refreshed after a successful renewal so expiry dates update.
type Portfolio interface {
	Refresh(ctx context.Context, owner common.Address) error
}

var (
	// ErrNoDomains is returned when the selection is empty.
	ErrNoDomains = errors.New("renew: no domains selected")

	// ErrTargetNotBeyondExpiry is returned when an extend-to date does not
	// land past the latest expiry in the selection.
	ErrTargetNotBeyondExpiry = errors.New("renew: target date must be after the latest current expiry")

	// ErrNotIdle is returned when Renew is called while a renewal is
	// already running or finished.
	ErrNotIdle = errors.New("renew: flow is not idle")

	// ErrNotRetryable is returned when Retry is called outside the error state.
	ErrNotRetryable = errors.New("renew: flow is not in the error state")
)

// UntilDate derives a uniform extension duration landing every selected
// domain at or beyond the target date. The duration is measured from the
// latest current expiry so no domain is extended past the target.
func UntilDate(domains []Domain, target time.Time) (time.Duration, error) {
	if len(domains) == 0 {
		return 0, ErrNoDomains
	}
	latest := domains[0].Expiry
	for _, d := range domains[1:] {
		if d.Expiry.After(latest) {
			latest = d.Expiry
		}
	}
	extension := target.Sub(latest)
	if extension <= 0 {
		return 0, ErrTargetNotBeyondExpiry
	}
	return extension, nil
}

// TotalUSD sums the schedule price of extending every selected domain for
// the given number of years.
func TotalUSD(schedule *registrar.Schedule, domains []Domain, years float64) float64 {
	if schedule == nil {
		schedule = registrar.DefaultSchedule()
	}
	total := 0.0
	for _, d := range domains {
		total += schedule.PriceUSD(d.Label, years)
	}
	return total
}

// GasHeuristic estimates the batch renewal gas without a simulation.
func GasHeuristic(domainCount int) uint64 {
	if domainCount < 0 {
		domainCount = 0
	}
	return gasBase + gasPerDomain*uint64(domainCount)
}

// HasSufficientBalance mirrors the native-currency purchase check: the payer
// needs the summed price plus the heuristic gas at the current gas price.
func HasSufficientBalance(balance, totalPrice *big.Int, gasEstimate uint64, gasPrice *big.Int) bool {
	if balance == nil || totalPrice == nil || gasPrice == nil {
		return false
	}
	gasCost := new(big.Int).Mul(new(big.Int).SetUint64(gasEstimate), gasPrice)
	need := new(big.Int).Add(totalPrice, gasCost)
	return balance.Cmp(need) >= 0
}

// Config wires a renewal flow instance.
type Config struct {
	Owner         common.Address
	Domains       []Domain
	Duration      time.Duration
	Schedule      *registrar.Schedule
	Extender      Extender
	Receipts      Receipts
	Feed          PriceFeed
	Portfolio     Portfolio
	Confirmations uint64
	Clock         func() time.Time
	Logger        *slog.Logger
}

// Flow extends the expiry of one or more owned names in a single batched
// transaction.
type Flow struct {
	mu sync.Mutex

	owner         common.Address
	domains       []Domain
	duration      time.Duration
	schedule      *registrar.Schedule
	extender      Extender
	receipts      Receipts
	feed          PriceFeed
	portfolio     Portfolio
	confirmations uint64
	clock         func() time.Time
	logger        *slog.Logger
	metrics       *observability.FlowMetrics
	tracer        trace.Tracer

	state  State
	errMsg string
	txHash common.Hash
}

// New constructs an idle renewal flow.
func New(cfg Config) (*Flow, error) {
	if len(cfg.Domains) == 0 {
		return nil, ErrNoDomains
	}
	for _, d := range cfg.Domains {
		if strings.TrimSpace(d.Label) == "" {
			return nil, registrar.ErrLabelRequired
		}
	}
	if cfg.Duration <= 0 {
		return nil, fmt.Errorf("renew: positive duration required")
	}
	if cfg.Extender == nil {
		return nil, fmt.Errorf("renew: extender required")
	}
	if cfg.Receipts == nil {
		return nil, fmt.Errorf("renew: receipt waiter required")
	}
	if cfg.Feed == nil {
		return nil, fmt.Errorf("renew: price feed required")
	}
	schedule := cfg.Schedule
	if schedule == nil {
		schedule = registrar.DefaultSchedule()
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
		owner:         cfg.Owner,
		domains:       append([]Domain(nil), cfg.Domains...),
		duration:      cfg.Duration,
		schedule:      schedule,
		extender:      cfg.Extender,
		receipts:      cfg.Receipts,
		feed:          cfg.Feed,
		portfolio:     cfg.Portfolio,
		confirmations: confirmations,
		clock:         clock,
		logger:        logger,
		metrics:       observability.Flows(),
		tracer:        otel.Tracer("market/renew"),
		state:         StateIdle,
	}, nil
}

// State returns the current lifecycle state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Err returns the message carried by the error state, empty otherwise.
func (f *Flow) Err() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errMsg
}

// TxHash returns the batch transaction hash once submitted.
func (f *Flow) TxHash() common.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txHash
}

// TotalUSD quotes the summed schedule price for the configured selection.
func (f *Flow) TotalUSD() float64 {
	years := f.duration.Hours() / (365 * 24)
	return TotalUSD(f.schedule, f.domains, years)
}

// GasEstimate returns the heuristic gas figure for the batch.
func (f *Flow) GasEstimate() uint64 {
	return GasHeuristic(len(f.domains))
}

// Domains returns the selection being extended. Domains are fixed at
// construction; the returned slice is a copy.
func (f *Flow) Domains() []Domain {
	return append([]Domain(nil), f.domains...)
}

// Extension returns the uniform duration added to every selected domain.
func (f *Flow) Extension() time.Duration {
	return f.duration
}

func (f *Flow) fail(err error) {
	f.state = StateError
	f.errMsg = err.Error()
	f.logger.Warn("renewal flow failed",
		"owner", f.owner.Hex(),
		"domains", len(f.domains),
		"error", err.Error(),
	)
}

// Renew submits one batched transaction extending every selected name by
// the uniform duration, paying the converted USD total as value.
func (f *Flow) Renew(ctx context.Context) error {
	start := f.clock()
	ctx, span := f.tracer.Start(ctx, "renew.extend",
		trace.WithAttributes(attribute.Int("domains.count", len(f.domains))))
	defer span.End()

	f.mu.Lock()
	if f.state != StateIdle {
		f.mu.Unlock()
		f.metrics.Observe("renew", "extend", f.clock().Sub(start), ErrNotIdle)
		return ErrNotIdle
	}
	f.state = StateLoading
	labels := make([]string, len(f.domains))
	for i, d := range f.domains {
		labels[i] = d.Label
	}
	f.mu.Unlock()

	value, err := f.feed.NativeForUSD(ctx, f.TotalUSD())
	if err != nil {
		f.mu.Lock()
		f.fail(fmt.Errorf("convert renewal price: %w", err))
		f.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.metrics.Observe("renew", "extend", f.clock().Sub(start), err)
		return err
	}

	txHash, err := f.extender.RenewAll(ctx, labels, f.duration, value)
	if err == nil {
		f.mu.Lock()
		f.txHash = txHash
		f.mu.Unlock()
		_, err = f.receipts.WaitForReceipt(ctx, txHash, f.confirmations)
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
		f.metrics.Observe("renew", "extend", f.clock().Sub(start), err)
		return err
	}
	f.state = StateSuccess
	f.mu.Unlock()

	if f.portfolio != nil {
		portfolio := f.portfolio
		owner := f.owner
		logger := f.logger
		go func() {
			refreshCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := portfolio.Refresh(refreshCtx, owner); err != nil {
				logger.Debug("refresh portfolio after renewal", "owner", owner.Hex(), "error", err.Error())
			}
		}()
	}
	span.SetStatus(codes.Ok, "renewal confirmed")
	f.metrics.Observe("renew", "extend", f.clock().Sub(start), nil)
	f.logger.Info("names renewed",
		"owner", f.owner.Hex(), "domains", len(labels), "duration", f.duration, "tx", f.txHash.Hex())
	return nil
}

// Retry returns an errored flow to idle for another attempt.
func (f *Flow) Retry() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateError {
		return ErrNotRetryable
	}
	f.state = StateIdle
	f.errMsg = ""
	return nil
}
