package register

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

// Controller is the registration surface of the on-chain controller.
type Controller interface {
	Available(ctx context.Context, label string) (bool, error)
	RentPrice(ctx context.Context, label string, duration time.Duration) (*big.Int, error)
	GetCommitmentAges(ctx context.Context) (registrar.CommitmentAges, error)
	SubmitCommit(ctx context.Context, commitment common.Hash) (common.Hash, error)
	SubmitRegister(ctx context.Context, params registrar.RegistrationParams, value *big.Int) (common.Hash, error)
}

// Receipts waits out transaction confirmation.
type Receipts interface {
	WaitForReceipt(ctx context.Context, txHash common.Hash, confirmations uint64) (*gethtypes.Receipt, error)
}

// PendingCommitment is a published commitment persisted so a restarted
// process can resume the reveal instead of burning a second commit.
type PendingCommitment struct {
	Label       string
	Owner       common.Address
	Duration    time.Duration
	Secret      [32]byte
	Commitment  common.Hash
	CommittedAt time.Time
}

// CommitmentStore persists pending commitments across process restarts.
type CommitmentStore interface {
	SaveCommitment(ctx context.Context, pending PendingCommitment) error
	PendingCommitment(ctx context.Context, label string) (*PendingCommitment, error)
	DeleteCommitment(ctx context.Context, label string) error
}

// Indexer is the off-chain read model. The flow polls it after a successful
// registration so caches refresh only once the backend has caught up.
type Indexer interface {
	HasName(ctx context.Context, owner common.Address, label string) (bool, error)
	InvalidateName(ctx context.Context, label string) error
	InvalidatePortfolio(ctx context.Context, owner common.Address) error
}

// Availability is the tri-state result of a name availability probe.
type Availability int

const (
	AvailabilityUnknown Availability = iota
	AvailabilityOpen
	AvailabilityTaken
)

var (
	// ErrNameTaken is returned when the target name is already registered.
	ErrNameTaken = errors.New("register: name is not available")

	// ErrNotCommitted is returned when Register is called without a
	// published commitment.
	ErrNotCommitted = errors.New("register: no commitment published")

	// ErrCommitmentTooYoung is returned when the reveal is attempted before
	// the protocol's minimum commitment age has elapsed.
	ErrCommitmentTooYoung = errors.New("register: commitment has not matured")

	// ErrCommitmentExpired is returned when the commitment aged past the
	// protocol maximum. The flow returns to review and a fresh commit is
	// required.
	ErrCommitmentExpired = errors.New("register: commitment expired, commit again")

	// ErrInFlight is returned when a caller tries to cancel while a
	// transaction is pending.
	ErrInFlight = errors.New("register: transaction in flight, flow cannot be cancelled")

	// ErrNotRetryable is returned when Retry is called outside the error step.
	ErrNotRetryable = errors.New("register: flow is not in the error step")
)

// Config wires a registration flow instance.
type Config struct {
	Label         string
	Owner         common.Address
	Duration      time.Duration
	Resolver      common.Address
	Referrer      common.Address
	Controller    Controller
	Receipts      Receipts
	Store         CommitmentStore
	Indexer       Indexer
	Confirmations uint64
	Clock         func() time.Time
	Logger        *slog.Logger
}

// Flow owns the state of one commit-reveal registration.
type Flow struct {
	mu sync.Mutex

	label         string
	owner         common.Address
	duration      time.Duration
	resolver      common.Address
	referrer      common.Address
	controller    Controller
	receipts      Receipts
	store         CommitmentStore
	indexer       Indexer
	confirmations uint64
	clock         func() time.Time
	logger        *slog.Logger
	metrics       *observability.FlowMetrics
	tracer        trace.Tracer

	step         Step
	errMsg       string
	availability Availability

	secret      [32]byte
	haveSecret  bool
	commitment  common.Hash
	committedAt time.Time
	ages        registrar.CommitmentAges
	agesLoaded  bool
	registerTx  common.Hash
}

// New constructs a registration flow in the review step.
func New(cfg Config) (*Flow, error) {
	label := strings.TrimSpace(cfg.Label)
	if label == "" {
		return nil, registrar.ErrLabelRequired
	}
	if cfg.Owner == (common.Address{}) {
		return nil, fmt.Errorf("register: owner address required")
	}
	if cfg.Duration <= 0 {
		return nil, fmt.Errorf("register: positive duration required")
	}
	if cfg.Controller == nil {
		return nil, fmt.Errorf("register: controller required")
	}
	if cfg.Receipts == nil {
		return nil, fmt.Errorf("register: receipt waiter required")
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
	duration := cfg.Duration
	if duration > MaxRegistration {
		duration = MaxRegistration
	}
	return &Flow{
		label:         label,
		owner:         cfg.Owner,
		duration:      duration,
		resolver:      cfg.Resolver,
		referrer:      cfg.Referrer,
		controller:    cfg.Controller,
		receipts:      cfg.Receipts,
		store:         cfg.Store,
		indexer:       cfg.Indexer,
		confirmations: confirmations,
		clock:         clock,
		logger:        logger,
		metrics:       observability.Flows(),
		tracer:        otel.Tracer("market/register"),
		step:          StepReview,
	}, nil
}

// Label returns the name being registered.
func (f *Flow) Label() string {
	return f.label
}

// Duration returns the registration term, after clamping.
func (f *Flow) Duration() time.Duration {
	return f.duration
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

// Availability returns the result of the last availability probe.
func (f *Flow) Availability() Availability {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.availability
}

// RegisterTx returns the reveal transaction hash once submitted.
func (f *Flow) RegisterTx() common.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registerTx
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
	f.logger.Warn("registration flow failed",
		"label", f.label,
		"step", string(f.step),
		"error", err.Error(),
	)
}

// CheckAvailability probes whether the name can still be registered. The
// probe is skipped once the flow is registering or done, since the name
// stops looking available the moment our own reveal lands.
func (f *Flow) CheckAvailability(ctx context.Context) (Availability, error) {
	start := f.clock()
	ctx, span := f.tracer.Start(ctx, "register.check_availability",
		trace.WithAttributes(attribute.String("name.label", f.label)))
	defer span.End()

	f.mu.Lock()
	if f.step == StepRegistering || f.step == StepSuccess {
		current := f.availability
		f.mu.Unlock()
		f.metrics.Observe("register", "check_availability", f.clock().Sub(start), nil)
		return current, nil
	}
	f.availability = AvailabilityUnknown
	f.mu.Unlock()

	open, err := f.controller.Available(ctx, f.label)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.metrics.Observe("register", "check_availability", f.clock().Sub(start), err)
		return AvailabilityUnknown, fmt.Errorf("check availability: %w", err)
	}
	if open {
		f.availability = AvailabilityOpen
	} else {
		f.availability = AvailabilityTaken
	}
	span.SetAttributes(attribute.Bool("name.available", open))
	f.metrics.Observe("register", "check_availability", f.clock().Sub(start), nil)
	return f.availability, nil
}

// Quote re-fetches the exact on-chain rent price for the chosen duration.
func (f *Flow) Quote(ctx context.Context) (*big.Int, error) {
	return f.controller.RentPrice(ctx, f.label, f.duration)
}

func (f *Flow) loadAges(ctx context.Context) error {
	if f.agesLoaded {
		return nil
	}
	ages, err := f.controller.GetCommitmentAges(ctx)
	if err != nil {
		return fmt.Errorf("read commitment ages: %w", err)
	}
	f.ages = ages
	f.agesLoaded = true
	return nil
}

// Resume reloads a previously published commitment for this label so a
// restarted process continues from the waiting step. Stale commitments are
// discarded instead of resumed; revealing against one can only revert.
func (f *Flow) Resume(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.store == nil || f.step != StepReview {
		return false, nil
	}
	if err := f.loadAges(ctx); err != nil {
		return false, err
	}
	pending, err := f.store.PendingCommitment(ctx, f.label)
	if err != nil {
		return false, fmt.Errorf("load pending commitment: %w", err)
	}
	if pending == nil || pending.Owner != f.owner || pending.Duration != f.duration {
		return false, nil
	}
	if f.expiredLocked(pending.CommittedAt) {
		if err := f.store.DeleteCommitment(ctx, f.label); err != nil {
			f.logger.Warn("discard stale commitment", "label", f.label, "error", err.Error())
		}
		return false, nil
	}
	f.secret = pending.Secret
	f.haveSecret = true
	f.commitment = pending.Commitment
	f.committedAt = pending.CommittedAt
	if err := f.advance(EventResumeWaiting); err != nil {
		return false, err
	}
	f.logger.Info("resumed pending commitment",
		"label", f.label, "committedAt", pending.CommittedAt)
	return true, nil
}

// Commit publishes the commitment hash and starts the maturity countdown.
// The secret is generated once per flow and reused across retries so the
// reveal always matches what was committed.
func (f *Flow) Commit(ctx context.Context) error {
	start := f.clock()
	ctx, span := f.tracer.Start(ctx, "register.commit",
		trace.WithAttributes(attribute.String("name.label", f.label)))
	defer span.End()

	f.mu.Lock()
	if f.availability == AvailabilityTaken {
		err := ErrNameTaken
		f.fail(err)
		f.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.metrics.Observe("register", "commit", f.clock().Sub(start), err)
		return err
	}
	if err := f.advance(EventStartCommit); err != nil {
		f.mu.Unlock()
		f.metrics.Observe("register", "commit", f.clock().Sub(start), err)
		return err
	}
	if err := f.loadAges(ctx); err != nil {
		f.fail(err)
		f.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.metrics.Observe("register", "commit", f.clock().Sub(start), err)
		return err
	}
	if !f.haveSecret {
		secret, err := registrar.GenerateSecret()
		if err != nil {
			f.fail(err)
			f.mu.Unlock()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			f.metrics.Observe("register", "commit", f.clock().Sub(start), err)
			return err
		}
		f.secret = secret
		f.haveSecret = true
	}
	params := f.registrationParams()
	commitment, err := registrar.MakeCommitment(params)
	if err != nil {
		f.fail(err)
		f.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.metrics.Observe("register", "commit", f.clock().Sub(start), err)
		return err
	}
	f.commitment = commitment
	f.mu.Unlock()

	txHash, err := f.controller.SubmitCommit(ctx, commitment)
	if err == nil {
		_, err = f.receipts.WaitForReceipt(ctx, txHash, f.confirmations)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.fail(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.metrics.Observe("register", "commit", f.clock().Sub(start), err)
		return err
	}
	f.committedAt = f.clock()
	if f.store != nil {
		pending := PendingCommitment{
			Label:       f.label,
			Owner:       f.owner,
			Duration:    f.duration,
			Secret:      f.secret,
			Commitment:  f.commitment,
			CommittedAt: f.committedAt,
		}
		if serr := f.store.SaveCommitment(ctx, pending); serr != nil {
			f.logger.Warn("persist commitment", "label", f.label, "error", serr.Error())
		}
	}
	if err := f.advance(EventCommitConfirmed); err != nil {
		f.metrics.Observe("register", "commit", f.clock().Sub(start), err)
		return err
	}
	span.SetStatus(codes.Ok, "commitment confirmed")
	f.metrics.Observe("register", "commit", f.clock().Sub(start), nil)
	f.logger.Info("commitment published",
		"label", f.label, "tx", txHash.Hex(), "minAge", f.ages.Min)
	return nil
}

// Remaining computes how long the commitment still has to mature. It never
// goes negative and reaches exactly zero.
func (f *Flow) Remaining() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.committedAt.IsZero() {
		return f.ages.Min
	}
	elapsed := f.clock().Sub(f.committedAt)
	if elapsed >= f.ages.Min {
		return 0
	}
	return f.ages.Min - elapsed
}

// Ready reports whether the reveal can be submitted. It is false until a
// commitment exists, regardless of the minimum age.
func (f *Flow) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.committedAt.IsZero() {
		return false
	}
	return f.clock().Sub(f.committedAt) >= f.ages.Min
}

func (f *Flow) expiredLocked(committedAt time.Time) bool {
	if f.ages.Max <= 0 || committedAt.IsZero() {
		return false
	}
	return f.clock().Sub(committedAt) > f.ages.Max
}

// Register reveals the registration, paying the freshly quoted rent price.
// A commitment older than the protocol maximum is discarded and the flow
// returns to review; revealing it would only revert on chain.
func (f *Flow) Register(ctx context.Context) error {
	start := f.clock()
	ctx, span := f.tracer.Start(ctx, "register.reveal",
		trace.WithAttributes(attribute.String("name.label", f.label)))
	defer span.End()

	f.mu.Lock()
	if !f.haveSecret || f.commitment == (common.Hash{}) || f.committedAt.IsZero() {
		f.mu.Unlock()
		f.metrics.Observe("register", "reveal", f.clock().Sub(start), ErrNotCommitted)
		return ErrNotCommitted
	}
	if elapsed := f.clock().Sub(f.committedAt); elapsed < f.ages.Min {
		f.mu.Unlock()
		f.metrics.Observe("register", "reveal", f.clock().Sub(start), ErrCommitmentTooYoung)
		return ErrCommitmentTooYoung
	}
	if f.expiredLocked(f.committedAt) {
		f.commitment = common.Hash{}
		f.committedAt = time.Time{}
		if f.store != nil {
			if derr := f.store.DeleteCommitment(ctx, f.label); derr != nil {
				f.logger.Warn("discard stale commitment", "label", f.label, "error", derr.Error())
			}
		}
		_ = f.advance(EventCommitmentExpired)
		f.mu.Unlock()
		span.SetStatus(codes.Error, ErrCommitmentExpired.Error())
		f.metrics.Observe("register", "reveal", f.clock().Sub(start), ErrCommitmentExpired)
		return ErrCommitmentExpired
	}
	if err := f.advance(EventStartRegister); err != nil {
		f.mu.Unlock()
		f.metrics.Observe("register", "reveal", f.clock().Sub(start), err)
		return err
	}
	params := f.registrationParams()
	f.mu.Unlock()

	price, err := f.controller.RentPrice(ctx, f.label, params.Duration)
	var txHash common.Hash
	if err == nil {
		txHash, err = f.controller.SubmitRegister(ctx, params, price)
	}
	if err == nil {
		f.mu.Lock()
		f.registerTx = txHash
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
		f.metrics.Observe("register", "reveal", f.clock().Sub(start), err)
		return err
	}
	if f.store != nil {
		if derr := f.store.DeleteCommitment(ctx, f.label); derr != nil {
			f.logger.Warn("clear fulfilled commitment", "label", f.label, "error", derr.Error())
		}
	}
	if err := f.advance(EventRegisterConfirmed); err != nil {
		f.mu.Unlock()
		f.metrics.Observe("register", "reveal", f.clock().Sub(start), err)
		return err
	}
	f.mu.Unlock()

	f.refreshAfterSuccess()
	span.SetStatus(codes.Ok, "registration confirmed")
	f.metrics.Observe("register", "reveal", f.clock().Sub(start), nil)
	f.logger.Info("name registered",
		"label", f.label, "owner", f.owner.Hex(), "tx", txHash.Hex())
	return nil
}

// refreshAfterSuccess invalidates read caches once the indexer reflects the
// new registration. Polling replaces a fixed sleep; indexing lag varies and
// refreshing too early just re-caches stale data.
func (f *Flow) refreshAfterSuccess() {
	if f.indexer == nil {
		return
	}
	indexer := f.indexer
	label := f.label
	owner := f.owner
	logger := f.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), indexerWait)
		defer cancel()
		ticker := time.NewTicker(indexerPollInterval)
		defer ticker.Stop()
		for {
			indexed, err := indexer.HasName(ctx, owner, label)
			if err == nil && indexed {
				break
			}
			select {
			case <-ctx.Done():
				logger.Debug("indexer never caught up", "label", label)
				return
			case <-ticker.C:
			}
		}
		if err := indexer.InvalidateName(ctx, label); err != nil {
			logger.Debug("refresh name details", "label", label, "error", err.Error())
		}
		if err := indexer.InvalidatePortfolio(ctx, owner); err != nil {
			logger.Debug("refresh portfolio", "owner", owner.Hex(), "error", err.Error())
		}
	}()
}

const (
	indexerPollInterval = time.Second
	indexerWait         = 30 * time.Second
)

// Retry returns an errored flow to review. The secret and any live
// commitment are kept so the reveal can still match the original commit.
func (f *Flow) Retry(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.step != StepError {
		return ErrNotRetryable
	}
	if err := f.advance(EventRetry); err != nil {
		return err
	}
	f.errMsg = ""
	// A confirmed, still-fresh commitment re-enters waiting directly.
	if f.commitment != (common.Hash{}) && !f.committedAt.IsZero() && !f.expiredLocked(f.committedAt) {
		return f.advance(EventResumeWaiting)
	}
	f.commitment = common.Hash{}
	f.committedAt = time.Time{}
	if f.store != nil {
		if err := f.store.DeleteCommitment(ctx, f.label); err != nil {
			f.logger.Warn("discard stale commitment", "label", f.label, "error", err.Error())
		}
	}
	return nil
}

// Cancel abandons the flow. It refuses while a transaction is pending.
func (f *Flow) Cancel() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.step.InFlight() {
		return ErrInFlight
	}
	return nil
}

func (f *Flow) registrationParams() registrar.RegistrationParams {
	return registrar.RegistrationParams{
		Label:    f.label,
		Owner:    f.owner,
		Duration: f.duration,
		Secret:   f.secret,
		Resolver: f.resolver,
		Referrer: f.referrer,
	}
}
