package register

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"namemarket/chain"
	"namemarket/registrar"
)

var testOwner = common.HexToAddress("0x15d34AAf54267DB7D7c367839AAf71A00a2C6A65")

type stubController struct {
	mu sync.Mutex

	available    bool
	availableErr error
	rentPrice    *big.Int
	rentErr      error
	minAge       time.Duration
	maxAge       time.Duration
	commitErr    error
	registerErr  error

	commits   []common.Hash
	registers []registrar.RegistrationParams
	values    []*big.Int
	next      byte
}

func (s *stubController) Available(ctx context.Context, label string) (bool, error) {
	return s.available, s.availableErr
}

func (s *stubController) RentPrice(ctx context.Context, label string, duration time.Duration) (*big.Int, error) {
	if s.rentErr != nil {
		return nil, s.rentErr
	}
	if s.rentPrice == nil {
		return big.NewInt(1000), nil
	}
	return s.rentPrice, nil
}

func (s *stubController) GetCommitmentAges(ctx context.Context) (registrar.CommitmentAges, error) {
	return registrar.CommitmentAges{Min: s.minAge, Max: s.maxAge}, nil
}

func (s *stubController) SubmitCommit(ctx context.Context, commitment common.Hash) (common.Hash, error) {
	if s.commitErr != nil {
		return common.Hash{}, s.commitErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits = append(s.commits, commitment)
	s.next++
	return common.Hash{31: s.next}, nil
}

func (s *stubController) SubmitRegister(ctx context.Context, params registrar.RegistrationParams, value *big.Int) (common.Hash, error) {
	if s.registerErr != nil {
		return common.Hash{}, s.registerErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registers = append(s.registers, params)
	s.values = append(s.values, value)
	s.next++
	return common.Hash{31: s.next}, nil
}

type stubReceipts struct {
	err error
}

func (s *stubReceipts) WaitForReceipt(ctx context.Context, txHash common.Hash, confirmations uint64) (*gethtypes.Receipt, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, TxHash: txHash}, nil
}

type memoryStore struct {
	mu      sync.Mutex
	pending map[string]PendingCommitment
}

func (s *memoryStore) SaveCommitment(ctx context.Context, pending PendingCommitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		s.pending = make(map[string]PendingCommitment)
	}
	s.pending[pending.Label] = pending
	return nil
}

func (s *memoryStore) PendingCommitment(ctx context.Context, label string) (*PendingCommitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.pending[label]
	if !ok {
		return nil, nil
	}
	return &pending, nil
}

func (s *memoryStore) DeleteCommitment(ctx context.Context, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, label)
	return nil
}

// fakeClock lets tests move the flow through the maturity window.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestFlow(t *testing.T, ctrl *stubController, receipts *stubReceipts, store CommitmentStore, clk *fakeClock) *Flow {
	t.Helper()
	flow, err := New(Config{
		Label:      "vault",
		Owner:      testOwner,
		Duration:   2 * year,
		Controller: ctrl,
		Receipts:   receipts,
		Store:      store,
		Clock:      clk.Now,
	})
	if err != nil {
		t.Fatalf("new flow: %v", err)
	}
	return flow
}

func TestForDuration(t *testing.T) {
	got, err := ForDuration(2, UnitYears)
	if err != nil {
		t.Fatalf("two years: %v", err)
	}
	if want := time.Duration(2*365*86400) * time.Second; got != want {
		t.Fatalf("two years = %v, want %v", got, want)
	}
	if _, err := ForDuration(0, UnitYears); err == nil {
		t.Fatal("zero quantity must be rejected")
	}
	if _, err := ForDuration(-3, UnitDays); err == nil {
		t.Fatal("negative quantity must be rejected")
	}
	if _, err := ForDuration(1, Unit("decades")); err == nil {
		t.Fatal("unknown unit must be rejected")
	}
	got, err = ForDuration(500, UnitYears)
	if err != nil {
		t.Fatalf("clamped request: %v", err)
	}
	if got != MaxRegistration {
		t.Fatalf("500 years = %v, want the 100-year cap", got)
	}
}

func TestUntilDate(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)

	if _, ok := UntilDate(now, now); ok {
		t.Fatal("a target equal to now must yield no duration")
	}
	if _, ok := UntilDate(now, now.Add(-time.Hour)); ok {
		t.Fatal("a past target must yield no duration")
	}
	got, ok := UntilDate(now, now.Add(90*day))
	if !ok || got != 90*day {
		t.Fatalf("90 days out = %v ok=%v", got, ok)
	}
	got, ok = UntilDate(now, now.Add(150*year))
	if !ok || got != MaxRegistration {
		t.Fatalf("150 years out = %v, want exactly the cap", got)
	}
}

func TestCommitRevealHappyPath(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{now: time.Unix(1_800_000_000, 0)}
	ctrl := &stubController{available: true, minAge: time.Minute, maxAge: 24 * time.Hour, rentPrice: big.NewInt(5000)}
	store := &memoryStore{}
	flow := newTestFlow(t, ctrl, &stubReceipts{}, store, clk)

	if got, err := flow.CheckAvailability(ctx); err != nil || got != AvailabilityOpen {
		t.Fatalf("availability = %v err=%v", got, err)
	}
	if err := flow.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if flow.Step() != StepWaiting {
		t.Fatalf("step after commit = %s, want waiting", flow.Step())
	}
	if len(ctrl.commits) != 1 {
		t.Fatalf("commit submissions = %d, want 1", len(ctrl.commits))
	}
	if pending, _ := store.PendingCommitment(ctx, "vault"); pending == nil {
		t.Fatal("commitment not persisted")
	}

	// Commit confirmed at T; at T+61s the reveal must be allowed.
	if flow.Ready() {
		t.Fatal("reveal must be gated until the commitment matures")
	}
	if err := flow.Register(ctx); !errors.Is(err, ErrCommitmentTooYoung) {
		t.Fatalf("early reveal = %v, want ErrCommitmentTooYoung", err)
	}
	clk.Advance(61 * time.Second)
	if remaining := flow.Remaining(); remaining != 0 {
		t.Fatalf("remaining at T+61s = %v, want 0", remaining)
	}
	if err := flow.Register(ctx); err != nil {
		t.Fatalf("register: %v", err)
	}
	if flow.Step() != StepSuccess {
		t.Fatalf("step = %s, want success", flow.Step())
	}
	if len(ctrl.registers) != 1 {
		t.Fatalf("register submissions = %d, want 1", len(ctrl.registers))
	}
	if ctrl.values[0].Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("reveal value = %s, want the quoted rent", ctrl.values[0])
	}
	if pending, _ := store.PendingCommitment(ctx, "vault"); pending != nil {
		t.Fatal("fulfilled commitment must be cleared")
	}
}

func TestRemainingNeverNegative(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{now: time.Unix(1_800_000_000, 0)}
	ctrl := &stubController{available: true, minAge: time.Minute}
	flow := newTestFlow(t, ctrl, &stubReceipts{}, nil, clk)
	if err := flow.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	last := flow.Remaining()
	for i := 0; i < 90; i++ {
		clk.Advance(time.Second)
		remaining := flow.Remaining()
		if remaining < 0 {
			t.Fatalf("remaining went negative: %v", remaining)
		}
		if remaining > last {
			t.Fatalf("remaining increased from %v to %v", last, remaining)
		}
		last = remaining
	}
	if last != 0 {
		t.Fatalf("remaining after the window = %v, want 0", last)
	}
}

func TestSecretReusedAcrossRetries(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{now: time.Unix(1_800_000_000, 0)}
	ctrl := &stubController{available: true, minAge: time.Minute, maxAge: 24 * time.Hour}
	flow := newTestFlow(t, ctrl, &stubReceipts{}, &memoryStore{}, clk)

	if err := flow.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	clk.Advance(2 * time.Minute)

	ctrl.registerErr = errors.New("user rejected the request")
	if err := flow.Register(ctx); err == nil {
		t.Fatal("expected register failure")
	}
	if flow.Step() != StepError {
		t.Fatalf("step = %s, want error", flow.Step())
	}

	// Retry with a fresh commitment still live goes straight back to waiting.
	ctrl.registerErr = nil
	if err := flow.Retry(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if flow.Step() != StepWaiting {
		t.Fatalf("step after retry = %s, want waiting", flow.Step())
	}
	if err := flow.Register(ctx); err != nil {
		t.Fatalf("register after retry: %v", err)
	}
	if len(ctrl.commits) != 1 {
		t.Fatalf("commit count = %d, retries must not burn a second commit", len(ctrl.commits))
	}
	if ctrl.registers[0].Secret == ([32]byte{}) {
		t.Fatal("reveal carried an empty secret")
	}
}

func TestExpiredCommitmentDiscarded(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{now: time.Unix(1_800_000_000, 0)}
	ctrl := &stubController{available: true, minAge: time.Minute, maxAge: time.Hour}
	store := &memoryStore{}
	flow := newTestFlow(t, ctrl, &stubReceipts{}, store, clk)

	if err := flow.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	clk.Advance(2 * time.Hour)

	if err := flow.Register(ctx); !errors.Is(err, ErrCommitmentExpired) {
		t.Fatalf("stale reveal = %v, want ErrCommitmentExpired", err)
	}
	if flow.Step() != StepReview {
		t.Fatalf("step = %s, want review after expiry", flow.Step())
	}
	if pending, _ := store.PendingCommitment(ctx, "vault"); pending != nil {
		t.Fatal("stale commitment must be deleted from the store")
	}
}

func TestResumeFromStore(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{now: time.Unix(1_800_000_000, 0)}
	ctrl := &stubController{available: true, minAge: time.Minute, maxAge: 24 * time.Hour}
	store := &memoryStore{}

	first := newTestFlow(t, ctrl, &stubReceipts{}, store, clk)
	if err := first.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// A new process picks up the published commitment and skips the commit.
	second := newTestFlow(t, ctrl, &stubReceipts{}, store, clk)
	resumed, err := second.Resume(ctx)
	if err != nil || !resumed {
		t.Fatalf("resume = %v err=%v", resumed, err)
	}
	if second.Step() != StepWaiting {
		t.Fatalf("resumed step = %s, want waiting", second.Step())
	}
	clk.Advance(90 * time.Second)
	if err := second.Register(ctx); err != nil {
		t.Fatalf("register after resume: %v", err)
	}
	if len(ctrl.commits) != 1 {
		t.Fatalf("commit count = %d, resume must reuse the published commitment", len(ctrl.commits))
	}
}

func TestRegisterWithoutCommitment(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_800_000_000, 0)}
	flow := newTestFlow(t, &stubController{available: true}, &stubReceipts{}, nil, clk)
	if err := flow.Register(context.Background()); !errors.Is(err, ErrNotCommitted) {
		t.Fatalf("out-of-sequence reveal = %v, want ErrNotCommitted", err)
	}
}

func TestNotReadyBeforeCommitment(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_800_000_000, 0)}
	// A zero minimum age must not make an uncommitted flow look revealable.
	flow := newTestFlow(t, &stubController{available: true, minAge: 0}, &stubReceipts{}, nil, clk)
	if flow.Ready() {
		t.Fatal("flow without a commitment reports ready")
	}
}

func TestCommitRefusedWhenTaken(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{now: time.Unix(1_800_000_000, 0)}
	ctrl := &stubController{available: false}
	flow := newTestFlow(t, ctrl, &stubReceipts{}, nil, clk)

	if got, err := flow.CheckAvailability(ctx); err != nil || got != AvailabilityTaken {
		t.Fatalf("availability = %v err=%v", got, err)
	}
	if err := flow.Commit(ctx); !errors.Is(err, ErrNameTaken) {
		t.Fatalf("commit on taken name = %v, want ErrNameTaken", err)
	}
}

func TestRevertedRevealGenericMessage(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{now: time.Unix(1_800_000_000, 0)}
	ctrl := &stubController{available: true, minAge: time.Minute, maxAge: 24 * time.Hour}
	receipts := &stubReceipts{}
	flow := newTestFlow(t, ctrl, receipts, nil, clk)

	if err := flow.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	clk.Advance(2 * time.Minute)
	receipts.err = chain.ErrTxReverted
	if err := flow.Register(ctx); !errors.Is(err, chain.ErrTxReverted) {
		t.Fatalf("reveal err = %v, want ErrTxReverted", err)
	}
	if flow.Err() != "transaction failed" {
		t.Fatalf("stored message %q, want the generic one", flow.Err())
	}
}
