package session

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"namemarket/market/order"
	"namemarket/market/purchase"
	"namemarket/market/renew"
	"namemarket/registrar"
)

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

type stubExtender struct{}

func (s *stubExtender) RenewAll(ctx context.Context, labels []string, duration time.Duration, value *big.Int) (common.Hash, error) {
	return common.HexToHash("0x01"), nil
}

type stubReceipts struct{ release chan struct{} }

func (s *stubReceipts) WaitForReceipt(ctx context.Context, hash common.Hash, confirmations uint64) (*gethtypes.Receipt, error) {
	if s.release != nil {
		<-s.release
	}
	return &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, TxHash: hash}, nil
}

type stubFeed struct{}

func (s *stubFeed) NativeForUSD(ctx context.Context, usd float64) (*big.Int, error) {
	return big.NewInt(1), nil
}

func testFlow(t *testing.T, receipts renew.Receipts) *renew.Flow {
	t.Helper()
	f, err := renew.New(renew.Config{
		Owner:    common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Domains:  []renew.Domain{{Label: "vault", Expiry: time.Now().Add(24 * time.Hour)}},
		Duration: 365 * 24 * time.Hour,
		Schedule: registrar.DefaultSchedule(),
		Extender: &stubExtender{},
		Receipts: receipts,
		Feed:     &stubFeed{},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new renew flow: %v", err)
	}
	return f
}

type noopChain struct{}

func (noopChain) Simulate(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return nil, nil
}

func (noopChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 21_000, nil
}

func (noopChain) GasPrice(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (noopChain) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (noopChain) TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (noopChain) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (noopChain) WaitForReceipt(ctx context.Context, txHash common.Hash, confirmations uint64) (*gethtypes.Receipt, error) {
	return &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, TxHash: txHash}, nil
}

type noopSender struct{}

func (noopSender) Address() common.Address { return common.HexToAddress("0x02") }

func (noopSender) WriteContract(ctx context.Context, to common.Address, contractABI abi.ABI, method string, value *big.Int, gasLimit uint64, args ...interface{}) (common.Hash, error) {
	return common.HexToHash("0x03"), nil
}

func testPurchaseFlow(t *testing.T) *purchase.Flow {
	t.Helper()
	f, err := purchase.New(purchase.Config{
		Listing: order.Listing{
			ID:    "listing-1",
			Name:  "vault",
			Price: big.NewInt(1),
		},
		Exchange: order.ExchangeAddress,
		Chain:    noopChain{},
		Sender:   noopSender{},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new purchase flow: %v", err)
	}
	return f
}

func testManager(clk *fakeClock, ttl time.Duration) *Manager {
	return NewManager(Config{
		TTL:    ttl,
		Clock:  clk.Now,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestGetRefreshesIdleTimer(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)}
	m := testManager(clk, 10*time.Minute)
	s := m.NewRenew(testFlow(t, &stubReceipts{}))

	clk.Advance(9 * time.Minute)
	if _, err := m.Get(s.ID); err != nil {
		t.Fatalf("get: %v", err)
	}
	clk.Advance(9 * time.Minute)
	if removed := m.Sweep(); removed != 0 {
		t.Fatalf("swept %d sessions, want 0", removed)
	}
	clk.Advance(2 * time.Minute)
	if removed := m.Sweep(); removed != 1 {
		t.Fatalf("swept %d sessions, want 1", removed)
	}
	if _, err := m.Get(s.ID); err != ErrNotFound {
		t.Fatalf("get after sweep: %v, want ErrNotFound", err)
	}
}

func TestNewPurchaseCarriesRef(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_800_000_000, 0)}
	m := testManager(clk, time.Minute)

	sess := m.NewPurchase(testPurchaseFlow(t), "listing-ref")
	if sess.Ref != "listing-ref" {
		t.Fatalf("ref = %q, want listing-ref", sess.Ref)
	}

	// The manager's copy carries the ref too; no window exists where a
	// concurrent lookup could observe the session without it.
	got, err := m.Get(sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Ref != "listing-ref" {
		t.Fatalf("stored ref = %q, want listing-ref", got.Ref)
	}
}

func TestReleaseUnknownSession(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	m := testManager(clk, time.Minute)
	if err := m.Release("nope"); err != ErrNotFound {
		t.Fatalf("release: %v, want ErrNotFound", err)
	}
}

func TestReleaseRefusedWhileInFlight(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	m := testManager(clk, time.Minute)
	release := make(chan struct{})
	flow := testFlow(t, &stubReceipts{release: release})
	s := m.NewRenew(flow)

	done := make(chan error, 1)
	go func() {
		done <- flow.Renew(context.Background())
	}()

	deadline := time.After(2 * time.Second)
	for flow.State() != renew.StateLoading {
		select {
		case <-deadline:
			t.Fatal("flow never entered loading state")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if err := m.Release(s.ID); err != ErrInFlight {
		t.Fatalf("release while loading: %v, want ErrInFlight", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("renew: %v", err)
	}
	if err := m.Release(s.ID); err != nil {
		t.Fatalf("release after confirmation: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("len = %d, want 0", m.Len())
	}
}

func TestSweepSkipsInFlightSessions(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	m := testManager(clk, time.Minute)
	release := make(chan struct{})
	flow := testFlow(t, &stubReceipts{release: release})
	s := m.NewRenew(flow)

	done := make(chan error, 1)
	go func() {
		done <- flow.Renew(context.Background())
	}()
	deadline := time.After(2 * time.Second)
	for flow.State() != renew.StateLoading {
		select {
		case <-deadline:
			t.Fatal("flow never entered loading state")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	clk.Advance(time.Hour)
	if removed := m.Sweep(); removed != 0 {
		t.Fatalf("swept %d sessions, want 0 while in flight", removed)
	}
	if _, err := m.Get(s.ID); err != nil {
		t.Fatalf("get: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("renew: %v", err)
	}
	clk.Advance(time.Hour)
	if removed := m.Sweep(); removed != 1 {
		t.Fatalf("swept %d sessions, want 1", removed)
	}
}
