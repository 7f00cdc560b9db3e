package registrar

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

type stubReader struct {
	results map[string][]interface{}
	calls   []string
}

func (s *stubReader) ReadContract(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	s.calls = append(s.calls, method)
	return s.results[method], nil
}

type stubSender struct {
	address common.Address
	methods []string
	values  []*big.Int
	next    common.Hash
}

func (s *stubSender) Address() common.Address { return s.address }

func (s *stubSender) WriteContract(ctx context.Context, to common.Address, contractABI abi.ABI, method string, value *big.Int, gasLimit uint64, args ...interface{}) (common.Hash, error) {
	s.methods = append(s.methods, method)
	s.values = append(s.values, value)
	return s.next, nil
}

func TestMakeCommitmentDeterministic(t *testing.T) {
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	params := RegistrationParams{
		Label:    "vault",
		Owner:    common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
		Duration: 365 * 24 * time.Hour,
		Secret:   secret,
	}
	first, err := MakeCommitment(params)
	if err != nil {
		t.Fatalf("make commitment: %v", err)
	}
	second, err := MakeCommitment(params)
	if err != nil {
		t.Fatalf("make commitment: %v", err)
	}
	if first != second {
		t.Fatal("commitment hash must be deterministic for identical inputs")
	}

	params.Duration += time.Second
	changed, err := MakeCommitment(params)
	if err != nil {
		t.Fatalf("make commitment: %v", err)
	}
	if changed == first {
		t.Fatal("changing the duration must change the commitment")
	}
}

func TestMakeCommitmentRequiresLabel(t *testing.T) {
	if _, err := MakeCommitment(RegistrationParams{}); err != ErrLabelRequired {
		t.Fatalf("want ErrLabelRequired, got %v", err)
	}
}

func TestGenerateSecretUnique(t *testing.T) {
	a, err := GenerateSecret()
	if err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	b, err := GenerateSecret()
	if err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	if a == b {
		t.Fatal("secrets should not repeat")
	}
}

func TestRentPriceSumsBaseAndPremium(t *testing.T) {
	reader := &stubReader{results: map[string][]interface{}{
		"rentPrice": {big.NewInt(1000), big.NewInt(250)},
	}}
	r := New(reader, nil, common.Address{}, common.Address{}, nil)
	total, err := r.RentPrice(context.Background(), "vault", 365*24*time.Hour)
	if err != nil {
		t.Fatalf("rent price: %v", err)
	}
	if total.Cmp(big.NewInt(1250)) != 0 {
		t.Fatalf("total = %s, want 1250", total)
	}
}

func TestGetCommitmentAges(t *testing.T) {
	reader := &stubReader{results: map[string][]interface{}{
		"minCommitmentAge": {big.NewInt(60)},
		"maxCommitmentAge": {big.NewInt(86400)},
	}}
	r := New(reader, nil, common.Address{}, common.Address{}, nil)
	ages, err := r.GetCommitmentAges(context.Background())
	if err != nil {
		t.Fatalf("commitment ages: %v", err)
	}
	if ages.Min != time.Minute || ages.Max != 24*time.Hour {
		t.Fatalf("ages = %v/%v", ages.Min, ages.Max)
	}
}

func TestSubmitRegisterPaysValue(t *testing.T) {
	sender := &stubSender{next: common.HexToHash("0xabc")}
	r := New(nil, sender, common.Address{}, common.HexToAddress("0x231b0Ee14048e9dCcD1d247744d114a4EB5E8E63"), nil)
	value := big.NewInt(123456)
	hash, err := r.SubmitRegister(context.Background(), RegistrationParams{
		Label:    "vault",
		Owner:    common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
		Duration: 365 * 24 * time.Hour,
	}, value)
	if err != nil {
		t.Fatalf("submit register: %v", err)
	}
	if hash != sender.next {
		t.Fatal("returned hash mismatch")
	}
	if len(sender.methods) != 1 || sender.methods[0] != "register" {
		t.Fatalf("methods = %v", sender.methods)
	}
	if sender.values[0].Cmp(value) != 0 {
		t.Fatal("register value not forwarded")
	}
}

func TestPricingTiers(t *testing.T) {
	schedule := DefaultSchedule()
	cases := []struct {
		label string
		years float64
		want  float64
	}{
		{"abc", 1, 640},
		{"abcd", 1, 160},
		{"abcde", 1, 5},
		{"longername", 1, 5},
		{"abc", 2, 1280},
		{"abcde", 3, 15},
	}
	for _, tc := range cases {
		if got := schedule.PriceUSD(tc.label, tc.years); got != tc.want {
			t.Fatalf("PriceUSD(%q, %v) = %v, want %v", tc.label, tc.years, got, tc.want)
		}
	}
}

func TestLoadSchedule(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	body := "tiers:\n  - length: 3\n    usd_per_year: 640\n  - length: 4\n    usd_per_year: 160\n  - length: 5\n    usd_per_year: 5\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write schedule: %v", err)
	}
	schedule, err := LoadSchedule(path)
	if err != nil {
		t.Fatalf("load schedule: %v", err)
	}
	if got := schedule.PriceUSD("abc", 1); got != 640 {
		t.Fatalf("loaded schedule price = %v", got)
	}

	dup := "tiers:\n  - length: 3\n    usd_per_year: 640\n  - length: 3\n    usd_per_year: 100\n"
	if err := os.WriteFile(path, []byte(dup), 0o600); err != nil {
		t.Fatalf("write schedule: %v", err)
	}
	if _, err := LoadSchedule(path); err == nil {
		t.Fatal("expected duplicate tier error")
	}
}
