package wallet

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"namemarket/chain"
	"namemarket/market/order"
)

type stubTxBackend struct {
	nonce    uint64
	gasPrice *big.Int
	sent     []*gethtypes.Transaction
}

func (s *stubTxBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return s.nonce, nil
}

func (s *stubTxBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return s.gasPrice, nil
}

func (s *stubTxBackend) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	s.sent = append(s.sent, tx)
	return nil
}

func newTestWallet(t *testing.T, backend TxBackend) *Wallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	w, err := NewFromKey(key, big.NewInt(1), backend)
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}
	return w
}

func TestNewFromKeyRequiresChainID(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if _, err := NewFromKey(key, nil, nil); err != ErrChainIDRequired {
		t.Fatalf("want ErrChainIDRequired, got %v", err)
	}
	if _, err := NewFromKey(nil, big.NewInt(1), nil); err != ErrNoKey {
		t.Fatalf("want ErrNoKey, got %v", err)
	}
}

func TestWriteContractSignsAndSubmits(t *testing.T) {
	backend := &stubTxBackend{nonce: 7, gasPrice: big.NewInt(2_000_000_000)}
	w := newTestWallet(t, backend)

	spender := common.HexToAddress("0x00000000000000adc04c56bf30ac9d3c0aaf14dc")
	token := common.HexToAddress("0xc18360217d8f7ab5e7c516566761ea12ce7f9d72")
	hash, err := w.WriteContract(context.Background(), token, chain.ERC20ABI, "approve", nil, 60_000, spender, big.NewInt(1000))
	if err != nil {
		t.Fatalf("write contract: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected 1 submitted tx, got %d", len(backend.sent))
	}
	tx := backend.sent[0]
	if tx.Nonce() != 7 {
		t.Fatalf("nonce = %d, want 7", tx.Nonce())
	}
	if tx.Gas() != 60_000 {
		t.Fatalf("gas = %d, want 60000", tx.Gas())
	}
	if tx.Hash() != hash {
		t.Fatal("returned hash does not match submitted transaction")
	}
	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(1)), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != w.Address() {
		t.Fatalf("sender = %s, want %s", sender.Hex(), w.Address().Hex())
	}
}

func TestSignTypedDataRecoversSigner(t *testing.T) {
	w := newTestWallet(t, nil)

	params := order.Parameters{
		Offerer: w.Address(),
		Offer: []order.OfferItem{{
			ItemType:             2,
			Token:                common.HexToAddress("0x57f1887a8bf19b14fc0df6fd9b2acc9af147ea85"),
			IdentifierOrCriteria: big.NewInt(42),
			StartAmount:          big.NewInt(1),
			EndAmount:            big.NewInt(1),
		}},
		Consideration: []order.ConsiderationItem{{
			StartAmount: big.NewInt(1_000_000_000),
			EndAmount:   big.NewInt(1_000_000_000),
			Recipient:   w.Address(),
		}},
		StartTime: big.NewInt(0),
		EndTime:   big.NewInt(9_999_999_999),
		Salt:      big.NewInt(12345),
	}
	data := order.TypedData(params, big.NewInt(1), big.NewInt(0))

	sig, err := w.SignTypedData(data)
	if err != nil {
		t.Fatalf("sign typed data: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature length = %d, want 65", len(sig))
	}
	if v := sig[64]; v != 27 && v != 28 {
		t.Fatalf("recovery byte = %d, want 27 or 28", v)
	}

	digest, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		t.Fatalf("hash typed data: %v", err)
	}
	recovery := make([]byte, 65)
	copy(recovery, sig)
	recovery[64] -= 27
	pub, err := crypto.SigToPub(digest, recovery)
	if err != nil {
		t.Fatalf("recover public key: %v", err)
	}
	if got := crypto.PubkeyToAddress(*pub); got != w.Address() {
		t.Fatalf("recovered signer = %s, want %s", got.Hex(), w.Address().Hex())
	}
}
