package order

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const sampleSeller = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"

func samplePayload(t *testing.T, paymentType uint8, paymentToken string) json.RawMessage {
	t.Helper()
	payload := map[string]interface{}{
		"parameters": map[string]interface{}{
			"offerer": sampleSeller,
			"zone":    "0x0000000000000000000000000000000000000000",
			"offer": []map[string]interface{}{
				{
					"itemType":             2,
					"token":                "0x57f1887a8BF19b14fC0dF6Fd9B2acc9Af147eA85",
					"identifierOrCriteria": "42",
					"startAmount":          "1",
					"endAmount":            "1",
				},
			},
			"consideration": []map[string]interface{}{
				{
					"itemType":             paymentType,
					"token":                paymentToken,
					"identifierOrCriteria": "0",
					"startAmount":          "1400000000000000000",
					"endAmount":            "1400000000000000000",
					"recipient":            sampleSeller,
				},
				{
					"itemType":             paymentType,
					"token":                paymentToken,
					"identifierOrCriteria": "0",
					"startAmount":          "100000000000000000",
					"endAmount":            "100000000000000000",
					"recipient":            "0x90F79bf6EB2c4f870365E785982E1f101E93b906",
				},
			},
			"orderType":  0,
			"startTime":  "1700000000",
			"endTime":    "9999999999",
			"zoneHash":   "0x0000000000000000000000000000000000000000000000000000000000000000",
			"salt":       "0x1234",
			"conduitKey": OpenMarketConduitKey.Hex(),
			"totalOriginalConsiderationItems": 2,
		},
		"signature": "0xdeadbeef",
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func sampleListing(t *testing.T, native bool) Listing {
	t.Helper()
	paymentType := uint8(ItemNative)
	token := "0x0000000000000000000000000000000000000000"
	if !native {
		paymentType = uint8(ItemERC20)
		token = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	}
	return Listing{
		ID:           "listing-1",
		Name:         "vault",
		Price:        mustBig(t, "1500000000000000000"),
		Seller:       common.HexToAddress(sampleSeller),
		OrderPayload: samplePayload(t, paymentType, token),
	}
}

func mustBig(t *testing.T, raw string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		t.Fatalf("bad big int literal %q", raw)
	}
	return v
}

func TestParseStoredOrder(t *testing.T) {
	parsed, err := ParseStoredOrder(sampleListing(t, true))
	if err != nil {
		t.Fatalf("parse stored order: %v", err)
	}
	if parsed.Parameters.Offerer != common.HexToAddress(sampleSeller) {
		t.Fatalf("offerer = %s", parsed.Parameters.Offerer.Hex())
	}
	if len(parsed.Parameters.Offer) != 1 || len(parsed.Parameters.Consideration) != 2 {
		t.Fatalf("unexpected item counts: %d offer, %d consideration",
			len(parsed.Parameters.Offer), len(parsed.Parameters.Consideration))
	}
	if got := parsed.Parameters.Offer[0].IdentifierOrCriteria; got.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("token id = %s, want 42", got)
	}
	if len(parsed.Signature) == 0 {
		t.Fatal("signature not decoded")
	}
}

func TestParseStoredOrderRejectsMalformed(t *testing.T) {
	if _, err := ParseStoredOrder(Listing{}); err != ErrEmptyPayload {
		t.Fatalf("want ErrEmptyPayload, got %v", err)
	}
	if _, err := ParseStoredOrder(Listing{OrderPayload: []byte("{not json")}); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
	if _, err := ParseStoredOrder(Listing{OrderPayload: []byte(`{"parameters":{"salt":"zzz"}}`)}); err == nil {
		t.Fatal("expected error for malformed quantity")
	}
}

func TestValidate(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	parsed, err := ParseStoredOrder(sampleListing(t, true))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if result := Validate(parsed, now); !result.Valid {
		t.Fatalf("expected valid order, got errors %v", result.Errors)
	}

	unsigned := *parsed
	unsigned.Signature = nil
	if result := Validate(&unsigned, now); result.Valid {
		t.Fatal("unsigned order should not validate")
	}

	expired := *parsed
	expired.Parameters.EndTime = big.NewInt(now.Unix() - 1)
	result := Validate(&expired, now)
	if result.Valid {
		t.Fatal("expired order should not validate")
	}
	if len(result.Errors) == 0 {
		t.Fatal("expected error list for expired order")
	}
}

func TestUsesNativeTokenAndPaymentToken(t *testing.T) {
	native, err := ParseStoredOrder(sampleListing(t, true))
	if err != nil {
		t.Fatalf("parse native: %v", err)
	}
	if !UsesNativeToken(native) {
		t.Fatal("native-currency order misclassified")
	}
	if PaymentToken(native) != (common.Address{}) {
		t.Fatal("native order should have zero payment token")
	}

	erc20, err := ParseStoredOrder(sampleListing(t, false))
	if err != nil {
		t.Fatalf("parse erc20: %v", err)
	}
	if UsesNativeToken(erc20) {
		t.Fatal("erc20 order misclassified as native")
	}
	want := common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	if PaymentToken(erc20) != want {
		t.Fatalf("payment token = %s", PaymentToken(erc20).Hex())
	}
}

func TestTotalPayment(t *testing.T) {
	parsed, err := ParseStoredOrder(sampleListing(t, true))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	total, err := TotalPayment(parsed)
	if err != nil {
		t.Fatalf("total payment: %v", err)
	}
	if total.Cmp(mustBig(t, "1500000000000000000")) != 0 {
		t.Fatalf("total = %s, want 1.5e18", total)
	}
}

func TestTotalPaymentOverflow(t *testing.T) {
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	o := &Order{Parameters: Parameters{
		Consideration: []ConsiderationItem{
			{ItemType: uint8(ItemNative), StartAmount: max, EndAmount: max},
			{ItemType: uint8(ItemNative), StartAmount: big.NewInt(1), EndAmount: big.NewInt(1)},
		},
	}}
	if _, err := TotalPayment(o); err != ErrPaymentOverflow {
		t.Fatalf("want ErrPaymentOverflow, got %v", err)
	}
}

func TestApprovalTarget(t *testing.T) {
	if got := ApprovalTarget([32]byte{}); got != ExchangeAddress {
		t.Fatalf("zero key → %s, want exchange", got.Hex())
	}
	if got := ApprovalTarget(OpenMarketConduitKey); got != openMarketConduit {
		t.Fatalf("open market key → %s", got.Hex())
	}
	if got := ApprovalTarget(VaultConduitKey); got != vaultConduit {
		t.Fatalf("vault key → %s", got.Hex())
	}
	var unknown [32]byte
	unknown[0] = 0xff
	if got := ApprovalTarget(unknown); got != ExchangeAddress {
		t.Fatalf("unknown key → %s, want exchange fallback", got.Hex())
	}
}

func TestRegisterConduit(t *testing.T) {
	key := common.HexToHash("0xaaaa00000000000000000000000000000000000000000000000000000000aaaa")
	target := common.HexToAddress("0x00000000000000000000000000000000deadbeef")
	RegisterConduit(key, target)
	if got := ApprovalTarget(key); got != target {
		t.Fatalf("registered key → %s, want %s", got.Hex(), target.Hex())
	}
}

func TestBuildBasicOrderParameters(t *testing.T) {
	parsed, err := ParseStoredOrder(sampleListing(t, true))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	basic, err := BuildBasicOrderParameters(parsed)
	if err != nil {
		t.Fatalf("build basic: %v", err)
	}
	if basic.ConsiderationAmount.Cmp(mustBig(t, "1400000000000000000")) != 0 {
		t.Fatalf("primary amount = %s", basic.ConsiderationAmount)
	}
	if len(basic.AdditionalRecipients) != 1 {
		t.Fatalf("additional recipients = %d, want 1", len(basic.AdditionalRecipients))
	}
	if basic.TotalOriginalAdditionalRecipients.Cmp(big.NewInt(1)) != 0 {
		t.Fatal("total additional recipients mismatch")
	}
}

func TestBuildAdvancedOrderWholeFraction(t *testing.T) {
	parsed, err := ParseStoredOrder(sampleListing(t, false))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	advanced, err := BuildAdvancedOrder(parsed)
	if err != nil {
		t.Fatalf("build advanced: %v", err)
	}
	if advanced.Numerator.Cmp(big.NewInt(1)) != 0 || advanced.Denominator.Cmp(big.NewInt(1)) != 0 {
		t.Fatal("advanced order must be a whole-order fraction")
	}
}

func TestExchangeABIPacksFulfillmentCalls(t *testing.T) {
	parsed, err := ParseStoredOrder(sampleListing(t, true))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	basic, err := BuildBasicOrderParameters(parsed)
	if err != nil {
		t.Fatalf("build basic: %v", err)
	}
	if _, err := ExchangeABI.Pack("fulfillBasicOrder", basic); err != nil {
		t.Fatalf("pack fulfillBasicOrder: %v", err)
	}

	erc20, err := ParseStoredOrder(sampleListing(t, false))
	if err != nil {
		t.Fatalf("parse erc20: %v", err)
	}
	advanced, err := BuildAdvancedOrder(erc20)
	if err != nil {
		t.Fatalf("build advanced: %v", err)
	}
	var fulfillerKey [32]byte
	recipient := common.HexToAddress("0x15d34AAf54267DB7D7c367839AAf71A00a2C6A65")
	if _, err := ExchangeABI.Pack("fulfillAdvancedOrder", advanced, []CriteriaResolver{}, fulfillerKey, recipient); err != nil {
		t.Fatalf("pack fulfillAdvancedOrder: %v", err)
	}
}

func TestPayloadDigestStable(t *testing.T) {
	payload := samplePayload(t, uint8(ItemNative), "0x0000000000000000000000000000000000000000")
	first := PayloadDigest(payload)
	second := PayloadDigest(payload)
	if first != second {
		t.Fatal("digest is not deterministic")
	}
	if first == PayloadDigest([]byte("other")) {
		t.Fatal("distinct payloads should not collide")
	}
}
