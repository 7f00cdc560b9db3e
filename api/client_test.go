package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var testOwner = common.HexToAddress("0x15d34AAf54267DB7D7c367839AAf71A00a2C6A65")

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := New(Config{BaseURL: server.URL, APIKey: "secret"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNameDetails(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/names/vault" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("authorization = %q", got)
		}
		json.NewEncoder(w).Encode(NameDetail{Name: "vault", Owner: testOwner.Hex(), Available: false})
	}))

	detail, err := client.NameDetails(context.Background(), "vault")
	if err != nil {
		t.Fatalf("name details: %v", err)
	}
	if detail.Name != "vault" || detail.Available {
		t.Fatalf("unexpected detail %+v", detail)
	}

	has, err := client.HasName(context.Background(), testOwner, "vault")
	if err != nil || !has {
		t.Fatalf("has name = %v err=%v", has, err)
	}
	other := common.HexToAddress("0x90F79bf6EB2c4f870365E785982E1f101E93b906")
	has, err = client.HasName(context.Background(), other, "vault")
	if err != nil || has {
		t.Fatalf("wrong owner has=%v err=%v", has, err)
	}
}

func TestNameDetailsErrorStatus(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	if _, err := client.NameDetails(context.Background(), "vault"); err == nil {
		t.Fatal("expected error on non-2xx status")
	}
}

func TestInvalidate(t *testing.T) {
	var got invalidateRequest
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/cache/invalidate" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))

	if err := client.InvalidateName(context.Background(), "vault"); err != nil {
		t.Fatalf("invalidate name: %v", err)
	}
	if got.Scope != "name" || got.Key != "vault" {
		t.Fatalf("request = %+v", got)
	}
	if err := client.InvalidatePortfolio(context.Background(), testOwner); err != nil {
		t.Fatalf("invalidate portfolio: %v", err)
	}
	if got.Scope != "portfolio" || got.Key != testOwner.Hex() {
		t.Fatalf("request = %+v", got)
	}
}

func TestNativeForUSD(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/prices/convert" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("usd"); got != "645" {
			t.Errorf("usd = %q", got)
		}
		json.NewEncoder(w).Encode(conversionResponse{Wei: "645000000000000000"})
	}))

	wei, err := client.NativeForUSD(context.Background(), 645)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if wei.String() != "645000000000000000" {
		t.Fatalf("wei = %s", wei)
	}
	if _, err := client.NativeForUSD(context.Background(), -1); err == nil {
		t.Fatal("negative usd must be rejected")
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("empty base url must be rejected")
	}
}
