package wallet

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// SignTypedData produces an EIP-712 signature over the supplied typed data.
// The recovery byte is normalised to the 27/28 convention contracts expect.
func (w *Wallet) SignTypedData(data apitypes.TypedData) ([]byte, error) {
	if w == nil || w.key == nil {
		return nil, ErrNoKey
	}
	digest, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	signature, err := crypto.Sign(digest, w.key)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}
	if signature[64] < 27 {
		signature[64] += 27
	}
	return signature, nil
}
