package purchase

import "math/big"

// HasSufficientNative reports whether a native-currency balance covers the
// listing price plus the projected transaction fee.
func HasSufficientNative(balance, price *big.Int, gasEstimate uint64, gasPrice *big.Int) bool {
	if balance == nil || price == nil || gasPrice == nil {
		return false
	}
	fee := new(big.Int).Mul(new(big.Int).SetUint64(gasEstimate), gasPrice)
	required := new(big.Int).Add(price, fee)
	return balance.Cmp(required) >= 0
}

// HasSufficientToken reports whether an ERC-20 balance covers the listing
// price. Gas is paid separately in the native currency regardless of the
// listing currency, so it is deliberately excluded here.
func HasSufficientToken(tokenBalance, price *big.Int) bool {
	if tokenBalance == nil || price == nil {
		return false
	}
	return tokenBalance.Cmp(price) >= 0
}
