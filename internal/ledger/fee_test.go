package ledger

import (
	"math/big"
	"testing"
)

func TestFeePolicy_GasLimit(t *testing.T) {
	p := DefaultFeePolicy()
	cases := []struct {
		items int
		want  uint64
	}{
		{0, 250_000},
		{1, 150_000},
		{10, 600_000},
		{100, 5_100_000},
	}
	for _, tc := range cases {
		if got := p.GasLimit(tc.items); got != tc.want {
			t.Errorf("GasLimit(%d) = %d, want %d", tc.items, got, tc.want)
		}
	}
}

func TestFeePolicy_GasPriceBumpsPerAttempt(t *testing.T) {
	p := DefaultFeePolicy()
	suggested := big.NewInt(1000)

	want := []int64{1000, 1200, 1440, 1728}
	for i, w := range want {
		if got := p.GasPrice(suggested, i+1); got.Int64() != w {
			t.Errorf("attempt %d: got %s, want %d", i+1, got, w)
		}
	}
	if suggested.Int64() != 1000 {
		t.Error("GasPrice must not mutate the suggestion")
	}
}

func TestFeePolicy_GasPriceCapped(t *testing.T) {
	p := DefaultFeePolicy()
	p.MaxGasPrice = big.NewInt(1300)
	if got := p.GasPrice(big.NewInt(1000), 3); got.Int64() != 1300 {
		t.Errorf("got %s, want cap 1300", got)
	}
}

func TestFeePolicy_GasPriceTinySuggestionStillIncreases(t *testing.T) {
	p := DefaultFeePolicy()
	if got := p.GasPrice(big.NewInt(1), 2); got.Int64() != 2 {
		t.Errorf("got %s, want 2", got)
	}
}
