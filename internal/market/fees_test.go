package market

import "testing"

func TestSplitFee(t *testing.T) {
	tests := []struct {
		name       string
		price      uint64
		feeBps     uint16
		wantFee    uint64
		wantPayout uint64
	}{
		{"one percent", 10_000_000, 100, 100_000, 9_900_000},
		{"zero fee", 10_000_000, 0, 0, 10_000_000},
		{"full fee", 10_000_000, 10000, 10_000_000, 0},
		{"zero price", 0, 250, 0, 0},
		{"rounds down", 99, 100, 0, 99},
		{"odd split", 10_001, 333, 333, 9_668},
		{"one unit", 1, 9999, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fee, payout := SplitFee(tt.price, tt.feeBps)
			if fee != tt.wantFee {
				t.Errorf("fee = %d, want %d", fee, tt.wantFee)
			}
			if payout != tt.wantPayout {
				t.Errorf("payout = %d, want %d", payout, tt.wantPayout)
			}
		})
	}
}

func TestSplitFeeConservation(t *testing.T) {
	prices := []uint64{0, 1, 7, 99, 10_000, 10_001, 10_000_000, 1 << 60}
	for _, price := range prices {
		for feeBps := 0; feeBps <= MaxFeeBps; feeBps += 37 {
			fee, payout := SplitFee(price, uint16(feeBps))
			if fee+payout != price {
				t.Fatalf("SplitFee(%d, %d): fee %d + payout %d != price", price, feeBps, fee, payout)
			}
			if price < 1<<32 {
				// Small enough that the naive product cannot overflow.
				if want := price * uint64(feeBps) / MaxFeeBps; fee != want {
					t.Fatalf("SplitFee(%d, %d): fee = %d, want %d", price, feeBps, fee, want)
				}
			}
		}
	}
}

func TestSplitFeeLargePriceNoOverflow(t *testing.T) {
	// A naive price*feeBps product overflows uint64 here.
	price := uint64(1) << 62
	fee, payout := SplitFee(price, 100)
	if fee+payout != price {
		t.Fatalf("fee %d + payout %d != price %d", fee, payout, price)
	}
	if fee != price/100 {
		t.Fatalf("fee = %d, want %d", fee, price/100)
	}
}
