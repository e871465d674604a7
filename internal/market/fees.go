package market

// MaxFeeBps is the fee ceiling: 10000 basis points = 100%.
const MaxFeeBps = 10000

// SplitFee divides a rental price between the marketplace treasury and the
// seller. fee is floor(price * feeBps / 10000); payout is the remainder, so
// fee + payout == price for every valid input. The quotient/remainder form
// keeps the intermediate product from overflowing uint64 at large prices.
func SplitFee(price uint64, feeBps uint16) (fee, payout uint64) {
	q := price / MaxFeeBps
	r := price % MaxFeeBps
	fee = q*uint64(feeBps) + r*uint64(feeBps)/MaxFeeBps
	return fee, price - fee
}
