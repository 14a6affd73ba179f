package bidding

import "github.com/opentender/livebid/internal/money"

// Meat auctions expose two linked inputs: the comparable bid value and
// the full contract price, related through the bidder's coefficient.
// Either side can be edited; the other is derived, truncated at cents.

// FullPriceForBid derives the full price from a bid value: bid divided
// by the coefficient. Returns false when the coefficient is missing or
// zero.
func FullPriceForBid(bid money.Rational, coefficient *money.Rational) (money.Rational, bool) {
	if coefficient == nil || coefficient.Sign() == 0 {
		return money.Rational{}, false
	}
	return money.FloorCents(bid.Div(*coefficient)), true
}

// BidForFullPrice derives the bid value from a full price: price times
// the coefficient.
func BidForFullPrice(price money.Rational, coefficient *money.Rational) (money.Rational, bool) {
	if coefficient == nil || coefficient.Sign() == 0 {
		return money.Rational{}, false
	}
	return money.FloorCents(price.Mul(*coefficient)), true
}
