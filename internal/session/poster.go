package session

import (
	"context"

	"github.com/opentender/livebid/internal/api"
	"github.com/opentender/livebid/internal/money"
)

// BidAPI is the bid submission call of the auction server.
type BidAPI interface {
	PostBid(ctx context.Context, auctionID, bidderID, hash string, amount money.Rational) (money.Rational, error)
}

// Poster binds bid submission to this session's auction and identity.
// Credentials are read at call time so a mid-session demotion takes
// effect immediately.
type Poster struct {
	client    BidAPI
	identity  *Identity
	auctionID string
}

// NewPoster returns a poster for one auction.
func NewPoster(client BidAPI, identity *Identity, auctionID string) *Poster {
	return &Poster{client: client, identity: identity, auctionID: auctionID}
}

// PostBid submits the amount as the session's bidder.
func (p *Poster) PostBid(ctx context.Context, amount money.Rational) (money.Rational, error) {
	bidderID, hash := p.identity.Credentials()
	if bidderID == "" || hash == "" {
		return money.Rational{}, api.ErrUnauthorized
	}
	return p.client.PostBid(ctx, p.auctionID, bidderID, hash, amount)
}
