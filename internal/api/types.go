package api

import (
	"sort"

	"github.com/opentender/livebid/internal/money"
)

// AuthorizationRequest carries the URL credentials plus the stable client
// identifier to the authorization endpoint.
type AuthorizationRequest struct {
	BidderID string `json:"bidder_id"`
	Hash     string `json:"hash"`
	ClientID string `json:"client_id"`
}

// AuthorizationResponse is the grant for an authenticated bidder.
// Coefficient keeps the server's wire spelling and arrives as a fraction
// string for meat auctions. Amount is the previously-placed bid, if any.
type AuthorizationResponse struct {
	Amount      *money.Rational `json:"amount,omitempty"`
	Coefficient *money.Rational `json:"coeficient,omitempty"`
	ReturnURL   string          `json:"return_url,omitempty"`
}

// BidRequest posts one amount.
type BidRequest struct {
	Amount money.Rational `json:"amount"`
}

// BidResponse echoes the accepted amount, or the cancellation sentinel.
type BidResponse struct {
	Amount money.Rational `json:"amount"`
}

// BidErrorResponse is the 400 body: per-field validation messages.
type BidErrorResponse struct {
	Errors map[string][]string `json:"errors"`
}

// Flatten returns every message in stable field order.
func (r *BidErrorResponse) Flatten() []string {
	fields := make([]string, 0, len(r.Errors))
	for f := range r.Errors {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	var out []string
	for _, f := range fields {
		out = append(out, r.Errors[f]...)
	}
	if len(out) == 0 {
		out = []string{"bid rejected"}
	}
	return out
}
