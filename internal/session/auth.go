package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/opentender/livebid/internal/alert"
	"github.com/opentender/livebid/internal/api"
)

const (
	// authRetryDelay spaces out authorization attempts when the server is
	// unreachable. Unbounded: without an answer the session cannot decide
	// between bidder and observer.
	authRetryDelay = time.Second
	// observerNoticeDelay lets the initial render settle before the
	// observer notice appears.
	observerNoticeDelay = 500 * time.Millisecond
)

// Mode is the resolved participation mode.
type Mode int

const (
	ModeObserver Mode = iota
	ModeBidder
)

// AuthAPI is the authorization call of the auction server.
type AuthAPI interface {
	CheckAuthorization(ctx context.Context, auctionID string, req api.AuthorizationRequest) (*api.AuthorizationResponse, error)
}

// Authorizer resolves startup credentials into a participation mode. A
// definite rejection demotes the session to observer; an indeterminate
// failure is retried until the server answers.
type Authorizer struct {
	log       zerolog.Logger
	clock     clockwork.Clock
	alerts    *alert.Sink
	client    AuthAPI
	auctionID string
	identity  *Identity

	noticeOnce sync.Once
}

// NewAuthorizer wires an authorizer for one auction.
func NewAuthorizer(log zerolog.Logger, clk clockwork.Clock, alerts *alert.Sink, client AuthAPI, auctionID string, identity *Identity) *Authorizer {
	return &Authorizer{
		log:       log.With().Str("component", "auth").Logger(),
		clock:     clk,
		alerts:    alerts,
		client:    client,
		auctionID: auctionID,
		identity:  identity,
	}
}

// Run resolves the session mode. Returns the grant for bidders, nil for
// observers. Blocks until the server gives a definite answer or the
// context ends.
func (a *Authorizer) Run(ctx context.Context) (Mode, *api.AuthorizationResponse, error) {
	bidderID, hash := a.identity.Credentials()
	if bidderID == "" || hash == "" {
		a.log.Info().Msg("no credentials, session is an observer")
		return ModeObserver, nil, nil
	}

	req := api.AuthorizationRequest{
		BidderID: bidderID,
		Hash:     hash,
		ClientID: a.identity.BrowserClientID(),
	}
	for {
		grant, err := a.client.CheckAuthorization(ctx, a.auctionID, req)
		switch {
		case err == nil:
			a.identity.ApplyGrant(bidderID, grant.Coefficient, grant.ReturnURL)
			a.log.Info().Str("bidder_id", bidderID).Msg("authorized as bidder")
			return ModeBidder, grant, nil

		case errors.Is(err, api.ErrUnauthorized):
			a.log.Warn().Str("bidder_id", bidderID).Msg("authorization rejected, demoting to observer")
			a.demote()
			return ModeObserver, nil, nil

		case ctx.Err() != nil:
			return ModeObserver, nil, ctx.Err()

		default:
			a.log.Error().Err(err).Msg("authorization attempt failed, retrying")
			select {
			case <-a.clock.After(authRetryDelay):
			case <-ctx.Done():
				return ModeObserver, nil, ctx.Err()
			}
		}
	}
}

// Recheck re-validates the bidder's rights before their own turn. A
// definite rejection demotes the session; an indeterminate failure
// changes nothing, the bid attempt itself will surface it.
func (a *Authorizer) Recheck(ctx context.Context) {
	bidderID, hash := a.identity.Credentials()
	if bidderID == "" || hash == "" {
		return
	}
	req := api.AuthorizationRequest{
		BidderID: bidderID,
		Hash:     hash,
		ClientID: a.identity.BrowserClientID(),
	}
	_, err := a.client.CheckAuthorization(ctx, a.auctionID, req)
	if errors.Is(err, api.ErrUnauthorized) {
		a.log.Warn().Str("bidder_id", bidderID).Msg("rights recheck rejected, demoting to observer")
		a.demote()
	}
}

// demote clears the credentials and schedules the one-time observer
// notice slightly after the page settles.
func (a *Authorizer) demote() {
	a.identity.SetCredentials("", "")
	a.noticeOnce.Do(func() {
		t := a.clock.NewTimer(observerNoticeDelay)
		go func() {
			<-t.Chan()
			a.alerts.Push(alert.SeverityInfo, "You are an observer and cannot bid.", alert.Persistent)
		}()
	})
}
