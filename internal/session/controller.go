package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/opentender/livebid/internal/alert"
	"github.com/opentender/livebid/internal/api"
	"github.com/opentender/livebid/internal/auction"
	"github.com/opentender/livebid/internal/bidding"
	"github.com/opentender/livebid/internal/clock"
	"github.com/opentender/livebid/internal/money"
	"github.com/opentender/livebid/internal/realtime"
)

const (
	// startRetryDelay seeds the doubling backoff of the initial document
	// fetch.
	startRetryDelay = 500 * time.Millisecond
	// startRetryCeiling caps that backoff.
	startRetryCeiling = time.Minute
	// resyncInterval re-anchors the server clock while following.
	resyncInterval = 5 * time.Minute
)

// ServerAPI is the server surface the controller drives directly.
type ServerAPI interface {
	GetAuction(ctx context.Context, auctionID string) (*auction.Document, error)
	KickClient(ctx context.Context, clientID string) error
}

// Controller drives one session end to end: initial load, authorization,
// the staggered subscribe, and every inbound document and event after
// that. It is the realtime sink and the state machine's listener.
type Controller struct {
	log       zerolog.Logger
	clock     clockwork.Clock
	alerts    *alert.Sink
	docs      ServerAPI
	auth      *Authorizer
	identity  *Identity
	state     *auction.StateMachine
	submitter *bidding.Submitter
	clocks    *clock.Sync
	manager   *realtime.Manager
	auctionID string

	mu      sync.Mutex
	runCtx  context.Context
	clients realtime.ClientsListPayload
}

// NewController wires the session parts together and registers itself as
// the state machine's listener.
func NewController(
	log zerolog.Logger,
	clk clockwork.Clock,
	alerts *alert.Sink,
	docs ServerAPI,
	auth *Authorizer,
	identity *Identity,
	state *auction.StateMachine,
	submitter *bidding.Submitter,
	clocks *clock.Sync,
	manager *realtime.Manager,
	auctionID string,
) *Controller {
	c := &Controller{
		log:       log.With().Str("component", "session").Str("auction_id", auctionID).Logger(),
		clock:     clk,
		alerts:    alerts,
		docs:      docs,
		auth:      auth,
		identity:  identity,
		state:     state,
		submitter: submitter,
		clocks:    clocks,
		manager:   manager,
		auctionID: auctionID,
	}
	state.SetListener(c)
	return c
}

// Run executes the session lifecycle and blocks until the auction ends,
// the channel gives up, or the context is canceled.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	doc, err := c.fetchInitialDocument(ctx)
	if err != nil {
		return err
	}
	if _, err := c.clocks.Resync(ctx); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	mode, grant, err := c.auth.Run(ctx)
	if err != nil {
		return err
	}
	if mode == ModeBidder {
		c.state.SetIdentity(c.identity.BidderID(), c.identity.Coefficient())
		if grant.Amount != nil && !grant.Amount.IsCancel() {
			c.submitter.RestoreAmount(*grant.Amount)
		}
	}

	if err := c.state.Apply(doc); err != nil {
		return fmt.Errorf("apply initial document: %w", err)
	}
	if doc.Ended() {
		c.log.Info().Msg("auction already ended, nothing to follow")
		return nil
	}

	c.clocks.ScheduleFollow(ctx, doc)
	select {
	case <-c.clocks.Follow():
	case <-ctx.Done():
		return ctx.Err()
	}

	go c.resyncLoop(ctx)
	c.manager.Start(ctx, c)
	return ctx.Err()
}

// Stop tears the live channel down.
func (c *Controller) Stop() {
	c.manager.Stop()
}

// fetchInitialDocument loads the first snapshot. A missing document is
// terminal; anything else is retried with a doubling backoff.
func (c *Controller) fetchInitialDocument(ctx context.Context) (*auction.Document, error) {
	delay := startRetryDelay
	for {
		doc, err := c.docs.GetAuction(ctx, c.auctionID)
		if err == nil {
			return doc, nil
		}
		if errors.Is(err, api.ErrNotFound) {
			c.alerts.Push(alert.SeverityDanger, "Auction not found", alert.Persistent)
			return nil, fmt.Errorf("auction %s: %w", c.auctionID, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		c.log.Warn().Err(err).Dur("retry_in", delay).Msg("initial document fetch failed")
		select {
		case <-c.clock.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
		if delay > startRetryCeiling {
			delay = startRetryCeiling
		}
	}
}

// resyncLoop re-anchors the server clock on a fixed cadence.
func (c *Controller) resyncLoop(ctx context.Context) {
	ticker := c.clock.NewTicker(resyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			c.clocks.Resync(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// HandleDocument applies an inbound snapshot. Duplicates and stale
// deliveries are dropped.
func (c *Controller) HandleDocument(doc *auction.Document) {
	switch err := c.state.Apply(doc); {
	case errors.Is(err, auction.ErrDuplicateDocument):
		c.log.Debug().Str("modified", doc.Modified).Msg("duplicate snapshot dropped")
	case errors.Is(err, auction.ErrStaleDocument):
		// Already logged by the state machine.
	case err != nil:
		c.log.Error().Err(err).Msg("snapshot apply failed")
	}
}

// HandleEvent dispatches one stream-mode event.
func (c *Controller) HandleEvent(e realtime.Event) {
	payload, err := realtime.ParseEventPayload(e)
	if err != nil {
		c.log.Warn().Err(err).Str("event", string(e.Type)).Msg("undecodable event dropped")
		return
	}

	switch p := payload.(type) {
	case realtime.TickPayload:
		c.clocks.Observe(p.Time)

	case realtime.IdentificationPayload:
		c.identity.ApplyGrant(p.BidderID, p.Coefficient, p.ReturnURL)
		c.state.SetIdentity(c.identity.BidderID(), c.identity.Coefficient())
		c.log.Info().Str("bidder_id", p.BidderID).Msg("identification received")

	case realtime.RestoreBidAmountPayload:
		if !p.LastAmount.IsCancel() {
			c.submitter.RestoreAmount(p.LastAmount)
		}

	case realtime.ClientsListPayload:
		c.mu.Lock()
		prev := c.clients
		c.clients = p
		c.mu.Unlock()
		for id, info := range p {
			if prev == nil {
				break
			}
			if _, known := prev[id]; !known {
				c.alerts.Transient(alert.SeverityWarning, "Another client connected to this auction from "+info.IP)
			}
		}
		c.log.Debug().Int("clients", len(p)).Msg("clients list updated")

	default:
		switch e.Type {
		case realtime.EventKickClient:
			c.alerts.Push(alert.SeverityDanger,
				"This client was disconnected: your bidder logged in from another place.",
				alert.Persistent)
			c.log.Warn().Msg("kicked by server")
			c.manager.Stop()
		case realtime.EventClose:
			c.log.Info().Msg("event stream closed by server")
		}
	}
}

// Clients returns the latest connected-clients roster.
func (c *Controller) Clients() realtime.ClientsListPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clients
}

// KickOther disconnects another client from the roster, the remedy for
// the duplicate-client warning. The server answers the kicked client
// with a KickClient event.
func (c *Controller) KickOther(clientID string) error {
	c.mu.Lock()
	ctx := c.runCtx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.docs.KickClient(ctx, clientID); err != nil {
		c.log.Error().Err(err).Str("client_id", clientID).Msg("kick request failed")
		return err
	}
	c.log.Info().Str("client_id", clientID).Msg("kick requested")
	return nil
}

// StageChanged resets the bid form for the new window and re-validates
// bidding rights when the new stage is this bidder's own turn.
func (c *Controller) StageChanged(oldStage, newStage int) {
	c.log.Info().Int("from", oldStage).Int("to", newStage).Msg("stage changed")
	c.submitter.StageChanged()

	if c.state.ViewBidsForm() {
		c.mu.Lock()
		ctx := c.runCtx
		c.mu.Unlock()
		if ctx != nil {
			go c.auth.Recheck(ctx)
		}
	}
}

// DocumentApplied logs the countdown state after every accepted snapshot.
func (c *Controller) DocumentApplied(doc *auction.Document) {
	progress := c.clocks.ProgressTimer(doc)
	ev := c.log.Debug().Int("countdown_s", progress.CountdownSeconds)
	if info := c.clocks.InfoTimer(doc, c.identity.BidderID(), c.state.Rounds()); info != nil {
		ev = ev.Str("turn", info.Msg).Int("turn_s", info.SecondsRemaining)
	}
	ev.Msg("document state")
}

// View is a render snapshot for the embedding UI.
type View struct {
	Document   *auction.Document
	Progress   clock.ProgressTimer
	Info       *clock.InfoTimer
	BidsForm   bool
	MinimalBid *money.Rational
	MaxBid     *money.Rational
	Connection realtime.State
	Alerts     []alert.Alert

	// LoginAllowed opens the login window for observers at the same
	// staggered moment the session begins following updates.
	LoginAllowed bool
}

// Snapshot assembles the current view.
func (c *Controller) Snapshot() View {
	v := View{
		Document:   c.state.Document(),
		BidsForm:   c.state.ViewBidsForm(),
		MinimalBid: c.state.MinimalBidValue(),
		Connection: c.manager.State(),
		Alerts:     c.alerts.Active(),
	}
	select {
	case <-c.clocks.Follow():
		v.LoginAllowed = true
	default:
	}
	if v.Document != nil {
		v.Progress = c.clocks.ProgressTimer(v.Document)
		v.Info = c.clocks.InfoTimer(v.Document, c.identity.BidderID(), c.state.Rounds())
	}
	if max, ok := c.state.MaxBidAmount(); ok {
		v.MaxBid = &max
	}
	return v
}
