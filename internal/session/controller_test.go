package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentender/livebid/internal/alert"
	"github.com/opentender/livebid/internal/api"
	"github.com/opentender/livebid/internal/auction"
	"github.com/opentender/livebid/internal/bidding"
	"github.com/opentender/livebid/internal/clock"
	"github.com/opentender/livebid/internal/money"
	"github.com/opentender/livebid/internal/realtime"
)

type scriptedDocs struct {
	calls atomic.Int64
	steps []func() (*auction.Document, error)

	mu      sync.Mutex
	kicked  []string
	kickErr error
}

func (d *scriptedDocs) GetAuction(context.Context, string) (*auction.Document, error) {
	n := d.calls.Add(1)
	if int(n) <= len(d.steps) {
		return d.steps[n-1]()
	}
	return d.steps[len(d.steps)-1]()
}

func (d *scriptedDocs) KickClient(_ context.Context, clientID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kicked = append(d.kicked, clientID)
	return d.kickErr
}

func (d *scriptedDocs) kickedClients() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.kicked...)
}

type stubPoster struct{}

func (stubPoster) PostBid(_ context.Context, amount money.Rational) (money.Rational, error) {
	return amount, nil
}

// idleTransport reports a clean close on its first cycle.
type idleTransport struct {
	runs atomic.Int64
}

func (t *idleTransport) Run(context.Context, realtime.Sink) error {
	t.runs.Add(1)
	return nil
}

type timeSourceFunc func(ctx context.Context) (time.Time, error)

func (f timeSourceFunc) ServerTime(ctx context.Context) (time.Time, error) { return f(ctx) }

type controllerFixture struct {
	controller *Controller
	docs       *scriptedDocs
	alerts     *alert.Sink
	state      *auction.StateMachine
	submitter  *bidding.Submitter
	clocks     *clock.Sync
	transport  *idleTransport
	identity   *Identity
	clk        *clockwork.FakeClock
}

func newControllerFixture(docs *scriptedDocs) *controllerFixture {
	clk := clockwork.NewFakeClock()
	alerts := alert.NewSink(zerolog.Nop(), clk)
	identity := NewEphemeralIdentity()
	state := auction.NewStateMachine(zerolog.Nop())
	submitter := bidding.NewSubmitter(zerolog.Nop(), clk, alerts, state, stubPoster{})
	clocks := clock.NewSync(zerolog.Nop(), clk, timeSourceFunc(func(context.Context) (time.Time, error) {
		return clk.Now(), nil
	}))
	auth := NewAuthorizer(zerolog.Nop(), clk, alerts, &scriptedAuthAPI{}, "auction-1", identity)
	transport := &idleTransport{}
	manager := realtime.NewManager(zerolog.Nop(), clk, alerts, transport, 3)

	c := NewController(zerolog.Nop(), clk, alerts, docs, auth, identity, state, submitter, clocks, manager, "auction-1")
	return &controllerFixture{
		controller: c,
		docs:       docs,
		alerts:     alerts,
		state:      state,
		submitter:  submitter,
		clocks:     clocks,
		transport:  transport,
		identity:   identity,
		clk:        clk,
	}
}

func liveDoc(clk clockwork.Clock, currentStage int) *auction.Document {
	start := clk.Now().Add(-time.Minute)
	amount := money.FromInt(475)
	return &auction.Document{
		ID:           "auction-1",
		Modified:     "m1",
		CurrentStage: currentStage,
		Stages: []auction.Stage{
			{Type: auction.StagePause, Start: start},
			{Type: auction.StageBids, Start: start.Add(time.Minute), BidderID: "b1", Amount: &amount},
			{Type: auction.StageAnnouncement, Start: start.Add(2 * time.Minute)},
		},
	}
}

func TestRunEndedAuctionDoesNotSubscribe(t *testing.T) {
	var f *controllerFixture
	docs := &scriptedDocs{steps: []func() (*auction.Document, error){
		func() (*auction.Document, error) { return liveDoc(f.clk, 2), nil },
	}}
	f = newControllerFixture(docs)

	require.NoError(t, f.controller.Run(context.Background()))
	assert.Zero(t, f.transport.runs.Load())
	assert.NotNil(t, f.state.Document())
}

func TestRunFollowsLiveAuction(t *testing.T) {
	var f *controllerFixture
	docs := &scriptedDocs{steps: []func() (*auction.Document, error){
		func() (*auction.Document, error) { return liveDoc(f.clk, 1), nil },
	}}
	f = newControllerFixture(docs)

	require.NoError(t, f.controller.Run(context.Background()))
	assert.Equal(t, int64(1), f.transport.runs.Load())
}

func TestRunMissingAuctionIsTerminal(t *testing.T) {
	docs := &scriptedDocs{steps: []func() (*auction.Document, error){
		func() (*auction.Document, error) { return nil, api.ErrNotFound },
	}}
	f := newControllerFixture(docs)

	err := f.controller.Run(context.Background())
	require.ErrorIs(t, err, api.ErrNotFound)
	assert.Equal(t, int64(1), docs.calls.Load())

	var found bool
	for _, a := range f.alerts.Active() {
		if a.Message == "Auction not found" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRunRetriesInitialFetch(t *testing.T) {
	var f *controllerFixture
	docs := &scriptedDocs{steps: []func() (*auction.Document, error){
		func() (*auction.Document, error) { return nil, errors.New("connection reset") },
		func() (*auction.Document, error) { return liveDoc(f.clk, 2), nil },
	}}
	f = newControllerFixture(docs)

	done := make(chan error, 1)
	go func() { done <- f.controller.Run(context.Background()) }()

	require.Eventually(t, func() bool { return docs.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	f.clk.BlockUntil(1)
	f.clk.Advance(startRetryDelay)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not finish after fetch retry")
	}
	assert.Equal(t, int64(2), docs.calls.Load())
}

func TestHandleEventTickAnchorsClock(t *testing.T) {
	f := newControllerFixture(&scriptedDocs{})

	serverTime := time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC)
	f.controller.HandleEvent(realtime.Event{
		Type: realtime.EventTick,
		Data: []byte(`{"time":"2026-03-10T11:00:00Z"}`),
	})
	assert.Equal(t, serverTime, f.clocks.Now())
}

func TestHandleEventIdentificationBindsIdentity(t *testing.T) {
	f := newControllerFixture(&scriptedDocs{})
	require.NoError(t, f.state.Apply(liveDoc(f.clk, 1)))

	f.controller.HandleEvent(realtime.Event{
		Type: realtime.EventIdentification,
		Data: []byte(`{"bidder_id":"b1","client_id":"c1"}`),
	})
	assert.Equal(t, "b1", f.identity.BidderID())
	assert.True(t, f.state.ViewBidsForm())
}

func TestHandleEventRestoreBidAmount(t *testing.T) {
	f := newControllerFixture(&scriptedDocs{})

	f.controller.HandleEvent(realtime.Event{
		Type: realtime.EventRestoreBidAmount,
		Data: []byte(`{"last_amount":440}`),
	})
	require.NotNil(t, f.submitter.Input())
	assert.Equal(t, "440.00", f.submitter.Input().String())
	assert.False(t, f.submitter.BiddingAllowed())
}

func TestHandleEventRestoreIgnoresSentinel(t *testing.T) {
	f := newControllerFixture(&scriptedDocs{})

	f.controller.HandleEvent(realtime.Event{
		Type: realtime.EventRestoreBidAmount,
		Data: []byte(`{"last_amount":-1}`),
	})
	assert.Nil(t, f.submitter.Input())
	assert.True(t, f.submitter.BiddingAllowed())
}

func TestHandleEventClientsListWarnsOnNewClient(t *testing.T) {
	f := newControllerFixture(&scriptedDocs{})

	f.controller.HandleEvent(realtime.Event{
		Type: realtime.EventClientsList,
		Data: []byte(`{"c1":{"ip":"10.0.0.1"}}`),
	})
	assert.Empty(t, f.alerts.Active(), "first roster is not a change")

	f.controller.HandleEvent(realtime.Event{
		Type: realtime.EventClientsList,
		Data: []byte(`{"c1":{"ip":"10.0.0.1"},"c2":{"ip":"10.0.0.2"}}`),
	})
	active := f.alerts.Active()
	require.Len(t, active, 1)
	assert.Contains(t, active[0].Message, "10.0.0.2")
	assert.Len(t, f.controller.Clients(), 2)
}

func TestHandleEventKickStopsSession(t *testing.T) {
	f := newControllerFixture(&scriptedDocs{})

	f.controller.HandleEvent(realtime.Event{Type: realtime.EventKickClient})

	var found bool
	for _, a := range f.alerts.Active() {
		if a.TTL == alert.Persistent {
			found = true
		}
	}
	assert.True(t, found, "kick must leave a persistent notice")
}

func TestKickOtherClient(t *testing.T) {
	docs := &scriptedDocs{}
	f := newControllerFixture(docs)

	f.controller.HandleEvent(realtime.Event{
		Type: realtime.EventClientsList,
		Data: []byte(`{"c1":{"ip":"10.0.0.1"},"c2":{"ip":"10.0.0.2"}}`),
	})

	require.NoError(t, f.controller.KickOther("c2"))
	assert.Equal(t, []string{"c2"}, docs.kickedClients())
}

func TestKickOtherSurfacesFailure(t *testing.T) {
	docs := &scriptedDocs{kickErr: errors.New("connection reset")}
	f := newControllerFixture(docs)

	require.Error(t, f.controller.KickOther("c2"))
	assert.Equal(t, []string{"c2"}, docs.kickedClients())
}

func TestStageChangeResetsBidForm(t *testing.T) {
	f := newControllerFixture(&scriptedDocs{})
	require.NoError(t, f.state.Apply(liveDoc(f.clk, 0)))

	v := money.FromInt(440)
	f.submitter.SetInput(&v)

	next := liveDoc(f.clk, 1)
	next.Modified = "m2"
	require.NoError(t, f.state.Apply(next))
	assert.Nil(t, f.submitter.Input())
}

func TestHandleDocumentDropsStaleSnapshots(t *testing.T) {
	f := newControllerFixture(&scriptedDocs{})

	f.controller.HandleDocument(liveDoc(f.clk, 1))
	stale := liveDoc(f.clk, 0)
	stale.Modified = "m2"
	f.controller.HandleDocument(stale)

	assert.Equal(t, 1, f.state.Document().CurrentStage)
}
