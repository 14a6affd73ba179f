package auction

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentender/livebid/internal/money"
)

func rat(n int64) *money.Rational {
	v := money.FromInt(n)
	return &v
}

func parseRat(t *testing.T, s string) *money.Rational {
	t.Helper()
	v, err := money.Parse(s)
	require.NoError(t, err)
	return &v
}

func testDoc(currentStage int) *Document {
	base := time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC)
	return &Document{
		ID:           "auction-1",
		Modified:     "2026-03-10T11:00:00",
		CurrentStage: currentStage,
		MinimalStep:  MinimalStep{Amount: money.FromInt(35)},
		Stages: []Stage{
			{Type: StagePause, Start: base},
			{Type: StageBids, Start: base.Add(5 * time.Minute), BidderID: "b1", Amount: rat(480)},
			{Type: StageBids, Start: base.Add(7 * time.Minute), BidderID: "b2", Amount: rat(475)},
			{Type: StagePause, Start: base.Add(9 * time.Minute)},
			{Type: StageAnnouncement, Start: base.Add(11 * time.Minute)},
		},
	}
}

type recordingListener struct {
	stageChanges [][2]int
	applied      int
}

func (l *recordingListener) StageChanged(oldStage, newStage int) {
	l.stageChanges = append(l.stageChanges, [2]int{oldStage, newStage})
}

func (l *recordingListener) DocumentApplied(*Document) { l.applied++ }

func TestApplyDuplicateDropped(t *testing.T) {
	m := NewStateMachine(zerolog.Nop())
	require.NoError(t, m.Apply(testDoc(1)))

	dup := testDoc(2)
	dup.Modified = testDoc(1).Modified
	require.ErrorIs(t, m.Apply(dup), ErrDuplicateDocument)
	assert.Equal(t, 1, m.Document().CurrentStage)
}

func TestApplyStageRegressionRejected(t *testing.T) {
	m := NewStateMachine(zerolog.Nop())
	require.NoError(t, m.Apply(testDoc(2)))

	stale := testDoc(1)
	stale.Modified = "2026-03-10T11:00:01"
	require.ErrorIs(t, m.Apply(stale), ErrStaleDocument)
	assert.Equal(t, 2, m.Document().CurrentStage)
}

func TestApplyNotStartedIsNotRegression(t *testing.T) {
	m := NewStateMachine(zerolog.Nop())
	require.NoError(t, m.Apply(testDoc(2)))

	reset := testDoc(StageNotStarted)
	reset.Modified = "2026-03-10T11:00:01"
	require.NoError(t, m.Apply(reset))
}

func TestApplyNotifiesOnStageChange(t *testing.T) {
	m := NewStateMachine(zerolog.Nop())
	l := &recordingListener{}
	m.SetListener(l)

	require.NoError(t, m.Apply(testDoc(1)))
	require.Empty(t, l.stageChanges, "first document is not a stage change")
	require.Equal(t, 1, l.applied)

	next := testDoc(2)
	next.Modified = "2026-03-10T11:00:01"
	require.NoError(t, m.Apply(next))
	require.Equal(t, [][2]int{{1, 2}}, l.stageChanges)
	require.Equal(t, 2, l.applied)

	// Same stage, newer snapshot: applied but no stage change.
	same := testDoc(2)
	same.Modified = "2026-03-10T11:00:02"
	require.NoError(t, m.Apply(same))
	require.Len(t, l.stageChanges, 1)
	require.Equal(t, 3, l.applied)
}

func TestViewBidsForm(t *testing.T) {
	m := NewStateMachine(zerolog.Nop())
	m.SetIdentity("b2", nil)
	require.NoError(t, m.Apply(testDoc(2)))
	assert.True(t, m.ViewBidsForm())

	next := testDoc(3)
	next.Modified = "2026-03-10T11:00:01"
	require.NoError(t, m.Apply(next))
	assert.False(t, m.ViewBidsForm())
}

func TestMaxBidAmountDefault(t *testing.T) {
	m := NewStateMachine(zerolog.Nop())
	m.SetIdentity("b2", nil)
	require.NoError(t, m.Apply(testDoc(2)))

	max, ok := m.MaxBidAmount()
	require.True(t, ok)
	// 475 - 35
	assert.Equal(t, "440.00", max.String())
}

func TestMaxBidAmountMeat(t *testing.T) {
	doc := testDoc(2)
	doc.AuctionType = KindMeat
	doc.Stages[2].AmountFeatures = parseRat(t, "1900/4")

	m := NewStateMachine(zerolog.Nop())
	m.SetIdentity("b2", parseRat(t, "1/1"))
	require.NoError(t, m.Apply(doc))

	max, ok := m.MaxBidAmount()
	require.True(t, ok)
	// 1900/4 - 35 = 440
	assert.Equal(t, "440.00", max.String())
}

func TestMaxBidAmountClampsAtZero(t *testing.T) {
	doc := testDoc(2)
	doc.Stages[2].Amount = rat(10)

	m := NewStateMachine(zerolog.Nop())
	m.SetIdentity("b2", nil)
	require.NoError(t, m.Apply(doc))

	max, ok := m.MaxBidAmount()
	require.True(t, ok)
	assert.True(t, max.IsZero())
}

func TestMaxBidAmountWithoutIdentity(t *testing.T) {
	m := NewStateMachine(zerolog.Nop())
	require.NoError(t, m.Apply(testDoc(2)))

	_, ok := m.MaxBidAmount()
	assert.False(t, ok)
}

func TestMinimalBidTieBreakByTime(t *testing.T) {
	earlier := time.Date(2026, 3, 10, 11, 6, 0, 0, time.UTC)
	later := earlier.Add(30 * time.Second)

	doc := testDoc(2)
	doc.Stages[1].Amount = rat(475)
	doc.Stages[1].Time = &later
	doc.Stages[2].Time = &earlier

	m := NewStateMachine(zerolog.Nop())
	require.NoError(t, m.Apply(doc))

	min := m.MinimalBid()
	require.NotNil(t, min)
	assert.Equal(t, "b2", min.BidderID)
}

func TestMinimalBidKeepsDocumentOrderWithoutTimes(t *testing.T) {
	doc := testDoc(2)
	doc.Stages[1].Amount = rat(475)

	m := NewStateMachine(zerolog.Nop())
	require.NoError(t, m.Apply(doc))

	min := m.MinimalBid()
	require.NotNil(t, min)
	assert.Equal(t, "b1", min.BidderID)
}

func TestMinimalBidIncludesInitialBids(t *testing.T) {
	doc := testDoc(1)
	doc.InitialBids = []Stage{{BidderID: "b3", Amount: rat(100)}}

	m := NewStateMachine(zerolog.Nop())
	require.NoError(t, m.Apply(doc))

	min := m.MinimalBid()
	require.NotNil(t, min)
	assert.Equal(t, "b3", min.BidderID)
}

func TestRounds(t *testing.T) {
	m := NewStateMachine(zerolog.Nop())
	require.NoError(t, m.Apply(testDoc(1)))

	assert.Equal(t, []int{0, 3}, m.Rounds())
	assert.Equal(t, 1, m.RoundNumber(0))
	assert.Equal(t, 2, m.RoundNumber(3))
	assert.Equal(t, 0, m.RoundNumber(1))
}
