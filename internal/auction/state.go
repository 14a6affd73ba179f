package auction

import (
	"errors"
	"sort"

	"github.com/rs/zerolog"

	"github.com/opentender/livebid/internal/money"
)

var (
	// ErrDuplicateDocument marks a snapshot whose modified marker equals the
	// held one. Dropped silently by callers.
	ErrDuplicateDocument = errors.New("auction: duplicate document")
	// ErrStaleDocument marks a snapshot whose stage index regressed, i.e. a
	// late delivery that lost the race against a newer one.
	ErrStaleDocument = errors.New("auction: stale document")
)

// Listener is notified of state transitions the surrounding session cares
// about. Handlers must read current state through the machine, not through
// values captured at registration time.
type Listener interface {
	// StageChanged fires when a new bidding window opened: the pending bid
	// input must be cleared and bidding re-enabled.
	StageChanged(oldStage, newStage int)
	// DocumentApplied fires after every accepted snapshot, once derived
	// fields are recomputed.
	DocumentApplied(doc *Document)
}

// StateMachine holds the current auction document and its derived fields.
type StateMachine struct {
	log zerolog.Logger

	doc          *Document
	rounds       []int
	minimalBid   *Stage
	viewBidsForm bool

	bidderID    string
	coefficient *money.Rational

	listener Listener
}

// NewStateMachine returns an empty machine; no document is held yet.
func NewStateMachine(log zerolog.Logger) *StateMachine {
	return &StateMachine{log: log.With().Str("component", "state").Logger()}
}

// SetListener registers the transition listener.
func (m *StateMachine) SetListener(l Listener) {
	m.listener = l
}

// SetIdentity binds the session's bidder identity. The coefficient may be
// nil for default auctions or anonymous sessions.
func (m *StateMachine) SetIdentity(bidderID string, coefficient *money.Rational) {
	m.bidderID = bidderID
	m.coefficient = coefficient
	if m.doc != nil {
		m.viewBidsForm = m.computeViewBidsForm()
	}
}

// Document returns the held snapshot, nil before the first apply.
func (m *StateMachine) Document() *Document {
	return m.doc
}

// Rounds returns the indices of all pause-type stages, in order.
func (m *StateMachine) Rounds() []int {
	return m.rounds
}

// MinimalBid returns the standing lowest acceptable bid record, used to
// warn about ties. Nil when no record carries the relevant amount.
func (m *StateMachine) MinimalBid() *Stage {
	return m.minimalBid
}

// ViewBidsForm reports whether the bid form belongs on screen: the current
// stage is this bidder's bids stage.
func (m *StateMachine) ViewBidsForm() bool {
	return m.viewBidsForm
}

// Apply runs the staleness guard and, on success, replaces the document
// wholesale and recomputes rounds, minimal bid and form visibility.
func (m *StateMachine) Apply(newDoc *Document) error {
	if m.doc != nil && m.doc.Modified == newDoc.Modified {
		return ErrDuplicateDocument
	}
	if m.doc != nil && newDoc.CurrentStage != StageNotStarted && newDoc.CurrentStage < m.doc.CurrentStage {
		m.log.Warn().
			Int("held_stage", m.doc.CurrentStage).
			Int("incoming_stage", newDoc.CurrentStage).
			Str("modified", newDoc.Modified).
			Msg("rejecting stage regression")
		return ErrStaleDocument
	}

	sameStage := m.doc == nil ||
		newDoc.CurrentStage == m.doc.CurrentStage ||
		newDoc.CurrentStage == StageNotStarted
	oldStage := StageNotStarted
	if m.doc != nil {
		oldStage = m.doc.CurrentStage
	}

	m.doc = newDoc
	m.rounds = computeRounds(newDoc)
	m.minimalBid = computeMinimalBid(newDoc)
	m.viewBidsForm = m.computeViewBidsForm()

	m.log.Info().
		Int("current_stage", newDoc.CurrentStage).
		Int("stages", len(newDoc.Stages)).
		Str("modified", newDoc.Modified).
		Msg("document applied")

	if m.listener != nil {
		if !sameStage {
			m.listener.StageChanged(oldStage, newDoc.CurrentStage)
		}
		m.listener.DocumentApplied(newDoc)
	}
	return nil
}

// MaxBidAmount computes the ceiling for the next bid on the active stage:
// stage amount (scaled by the coefficient for meat auctions) minus the
// minimal step, clamped at zero. The second return is false when there is
// no bidder identity or no qualifying stage.
func (m *StateMachine) MaxBidAmount() (money.Rational, bool) {
	if m.bidderID == "" || m.doc == nil {
		return money.Rational{}, false
	}
	stage := m.doc.Current()
	if stage == nil {
		return money.Rational{}, false
	}

	var amount money.Rational
	switch {
	case m.doc.Kind() == KindMeat && m.coefficient != nil && stage.AmountFeatures != nil:
		amount = stage.AmountFeatures.Mul(*m.coefficient)
	case m.doc.Kind() != KindMeat && stage.Amount != nil:
		amount = *stage.Amount
	default:
		return money.Rational{}, false
	}

	amount = amount.Sub(m.doc.MinimalStep.Amount)
	if amount.Sign() < 0 {
		return money.FromInt(0), true
	}
	return amount, true
}

// CurrentStageValue returns the active stage's standing bid in bidder
// price terms: the feature amount scaled by the coefficient for meat
// auctions, the raw amount otherwise. Nil when there is no such value.
func (m *StateMachine) CurrentStageValue() *money.Rational {
	if m.doc == nil {
		return nil
	}
	stage := m.doc.Current()
	if stage == nil {
		return nil
	}
	if m.doc.Kind() == KindMeat {
		if stage.AmountFeatures == nil || m.coefficient == nil {
			return nil
		}
		v := stage.AmountFeatures.Mul(*m.coefficient)
		return &v
	}
	return stage.Amount
}

// MinimalBidValue returns the comparable value of the minimal bid record.
func (m *StateMachine) MinimalBidValue() *money.Rational {
	if m.minimalBid == nil || m.doc == nil {
		return nil
	}
	return m.minimalBid.BidValue(m.doc.Kind())
}

// RoundNumber returns the 1-based round ordinal of a pause stage index, or
// 0 when the index is not a round boundary.
func (m *StateMachine) RoundNumber(pauseIndex int) int {
	for n, idx := range m.rounds {
		if idx == pauseIndex {
			return n + 1
		}
	}
	return 0
}

func (m *StateMachine) computeViewBidsForm() bool {
	stage := m.doc.Current()
	return stage != nil && stage.Type == StageBids &&
		m.bidderID != "" && stage.BidderID == m.bidderID
}

func computeRounds(doc *Document) []int {
	var rounds []int
	for i := range doc.Stages {
		if doc.Stages[i].Type == StagePause {
			rounds = append(rounds, i)
		}
	}
	return rounds
}

// computeMinimalBid collects every stage and seed record carrying the
// relevant amount for the auction kind, and picks the smallest, ties
// broken by earliest submission time.
func computeMinimalBid(doc *Document) *Stage {
	kind := doc.Kind()
	var bids []*Stage
	for i := range doc.Stages {
		if doc.Stages[i].BidValue(kind) != nil {
			bids = append(bids, &doc.Stages[i])
		}
	}
	for i := range doc.InitialBids {
		if doc.InitialBids[i].BidValue(kind) != nil {
			bids = append(bids, &doc.InitialBids[i])
		}
	}
	if len(bids) == 0 {
		return nil
	}
	sort.SliceStable(bids, func(i, j int) bool {
		diff := bids[i].BidValue(kind).Cmp(*bids[j].BidValue(kind))
		if diff != 0 {
			return diff < 0
		}
		ti, tj := bids[i].Time, bids[j].Time
		if ti == nil || tj == nil {
			// records without a submission time keep their document order
			return false
		}
		return ti.Before(*tj)
	})
	return bids[0]
}
