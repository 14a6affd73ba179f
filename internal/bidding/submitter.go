// Package bidding validates, confirms and submits bids, guarding the user
// against invalid or accidentally-destructive amounts while the document
// churns underneath.
package bidding

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
	"github.com/opentender/livebid/internal/money"
)

const (
	// inputDisableWindow guards against double submits.
	inputDisableWindow = 5 * time.Second
	// stillWaitingAfter arms the transient "still waiting" warning.
	stillWaitingAfter = 10 * time.Second
	// degradedAfter arms the persistent connectivity warning.
	degradedAfter = 5 * time.Second
	// resubmitDelay retries an undelivered submission. Unbounded by
	// design: the alternative is a silently lost bid.
	resubmitDelay = 2 * time.Second
)

// lowBidThreshold is the decrease ratio above which a bid needs an
// explicit second confirmation: ratio = 1 - amount/max >= 3/10.
var lowBidThreshold = money.FromInt(3).Div(money.FromInt(10))

// Outcome classifies a submit call before any network activity.
type Outcome int

const (
	// OutcomeSubmitting means the attempt went out asynchronously.
	OutcomeSubmitting Outcome = iota
	// OutcomeRejected means a local guard stopped the call.
	OutcomeRejected
	// OutcomeNeedsConfirmation means the low-bid warning was shown; the
	// caller must submit the same amount again to proceed.
	OutcomeNeedsConfirmation
	// OutcomeBusy means another attempt is already in flight.
	OutcomeBusy
	// OutcomeInvalid means the surrounding form reported itself invalid.
	OutcomeInvalid
)

// Limits reads the document-derived bid boundaries at call time.
type Limits interface {
	// MaxBidAmount is the ceiling for the next bid; false when undefined.
	MaxBidAmount() (money.Rational, bool)
	// MinimalBidValue is the standing lowest bid, used for tie warnings.
	MinimalBidValue() *money.Rational
	// CurrentStageValue is the standing bid the decrease warning is
	// computed against.
	CurrentStageValue() *money.Rational
}

// Poster performs the bid call, already bound to the session's auction,
// bidder and hash.
type Poster interface {
	PostBid(ctx context.Context, amount money.Rational) (money.Rational, error)
}

// Submitter owns the bid form state and the per-submission machine:
// Idle -> Validating -> Confirming (optional) -> Submitting -> terminal.
type Submitter struct {
	log    zerolog.Logger
	clock  clockwork.Clock
	alerts *alert.Sink
	limits Limits
	poster Poster

	// Valid reports the surrounding form's local validity. Replaceable in
	// tests; defaults to always valid.
	Valid func() bool

	mu            sync.Mutex
	input         *money.Rational
	allowBidding  bool
	formDisabled  bool
	inFlight      bool
	force         *money.Rational
	confirmAlert  string
	degradedAlert string
	cancelTimers  []func()
}

// NewSubmitter returns an idle submitter with bidding allowed.
func NewSubmitter(log zerolog.Logger, clk clockwork.Clock, alerts *alert.Sink, limits Limits, poster Poster) *Submitter {
	return &Submitter{
		log:          log.With().Str("component", "bidding").Logger(),
		clock:        clk,
		alerts:       alerts,
		limits:       limits,
		poster:       poster,
		Valid:        func() bool { return true },
		allowBidding: true,
	}
}

// Input returns the current form amount, nil when empty.
func (s *Submitter) Input() *money.Rational {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input
}

// SetInput stores the typed amount.
func (s *Submitter) SetInput(v *money.Rational) {
	s.mu.Lock()
	s.input = v
	s.mu.Unlock()
}

// RestoreAmount puts a previously-placed amount back into the form and
// disallows bidding: that bid is already standing.
func (s *Submitter) RestoreAmount(v money.Rational) {
	s.mu.Lock()
	s.input = &v
	s.allowBidding = false
	s.mu.Unlock()
	s.log.Info().Str("amount", v.String()).Msg("restored standing bid amount")
}

// BiddingAllowed reports whether a new bid may be placed.
func (s *Submitter) BiddingAllowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowBidding
}

// AllowEditing re-enables bidding so the standing bid can be replaced.
func (s *Submitter) AllowEditing() {
	s.mu.Lock()
	s.allowBidding = true
	s.mu.Unlock()
}

// FormDisabled reports the anti-double-submit lockout.
func (s *Submitter) FormDisabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.formDisabled
}

// InFlight reports whether an attempt is pending.
func (s *Submitter) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// StageChanged resets the form for a freshly opened bidding window.
func (s *Submitter) StageChanged() {
	s.mu.Lock()
	s.input = nil
	s.allowBidding = true
	s.force = nil
	s.mu.Unlock()
}

// SubmitForm submits the typed form amount. The cancellation sentinel
// typed literally is rejected here: an explicit Cancel is the only way to
// withdraw a bid.
func (s *Submitter) SubmitForm(ctx context.Context) Outcome {
	s.mu.Lock()
	input := s.input
	s.mu.Unlock()

	if input != nil && input.IsCancel() {
		s.alerts.Transient(alert.SeverityDanger, "Too low value")
		return OutcomeRejected
	}
	amount := money.FromInt(0)
	if input != nil {
		amount = *input
	}
	return s.Submit(ctx, amount)
}

// Cancel withdraws the standing bid by submitting the sentinel.
func (s *Submitter) Cancel(ctx context.Context) Outcome {
	return s.Submit(ctx, money.CancelSentinel)
}

// Submit runs the validation, confirmation and submission protocol for
// one amount. At most one attempt is in flight; a second request is
// rejected, not queued.
func (s *Submitter) Submit(ctx context.Context, amount money.Rational) Outcome {
	if !s.Valid() {
		return OutcomeInvalid
	}

	// Reserve the attempt under the same lock as the guard; releasing in
	// between would let two concurrent submits both pass.
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		s.log.Warn().Msg("submit rejected: attempt already in flight")
		return OutcomeBusy
	}
	s.inFlight = true
	s.mu.Unlock()

	s.alerts.Clear()

	if s.needsConfirmation(amount) {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
		return OutcomeNeedsConfirmation
	}

	if min := s.limits.MinimalBidValue(); min != nil && amount.Equal(*min) {
		s.alerts.Push(alert.SeverityWarning,
			"The proposal you have submitted coincides with a proposal of the other participant. "+
				"His proposal will be considered first, since it has been submitted earlier.",
			alert.Persistent)
	}

	s.begin(amount)
	go s.perform(ctx, amount)
	return OutcomeSubmitting
}

// needsConfirmation applies the low-bid safety protocol. The first call
// with a steep decrease records the amount and warns; resubmitting the
// exact amount passes.
func (s *Submitter) needsConfirmation(amount money.Rational) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	max, ok := s.limits.MaxBidAmount()
	proceed := !ok || max.Sign() <= 0 || amount.IsCancel() ||
		(s.force != nil && s.force.Equal(amount))
	if !proceed {
		ratio := money.FromInt(1).Sub(amount.Div(max))
		proceed = ratio.Less(lowBidThreshold)
	}
	if proceed {
		s.force = nil
		if s.confirmAlert != "" {
			s.alerts.Dismiss(s.confirmAlert)
			s.confirmAlert = ""
		}
		return false
	}

	s.force = &amount
	percent := "?"
	if prev := s.limits.CurrentStageValue(); prev != nil && prev.Sign() != 0 {
		percent = money.PercentDecrease(amount, *prev).String()
	}
	s.confirmAlert = s.alerts.Push(alert.SeverityDanger,
		fmt.Sprintf("You are going to decrease your bid by %s%%. Are you sure?", percent),
		alert.Persistent)
	return true
}

// begin flips the in-flight state and arms the waiting-time warnings.
func (s *Submitter) begin(amount money.Rational) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inFlight = true
	s.formDisabled = true
	s.log.Info().Str("amount", amount.String()).Msg("submitting bid")

	reEnable := s.clock.NewTimer(inputDisableWindow)
	stillWaiting := s.clock.NewTimer(stillWaitingAfter)
	degraded := s.clock.NewTimer(degradedAfter)
	stop := make(chan struct{})

	go func() {
		for {
			select {
			case <-reEnable.Chan():
				s.mu.Lock()
				s.formDisabled = false
				s.mu.Unlock()
			case <-stillWaiting.Chan():
				s.alerts.Push(alert.SeverityDanger,
					"Unable to place a bid. Check that no more than 2 auctions are simultaneously opened in your browser.",
					alert.DefaultTTL)
			case <-degraded.Chan():
				s.mu.Lock()
				if s.degradedAlert == "" {
					s.degradedAlert = s.alerts.Push(alert.SeverityDanger,
						"Your post bid request still hasn't succeed. Check (or change) your internet connection, browser or device.",
						alert.Persistent)
				}
				s.mu.Unlock()
			case <-stop:
				reEnable.Stop()
				stillWaiting.Stop()
				degraded.Stop()
				return
			}
		}
	}()

	s.cancelTimers = append(s.cancelTimers, func() { close(stop) })
}

// finish clears the in-flight state and every armed warning.
func (s *Submitter) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false
	s.formDisabled = false
	for _, cancel := range s.cancelTimers {
		cancel()
	}
	s.cancelTimers = nil
	if s.degradedAlert != "" {
		s.alerts.Dismiss(s.degradedAlert)
		s.degradedAlert = ""
	}
}

// perform posts the bid, retrying transport failures until a terminal
// response arrives or the session ends.
func (s *Submitter) perform(ctx context.Context, amount money.Rational) {
	for {
		accepted, err := s.poster.PostBid(ctx, amount)
		if err == nil {
			s.finish()
			s.settle(accepted)
			return
		}

		var validation *api.ValidationError
		switch {
		case errors.As(err, &validation):
			s.finish()
			for _, msg := range validation.Messages {
				s.alerts.Transient(alert.SeverityDanger, msg)
			}
			s.log.Info().Strs("errors", validation.Messages).Msg("bid rejected by server")
			return

		case errors.Is(err, api.ErrUnauthorized):
			s.finish()
			s.alerts.Push(alert.SeverityDanger,
				"Ability to submit bids has been lost. Wait until page reloads, and retry.",
				alert.Persistent)
			s.log.Error().Msg("submission rights lost")
			return

		case ctx.Err() != nil:
			s.finish()
			return

		default:
			s.log.Error().Err(err).Msg("bid post failed, retrying")
			select {
			case <-s.clock.After(resubmitDelay):
			case <-ctx.Done():
				s.finish()
				return
			}
		}
	}
}

// settle applies a terminal success: either the bid stood or it was
// withdrawn.
func (s *Submitter) settle(accepted money.Rational) {
	if accepted.IsCancel() {
		s.alerts.Clear()
		s.mu.Lock()
		s.input = nil
		s.allowBidding = true
		s.mu.Unlock()
		s.alerts.Transient(alert.SeveritySuccess, "Bid canceled")
		s.log.Info().Msg("bid canceled")
		return
	}
	s.mu.Lock()
	s.allowBidding = false
	s.mu.Unlock()
	s.alerts.Transient(alert.SeveritySuccess, "Bid placed")
	s.log.Info().Str("amount", accepted.String()).Msg("bid placed")
}
