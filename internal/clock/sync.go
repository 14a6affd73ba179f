// Package clock reconciles local time against the auction server's clock
// and derives the countdown figures shown next to the document.
package clock

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/opentender/livebid/internal/auction"
)

// followThreshold is how far ahead of auction start a client begins
// following live updates. Clients further out stagger their subscriptions
// so they do not all open connections simultaneously.
const followThreshold = 15 * time.Minute

// Info timer messages.
const (
	MsgYourTurn         = "your turn"
	MsgUntilYourTurn    = "until your turn"
	MsgUntilTurnEnds    = "until the end of the turn"
	MsgUntilRoundStarts = "until the round starts"
)

// TimeSource fetches the authoritative server time.
type TimeSource interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// InfoTimer describes whose turn it is and how long remains.
type InfoTimer struct {
	Msg              string
	SecondsRemaining int
}

// ProgressTimer counts down to the next meaningful transition.
type ProgressTimer struct {
	CountdownSeconds int
}

// Sync keeps the reconciled server time and emits the staggered
// "begin following updates" signal.
type Sync struct {
	log    zerolog.Logger
	clock  clockwork.Clock
	source TimeSource

	mu       sync.Mutex
	lastSync time.Time // server time at the last successful resync
	syncedAt time.Time // local clock reading at that moment

	followOnce sync.Once
	followCh   chan struct{}
}

// NewSync returns a Sync that has not yet been reconciled.
func NewSync(log zerolog.Logger, clk clockwork.Clock, source TimeSource) *Sync {
	return &Sync{
		log:      log.With().Str("component", "clocksync").Logger(),
		clock:    clk,
		source:   source,
		followCh: make(chan struct{}),
	}
}

// Resync fetches the server time and stores it as the new reference.
// A failure is logged and left for the next scheduled tick; the previous
// reference stays in effect.
func (s *Sync) Resync(ctx context.Context) (time.Time, error) {
	t, err := s.source.ServerTime(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("server time resync failed")
		return time.Time{}, err
	}
	s.mu.Lock()
	s.lastSync = t
	s.syncedAt = s.clock.Now()
	s.mu.Unlock()
	s.log.Debug().Time("server_time", t).Msg("server time resynced")
	return t, nil
}

// Observe records a server-supplied timestamp as the new reference, used
// for stream-mode tick events that already carry the server time.
func (s *Sync) Observe(t time.Time) {
	s.mu.Lock()
	s.lastSync = t
	s.syncedAt = s.clock.Now()
	s.mu.Unlock()
}

// Now extrapolates the current server time from the last resync. Before
// the first successful resync it falls back to the local clock.
func (s *Sync) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSync.IsZero() {
		return s.clock.Now()
	}
	return s.lastSync.Add(s.clock.Since(s.syncedAt))
}

// Follow is closed when the client should start following live updates.
func (s *Sync) Follow() <-chan struct{} {
	return s.followCh
}

// ScheduleFollow arms the staggered follow signal for a document that has
// not started yet: immediately when the start is less than the threshold
// away, otherwise at threshold distance before the start. Canceling the
// context releases the timer goroutine without signaling.
func (s *Sync) ScheduleFollow(ctx context.Context, doc *auction.Document) {
	if doc.CurrentStage != auction.StageNotStarted {
		s.signalFollow()
		return
	}
	countdown := time.Duration(s.ProgressTimer(doc).CountdownSeconds) * time.Second
	if countdown < followThreshold {
		s.signalFollow()
		return
	}
	delay := countdown - followThreshold
	s.log.Info().Dur("delay", delay).Msg("staggering live updates subscription")
	t := s.clock.NewTimer(delay)
	go func() {
		select {
		case <-t.Chan():
			s.signalFollow()
		case <-ctx.Done():
			t.Stop()
		}
	}()
}

func (s *Sync) signalFollow() {
	s.followOnce.Do(func() {
		close(s.followCh)
		s.log.Info().Msg("begin following updates")
	})
}

// ProgressTimer derives the countdown to the next transition: auction
// start when not started, end of the current stage otherwise, zero on the
// terminal stage.
func (s *Sync) ProgressTimer(doc *auction.Document) ProgressTimer {
	now := s.Now()
	var target time.Time
	switch {
	case doc.Ended():
		return ProgressTimer{}
	case doc.CurrentStage == auction.StageNotStarted:
		if len(doc.Stages) == 0 {
			return ProgressTimer{}
		}
		target = doc.Stages[0].Start
	default:
		target = s.stageEnd(doc, doc.CurrentStage)
	}
	return ProgressTimer{CountdownSeconds: secondsUntil(now, target)}
}

// InfoTimer derives the turn description for the active stage. Nil when
// the auction has not started or already ended.
func (s *Sync) InfoTimer(doc *auction.Document, bidderID string, rounds []int) *InfoTimer {
	stage := doc.Current()
	if stage == nil || doc.Ended() {
		return nil
	}
	now := s.Now()

	switch stage.Type {
	case auction.StageBids:
		if bidderID != "" && stage.BidderID == bidderID {
			return &InfoTimer{
				Msg:              MsgYourTurn,
				SecondsRemaining: secondsUntil(now, s.stageEnd(doc, doc.CurrentStage)),
			}
		}
		if idx, ok := s.upcomingTurn(doc, bidderID, rounds); ok {
			return &InfoTimer{
				Msg:              MsgUntilYourTurn,
				SecondsRemaining: secondsUntil(now, doc.Stages[idx].Start),
			}
		}
		return &InfoTimer{
			Msg:              MsgUntilTurnEnds,
			SecondsRemaining: secondsUntil(now, s.stageEnd(doc, doc.CurrentStage)),
		}
	case auction.StagePause:
		return &InfoTimer{
			Msg:              MsgUntilRoundStarts,
			SecondsRemaining: secondsUntil(now, s.stageEnd(doc, doc.CurrentStage)),
		}
	default:
		return nil
	}
}

// upcomingTurn finds the bidder's own bids stage later in the current
// round, bounded by the next pause boundary.
func (s *Sync) upcomingTurn(doc *auction.Document, bidderID string, rounds []int) (int, bool) {
	if bidderID == "" {
		return 0, false
	}
	boundary := len(doc.Stages)
	for _, r := range rounds {
		if r > doc.CurrentStage {
			boundary = r
			break
		}
	}
	for i := doc.CurrentStage + 1; i < boundary; i++ {
		if doc.Stages[i].Type == auction.StageBids && doc.Stages[i].BidderID == bidderID {
			return i, true
		}
	}
	return 0, false
}

// stageEnd prefers the stage's own end marker and falls back to the next
// stage's start.
func (s *Sync) stageEnd(doc *auction.Document, i int) time.Time {
	stage := doc.Stage(i)
	if stage == nil {
		return time.Time{}
	}
	if !stage.End.IsZero() {
		return stage.End
	}
	if next := doc.Stage(i + 1); next != nil {
		return next.Start
	}
	return time.Time{}
}

func secondsUntil(now, target time.Time) int {
	if target.IsZero() {
		return 0
	}
	d := target.Sub(now)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}
