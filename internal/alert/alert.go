// Package alert collects the user-visible conditions the surrounding UI
// renders: transient auto-dismissing notices and persistent errors.
package alert

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Severity mirrors the notice classes the UI styles differently.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityDanger  Severity = "danger"
	SeveritySuccess Severity = "success"
)

// Persistent marks an alert that never auto-dismisses.
const Persistent time.Duration = -1

// DefaultTTL is the auto-dismiss delay for transient alerts.
const DefaultTTL = 4 * time.Second

// Alert is one notice. ID is unique per push and can be used to dismiss.
type Alert struct {
	ID       string
	Severity Severity
	Message  string
	TTL      time.Duration
}

// Sink owns the active alert set. Safe for concurrent use.
type Sink struct {
	log   zerolog.Logger
	clock clockwork.Clock

	mu     sync.Mutex
	active []Alert
	stops  map[string]chan struct{}
}

// NewSink returns an empty sink driven by the given clock.
func NewSink(log zerolog.Logger, clock clockwork.Clock) *Sink {
	return &Sink{
		log:   log.With().Str("component", "alerts").Logger(),
		clock: clock,
		stops: make(map[string]chan struct{}),
	}
}

// Push adds an alert. A non-negative TTL schedules auto-dismissal;
// Persistent keeps it until dismissed explicitly.
func (s *Sink) Push(severity Severity, message string, ttl time.Duration) string {
	a := Alert{
		ID:       uuid.New().String(),
		Severity: severity,
		Message:  message,
		TTL:      ttl,
	}

	s.mu.Lock()
	s.active = append(s.active, a)
	if ttl != Persistent {
		t := s.clock.NewTimer(ttl)
		stop := make(chan struct{})
		s.stops[a.ID] = stop
		go func(id string) {
			select {
			case <-t.Chan():
				s.Dismiss(id)
			case <-stop:
				t.Stop()
			}
		}(a.ID)
	}
	s.mu.Unlock()

	s.log.Info().
		Str("severity", string(severity)).
		Str("alert_id", a.ID).
		Msg(message)
	return a.ID
}

// Transient pushes an alert with the default auto-dismiss delay.
func (s *Sink) Transient(severity Severity, message string) string {
	return s.Push(severity, message, DefaultTTL)
}

// Dismiss removes an alert by ID. Unknown IDs are a no-op.
func (s *Sink) Dismiss(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.stops[id]; ok {
		close(stop)
		delete(s.stops, id)
	}
	for i := range s.active {
		if s.active[i].ID == id {
			s.active = append(s.active[:i], s.active[i+1:]...)
			return
		}
	}
}

// Clear drops every active alert, as the bid form does before a fresh
// submission attempt.
func (s *Sink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, stop := range s.stops {
		close(stop)
		delete(s.stops, id)
	}
	s.active = nil
}

// Active returns a snapshot of the current alerts in push order.
func (s *Sink) Active() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Alert, len(s.active))
	copy(out, s.active)
	return out
}
