package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/opentender/livebid/internal/alert"
	"github.com/opentender/livebid/internal/auction"
)

// reconnectDelay is the fixed pause between connection cycles.
const reconnectDelay = 1 * time.Second

// StateKind is the connection lifecycle state.
type StateKind int

const (
	StateClosed StateKind = iota
	StateConnecting
	StateOpen
	StateBackoff
)

// State is the observable connection state; Failures counts consecutive
// failed cycles while in StateBackoff.
type State struct {
	Kind     StateKind
	Failures int
}

// Sink receives everything a transport produces. Implementations must
// consult current session state at call time, not captured state.
type Sink interface {
	// HandleDocument delivers a raw document snapshot.
	HandleDocument(doc *auction.Document)
	// HandleEvent delivers a stream-mode event.
	HandleEvent(e Event)
}

// Transport runs one connection cycle: connect, pump until the channel
// closes. A nil return means a clean, wanted shutdown; an error means the
// cycle failed and the manager decides whether to reconnect.
type Transport interface {
	Run(ctx context.Context, sink Sink) error
}

// Manager owns one realtime channel per session: it runs the transport,
// applies the reconnect policy and surfaces connection alerts.
type Manager struct {
	log       zerolog.Logger
	clock     clockwork.Clock
	alerts    *alert.Sink
	transport Transport
	ceiling   int

	mu      sync.Mutex
	state   State
	retries int
	stopped bool
	cancel  context.CancelFunc
	sink    Sink
}

// NewManager wires a transport to the reconnect policy. ceiling is the
// consecutive-failure budget before the session gives up.
func NewManager(log zerolog.Logger, clk clockwork.Clock, alerts *alert.Sink, transport Transport, ceiling int) *Manager {
	return &Manager{
		log:       log.With().Str("component", "connection").Logger(),
		clock:     clk,
		alerts:    alerts,
		transport: transport,
		ceiling:   ceiling,
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start runs connection cycles until the context ends, the manager is
// stopped, or the retry budget is exhausted. Blocks; run in a goroutine.
func (m *Manager) Start(ctx context.Context, sink Sink) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		cancel()
		return
	}
	m.cancel = cancel
	m.retries = m.ceiling
	m.sink = sink
	m.mu.Unlock()

	for {
		m.setState(State{Kind: StateConnecting})
		err := m.transport.Run(ctx, managedSink{m: m, inner: sink})

		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			m.setState(State{Kind: StateClosed})
			m.log.Info().Msg("connection manager stopped")
			return
		}
		if err == nil {
			// Server asked for a clean shutdown; nothing to retry.
			m.setState(State{Kind: StateClosed})
			m.log.Info().Msg("channel closed cleanly")
			return
		}

		m.mu.Lock()
		if m.retries != m.ceiling {
			m.alerts.Push(alert.SeverityWarning, "Internet connection is lost. Attempt to restart after 1 sec", time.Second)
		}
		m.retries--
		retries := m.retries
		m.mu.Unlock()

		if retries <= 0 {
			m.alerts.Push(alert.SeverityDanger, "Synchronization failed", alert.Persistent)
			m.log.Error().Err(err).Msg("synchronization failed, giving up")
			m.setState(State{Kind: StateClosed})
			return
		}

		m.log.Warn().Err(err).Int("retries_left", retries).Msg("connection cycle failed, restarting")
		m.setState(State{Kind: StateBackoff, Failures: m.ceiling - retries})

		select {
		case <-m.clock.After(reconnectDelay):
		case <-ctx.Done():
			m.setState(State{Kind: StateClosed})
			return
		}
	}
}

// Stop synchronously tears the channel down. Safe to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// noteDelivery resets the consecutive-failure budget: the counter measures
// consecutive failures, not lifetime failures.
func (m *Manager) noteDelivery() {
	m.mu.Lock()
	m.retries = m.ceiling
	if m.state.Kind != StateOpen {
		m.state = State{Kind: StateOpen}
	}
	m.mu.Unlock()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// managedSink intercepts deliveries to reset the retry budget before
// forwarding to the session's sink.
type managedSink struct {
	m     *Manager
	inner Sink
}

func (s managedSink) HandleDocument(doc *auction.Document) {
	s.m.noteDelivery()
	s.inner.HandleDocument(doc)
}

func (s managedSink) HandleEvent(e Event) {
	s.inner.HandleEvent(e)
}
