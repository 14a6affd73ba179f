package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentender/livebid/internal/alert"
	"github.com/opentender/livebid/internal/auction"
)

// collectSink gathers everything a transport delivers.
type collectSink struct {
	mu     sync.Mutex
	docs   []*auction.Document
	events []Event
}

func (s *collectSink) HandleDocument(doc *auction.Document) {
	s.mu.Lock()
	s.docs = append(s.docs, doc)
	s.mu.Unlock()
}

func (s *collectSink) HandleEvent(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *collectSink) docCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func (s *collectSink) eventTypes() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

// scriptedTransport runs one scripted cycle per call.
type scriptedTransport struct {
	mu    sync.Mutex
	runs  int
	steps []func(ctx context.Context, sink Sink) error
}

func (t *scriptedTransport) Run(ctx context.Context, sink Sink) error {
	t.mu.Lock()
	n := t.runs
	t.runs++
	t.mu.Unlock()
	if n < len(t.steps) {
		return t.steps[n](ctx, sink)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (t *scriptedTransport) runCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs
}

func alertMessages(sink *alert.Sink) string {
	var b strings.Builder
	for _, a := range sink.Active() {
		b.WriteString(a.Message)
		b.WriteString("\n")
	}
	return b.String()
}

func failingStep(context.Context, Sink) error { return errors.New("connection reset") }

func TestManagerGivesUpAfterCeiling(t *testing.T) {
	clk := clockwork.NewRealClock()
	alerts := alert.NewSink(zerolog.Nop(), clk)
	transport := &scriptedTransport{steps: []func(context.Context, Sink) error{
		failingStep, failingStep,
	}}
	m := NewManager(zerolog.Nop(), clk, alerts, transport, 2)

	m.Start(context.Background(), &collectSink{})

	assert.Equal(t, 2, transport.runCount())
	assert.Equal(t, StateClosed, m.State().Kind)
	assert.Contains(t, alertMessages(alerts), "Synchronization failed")
}

func TestManagerCleanCloseStops(t *testing.T) {
	clk := clockwork.NewRealClock()
	alerts := alert.NewSink(zerolog.Nop(), clk)
	transport := &scriptedTransport{steps: []func(context.Context, Sink) error{
		func(context.Context, Sink) error { return nil },
	}}
	m := NewManager(zerolog.Nop(), clk, alerts, transport, 5)

	m.Start(context.Background(), &collectSink{})

	assert.Equal(t, 1, transport.runCount())
	assert.Equal(t, StateClosed, m.State().Kind)
	assert.NotContains(t, alertMessages(alerts), "Synchronization failed")
}

func TestManagerDeliveryResetsBudget(t *testing.T) {
	clk := clockwork.NewRealClock()
	alerts := alert.NewSink(zerolog.Nop(), clk)
	deliverThenFail := func(_ context.Context, sink Sink) error {
		sink.HandleDocument(&auction.Document{ID: "a"})
		return errors.New("connection reset")
	}
	// With a ceiling of 2 and a delivery in each of the first two cycles,
	// the budget is refilled twice and a third cycle still runs.
	transport := &scriptedTransport{steps: []func(context.Context, Sink) error{
		deliverThenFail, deliverThenFail,
		func(context.Context, Sink) error { return nil },
	}}
	m := NewManager(zerolog.Nop(), clk, alerts, transport, 2)

	sink := &collectSink{}
	m.Start(context.Background(), sink)

	assert.Equal(t, 3, transport.runCount())
	assert.Equal(t, 2, sink.docCount())
	assert.NotContains(t, alertMessages(alerts), "Synchronization failed")
}

func TestManagerStop(t *testing.T) {
	clk := clockwork.NewRealClock()
	alerts := alert.NewSink(zerolog.Nop(), clk)
	transport := &scriptedTransport{}
	m := NewManager(zerolog.Nop(), clk, alerts, transport, 5)

	done := make(chan struct{})
	go func() {
		m.Start(context.Background(), &collectSink{})
		close(done)
	}()

	require.Eventually(t, func() bool { return transport.runCount() == 1 }, time.Second, 5*time.Millisecond)
	m.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("manager did not stop")
	}
	assert.Equal(t, StateClosed, m.State().Kind)
}

func TestManagerNoWarningOnFirstFailure(t *testing.T) {
	clk := clockwork.NewRealClock()
	alerts := alert.NewSink(zerolog.Nop(), clk)
	transport := &scriptedTransport{steps: []func(context.Context, Sink) error{
		failingStep,
	}}
	m := NewManager(zerolog.Nop(), clk, alerts, transport, 1)

	m.Start(context.Background(), &collectSink{})

	// Budget of one: the first failure is terminal, and the transient
	// restart warning never fires for it.
	assert.NotContains(t, alertMessages(alerts), "Attempt to restart")
	assert.Contains(t, alertMessages(alerts), "Synchronization failed")
}
