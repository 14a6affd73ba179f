package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/opentender/livebid/internal/auction"
)

const (
	// pollInterval is the document polling cadence of stream mode.
	pollInterval = 5 * time.Second
	// identificationTimeout arms the set-receive-timeout request when no
	// identification arrived after connecting.
	identificationTimeout = 20 * time.Second
	// streamRetries bounds consecutive event-stream failures before the
	// reader gives up; polling continues regardless.
	streamRetries = 3
)

// errStreamClosed ends the reader loop after a server Close event.
var errStreamClosed = errors.New("realtime: event stream closed by server")

// DocumentFetcher polls document snapshots.
type DocumentFetcher interface {
	GetAuction(ctx context.Context, auctionID string) (*auction.Document, error)
}

// ReceiveTimeoutSetter is the pending "set receive timeout" request sent
// when identification is late.
type ReceiveTimeoutSetter interface {
	SetReceiveTimeout(ctx context.Context, seconds int) error
}

// StreamTransport combines the server-push event stream with the 5-second
// document polling loop of the legacy flow.
type StreamTransport struct {
	log      zerolog.Logger
	clock    clockwork.Clock
	httpc    *http.Client
	endpoint string
	header   http.Header

	auctionID string
	fetcher   DocumentFetcher
	timeouts  ReceiveTimeoutSetter
}

// NewStreamTransport returns a stream strategy reading events from the
// given event-source endpoint and polling documents through the fetcher.
func NewStreamTransport(
	log zerolog.Logger,
	clk clockwork.Clock,
	endpoint string,
	header http.Header,
	auctionID string,
	fetcher DocumentFetcher,
	timeouts ReceiveTimeoutSetter,
) *StreamTransport {
	return &StreamTransport{
		log:       log.With().Str("component", "stream").Str("endpoint", endpoint).Logger(),
		clock:     clk,
		httpc:     &http.Client{},
		endpoint:  endpoint,
		header:    header,
		auctionID: auctionID,
		fetcher:   fetcher,
		timeouts:  timeouts,
	}
}

// Run opens the event stream, waits for the identification handshake (or
// a Close event, or the receive-timeout window) and then drives the
// polling loop. A failed poll ends the cycle; the manager restarts it.
func (t *StreamTransport) Run(ctx context.Context, sink Sink) error {
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	var startOnce sync.Once
	started := make(chan struct{})
	handshake := func() {
		startOnce.Do(func() { close(started) })
	}

	go t.armReceiveTimeout(streamCtx, started)
	go t.readerLoop(streamCtx, sink, handshake)

	select {
	case <-started:
	case <-ctx.Done():
		return ctx.Err()
	}

	ticker := t.clock.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		doc, err := t.fetcher.GetAuction(ctx, t.auctionID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("poll document: %w", err)
		}
		sink.HandleDocument(doc)

		select {
		case <-ticker.Chan():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// armReceiveTimeout sends the set-receive-timeout request if the
// identification handshake has not resolved within the window.
func (t *StreamTransport) armReceiveTimeout(ctx context.Context, started <-chan struct{}) {
	timer := t.clock.NewTimer(identificationTimeout)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		t.log.Info().Msg("identification is late, requesting receive timeout")
		if err := t.timeouts.SetReceiveTimeout(ctx, 7); err != nil {
			t.log.Error().Err(err).Msg("set receive timeout failed")
		}
	case <-started:
	case <-ctx.Done():
	}
}

// readerLoop keeps the event stream open, allowing a bounded number of
// consecutive failures. Any delivered event resets the budget.
func (t *StreamTransport) readerLoop(ctx context.Context, sink Sink, handshake func()) {
	retries := streamRetries
	for {
		delivered, err := t.readStream(ctx, sink, handshake)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errStreamClosed) {
			// Server-side close: identification will not come. The session
			// continues as an observer on polling alone.
			handshake()
			return
		}
		if delivered {
			retries = streamRetries
		}
		retries--
		if retries <= 0 {
			t.log.Error().Err(err).Msg("event stream stopped")
			handshake()
			return
		}
		t.log.Warn().Err(err).Int("retries_left", retries).Msg("event stream failed, reconnecting")
		select {
		case <-t.clock.After(reconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

// readStream consumes one event-source connection, dispatching each named
// event. Returns whether any event was delivered.
func (t *StreamTransport) readStream(ctx context.Context, sink Sink, handshake func()) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, vs := range t.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := t.httpc.Do(req)
	if err != nil {
		return false, fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("open event stream: status %d", resp.StatusCode)
	}
	t.log.Info().Msg("event stream connected")

	delivered := false
	var eventName string
	var data strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventName != "" {
				e := Event{Type: EventType(eventName), Data: json.RawMessage(data.String())}
				delivered = true
				t.dispatch(e, sink, handshake)
				if e.Type == EventClose {
					return delivered, errStreamClosed
				}
			}
			eventName = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return delivered, fmt.Errorf("read event stream: %w", err)
	}
	return delivered, fmt.Errorf("event stream ended")
}

func (t *StreamTransport) dispatch(e Event, sink Sink, handshake func()) {
	t.log.Debug().Str("event", string(e.Type)).Msg("stream event")
	if e.Type == EventIdentification || e.Type == EventClose {
		handshake()
	}
	sink.HandleEvent(e)
}
