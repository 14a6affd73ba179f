package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/opentender/livebid/internal/auction"
)

const (
	// heartbeatInterval is how often the client emits its liveness probe.
	heartbeatInterval = 5 * time.Second
	// maxMissedHeartbeats closes the connection after this many probes
	// went out with no inbound token in between.
	maxMissedHeartbeats = 3

	heartbeatProbe = "PONG"
	heartbeatReply = "PING"

	socketHandshakeTimeout = 10 * time.Second
	socketWriteTimeout     = 5 * time.Second
	socketReadLimit        = 1 << 20
)

// ErrUnhealthy is returned when the heartbeat ceiling was reached and the
// client closed the connection itself.
var ErrUnhealthy = errors.New("realtime: connection unhealthy")

// SocketTransport exchanges heartbeat tokens and JSON document snapshots
// over a WebSocket.
type SocketTransport struct {
	log      zerolog.Logger
	clock    clockwork.Clock
	endpoint string
	header   http.Header
}

// NewSocketTransport returns a socket strategy for the given ws/wss
// endpoint. The header carries the session's client_id cookie.
func NewSocketTransport(log zerolog.Logger, clk clockwork.Clock, endpoint string, header http.Header) *SocketTransport {
	return &SocketTransport{
		log:      log.With().Str("component", "socket").Str("endpoint", endpoint).Logger(),
		clock:    clk,
		endpoint: endpoint,
		header:   header,
	}
}

// Run dials and pumps one connection until it closes. Inbound plaintext
// heartbeat tokens reset the missed-probe counter; everything else is
// decoded as a document snapshot.
func (t *SocketTransport) Run(ctx context.Context, sink Sink) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: socketHandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, t.endpoint, t.header)
	if err != nil {
		if resp != nil {
			t.log.Error().Err(err).Int("status", resp.StatusCode).Msg("socket dial failed")
		} else {
			t.log.Error().Err(err).Msg("socket dial failed")
		}
		return fmt.Errorf("dial socket: %w", err)
	}
	defer conn.Close()
	conn.SetReadLimit(socketReadLimit)
	t.log.Info().Msg("socket connected")

	var missed atomic.Int32
	readErr := make(chan error, 1)
	go t.readLoop(conn, sink, &missed, readErr)

	ticker := t.clock.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if missed.Load() >= maxMissedHeartbeats {
				t.log.Warn().Msg("heartbeat ceiling reached, closing connection")
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unhealthy")
				conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(socketWriteTimeout))
				conn.Close()
				<-readErr
				return ErrUnhealthy
			}
			conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(heartbeatProbe)); err != nil {
				t.log.Warn().Err(err).Msg("heartbeat write failed")
				conn.Close()
				<-readErr
				return fmt.Errorf("write heartbeat: %w", err)
			}
			missed.Add(1)

		case err := <-readErr:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.log.Info().Err(err).Msg("socket closed by server")
				return fmt.Errorf("socket closed: %w", err)
			}
			t.log.Warn().Err(err).Msg("socket read failed")
			return fmt.Errorf("read socket: %w", err)

		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(socketWriteTimeout))
			conn.Close()
			<-readErr
			return ctx.Err()
		}
	}
}

func (t *SocketTransport) readLoop(conn *websocket.Conn, sink Sink, missed *atomic.Int32, readErr chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		if s := string(data); s == heartbeatReply || s == heartbeatProbe {
			missed.Store(0)
			continue
		}

		var doc auction.Document
		if err := json.Unmarshal(data, &doc); err != nil {
			t.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping undecodable snapshot")
			continue
		}
		// Any successful inbound traffic proves the link is alive.
		missed.Store(0)
		sink.HandleDocument(&doc)
	}
}
