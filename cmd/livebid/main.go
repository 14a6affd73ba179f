package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opentender/livebid/internal/alert"
	"github.com/opentender/livebid/internal/api"
	"github.com/opentender/livebid/internal/auction"
	"github.com/opentender/livebid/internal/bidding"
	"github.com/opentender/livebid/internal/clock"
	"github.com/opentender/livebid/internal/config"
	"github.com/opentender/livebid/internal/realtime"
	"github.com/opentender/livebid/internal/session"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load configuration")
	}

	out := logDestination(cfg)
	logger := newLogger(out, cfg)
	clk := clockwork.NewRealClock()

	identity, err := session.LoadIdentity(cfg.ClientIDFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("load client identity")
	}
	if cfg.Bidder.ID != "" {
		identity.SetCredentials(cfg.Bidder.ID, cfg.Bidder.Hash)
	}

	client := api.NewClient(cfg.Server.BaseURL, logger)
	client.SetClientID(identity.ClientID())

	// Warn-and-above records also go to the server's log intake.
	logger = logger.Output(zerolog.MultiLevelWriter(out, api.NewServerLogWriter(client)))

	alerts := alert.NewSink(logger, clk)
	state := auction.NewStateMachine(logger)
	clocks := clock.NewSync(logger, clk, client)
	poster := session.NewPoster(client, identity, cfg.AuctionID)
	submitter := bidding.NewSubmitter(logger, clk, alerts, state, poster)
	auth := session.NewAuthorizer(logger, clk, alerts, client, cfg.AuctionID, identity)

	header := http.Header{}
	header.Set("Cookie", "client_id="+identity.ClientID())

	var transport realtime.Transport
	switch cfg.Transport {
	case config.TransportStream:
		transport = realtime.NewStreamTransport(
			logger, clk, cfg.Server.StreamURL, header, cfg.AuctionID, client, client)
	default:
		transport = realtime.NewSocketTransport(logger, clk, cfg.Server.SocketURL, header)
	}
	manager := realtime.NewManager(logger, clk, alerts, transport, cfg.RetryCeiling)

	controller := session.NewController(
		logger, clk, alerts, client, auth, identity, state, submitter, clocks, manager, cfg.AuctionID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("auction_id", cfg.AuctionID).
		Str("transport", cfg.Transport).
		Bool("observer", identity.Observer()).
		Msg("starting session")

	if err := controller.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("session ended with error")
	}
	logger.Info().Msg("session ended")
}

func logDestination(cfg *config.Config) io.Writer {
	if cfg.Log.Pretty {
		return zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return os.Stderr
}

func newLogger(out io.Writer, cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).With().Timestamp().Logger().Level(level)
}
