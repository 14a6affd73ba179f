package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

const logShipTimeout = 5 * time.Second

// LogAPI is the server's client-log intake.
type LogAPI interface {
	SendLog(ctx context.Context, fields map[string]any) error
}

// ServerLogWriter forwards warn-and-above log records to the server,
// fire and forget. Failures are swallowed: log shipping must never feed
// back into logging.
type ServerLogWriter struct {
	client LogAPI
}

// NewServerLogWriter returns a writer for zerolog.MultiLevelWriter.
func NewServerLogWriter(client LogAPI) *ServerLogWriter {
	return &ServerLogWriter{client: client}
}

// Write satisfies io.Writer; records without level information are not
// shipped.
func (w *ServerLogWriter) Write(p []byte) (int, error) {
	return len(p), nil
}

// WriteLevel ships warn-and-above records asynchronously.
func (w *ServerLogWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < zerolog.WarnLevel || level >= zerolog.NoLevel {
		return len(p), nil
	}
	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		return len(p), nil
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), logShipTimeout)
		defer cancel()
		w.client.SendLog(ctx, fields)
	}()
	return len(p), nil
}
