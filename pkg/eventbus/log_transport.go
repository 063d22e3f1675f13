package eventbus

import "context"

// EventLogger is the logging surface the log transport needs. The
// pkg/logger Logger satisfies it.
type EventLogger interface {
	Info(msg string, args ...any)
}

// LogTransport writes lifecycle events to the process log. It is the
// fallback sink for deployments without an external bus.
type LogTransport struct {
	log EventLogger
}

// NewLogTransport creates a log-backed transport.
func NewLogTransport(log EventLogger) *LogTransport {
	return &LogTransport{log: log}
}

// Publish logs the event payload under its subject.
func (t *LogTransport) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.log.Info("lifecycle event", "subject", subject, "payload", string(payload))
	return nil
}
