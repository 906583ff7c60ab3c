package observability

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/platinummonkey/meter/pkg/contextkeys"
	"github.com/sirupsen/logrus"
)

// ParseLevel parses a level name, defaulting to info
func ParseLevel(s string) logrus.Level {
	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates the process logger: JSON lines at the given level
func NewLogger(level logrus.Level, output io.Writer) *logrus.Logger {
	if output == nil {
		output = os.Stdout
	}

	logger := logrus.New()
	logger.SetOutput(output)
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "time",
			logrus.FieldKeyMsg:  "msg",
		},
	})
	return logger
}

// WithLogger stores a request-scoped entry in the context
func WithLogger(ctx context.Context, entry *logrus.Entry) context.Context {
	return contextkeys.WithLogger(ctx, entry)
}

// FromContext returns the request-scoped entry, or an entry on fallback
// carrying the request id when one is present
func FromContext(ctx context.Context, fallback *logrus.Logger) *logrus.Entry {
	if entry, ok := ctx.Value(contextkeys.LoggerKey).(*logrus.Entry); ok && entry != nil {
		return entry
	}
	if fallback == nil {
		fallback = logrus.StandardLogger()
	}
	entry := logrus.NewEntry(fallback)
	if id := contextkeys.GetRequestID(ctx); id != "" {
		entry = entry.WithField("request_id", id)
	}
	return entry
}
