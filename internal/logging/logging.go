// Package logging wires up the logrus backend that dlog writes through,
// following the teacher's pkg/client/logging/formatter.go and
// pkg/client/log.go split: one place builds a *logrus.Logger, everything
// else only ever logs through a context.Context via dlog.
package logging

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
)

// Formatter renders "2006-01-02 15:04:05.000 LEVEL goroutine: message k=v ..."
// matching the density (not the exact layout) of the teacher's formatter.
type Formatter struct{}

func (Formatter) Format(e *logrus.Entry) ([]byte, error) {
	goroutine, _ := e.Data["goroutine"].(string)
	if goroutine != "" {
		goroutine = " " + goroutine
	}
	line := fmt.Sprintf("%s %-5s%s: %s", e.Time.Format("2006-01-02 15:04:05.000"), levelName(e.Level), goroutine, e.Message)
	for k, v := range e.Data {
		if k == "goroutine" {
			continue
		}
		line += fmt.Sprintf(" %s=%v", k, v)
	}
	return append([]byte(line), '\n'), nil
}

func levelName(l logrus.Level) string {
	switch l {
	case logrus.DebugLevel, logrus.TraceLevel:
		return "debug"
	case logrus.InfoLevel:
		return "info"
	case logrus.WarnLevel:
		return "warn"
	default:
		return "error"
	}
}

// New builds the root logrus.Logger that cmd/x2ssh (the root command and
// its cleanup subcommand) attaches to its context, writing to out at the
// given level ("debug", "info", "warn", "error").
func New(out io.Writer, level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(Formatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// WithLogger attaches logger to ctx so every downstream package can log via
// dlog.Debugf/dlog.Errorf without ever importing logrus directly.
func WithLogger(ctx context.Context, logger *logrus.Logger) context.Context {
	return dlog.WithLogger(ctx, dlog.WrapLogrus(logger))
}

// TeeStderr logs one line of stderr-like output as an error entry under
// prefix. pkg/vpn's agent stderr tee logs through dlog.Errorf directly and
// does not call it.
func TeeStderr(ctx context.Context, prefix string, line string) {
	dlog.Errorf(ctx, "%s: %s", prefix, line)
}

// Since lets tests/log lines report elapsed time without importing time
// everywhere that only needs a duration string.
func Since(start time.Time) string {
	return time.Since(start).Round(time.Millisecond).String()
}
