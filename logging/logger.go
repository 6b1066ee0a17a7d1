package logging

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

type Logger = logrus.FieldLogger

type ctxKey int

const loggerCtxKey ctxKey = iota

func New() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{})
	return l
}

// Discard returns a logger dropping every entry.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey, logger)
}

func LoggerFromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerCtxKey).(Logger); ok {
		return logger
	}
	return logrus.StandardLogger()
}
