// Package logging wraps github.com/rs/zerolog into the store's logging
// convention: one zerolog.Logger per component, each tagged with a
// "component" field.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Sink is the optional runtime.logFunc hook: a function that receives
// each formatted log line in addition to zerolog's normal writer.
type Sink func(line string)

type sinkWriter struct {
	sink Sink
}

func (w sinkWriter) Write(p []byte) (int, error) {
	w.sink(string(p))
	return len(p), nil
}

// New builds the root logger at level, writing to os.Stderr and, if sink
// is non-nil, also to sink — the runtime.logFunc escape hatch.
func New(level zerolog.Level, sink Sink) zerolog.Logger {
	var w io.Writer = os.Stderr
	if sink != nil {
		w = io.MultiWriter(os.Stderr, sinkWriter{sink: sink})
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
