package utils

import (
	"strings"

	"github.com/rs/zerolog"
)

// LogWriterCtx forwards free-form output (child processes, net/http server
// errors) into zerolog, one event per non-empty line.
type LogWriterCtx struct {
	logger zerolog.Logger
	level  zerolog.Level
}

func LogWriter(l zerolog.Logger) *LogWriterCtx {
	return LogWriterLevel(l, zerolog.WarnLevel)
}

func LogWriterLevel(l zerolog.Logger, level zerolog.Level) *LogWriterCtx {
	return &LogWriterCtx{
		logger: l,
		level:  level,
	}
}

func (l LogWriterCtx) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		l.logger.WithLevel(l.level).Msg(line)
	}
	return len(p), nil
}
