package logx

import (
	"io"
	"os"

	"github.com/relay-agent/server/internal/core"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var DefaultLoggerOpts = &LoggerOpts{
	Environment: core.Development,
}

type LoggerOpts struct {
	Environment core.Environment
	// Level overrides the environment default (debug, info, warn, error).
	Level string
	// Writer overrides stdout/stderr, mainly for tests.
	Writer io.Writer
}

func safe(otps ...LoggerOpts) *LoggerOpts {
	if len(otps) == 0 {
		return DefaultLoggerOpts
	}
	return &otps[0]
}

func Init(otps ...LoggerOpts) {
	opts := safe(otps...)
	level := zerolog.DebugLevel
	if opts.Environment == core.Production {
		level = zerolog.InfoLevel
	}
	if opts.Level != "" {
		if l, err := zerolog.ParseLevel(opts.Level); err == nil {
			level = l
		}
	}

	out := opts.Writer
	if opts.Environment == core.Production {
		if out == nil {
			out = os.Stderr
		}
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		cw := zerolog.NewConsoleWriter()
		if out != nil {
			cw.Out = out
		}
		log.Logger = zerolog.New(cw).With().Timestamp().Caller().Logger()
	}
	log.Logger = log.Logger.Level(level)
}

// Run returns a debug event pre-tagged with the run and node identifiers.
func Run(runID, node string) *zerolog.Event {
	return log.Debug().Str("run_id", runID).Str("node", node)
}

func Debug() *zerolog.Event {
	return log.Debug()
}

func Info() *zerolog.Event {
	return log.Info()
}

func Warn() *zerolog.Event {
	return log.Warn()
}

func Error() *zerolog.Event {
	return log.Error()
}

func Panic() *zerolog.Event {
	return log.Panic()
}

func Fatal() *zerolog.Event {
	return log.Fatal()
}
