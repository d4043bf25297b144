package cmd

import (
	"fmt"

	"github.com/rs/zerolog"
	"go.uber.org/automaxprocs/maxprocs"
)

// autoMaxProcs sets GOMAXPROCS from the container's cgroup CPU quota once at
// startup and returns a func to undo it on shutdown. Unlike the teacher,
// which re-applies it on a ticker for long-running cache daemons, shardcast
// subcommands are short-lived CLI invocations (pack/pull/resolve exit after
// one run; serve runs until killed), so one-shot is enough.
func autoMaxProcs(logger zerolog.Logger) (undo func()) {
	log := logger.With().Str("component", "auto-max-procs").Logger()

	undo, err := maxprocs.Set(maxprocs.Logger(diffInfof(log)))
	if err != nil {
		log.Error().Err(err).Msg("failed to set GOMAXPROCS")

		return func() {}
	}

	return undo
}

func diffInfof(logger zerolog.Logger) func(string, ...interface{}) {
	var last string

	return func(format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		if msg != last {
			logger.Info().Msg(msg)
			last = msg
		}
	}
}
