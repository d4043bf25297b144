package main

import (
	"context"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/shardcast/shardcast/cmd"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	var logger zerolog.Logger
	if term.IsTerminal(int(os.Stdout.Fd())) {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: colorable.NewColorableStdout()}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	c := cmd.New(logger)

	if err := c.Run(context.Background(), os.Args); err != nil {
		logger.Error().Err(err).Msg("error running the application")

		return 1
	}

	return 0
}
