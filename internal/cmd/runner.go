// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cheggaaa/pb"
	cli "github.com/jawher/mow.cli"
	"github.com/rs/zerolog"
)

type action interface {
	init(logger *zerolog.Logger) error

	// newProgressBar may return nil until the size of the job is known;
	// it is called again on each progress tick until it returns a bar.
	newProgressBar() (bar *pb.ProgressBar)
	updateProgress(bar *pb.ProgressBar)
	start(termWriter io.Writer) (doneChan chan error, err error)
	abort()
	printFinalStats(w io.Writer)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newLogger builds the log output for a command.  An empty target disables
// logging, "-" logs to stdout and anything else is appended to as a file.
func newLogger(target, level string) (zerolog.Logger, io.Closer, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("invalid log level %q", level)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var w io.Writer
	var c io.Closer = nopCloser{}
	switch target {
	case "":
		return zerolog.Nop(), c, nil
	case "-":
		w = os.Stdout
	default:
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0666)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("could not open logfile for write: %s", err)
		}
		w, c = f, f
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), c, nil
}

// actionRunner handles running an action which may take a while to complete
// providing progress bars and signal handling.
func actionRunner(cmd *cli.Cmd, action action) func() {
	silent := cmd.Bool(cli.BoolOpt{
		Name:   "silent",
		Value:  false,
		Desc:   "Set to true to disable all non-error and non-log output",
		EnvVar: "SILENT",
	})
	noProgress := cmd.Bool(cli.BoolOpt{
		Name:   "no-progress",
		Value:  false,
		Desc:   "Set to true to disable the progress bar",
		EnvVar: "NO_PROGRESS",
	})
	logTarget := cmd.String(cli.StringOpt{
		Name:   "log",
		Value:  "",
		Desc:   "Set to a filename or --log=- for stdout; defaults to no log output",
		EnvVar: "LOG_TARGET",
	})
	logLevel := cmd.String(cli.StringOpt{
		Name:   "log-level",
		Value:  "info",
		Desc:   "Minimum level to log: debug, info, warn or error",
		EnvVar: "LOG_LEVEL",
	})

	return func() {
		var termWriter io.Writer = os.Stderr
		var progressTicker <-chan time.Time

		logger, closer, err := newLogger(*logTarget, *logLevel)
		if err != nil {
			usage("%v", err)
		}

		if *silent {
			termWriter = io.Discard
		}

		if err := action.init(&logger); err != nil {
			fail("Initialization failed: %v", err)
		}

		done, err := action.start(termWriter)
		if err != nil {
			fail("Startup failed: %v", err)
		}

		showBar := !*silent && !*noProgress
		if showBar {
			progressTicker = time.Tick(statsFrequency)
		}
		var bar *pb.ProgressBar
		finishBar := func() {
			if bar != nil {
				bar.Finish()
				bar = nil
			}
			showBar = false
		}

		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGTERM, syscall.SIGINT)

		var runErr error
		var aborted bool
	LOOP:
		for {
			select {
			case <-progressTicker:
				if showBar && bar == nil {
					if bar = action.newProgressBar(); bar != nil {
						bar.Output = os.Stderr
						bar.ShowSpeed = true
						bar.ManualUpdate = true
						bar.SetMaxWidth(78)
						bar.Start()
					}
				}
				if bar != nil {
					action.updateProgress(bar)
					bar.Update()
				}

			case <-sigchan:
				finishBar()
				fmt.Fprintf(termWriter, "\nAborting..")
				logger.Warn().Msg("abort requested")
				action.abort()
				runErr = <-done
				aborted = true
				fmt.Fprintf(termWriter, "Aborted.\n")
				break LOOP

			case runErr = <-done:
				finishBar()
				break LOOP
			}
		}

		action.printFinalStats(termWriter)
		closer.Close()
		switch {
		case aborted:
			cli.Exit(100)
		case runErr != nil:
			fail("Processing failed: %v", runErr)
		}
	}
}
