// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gwatts/dynxfer/dynxfer"
	cli "github.com/jawher/mow.cli"
	"github.com/rs/zerolog"
)

// transferOpts are the options common to every command that writes to a
// table.
type transferOpts struct {
	maxRetries    *int
	batchSize     *int
	parallel      *int
	writeCapacity *int
	maxAttempts   *int
	maxRetryTime  *string
	failedFile    *string
	failedBucket  *string
	failedPrefix  *string
	summaryFile   *string

	retryTime time.Duration
}

func registerTransferOpts(cmd *cli.Cmd) *transferOpts {
	return &transferOpts{
		maxRetries: cmd.Int(cli.IntOpt{
			Name:   "max-retries",
			Value:  awsMaxRetries,
			Desc:   "Maximum number of retry attempts the AWS SDK makes for a single request",
			EnvVar: "AWS_MAX_RETRIES",
		}),
		batchSize: cmd.Int(cli.IntOpt{
			Name:   "batch-size",
			Value:  dynxfer.DefaultBatchSize,
			Desc:   "Number of items to write in each BatchWriteItem request (1-25)",
			EnvVar: "BATCH_SIZE",
		}),
		parallel: cmd.Int(cli.IntOpt{
			Name:   "p parallel",
			Value:  defaultParallel,
			Desc:   "Number of concurrent batch writes to run against DynamoDB",
			EnvVar: "MAX_PARALLEL",
		}),
		writeCapacity: cmd.Int(cli.IntOpt{
			Name:   "w write-capacity",
			Value:  0,
			Desc:   "Average aggregate write capacity to use (set to 0 for unlimited)",
			EnvVar: "WRITE_CAPACITY",
		}),
		maxAttempts: cmd.Int(cli.IntOpt{
			Name:   "max-attempts",
			Value:  8,
			Desc:   "Maximum number of attempts to write a throttled batch before its items are failed",
			EnvVar: "MAX_ATTEMPTS",
		}),
		maxRetryTime: cmd.String(cli.StringOpt{
			Name:   "max-retry-time",
			Value:  "2m",
			Desc:   "Maximum time to spend retrying a single batch",
			EnvVar: "MAX_RETRY_TIME",
		}),
		failedFile: cmd.String(cli.StringOpt{
			Name:   "failed-items",
			Value:  "",
			Desc:   "File to write items that could not be written to, as JSON lines",
			EnvVar: "FAILED_ITEMS",
		}),
		failedBucket: cmd.String(cli.StringOpt{
			Name:   "failed-items-s3-bucket",
			Value:  "",
			Desc:   "S3 bucket to write items that could not be written to",
			EnvVar: "FAILED_ITEMS_S3_BUCKET",
		}),
		failedPrefix: cmd.String(cli.StringOpt{
			Name:   "failed-items-s3-prefix",
			Value:  "",
			Desc:   "Path prefix for failed item objects in S3; defaults to a timestamped name",
			EnvVar: "FAILED_ITEMS_S3_PREFIX",
		}),
		summaryFile: cmd.String(cli.StringOpt{
			Name:   "summary",
			Value:  "",
			Desc:   "File to write the final transfer summary to, as JSON",
			EnvVar: "SUMMARY_FILE",
		}),
	}
}

// check validates the shared options, returning a usage message on failure.
func (o *transferOpts) check() string {
	for _, msg := range []string{
		checkRange("max-retries", *o.maxRetries, 0, 0),
		checkRange("batch-size", *o.batchSize, 1, dynxfer.MaxBatchSize),
		checkRange("parallel", *o.parallel, 1, maxParallel),
		checkRange("write-capacity", *o.writeCapacity, 0, 0),
		checkRange("max-attempts", *o.maxAttempts, 1, 0),
	} {
		if msg != "" {
			return msg
		}
	}
	d, err := parseDuration("max-retry-time", *o.maxRetryTime)
	if err != nil {
		return err.Error()
	}
	o.retryTime = d
	if *o.failedPrefix != "" && *o.failedBucket == "" {
		return "--failed-items-s3-prefix requires --failed-items-s3-bucket"
	}
	return ""
}

// apply copies the shared options onto a transfer.
func (o *transferOpts) apply(t *dynxfer.Transfer) {
	t.BatchSize = *o.batchSize
	t.MaxParallel = *o.parallel
	t.WriteCapacity = float64(*o.writeCapacity)
	t.MaxAttempts = *o.maxAttempts
	t.MaxElapsed = o.retryTime
}

// failureSinks fans failed items out to a local file and an S3 prefix.
type failureSinks struct {
	logger  *zerolog.Logger
	writers []dynxfer.FailureWriter
	file    *os.File
	s3sink  *dynxfer.S3FailureSink
	written int64
}

func (fs *failureSinks) open(o *transferOpts, s3svc dynxfer.S3Putter) error {
	if path := *o.failedFile; path != "" {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return fmt.Errorf("failed to open failed items file: %v", err)
		}
		fs.file = f
		fs.writers = append(fs.writers, dynxfer.NewFailureEncoder(f))
	}
	if bucket := *o.failedBucket; bucket != "" {
		prefix := *o.failedPrefix
		if prefix == "" {
			prefix = "dynxfer-failed-" + time.Now().UTC().Format("2006-01-02T15-04-05Z")
		}
		fs.s3sink = dynxfer.NewS3FailureSink(s3svc, bucket, prefix)
		fs.s3sink.Logger = fs.logger
		fs.writers = append(fs.writers, fs.s3sink)
	}
	return nil
}

// handler returns the OnFailure callback, or nil if no sink is configured.
func (fs *failureSinks) handler() func(dynxfer.FailedItem) {
	if len(fs.writers) == 0 {
		return nil
	}
	return func(fi dynxfer.FailedItem) {
		atomic.AddInt64(&fs.written, 1)
		for _, w := range fs.writers {
			if err := w.WriteFailure(fi); err != nil {
				fs.logger.Error().Err(err).Str("key", fi.Key).Msg("could not record failed item")
			}
		}
	}
}

func (fs *failureSinks) close() (err error) {
	if fs.file != nil {
		err = fs.file.Close()
	}
	if fs.s3sink != nil {
		if serr := fs.s3sink.Close(); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

// transferRun runs a configured transfer on behalf of a command.
type transferRun struct {
	opts   *transferOpts
	xfer   *dynxfer.Transfer
	logger *zerolog.Logger
	sinks  failureSinks
	banner string
}

// prepare applies the shared options to xfer and opens the failure sinks.
func (tr *transferRun) prepare(xfer *dynxfer.Transfer, logger *zerolog.Logger, s3svc dynxfer.S3Putter) error {
	tr.xfer = xfer
	tr.logger = logger
	tr.sinks.logger = logger
	tr.opts.apply(xfer)
	xfer.Logger = logger
	if err := tr.sinks.open(tr.opts, s3svc); err != nil {
		return err
	}
	xfer.OnFailure = tr.sinks.handler()
	return nil
}

func (tr *transferRun) start(termWriter io.Writer) (done chan error, err error) {
	fmt.Fprintln(termWriter, tr.banner)
	tr.logger.Info().Msg(tr.banner)

	done = make(chan error, 1)
	go func() {
		err := tr.xfer.Run()
		if cerr := tr.sinks.close(); cerr != nil {
			tr.logger.Error().Err(cerr).Msg("failed to save failed items")
			if err == nil {
				err = cerr
			}
		}
		done <- err
	}()
	return done, nil
}

func (tr *transferRun) abort() {
	tr.xfer.Stop()
}

func (tr *transferRun) printFinalStats(w io.Writer) {
	s := tr.xfer.Summary()
	s.Render(w)
	if atomic.LoadInt64(&tr.sinks.written) > 0 {
		var dests []string
		if *tr.opts.failedFile != "" {
			dests = append(dests, *tr.opts.failedFile)
		}
		if *tr.opts.failedBucket != "" {
			dests = append(dests, "s3://"+*tr.opts.failedBucket)
		}
		fmt.Fprintf(w, "Failed items saved to: %s\n", strings.Join(dests, ", "))
	}

	if path := *tr.opts.summaryFile; path != "" {
		data, err := json.MarshalIndent(s, "", "  ")
		if err == nil {
			err = os.WriteFile(path, append(data, '\n'), 0644)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write summary: %v\n", err)
		}
	}

	st := tr.xfer.Stats()
	tr.logger.Info().Str("status", string(s.Status)).Int64("read", st.ItemsRead).
		Int64("written", st.ItemsWritten).Int64("failed", st.ItemsFailed).
		Float64("capacity", st.CapacityUsed).Dur("duration", s.Duration()).Msg("final transfer stats")
}
