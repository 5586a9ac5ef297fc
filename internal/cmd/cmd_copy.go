// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"fmt"
	"time"

	"github.com/cheggaaa/pb"
	"github.com/gwatts/dynxfer/dynxfer"
	cli "github.com/jawher/mow.cli"
	"github.com/rs/zerolog"
)

// RegisterCopyCommand adds the copy command to app.
func RegisterCopyCommand(app *cli.Cli) {
	app.Command("copy", "Copy a DynamoDB table, including its schema, to a new table", func(cmd *cli.Cmd) {
		cmd.Spec = "[OPTIONS]"
		action := &copier{
			sourceTable: cmd.String(cli.StringOpt{
				Name:   "source-table",
				Value:  "",
				Desc:   "Table to copy from",
				EnvVar: "SOURCE_TABLE",
			}),
			destTable: cmd.String(cli.StringOpt{
				Name:   "dest-table",
				Value:  "",
				Desc:   "Table to create and copy to",
				EnvVar: "DEST_TABLE",
			}),
			source: sideOpts(cmd, "source", "SOURCE_"),
			dest:   sideOpts(cmd, "dest", "DEST_"),
			overwrite: cmd.Bool(cli.BoolOpt{
				Name:   "overwrite-dest",
				Value:  false,
				Desc:   "Delete and recreate the destination table if it already exists",
				EnvVar: "OVERWRITE_DEST",
			}),
			validate: cmd.Bool(cli.BoolOpt{
				Name:   "validate",
				Value:  false,
				Desc:   "Compare the item counts of both tables once the copy completes",
				EnvVar: "VALIDATE",
			}),
			validateMode: cmd.String(cli.StringOpt{
				Name:   "validate-mode",
				Value:  string(dynxfer.ValidateScan),
				Desc:   "How to count items: scan (exact) or metadata (approximate, updated every few hours)",
				EnvVar: "VALIDATE_MODE",
			}),
			stabilizationDelay: cmd.String(cli.StringOpt{
				Name:   "stabilization-delay",
				Value:  "10s",
				Desc:   "Time to wait after writing before counting items",
				EnvVar: "STABILIZATION_DELAY",
			}),
			deleteSource: cmd.Bool(cli.BoolOpt{
				Name:   "delete-source",
				Value:  false,
				Desc:   "Delete the source table after a successful validated copy",
				EnvVar: "DELETE_SOURCE",
			}),
			force: cmd.Bool(cli.BoolOpt{
				Name:   "force",
				Value:  false,
				Desc:   "Do not ask for confirmation before deleting a table",
				EnvVar: "FORCE",
			}),
			billing: cmd.String(cli.StringOpt{
				Name:   "billing-mode",
				Value:  string(dynxfer.BillingKeep),
				Desc:   "Billing mode of the new table: keep, on-demand or provisioned",
				EnvVar: "BILLING_MODE",
			}),
			segments: cmd.Int(cli.IntOpt{
				Name:   "segments",
				Value:  1,
				Desc:   "Number of parallel scan segments to read the source with",
				EnvVar: "SEGMENTS",
			}),
			readCapacity: cmd.Int(cli.IntOpt{
				Name:   "r read-capacity",
				Value:  0,
				Desc:   "Average aggregate read capacity to use for the scan (set to 0 for unlimited)",
				EnvVar: "READ_CAPACITY",
			}),
			pageSize: cmd.Int(cli.IntOpt{
				Name:   "page-size",
				Value:  0,
				Desc:   "Maximum number of items to fetch in each scan request (set to 0 for the service default)",
				EnvVar: "PAGE_SIZE",
			}),
			consistentRead: cmd.Bool(cli.BoolOpt{
				Name:   "consistent-read",
				Value:  false,
				Desc:   "Enable consistent reads (at 2x capacity use)",
				EnvVar: "CONSISTENT_READ",
			}),
			allowSelfCopy: cmd.Bool(cli.BoolOpt{
				Name:   "allow-self-copy",
				Value:  false,
				Desc:   "Permit copying a table onto itself, rewriting its items in place",
				EnvVar: "ALLOW_SELF_COPY",
			}),
		}
		action.transferRun.opts = registerTransferOpts(cmd)

		cmd.Before = func() {
			if msg := action.check(); msg != "" {
				usage(msg)
			}
		}
		cmd.Action = actionRunner(cmd, action)
	})
}

// sideOpts declares the connection options for one side of a copy.
func sideOpts(cmd *cli.Cmd, name, envPrefix string) awsSide {
	return awsSide{
		envPrefix: envPrefix,
		endpoint: cmd.String(cli.StringOpt{
			Name:   name + "-endpoint",
			Value:  "",
			Desc:   fmt.Sprintf("DynamoDB endpoint URL of the %s table", name),
			EnvVar: envPrefix + "DYNAMODB_ENDPOINT",
		}),
		region: cmd.String(cli.StringOpt{
			Name:   name + "-region",
			Value:  "",
			Desc:   fmt.Sprintf("AWS region of the %s table", name),
			EnvVar: envPrefix + "AWS_REGION",
		}),
		profile: cmd.String(cli.StringOpt{
			Name:   name + "-profile",
			Value:  "",
			Desc:   fmt.Sprintf("AWS shared config profile for the %s table", name),
			EnvVar: envPrefix + "AWS_PROFILE",
		}),
	}
}

type copier struct {
	transferRun
	srcAWS  *awsServices
	destAWS *awsServices
	delay   time.Duration
	policy  dynxfer.BillingPolicy

	// options
	sourceTable        *string
	destTable          *string
	source             awsSide
	dest               awsSide
	overwrite          *bool
	validate           *bool
	validateMode       *string
	stabilizationDelay *string
	deleteSource       *bool
	force              *bool
	billing            *string
	segments           *int
	readCapacity       *int
	pageSize           *int
	consistentRead     *bool
	allowSelfCopy      *bool
}

// check validates the options, returning a usage message on failure.
func (c *copier) check() string {
	switch {
	case *c.sourceTable == "":
		return "--source-table is required"
	case *c.destTable == "":
		return "--dest-table is required"
	case *c.deleteSource && !*c.validate:
		return "--delete-source requires --validate"
	}
	switch dynxfer.ValidateMode(*c.validateMode) {
	case dynxfer.ValidateScan, dynxfer.ValidateMetadata:
	default:
		return fmt.Sprintf("--validate-mode must be scan or metadata, got %q", *c.validateMode)
	}
	policy, err := dynxfer.ParseBillingPolicy(*c.billing)
	if err != nil {
		return "--billing-mode: " + err.Error()
	}
	c.policy = policy

	if c.delay, err = parseDuration("stabilization-delay", *c.stabilizationDelay); err != nil {
		return err.Error()
	}
	for _, msg := range []string{
		checkRange("segments", *c.segments, 1, maxSegments),
		checkRange("read-capacity", *c.readCapacity, 0, 0),
		checkRange("page-size", *c.pageSize, 0, 0),
	} {
		if msg != "" {
			return msg
		}
	}
	return c.opts.check()
}

func (c *copier) init(logger *zerolog.Logger) error {
	c.srcAWS = initAWS(c.source, *c.opts.maxRetries)
	c.destAWS = initAWS(c.dest, *c.opts.maxRetries)

	xfer := &dynxfer.Transfer{
		Mode:               dynxfer.ModeCopy,
		Source:             c.srcAWS.dyn,
		SourceTable:        *c.sourceTable,
		SourceIdentity:     c.source.identity(),
		Dest:               c.destAWS.dyn,
		DestTable:          *c.destTable,
		DestIdentity:       c.dest.identity(),
		AllowSelfCopy:      *c.allowSelfCopy,
		Overwrite:          *c.overwrite,
		Billing:            c.policy,
		Segments:           *c.segments,
		ReadCapacity:       float64(*c.readCapacity),
		PageSize:           int64(*c.pageSize),
		ConsistentRead:     *c.consistentRead,
		Validate:           *c.validate,
		ValidateMode:       dynxfer.ValidateMode(*c.validateMode),
		StabilizationDelay: c.delay,
		DeleteSource:       *c.deleteSource,
	}
	if !*c.force {
		xfer.Confirm = confirm
	}

	// failed items are saved alongside the destination
	if err := c.prepare(xfer, logger, c.destAWS.s3); err != nil {
		return err
	}

	c.banner = fmt.Sprintf(
		"Beginning copy: source=%q dest=%q segments=%d parallel=%d readCapacity=%d writeCapacity=%d billing=%s validate=%t delete-source=%t",
		*c.sourceTable, *c.destTable, *c.segments, *c.opts.parallel, *c.readCapacity, *c.opts.writeCapacity,
		c.policy, *c.validate, *c.deleteSource)
	return nil
}

func (c *copier) newProgressBar() *pb.ProgressBar {
	if c.xfer.Phase() < dynxfer.PhaseWrite {
		// table still being created
		return nil
	}
	// ItemCount is refreshed roughly every six hours so may be off, or zero
	return pb.New64(c.xfer.ExpectedItems())
}

func (c *copier) updateProgress(bar *pb.ProgressBar) {
	written := c.xfer.Stats().ItemsWritten
	if bar.Total > 0 && written > bar.Total {
		bar.Total = written
	}
	bar.Set64(written)
}
