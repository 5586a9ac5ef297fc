// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"fmt"

	"github.com/cheggaaa/pb"
	"github.com/gwatts/dynxfer/dynxfer"
	cli "github.com/jawher/mow.cli"
	"github.com/rs/zerolog"
)

// RegisterImportCommand adds the import command to app.
func RegisterImportCommand(app *cli.Cli) {
	app.Command("import", "Import JSON records from files, stdin or S3 into an existing DynamoDB table", func(cmd *cli.Cmd) {
		cmd.Spec = "[OPTIONS] TABLENAME"
		action := &importer{
			tableName: cmd.StringArg("TABLENAME", "",
				"Table name to import into"),
			dataDir: cmd.String(cli.StringOpt{
				Name:   "d data-dir",
				Value:  "",
				Desc:   "Directory holding the .json and .json.gz files to import",
				EnvVar: "DATA_DIR",
			}),
			files: cmd.Strings(cli.StringsOpt{
				Name:   "f file",
				Value:  nil,
				Desc:   "File to import; may be repeated.  Files ending in .gz are decompressed",
				EnvVar: "FILES",
			}),
			stdin: cmd.Bool(cli.BoolOpt{
				Name:   "stdin",
				Value:  false,
				Desc:   "If true then read records from stdin",
				EnvVar: "USE_STDIN",
			}),
			s3BucketName: cmd.String(cli.StringOpt{
				Name:   "s3-bucket",
				Value:  "",
				Desc:   "S3 bucket name to read from",
				EnvVar: "S3_BUCKET",
			}),
			s3Prefix: cmd.String(cli.StringOpt{
				Name:   "s3-prefix",
				Value:  "",
				Desc:   `Path prefix of the objects to import (eg. "exports/2016-04-01/")`,
				EnvVar: "S3_PREFIX",
			}),
			typed: cmd.Bool(cli.BoolOpt{
				Name:   "typed",
				Value:  false,
				Desc:   `Records are DynamoDB JSON, eg. {"id": {"S": "1"}}`,
				EnvVar: "TYPED",
			}),
			generateKeys: cmd.Bool(cli.BoolOpt{
				Name:   "generate-keys",
				Value:  false,
				Desc:   "Generate a UUID partition key for records that lack one",
				EnvVar: "GENERATE_KEYS",
			}),
			maxItems: cmd.Int(cli.IntOpt{
				Name:   "m maxitems",
				Value:  0,
				Desc:   "Maximum number of records to import.  Set to 0 to process all records",
				EnvVar: "MAXITEMS",
			}),
			side: awsSide{
				endpoint: cmd.String(cli.StringOpt{
					Name:   "endpoint",
					Value:  "",
					Desc:   "DynamoDB endpoint URL, eg. http://localhost:8000",
					EnvVar: "DYNAMODB_ENDPOINT",
				}),
				region: cmd.String(cli.StringOpt{
					Name:   "region",
					Value:  "",
					Desc:   "AWS region of the table",
					EnvVar: "AWS_REGION",
				}),
				profile: cmd.String(cli.StringOpt{
					Name:   "profile",
					Value:  "",
					Desc:   "AWS shared config profile to use",
					EnvVar: "AWS_PROFILE",
				}),
			},
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

type importer struct {
	transferRun
	aws     *awsServices
	inputs  dynxfer.RecordSource
	counter byteCounter
	size    int64
	fromS3  bool
	source  string

	// options
	tableName    *string
	dataDir      *string
	files        *[]string
	stdin        *bool
	s3BucketName *string
	s3Prefix     *string
	typed        *bool
	generateKeys *bool
	maxItems     *int
	side         awsSide
}

// check validates the options, returning a usage message on failure.
func (im *importer) check() string {
	var sources int
	for _, set := range []bool{*im.dataDir != "", len(*im.files) > 0, *im.stdin, *im.s3BucketName != ""} {
		if set {
			sources++
		}
	}
	switch {
	case sources == 0:
		return "one of --data-dir, --file, --stdin or --s3-bucket is required"
	case sources > 1:
		return "only one of --data-dir, --file, --stdin or --s3-bucket may be used"
	case *im.s3Prefix != "" && *im.s3BucketName == "":
		return "--s3-prefix requires --s3-bucket"
	}
	if msg := checkRange("maxitems", *im.maxItems, 0, 0); msg != "" {
		return msg
	}
	return im.opts.check()
}

func (im *importer) init(logger *zerolog.Logger) error {
	im.aws = initAWS(im.side, *im.opts.maxRetries)

	switch {
	case *im.s3BucketName != "":
		sr := &dynxfer.S3Reader{
			S3:         im.aws.s3,
			Bucket:     *im.s3BucketName,
			PathPrefix: *im.s3Prefix,
		}
		size, err := sr.Size()
		if err != nil {
			return err
		}
		im.inputs, im.size, im.fromS3 = sr, size, true
		im.source = fmt.Sprintf("s3://%s/%s", *im.s3BucketName, *im.s3Prefix)

	case *im.stdin:
		im.inputs, im.size = &dynxfer.FileSource{Paths: []string{"-"}, Watch: im.counter.watch}, -1
		im.source = "stdin"

	default:
		paths := *im.files
		im.source = fmt.Sprintf("%d files", len(paths))
		if *im.dataDir != "" {
			var err error
			if paths, err = dynxfer.DirFiles(*im.dataDir); err != nil {
				return err
			}
			im.source = fmt.Sprintf("%s (%d files)", *im.dataDir, len(paths))
		}
		fs := &dynxfer.FileSource{Paths: paths, Watch: im.counter.watch}
		size, err := fs.Size()
		if err != nil {
			return err
		}
		im.inputs, im.size = fs, size
	}

	xfer := &dynxfer.Transfer{
		Mode:         dynxfer.ModeImport,
		Dest:         im.aws.dyn,
		DestTable:    *im.tableName,
		DestIdentity: im.side.identity(),
		Inputs:       im.inputs,
		Typed:        *im.typed,
		GenerateKeys: *im.generateKeys,
		MaxItems:     int64(*im.maxItems),
	}
	if err := im.prepare(xfer, logger, im.aws.s3); err != nil {
		return err
	}

	im.banner = fmt.Sprintf(
		"Beginning import: table=%q source=%q totalSize=%s parallel=%d writeCapacity=%d typed=%t generate-keys=%t",
		*im.tableName, im.source, fmtBytes(im.size), *im.opts.parallel, *im.opts.writeCapacity,
		*im.typed, *im.generateKeys)
	return nil
}

func (im *importer) newProgressBar() *pb.ProgressBar {
	if im.fromS3 || im.size < 0 {
		// size unknown or compressed; count records instead
		return pb.New64(0)
	}
	bar := pb.New64(im.size)
	bar.SetUnits(pb.U_BYTES)
	return bar
}

func (im *importer) updateProgress(bar *pb.ProgressBar) {
	if im.fromS3 || im.size < 0 {
		bar.Set64(im.xfer.Stats().ItemsRead)
		return
	}
	bar.Set64(im.counter.BytesRead())
}
