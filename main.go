// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

/*
Command dynxfer moves items into DynamoDB tables in batches.

The import command loads JSON records from local files, stdin or objects in
an S3 bucket into an existing table.  Records may be plain JSON, with values
converted to DynamoDB types, or DynamoDB JSON when --typed is given.  Files
ending in .gz are decompressed.

The copy command replicates the key schema, indexes and billing mode of a
source table to a new destination table, then scans the source in parallel
segments and writes every item to the destination.  The copy may optionally
be validated by comparing item counts, after which the source table may be
deleted.

Both commands write with parallel BatchWriteItem requests, retrying
unprocessed and throttled items with exponential backoff.  Items that
cannot be written are counted, and may be saved to a local file or to S3
with --failed-items or --failed-items-s3-bucket.

AWS credentials are read from the environment, the shared config files or
a named profile.  The copy command additionally accepts SOURCE_ and DEST_
prefixed credential variables, eg. SOURCE_AWS_ACCESS_KEY_ID.
*/
package main

import (
	"os"

	"github.com/gwatts/dynxfer/internal/cmd"
	cli "github.com/jawher/mow.cli"
)

func main() {
	app := cli.App("dynxfer", "Import JSON into, and copy between, DynamoDB tables")
	cmd.RegisterImportCommand(app)
	cmd.RegisterCopyCommand(app)
	app.Run(os.Args)
}
