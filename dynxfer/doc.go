// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

/*
Package dynxfer bulk loads items into DynamoDB tables.

A Transfer either imports JSON records from local files, stdin or S3 into
an existing table, or copies an entire table, including its key schema,
secondary indexes and billing mode, to a new table.  Copies may cross
accounts and regions and can optionally validate item counts and delete
the source table afterwards.

Items are written in batches of up to 25 using BatchWriteItem by a fixed
number of parallel workers, with rate limiting to a specific write (and
read) capacity.  Unprocessed and throttled items are resubmitted with
capped exponential backoff; items DynamoDB will never accept are reported
as failed without stopping the transfer.
*/
package dynxfer
