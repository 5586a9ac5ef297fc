// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynxfer

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/juju/ratelimit"
	"github.com/rs/zerolog"
)

const (
	defaultMaxAttempts = 8
	defaultMaxElapsed  = 2 * time.Minute
	defaultBaseDelay   = 50 * time.Millisecond
	defaultMaxDelay    = 5 * time.Second
)

// DynBatchWriter defines the portion of the DynamoDB service the
// BatchWriter requires.
type DynBatchWriter interface {
	BatchWriteItem(input *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error)
}

// FailedItem is an item that could not be written and will not be retried.
type FailedItem struct {
	Item   map[string]*dynamodb.AttributeValue
	Record []byte // raw input, set instead of Item when the record could not be decoded
	Key    string // rendered key attributes, eg. `id="42"`
	Source string // location of the originating record, if known
	Err    error
}

// WriteOutcome reports the result of writing one batch.
type WriteOutcome struct {
	Applied int
	Failed  []FailedItem
}

// BatchWriter durably applies batches of items to a table with
// BatchWriteItem.  Items reported back as unprocessed, or whole batches
// rejected by throttling or transient network failures, are resubmitted
// with capped exponential backoff and full jitter.
//
// Writes are unconditional puts, so resubmitting an item that was in fact
// applied leaves the table in the same state.
type BatchWriter struct {
	Dyn         DynBatchWriter
	TableName   string
	KeySchema   []KeyAttribute    // If set, items missing a valid key are failed before submission
	MaxAttempts int               // Maximum submissions per batch; defaults to 8
	MaxElapsed  time.Duration     // Maximum time spent retrying one batch; defaults to 2m
	BaseDelay   time.Duration     // Initial backoff delay; defaults to 50ms
	MaxDelay    time.Duration     // Backoff cap; defaults to 5s
	RateLimit   *ratelimit.Bucket // Optional write capacity limit, shared between workers
	Progress    *Progress
	Logger      *zerolog.Logger

	once   sync.Once
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(n int64) int64
	now    func() time.Time
}

type errClass int

const (
	classFatal errClass = iota
	classThrottled
	classConnectivity
	classInvalid
)

// classify sorts a DynamoDB error into the retry class the writer applies.
func classify(err error) errClass {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case "ProvisionedThroughputExceededException", "ThrottlingException",
			"RequestLimitExceeded", "Throttling":
			return classThrottled

		case "ValidationException", "ItemCollectionSizeLimitExceededException":
			return classInvalid

		case "RequestError", "ResponseTimeout", "RequestTimeout", "RequestTimeoutException",
			"SerializationError", "InternalServerError", "ServiceUnavailable":
			return classConnectivity
		}
		if _, ok := aerr.OrigErr().(net.Error); ok {
			return classConnectivity
		}
		return classFatal
	}
	if _, ok := err.(net.Error); ok {
		return classConnectivity
	}
	return classFatal
}

func (w *BatchWriter) init() {
	if w.MaxAttempts <= 0 {
		w.MaxAttempts = defaultMaxAttempts
	}
	if w.MaxElapsed <= 0 {
		w.MaxElapsed = defaultMaxElapsed
	}
	if w.BaseDelay <= 0 {
		w.BaseDelay = defaultBaseDelay
	}
	if w.MaxDelay <= 0 {
		w.MaxDelay = defaultMaxDelay
	}
	if w.Progress == nil {
		w.Progress = new(Progress)
	}
	if w.sleep == nil {
		w.sleep = sleepContext
	}
	if w.jitter == nil {
		w.jitter = rand.Int63n
	}
	if w.now == nil {
		w.now = time.Now
	}
}

// Write applies a batch of at most 25 items.  Items that can never be
// written are returned in the outcome rather than as an error; an error is
// only returned for failures that affect every subsequent batch (an
// unreachable service, a missing table, access denied) or when ctx is
// cancelled while waiting to retry.
func (w *BatchWriter) Write(ctx context.Context, batch []map[string]*dynamodb.AttributeValue) (WriteOutcome, error) {
	w.once.Do(w.init)
	var out WriteOutcome
	if len(batch) > MaxBatchSize {
		return out, configErrorf("batch-size", "batch of %d items exceeds %d", len(batch), MaxBatchSize)
	}

	pending := make([]map[string]*dynamodb.AttributeValue, 0, len(batch))
	for _, item := range batch {
		if err := w.validate(item); err != nil {
			w.fail(&out, item, err)
			continue
		}
		pending = append(pending, item)
	}
	err := w.write(ctx, pending, &out)
	return out, err
}

func (w *BatchWriter) validate(item map[string]*dynamodb.AttributeValue) error {
	if size := calcItemSize(item); size > maxItemSize {
		return &ItemValidationError{Reason: fmt.Sprintf("item size %d bytes exceeds the %d byte limit", size, maxItemSize)}
	}
	return checkKey(item, w.KeySchema)
}

// write submits pending until every item has been applied or failed.
// The loop state is the set of items still unapplied.
func (w *BatchWriter) write(ctx context.Context, pending []map[string]*dynamodb.AttributeValue, out *WriteOutcome) error {
	log := loggerOrNop(w.Logger)
	start := w.now()
	var lastErr error
	var throttled bool

	for attempt := 1; len(pending) > 0; attempt++ {
		if w.RateLimit != nil {
			var units int64
			for _, item := range pending {
				units += writeUnits(item)
			}
			if err := w.sleep(ctx, w.RateLimit.Take(units)); err != nil {
				return ErrAborted
			}
		}

		resp, err := w.Dyn.BatchWriteItem(w.input(pending))
		if err == nil {
			unprocessed := w.unprocessed(resp)
			w.applied(out, pending, unprocessed, resp.ConsumedCapacity)
			if len(unprocessed) == 0 {
				return nil
			}
			log.Debug().Str("table", w.TableName).Int("attempt", attempt).
				Int("unprocessed", len(unprocessed)).Msg("batch partially applied")
			pending = unprocessed
			lastErr = fmt.Errorf("%d items unprocessed", len(unprocessed))
			throttled = true

		} else {
			switch classify(err) {
			case classThrottled:
				lastErr, throttled = err, true

			case classConnectivity:
				lastErr, throttled = err, false

			case classInvalid:
				return w.isolate(ctx, pending, err, out)

			default:
				return fmt.Errorf("batch write to table %q failed: %v", w.TableName, err)
			}
			log.Debug().Str("table", w.TableName).Int("attempt", attempt).
				Int("items", len(pending)).Err(err).Msg("batch write rejected")
		}

		elapsed := w.now().Sub(start)
		if attempt >= w.MaxAttempts || elapsed >= w.MaxElapsed {
			if !throttled {
				return &ConnectivityError{Op: "BatchWriteItem", Attempts: attempt, Err: lastErr}
			}
			terr := &ThrottlingError{Attempts: attempt, Elapsed: elapsed, Err: lastErr}
			for _, item := range pending {
				w.fail(out, item, terr)
			}
			return nil
		}

		w.Progress.addRetry()
		delay := w.backoff(attempt)
		log.Debug().Str("table", w.TableName).Int("attempt", attempt+1).
			Dur("delay", delay).Int("items", len(pending)).Msg("retrying batch")
		if err := w.sleep(ctx, delay); err != nil {
			return ErrAborted
		}
	}
	return nil
}

// isolate handles a batch rejected as a whole because of invalid content.
// The batch is split in half until the offending items are submitted on
// their own, where a rejection marks that one item as permanently failed.
// Splitting also separates items sharing a key, which DynamoDB refuses
// within one request; they are then written in input order.
func (w *BatchWriter) isolate(ctx context.Context, pending []map[string]*dynamodb.AttributeValue, cause error, out *WriteOutcome) error {
	if len(pending) == 1 {
		w.fail(out, pending[0], &ItemValidationError{Reason: "rejected by DynamoDB", Err: cause})
		return nil
	}
	mid := len(pending) / 2
	if err := w.write(ctx, pending[:mid], out); err != nil {
		return err
	}
	return w.write(ctx, pending[mid:], out)
}

// backoff returns the delay before the given retry: a random duration
// between zero and min(MaxDelay, BaseDelay * 2^(attempt-1)).
func (w *BatchWriter) backoff(attempt int) time.Duration {
	d := w.BaseDelay
	for i := 1; i < attempt && d < w.MaxDelay; i++ {
		d *= 2
	}
	if d > w.MaxDelay {
		d = w.MaxDelay
	}
	return time.Duration(w.jitter(int64(d) + 1))
}

func (w *BatchWriter) input(items []map[string]*dynamodb.AttributeValue) *dynamodb.BatchWriteItemInput {
	reqs := make([]*dynamodb.WriteRequest, 0, len(items))
	for _, item := range items {
		reqs = append(reqs, &dynamodb.WriteRequest{
			PutRequest: &dynamodb.PutRequest{Item: item},
		})
	}
	return &dynamodb.BatchWriteItemInput{
		RequestItems:           map[string][]*dynamodb.WriteRequest{w.TableName: reqs},
		ReturnConsumedCapacity: aws.String(dynamodb.ReturnConsumedCapacityTotal),
	}
}

func (w *BatchWriter) unprocessed(resp *dynamodb.BatchWriteItemOutput) (items []map[string]*dynamodb.AttributeValue) {
	if resp == nil {
		return nil
	}
	for _, req := range resp.UnprocessedItems[w.TableName] {
		if req.PutRequest != nil {
			items = append(items, req.PutRequest.Item)
		}
	}
	return items
}

func (w *BatchWriter) applied(out *WriteOutcome, submitted, unprocessed []map[string]*dynamodb.AttributeValue, cc []*dynamodb.ConsumedCapacity) {
	n := len(submitted) - len(unprocessed)
	var size int64
	for _, item := range submitted {
		size += int64(calcItemSize(item))
	}
	for _, item := range unprocessed {
		size -= int64(calcItemSize(item))
	}
	out.Applied += n
	w.Progress.addWritten(int64(n))
	w.Progress.addBytes(size)
	for _, c := range cc {
		w.Progress.addCapacity(aws.Float64Value(c.CapacityUnits))
	}
}

func (w *BatchWriter) fail(out *WriteOutcome, item map[string]*dynamodb.AttributeValue, err error) {
	fi := FailedItem{Item: item, Key: renderKey(item, w.KeySchema), Err: err}
	out.Failed = append(out.Failed, fi)
	w.Progress.addFailed(1)
	loggerOrNop(w.Logger).Warn().Str("table", w.TableName).Str("key", fi.Key).
		Err(err).Msg("item permanently failed")
}

// sleepContext waits for d, returning early with the context's error if it
// is cancelled first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
