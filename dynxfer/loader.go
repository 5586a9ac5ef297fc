// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynxfer

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/juju/ratelimit"
	"github.com/rs/zerolog"
)

const (
	defaultMaxParallel      = 4
	defaultProgressInterval = 30 * time.Second
)

// LoaderStats are returned by Loader.Stats
type LoaderStats = Stats

// Loader reads records from an ItemReader, groups them into batches and
// loads them into a DynamoDB table using a fixed number of concurrent
// BatchWriter workers.
type Loader struct {
	Dyn              DynBatchWriter
	TableName        string         // Table name to load into
	Source           ItemReader     // The source to fetch items from
	KeySchema        []KeyAttribute // Key of the destination table, used to validate and identify items
	BatchSize        int            // Items per BatchWriteItem request; defaults to 25
	MaxParallel      int            // Maximum number of batch writes to execute concurrently
	MaxItems         int64          // Maximum number of items to read from Source; 0 is unlimited
	WriteCapacity    float64        // Maximum Dynamo write capacity to use for writes; 0 is unlimited
	MaxAttempts      int            // Passed to each BatchWriter
	MaxElapsed       time.Duration  // Passed to each BatchWriter
	Progress         *Progress
	OnFailure        func(FailedItem) // Called for every permanently failed item; calls are serialized
	ProgressInterval time.Duration    // How often to log progress at info level; defaults to 30s
	Logger           *zerolog.Logger

	once    sync.Once
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	stopM   sync.Mutex
	failM   sync.Mutex
	writer  *BatchWriter
	sleep   func(ctx context.Context, d time.Duration) error
}

// stopper is implemented by sources that fetch remotely, such as Scanner.
type stopper interface {
	Stop()
}

func (ld *Loader) init() {
	ld.ctx, ld.cancel = context.WithCancel(context.Background())
	if ld.BatchSize == 0 {
		ld.BatchSize = DefaultBatchSize
	}
	if ld.MaxParallel <= 0 {
		ld.MaxParallel = defaultMaxParallel
	}
	if ld.Progress == nil {
		ld.Progress = new(Progress)
	}
	if ld.ProgressInterval <= 0 {
		ld.ProgressInterval = defaultProgressInterval
	}
	var bucket *ratelimit.Bucket
	if ld.WriteCapacity > 0 {
		bucket = capacityBucket(ld.WriteCapacity)
	}
	ld.writer = &BatchWriter{
		Dyn:         ld.Dyn,
		TableName:   ld.TableName,
		KeySchema:   ld.KeySchema,
		MaxAttempts: ld.MaxAttempts,
		MaxElapsed:  ld.MaxElapsed,
		RateLimit:   bucket,
		Progress:    ld.Progress,
		Logger:      ld.Logger,
		sleep:       ld.sleep,
	}
}

// Run executes the loader, starting goroutines to execute parallel batch
// writes as required.  Returns when the load has finished, failed or been
// stopped.
//
// Items that cannot be written are passed to OnFailure and do not cause
// Run to fail.  Run returns ErrAborted if Stop was called before the
// source was exhausted.
func (ld *Loader) Run() error {
	ld.once.Do(ld.init)
	log := loggerOrNop(ld.Logger)

	src := &loaderReader{ld: ld}
	chunker, err := NewChunker(src, ld.BatchSize)
	if err != nil {
		return err
	}

	batches := make(chan []map[string]*dynamodb.AttributeValue, ld.MaxParallel)
	readDone := make(chan error, 1)
	errChan := make(chan error, ld.MaxParallel)

	go func() {
		defer close(batches)
		readDone <- ld.read(chunker, batches)
	}()

	var wg sync.WaitGroup
	for i := 0; i < ld.MaxParallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errChan <- ld.load(batches)
		}()
	}

	tick := time.NewTicker(ld.ProgressInterval)
	defer tick.Stop()
	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

wait:
	for {
		select {
		case <-workersDone:
			break wait
		case <-tick.C:
			st := ld.Progress.Stats()
			log.Info().Str("table", ld.TableName).Int64("read", st.ItemsRead).
				Int64("written", st.ItemsWritten).Int64("failed", st.ItemsFailed).
				Int64("retried", st.BatchesRetried).Msg("load progress")
		}
	}
	close(errChan)

	for werr := range errChan {
		if werr != nil && err == nil {
			err = werr
		}
	}

	// a reader blocked on a slow source is abandoned once the load has
	// been cancelled
	var rerr error
	if ld.ctx.Err() == nil {
		rerr = <-readDone
	} else {
		select {
		case rerr = <-readDone:
		default:
		}
	}
	if err == nil && rerr != nil && !errors.Is(rerr, ErrAborted) {
		err = rerr
	}

	if ld.isStopped() && (err == nil || errors.Is(err, ErrAborted)) {
		return ErrAborted
	}
	if errors.Is(err, ErrAborted) {
		err = nil
	}
	return err
}

// Stop requests a clean shutdown.  No further batches are started, but
// writes already submitted are allowed to complete.  It does not block;
// Run returns once the workers finish.
func (ld *Loader) Stop() {
	ld.once.Do(ld.init)
	ld.stopM.Lock()
	ld.stopped = true
	ld.stopM.Unlock()
	ld.halt()
}

func (ld *Loader) isStopped() bool {
	ld.stopM.Lock()
	defer ld.stopM.Unlock()
	return ld.stopped
}

// halt cancels outstanding work and stops a remote source.
func (ld *Loader) halt() {
	ld.cancel()
	if s, ok := ld.Source.(stopper); ok {
		s.Stop()
	}
}

// Stats return the current loader statistics.
func (ld *Loader) Stats() LoaderStats {
	ld.once.Do(ld.init)
	return ld.Progress.Stats()
}

func (ld *Loader) read(chunker *Chunker, batches chan<- []map[string]*dynamodb.AttributeValue) error {
	for {
		if ld.ctx.Err() != nil {
			return ErrAborted
		}
		batch, err := chunker.NextBatch()
		if err == io.EOF {
			return nil
		} else if err != nil {
			// batches already queued are still written
			return err
		}
		select {
		case batches <- batch:
		case <-ld.ctx.Done():
			return ErrAborted
		}
	}
}

func (ld *Loader) load(batches <-chan []map[string]*dynamodb.AttributeValue) error {
	for {
		select {
		case <-ld.ctx.Done():
			return nil

		case batch, ok := <-batches:
			if !ok {
				return nil
			}
			if ld.ctx.Err() != nil {
				return nil
			}
			out, err := ld.writer.Write(ld.ctx, batch)
			for _, fi := range out.Failed {
				ld.failed(fi)
			}
			if err != nil {
				if !errors.Is(err, ErrAborted) {
					ld.halt()
				}
				return err
			}
		}
	}
}

func (ld *Loader) failed(fi FailedItem) {
	if ld.OnFailure == nil {
		return
	}
	ld.failM.Lock()
	defer ld.failM.Unlock()
	ld.OnFailure(fi)
}

// loaderReader counts items read from the loader's source, enforces
// MaxItems and turns undecodable records into failed items so that the
// rest of the source is still loaded.
type loaderReader struct {
	ld   *Loader
	read int64
}

func (r *loaderReader) ReadItem() (map[string]*dynamodb.AttributeValue, error) {
	ld := r.ld
	for {
		if ld.MaxItems > 0 && r.read >= ld.MaxItems {
			return nil, io.EOF
		}
		item, err := ld.Source.ReadItem()
		if err == nil {
			r.read++
			ld.Progress.addRead(1)
			return item, nil
		}

		var rerr *RecordError
		if !errors.As(err, &rerr) {
			return nil, err
		}
		r.read++
		ld.Progress.addRead(1)
		ld.Progress.addFailed(1)
		loggerOrNop(ld.Logger).Warn().Str("source", rerr.Source).Err(rerr.Err).Msg("record skipped")
		ld.failed(FailedItem{Source: rerr.Source, Record: rerr.Record, Err: rerr.Err})
	}
}
