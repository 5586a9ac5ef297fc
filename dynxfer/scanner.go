// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynxfer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/cenkalti/backoff/v4"
	"github.com/juju/ratelimit"
	"github.com/rs/zerolog"
)

var (
	limitCalcSize      = 50 // number of item sizes to collect when calculating an average
	initialLimit       = 20 // Initial number of items to request when size is unknown
	defaultScanRetries = 5
)

// DynScanner defines the portion of the dynamodb service
// that Scanner requires.
type DynScanner interface {
	Scan(input *dynamodb.ScanInput) (*dynamodb.ScanOutput, error)
}

// Cursor is the opaque continuation token of a scan.  Cursors may be
// compared for equality; their content is never interpreted.
type Cursor struct {
	token string
}

// IsZero reports whether the cursor marks the start (or the end) of a scan.
func (c Cursor) IsZero() bool { return c.token == "" }

// String returns the token in a form suitable for logging or checkpointing.
func (c Cursor) String() string { return c.token }

func cursorFrom(key map[string]*dynamodb.AttributeValue) Cursor {
	if len(key) == 0 {
		return Cursor{}
	}
	b, err := json.Marshal(key)
	if err != nil {
		// the key came from the service, which only returns encodable values
		panic(fmt.Sprintf("unencodable LastEvaluatedKey: %v", err))
	}
	return Cursor{token: string(b)}
}

// ScanConfig holds the options shared by every segment of a scan.
type ScanConfig struct {
	Dyn            DynScanner
	TableName      string
	ConsistentRead bool    // Setting to true will use double the read capacity.
	PageSize       int64   // Maximum items per Scan request; 0 leaves the 1MB service limit
	ReadCapacity   float64 // Average global read capacity to use for the scan; 0 is unlimited
	MaxRetries     int     // Retries of a page fetch after connectivity errors; defaults to 5
	Logger         *zerolog.Logger
}

// ScanStats is returned by Scanner.Stats.
type ScanStats struct {
	Pages        int64
	ItemsRead    int64
	CapacityUsed float64
}

// Scanner lazily walks the contents of a table (or one segment of a
// parallel scan) page by page, implementing ItemReader.  Pages are only
// requested when the previous page has been consumed.
//
// ReadItem must not be called from concurrent goroutines.
type Scanner struct {
	ScanConfig
	Segment       int64
	TotalSegments int64 // 0 or 1 for a sequential scan

	once         sync.Once
	ctx          context.Context
	cancel       context.CancelFunc
	rateLimit    *ratelimit.Bucket
	limitCalc    *limitCalc
	newBackOff   func() backoff.BackOff
	params       *dynamodb.ScanInput
	page         []map[string]*dynamodb.AttributeValue
	cursor       Cursor
	done         bool
	usedCapacity int64

	pages        int64
	itemsRead    int64
	capacityUsed int64 // multiplied by 10
}

// NewScanner returns a sequential scanner over the configured table.
func NewScanner(cfg ScanConfig) *Scanner {
	return &Scanner{ScanConfig: cfg}
}

func (s *Scanner) init() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if s.MaxRetries <= 0 {
		s.MaxRetries = defaultScanRetries
	}
	if s.rateLimit == nil && s.ReadCapacity > 0 {
		s.rateLimit = capacityBucket(s.ReadCapacity)
	}
	if s.newBackOff == nil {
		s.newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		}
	}
	s.limitCalc = newLimitCalc(limitCalcSize)
	s.usedCapacity = 1

	s.params = &dynamodb.ScanInput{
		TableName:              aws.String(s.TableName),
		ConsistentRead:         aws.Bool(s.ConsistentRead),
		ReturnConsumedCapacity: aws.String(dynamodb.ReturnConsumedCapacityTotal),
	}
	if s.TotalSegments > 1 {
		s.params.Segment = aws.Int64(s.Segment)
		s.params.TotalSegments = aws.Int64(s.TotalSegments)
	}
	switch {
	case s.rateLimit != nil:
		s.params.Limit = aws.Int64(int64(initialLimit)) // slow start
		if s.PageSize > 0 && s.PageSize < int64(initialLimit) {
			s.params.Limit = aws.Int64(s.PageSize)
		}
	case s.PageSize > 0:
		s.params.Limit = aws.Int64(s.PageSize)
	}
}

// ReadItem returns the next item of the scan, fetching another page when
// required.  It returns io.EOF after the final page, and ErrAborted once
// Stop has been called.
func (s *Scanner) ReadItem() (map[string]*dynamodb.AttributeValue, error) {
	s.once.Do(s.init)
	for len(s.page) == 0 {
		if s.done {
			return nil, io.EOF
		}
		if err := s.fetchPage(); err != nil {
			return nil, err
		}
	}
	item := s.page[0]
	s.page[0] = nil
	s.page = s.page[1:]
	return item, nil
}

// Cursor returns the continuation token of the most recently fetched page.
// It is the zero Cursor before the first page and after the last.
func (s *Scanner) Cursor() Cursor {
	return s.cursor
}

// Stop prevents any further pages being requested.  A page request that
// is already in flight is allowed to complete.
func (s *Scanner) Stop() {
	s.once.Do(s.init)
	s.cancel()
}

// Stats returns the scanner's throughput statistics.
// It is safe to call from concurrent goroutines.
func (s *Scanner) Stats() ScanStats {
	return ScanStats{
		Pages:        atomic.LoadInt64(&s.pages),
		ItemsRead:    atomic.LoadInt64(&s.itemsRead),
		CapacityUsed: float64(atomic.LoadInt64(&s.capacityUsed)) / 10,
	}
}

func (s *Scanner) isStopped() bool {
	return s.ctx.Err() != nil
}

// Interruptible rate limit wait
// Returns true if Stop() was called while waiting.
func (s *Scanner) waitForRateLimit(usedCapacity int64) bool {
	return sleepContext(s.ctx, s.rateLimit.Take(usedCapacity)) != nil
}

// fetchPage requests the next page.  The service may return an empty page
// that still carries a continuation key; that is not the end of the scan.
func (s *Scanner) fetchPage() error {
	if s.rateLimit != nil {
		if isStopped := s.waitForRateLimit(s.usedCapacity); isStopped {
			return ErrAborted
		}
	}
	if s.isStopped() {
		return ErrAborted
	}

	resp, err := s.scan(s.params)
	if err != nil {
		return err
	}

	var respSize int64
	for _, item := range resp.Items {
		itemSize := calcItemSize(item)
		respSize += int64(itemSize)
		s.limitCalc.addSize(itemSize)
	}
	s.page = resp.Items
	atomic.AddInt64(&s.pages, 1)
	atomic.AddInt64(&s.itemsRead, int64(len(resp.Items)))

	var units float64
	if resp.ConsumedCapacity != nil {
		units = aws.Float64Value(resp.ConsumedCapacity.CapacityUnits)
	}
	atomic.AddInt64(&s.capacityUsed, int64(units*10))

	if len(resp.LastEvaluatedKey) == 0 {
		// all data scanned
		s.done = true
		s.cursor = Cursor{}
		return nil
	}

	s.usedCapacity = int64(math.Ceil(units))
	if s.usedCapacity < 1 {
		s.usedCapacity = 1
	}
	s.params.ExclusiveStartKey = resp.LastEvaluatedKey
	s.cursor = cursorFrom(resp.LastEvaluatedKey)
	if s.rateLimit != nil {
		if newLimit := s.calcLimit(); newLimit > 0 {
			if s.PageSize > 0 && int64(newLimit) > s.PageSize {
				newLimit = int(s.PageSize)
			}
			s.params.Limit = aws.Int64(int64(newLimit))
		}
	}
	return nil
}

// scan issues one Scan request, retrying connectivity and throttling
// errors with exponential backoff.
func (s *Scanner) scan(params *dynamodb.ScanInput) (*dynamodb.ScanOutput, error) {
	log := loggerOrNop(s.Logger)
	var resp *dynamodb.ScanOutput
	var attempts int
	var retryable bool

	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), uint64(s.MaxRetries)), s.ctx)
	err := backoff.Retry(func() error {
		attempts++
		r, err := s.Dyn.Scan(params)
		if err != nil {
			switch classify(err) {
			case classConnectivity, classThrottled:
				retryable = true
				log.Debug().Str("table", s.TableName).Int64("segment", s.Segment).
					Int("attempt", attempts).Err(err).Msg("scan request failed")
				return err
			}
			retryable = false
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}, b)

	switch {
	case err == nil:
		return resp, nil
	case s.isStopped():
		return nil, ErrAborted
	case retryable:
		return nil, &ConnectivityError{Op: "Scan", Attempts: attempts, Err: err}
	}
	return nil, fmt.Errorf("read from DynamoDB failed: %v", err)
}

// adjust the fetch limit amount to approximate the desired read capacity and
// make effective use of 4k blocks for small items
func (s *Scanner) calcLimit() (newLimit int) {
	segments := s.TotalSegments
	if segments < 1 {
		segments = 1
	}
	desiredCapacity := s.ReadCapacity / float64(segments)

	// find the median item size based on recent history
	medianSize := s.limitCalc.median()
	if medianSize <= 0 {
		return -1 // not enough data
	}

	itemsPer4k := float64(4096) / float64(medianSize)
	newLimit = int(itemsPer4k * desiredCapacity)
	if !s.ConsistentRead {
		newLimit *= 2
	}

	if newLimit < 1 {
		newLimit = 1
	}

	return newLimit
}

// Count returns the number of items in the table using COUNT scans, which
// return no item data.  It does not disturb ReadItem's position.
func (s *Scanner) Count() (int64, error) {
	s.once.Do(s.init)
	params := &dynamodb.ScanInput{
		TableName:      aws.String(s.TableName),
		ConsistentRead: aws.Bool(s.ConsistentRead),
		Select:         aws.String(dynamodb.SelectCount),
		Segment:        s.params.Segment,
		TotalSegments:  s.params.TotalSegments,
	}
	var total int64
	for {
		if s.isStopped() {
			return total, ErrAborted
		}
		resp, err := s.scan(params)
		if err != nil {
			return total, err
		}
		total += aws.Int64Value(resp.Count)
		if len(resp.LastEvaluatedKey) == 0 {
			return total, nil
		}
		params.ExclusiveStartKey = resp.LastEvaluatedKey
	}
}

// ParallelScan reads every segment of a table concurrently, merging the
// segments' items into a single ItemReader.  Item order across segments is
// not defined.
type ParallelScan struct {
	scanners []*Scanner
	items    chan map[string]*dynamodb.AttributeValue
	quit     chan struct{}
	start    sync.Once
	stop     sync.Once
	m        sync.Mutex
	err      error
}

// NewParallelScan returns a scan split into the given number of segments.
// The read capacity limit is shared between all segments.
func NewParallelScan(cfg ScanConfig, segments int) *ParallelScan {
	if segments < 1 {
		segments = 1
	}
	var bucket *ratelimit.Bucket
	if cfg.ReadCapacity > 0 {
		bucket = capacityBucket(cfg.ReadCapacity)
	}
	ps := &ParallelScan{
		items: make(chan map[string]*dynamodb.AttributeValue, MaxBatchSize),
		quit:  make(chan struct{}),
	}
	for i := 0; i < segments; i++ {
		ps.scanners = append(ps.scanners, &Scanner{
			ScanConfig:    cfg,
			Segment:       int64(i),
			TotalSegments: int64(segments),
			rateLimit:     bucket,
		})
	}
	return ps
}

func (ps *ParallelScan) run() {
	var wg sync.WaitGroup
	for _, s := range ps.scanners {
		wg.Add(1)
		go func(s *Scanner) {
			defer wg.Done()
			for {
				item, err := s.ReadItem()
				if err == io.EOF {
					return
				} else if err != nil {
					ps.fail(err)
					return
				}
				select {
				case ps.items <- item:
				case <-ps.quit:
					return
				}
			}
		}(s)
	}
	go func() {
		wg.Wait()
		close(ps.items)
	}()
}

// ReadItem implements ItemReader.
func (ps *ParallelScan) ReadItem() (map[string]*dynamodb.AttributeValue, error) {
	ps.start.Do(ps.run)
	item, ok := <-ps.items
	if !ok {
		ps.m.Lock()
		defer ps.m.Unlock()
		if ps.err != nil {
			return nil, ps.err
		}
		return nil, io.EOF
	}
	return item, nil
}

// Stop halts every segment.
func (ps *ParallelScan) Stop() {
	ps.stop.Do(func() {
		close(ps.quit)
		for _, s := range ps.scanners {
			s.Stop()
		}
	})
}

// Stats returns the combined statistics of all segments.
func (ps *ParallelScan) Stats() (stats ScanStats) {
	for _, s := range ps.scanners {
		st := s.Stats()
		stats.Pages += st.Pages
		stats.ItemsRead += st.ItemsRead
		stats.CapacityUsed += st.CapacityUsed
	}
	return stats
}

// fail records the first segment error and stops the other segments.
func (ps *ParallelScan) fail(err error) {
	ps.m.Lock()
	if ps.err == nil {
		ps.err = err
	}
	ps.m.Unlock()
	ps.Stop()
}
