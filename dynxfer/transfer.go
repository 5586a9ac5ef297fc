// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynxfer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DynAPI is the portion of the DynamoDB service used by a Transfer for one
// side of the transfer.  *dynamodb.DynamoDB satisfies it.
type DynAPI interface {
	DynBatchWriter
	DynScanner
	DynTableManager
}

// Mode selects the kind of transfer.
type Mode string

const (
	// ModeImport loads JSON records into an existing table.
	ModeImport Mode = "import"

	// ModeCopy replicates a table's schema and items to a new table.
	ModeCopy Mode = "copy"
)

// Phase is the state of a Transfer.
type Phase int32

// Transfer phases, in the order they are entered.
const (
	PhaseInit Phase = iota
	PhaseSchema
	PhaseWrite
	PhaseValidate
	PhaseDone
	PhaseFailed
)

var phaseNames = [...]string{"init", "schema", "write", "validate", "done", "failed"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int32(p))
	}
	return phaseNames[p]
}

// ValidateMode selects how item counts are obtained for validation.
type ValidateMode string

const (
	// ValidateScan counts items with a full COUNT scan of each table.
	ValidateScan ValidateMode = "scan"

	// ValidateMetadata uses the table's ItemCount, which DynamoDB only
	// refreshes every six hours or so.
	ValidateMetadata ValidateMode = "metadata"
)

// ValidationResult compares the item counts of the source and destination.
type ValidationResult struct {
	SourceCount      int64 `json:"source_count"`
	DestinationCount int64 `json:"destination_count"`
	Matched          bool  `json:"matched"`
}

// Transfer moves items into a destination table, either from a set of
// JSON inputs (ModeImport) or from a source table (ModeCopy).
//
// Permanently failed items are reported to OnFailure and counted; they do
// not fail the transfer.  Run fails for configuration errors, schema setup
// errors, persistent connectivity errors and when Stop is called.
type Transfer struct {
	Mode Mode

	Dest         DynAPI
	DestTable    string
	DestIdentity string // endpoint or region of Dest; used to detect copying a table onto itself

	// Copy mode
	Source             DynAPI
	SourceTable        string
	SourceIdentity     string
	AllowSelfCopy      bool
	Overwrite          bool          // Replace an existing destination table
	Billing            BillingPolicy // Billing mode of the new destination table
	Wait               WaitOptions   // Table creation and deletion waits
	Segments           int           // Parallel scan segments; 0 or 1 scans sequentially
	ReadCapacity       float64       // Maximum read capacity to consume from the source; 0 is unlimited
	PageSize           int64
	ConsistentRead     bool
	Validate           bool
	ValidateMode       ValidateMode
	StabilizationDelay time.Duration // Wait before counting items for validation
	DeleteSource       bool

	// Import mode
	Inputs       RecordSource
	Typed        bool  // Inputs hold DynamoDB JSON
	GenerateKeys bool  // Generate a UUID for records missing a string partition key
	MaxItems     int64 // Maximum number of records to import; 0 is unlimited

	BatchSize     int
	MaxParallel   int
	WriteCapacity float64
	MaxAttempts   int
	MaxElapsed    time.Duration

	// Confirm is asked before the source table is deleted and before an
	// existing destination is replaced.  If nil no confirmation is sought.
	Confirm   func(question string) (bool, error)
	OnFailure func(FailedItem)
	Logger    *zerolog.Logger

	once       sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
	phase      int32
	progress   Progress
	expected   int64
	stopped    int32
	m          sync.Mutex
	active     []stopper
	summary    Summary
	sleep      func(ctx context.Context, d time.Duration) error
	newScanner func(cfg ScanConfig) *Scanner
}

func (t *Transfer) init() {
	t.ctx, t.cancel = context.WithCancel(context.Background())
	if t.BatchSize == 0 {
		t.BatchSize = DefaultBatchSize
	}
	if t.ValidateMode == "" {
		t.ValidateMode = ValidateScan
	}
	if t.Billing == "" {
		t.Billing = BillingKeep
	}
	if t.sleep == nil {
		t.sleep = sleepContext
	}
	if t.newScanner == nil {
		t.newScanner = NewScanner
	}
	t.summary = Summary{
		Status:      StatusRunning,
		Mode:        t.Mode,
		SourceTable: t.SourceTable,
		DestTable:   t.DestTable,
	}
}

// Run executes the transfer, returning once it completes, fails or is
// stopped.  A validation mismatch is reported in the Summary and does not
// cause Run to fail.
func (t *Transfer) Run() error {
	t.once.Do(t.init)
	log := loggerOrNop(t.Logger)
	t.m.Lock()
	t.summary.StartTime = time.Now()
	t.m.Unlock()

	err := t.run()

	end := time.Now()
	t.m.Lock()
	t.summary.EndTime = &end
	if err != nil {
		t.summary.Status = StatusFailed
		t.summary.Error = err.Error()
	} else {
		t.summary.Status = StatusCompleted
	}
	t.m.Unlock()

	if err != nil {
		t.setPhase(PhaseFailed)
		log.Error().Err(err).Msg("transfer failed")
		return err
	}
	t.setPhase(PhaseDone)
	return nil
}

func (t *Transfer) run() error {
	if err := t.checkConfig(); err != nil {
		return err
	}

	var src ItemReader
	var keys KeySchema

	switch t.Mode {
	case ModeCopy:
		t.setPhase(PhaseSchema)
		var desc *TableDescriptor
		var err error
		if t.selfCopy() {
			// items are rewritten in place; the table is left as it is
			loggerOrNop(t.Logger).Info().Str("table", t.SourceTable).Msg("copying table onto itself")
			desc, err = DescribeTable(t.Source, t.SourceTable)
		} else {
			rep := &Replicator{
				Source:      t.Source,
				SourceTable: t.SourceTable,
				Dest:        t.Dest,
				DestTable:   t.DestTable,
				Overwrite:   t.Overwrite,
				Billing:     t.Billing,
				Wait:        t.Wait,
				Confirm:     t.Confirm,
				Logger:      t.Logger,
			}
			desc, err = rep.Replicate(t.ctx)
		}
		if err != nil {
			return err
		}
		keys = desc.KeySchema
		atomic.StoreInt64(&t.expected, desc.ItemCount)

		cfg := ScanConfig{
			Dyn:            t.Source,
			TableName:      t.SourceTable,
			ConsistentRead: t.ConsistentRead,
			PageSize:       t.PageSize,
			ReadCapacity:   t.ReadCapacity,
			Logger:         t.Logger,
		}
		if t.Segments > 1 {
			src = NewParallelScan(cfg, t.Segments)
		} else {
			src = t.newScanner(cfg)
		}

	case ModeImport:
		desc, err := DescribeTable(t.Dest, t.DestTable)
		if err != nil {
			return err
		}
		keys = desc.KeySchema
		opts := DecodeOptions{Typed: t.Typed}
		if t.GenerateKeys {
			if keys.Partition.Type != AttrString {
				return configErrorf("generate-keys", "partition key %q of table %q is not a string",
					keys.Partition.Name, t.DestTable)
			}
			opts.GenerateKey = keys.Partition.Name
		}
		src = &MultiDecoder{Source: t.Inputs, Opts: opts}
	}

	if t.isStopped() {
		return ErrAborted
	}

	t.setPhase(PhaseWrite)
	ld := &Loader{
		Dyn:           t.Dest,
		TableName:     t.DestTable,
		Source:        src,
		KeySchema:     keys.Attributes(),
		BatchSize:     t.BatchSize,
		MaxParallel:   t.MaxParallel,
		MaxItems:      t.MaxItems,
		WriteCapacity: t.WriteCapacity,
		MaxAttempts:   t.MaxAttempts,
		MaxElapsed:    t.MaxElapsed,
		Progress:      &t.progress,
		OnFailure:     t.OnFailure,
		Logger:        t.Logger,
		sleep:         t.sleep,
	}
	if err := t.track(ld, ld.Run); err != nil {
		return err
	}
	st := t.progress.Stats()
	loggerOrNop(t.Logger).Info().Int64("written", st.ItemsWritten).Int64("failed", st.ItemsFailed).
		Msg("write phase complete")

	var vr *ValidationResult
	if t.Validate {
		t.setPhase(PhaseValidate)
		var err error
		if vr, err = t.validate(); err != nil {
			return err
		}
		t.m.Lock()
		t.summary.Validation = vr
		t.m.Unlock()
	}

	if t.DeleteSource {
		return t.deleteSource(vr)
	}
	return nil
}

// checkConfig validates the transfer options before any data is touched.
func (t *Transfer) checkConfig() error {
	if err := ValidateBatchSize(t.BatchSize); err != nil {
		return err
	}
	if t.MaxParallel < 0 {
		return configErrorf("parallel", "must not be negative")
	}
	if t.Dest == nil || t.DestTable == "" {
		return configErrorf("dest-table", "a destination table is required")
	}
	switch t.Mode {
	case ModeCopy:
		if t.Source == nil || t.SourceTable == "" {
			return configErrorf("source-table", "a source table is required")
		}
		if t.selfCopy() && !t.AllowSelfCopy {
			return configErrorf("dest-table", "source and destination are the same table %q", t.DestTable)
		}
		if t.selfCopy() && (t.Overwrite || t.DeleteSource) {
			return configErrorf("dest-table", "cannot overwrite or delete a table copied onto itself")
		}
		switch t.ValidateMode {
		case ValidateScan, ValidateMetadata:
		default:
			return configErrorf("validate-mode", "unknown mode %q", t.ValidateMode)
		}

	case ModeImport:
		if t.Inputs == nil {
			return configErrorf("input", "no input files supplied")
		}
		if t.Validate || t.DeleteSource {
			return configErrorf("mode", "validation and source deletion only apply to copies")
		}

	default:
		return configErrorf("mode", "unknown transfer mode %q", t.Mode)
	}
	return nil
}

// selfCopy reports whether the source and destination are the same table.
func (t *Transfer) selfCopy() bool {
	return t.SourceTable == t.DestTable && t.SourceIdentity == t.DestIdentity
}

// validate waits for the stabilization delay and then compares the item
// counts of the two tables.
func (t *Transfer) validate() (*ValidationResult, error) {
	log := loggerOrNop(t.Logger)
	if t.StabilizationDelay > 0 {
		log.Info().Dur("delay", t.StabilizationDelay).Msg("waiting for counts to stabilize")
		if err := t.sleep(t.ctx, t.StabilizationDelay); err != nil {
			return nil, ErrAborted
		}
	}

	srcCount, err := t.count(t.Source, t.SourceTable)
	if err != nil {
		return nil, err
	}
	destCount, err := t.count(t.Dest, t.DestTable)
	if err != nil {
		return nil, err
	}
	vr := &ValidationResult{
		SourceCount:      srcCount,
		DestinationCount: destCount,
		Matched:          srcCount == destCount,
	}
	ev := log.Info()
	if !vr.Matched {
		ev = log.Warn()
	}
	ev.Int64("source_count", srcCount).Int64("destination_count", destCount).
		Bool("matched", vr.Matched).Msg("validation complete")
	return vr, nil
}

func (t *Transfer) count(dyn DynAPI, tableName string) (n int64, err error) {
	if t.ValidateMode == ValidateMetadata {
		desc, err := DescribeTable(dyn, tableName)
		if err != nil {
			return 0, err
		}
		return desc.ItemCount, nil
	}
	s := t.newScanner(ScanConfig{
		Dyn:            dyn,
		TableName:      tableName,
		ConsistentRead: true,
		ReadCapacity:   t.ReadCapacity,
		Logger:         t.Logger,
	})
	err = t.track(s, func() (err error) {
		n, err = s.Count()
		return err
	})
	return n, err
}

// deleteSource removes the source table once every item is known to have
// been copied.
func (t *Transfer) deleteSource(vr *ValidationResult) error {
	log := loggerOrNop(t.Logger)
	skip := func(reason string) error {
		log.Warn().Str("table", t.SourceTable).Msg("source table not deleted: " + reason)
		t.warn("source table not deleted: " + reason)
		return nil
	}
	if vr != nil && !vr.Matched {
		return skip("validation counts did not match")
	}
	if failed := t.progress.Stats().ItemsFailed; failed > 0 {
		return skip(fmt.Sprintf("%d items failed to copy", failed))
	}
	if t.isStopped() {
		return ErrAborted
	}
	if t.Confirm != nil {
		ok, err := t.Confirm(fmt.Sprintf("Delete source table %s", t.SourceTable))
		if err != nil {
			return fmt.Errorf("could not prompt for confirmation (use --force to override): %v", err)
		}
		if !ok {
			return skip("deletion declined")
		}
	}
	log.Warn().Str("table", t.SourceTable).Msg("deleting source table")
	if err := DeleteTable(t.ctx, t.Source, t.SourceTable, t.Wait); err != nil {
		return err
	}
	t.m.Lock()
	t.summary.SourceDeleted = true
	t.m.Unlock()
	return nil
}

// Stop aborts the transfer.  No new scan pages or batches are started;
// writes already in flight are allowed to complete.  It does not block.
func (t *Transfer) Stop() {
	t.once.Do(t.init)
	atomic.StoreInt32(&t.stopped, 1)
	t.cancel()
	t.m.Lock()
	active := append([]stopper(nil), t.active...)
	t.m.Unlock()
	for _, s := range active {
		s.Stop()
	}
}

func (t *Transfer) isStopped() bool {
	return atomic.LoadInt32(&t.stopped) == 1
}

// track registers s to be stopped by Stop while fn runs.
func (t *Transfer) track(s stopper, fn func() error) error {
	t.m.Lock()
	t.active = append(t.active, s)
	t.m.Unlock()
	if t.isStopped() {
		s.Stop()
	}
	defer func() {
		t.m.Lock()
		for i, a := range t.active {
			if a == s {
				t.active = append(t.active[:i], t.active[i+1:]...)
				break
			}
		}
		t.m.Unlock()
	}()
	return fn()
}

func (t *Transfer) setPhase(p Phase) {
	if old := Phase(atomic.SwapInt32(&t.phase, int32(p))); old != p {
		loggerOrNop(t.Logger).Info().Str("mode", string(t.Mode)).Stringer("phase", p).Msg("transfer phase")
	}
}

func (t *Transfer) warn(msg string) {
	t.m.Lock()
	t.summary.Warnings = append(t.summary.Warnings, msg)
	t.m.Unlock()
}

// Phase returns the current phase of the transfer.
func (t *Transfer) Phase() Phase {
	return Phase(atomic.LoadInt32(&t.phase))
}

// Stats returns the current transfer counters.
func (t *Transfer) Stats() Stats {
	return t.progress.Stats()
}

// ExpectedItems returns the approximate number of items in the source
// table, or 0 if it is not known.
func (t *Transfer) ExpectedItems() int64 {
	return atomic.LoadInt64(&t.expected)
}

// Summary returns a snapshot of the transfer's outcome.  It may be called
// while the transfer is running.
func (t *Transfer) Summary() Summary {
	t.once.Do(t.init)
	t.m.Lock()
	defer t.m.Unlock()
	s := t.summary
	s.Warnings = append([]string(nil), t.summary.Warnings...)
	st := t.progress.Stats()
	s.ItemsRead = st.ItemsRead
	s.ItemsWritten = st.ItemsWritten
	s.ItemsFailed = st.ItemsFailed
	s.BatchesRetried = st.BatchesRetried
	s.BytesWritten = st.BytesWritten
	s.CapacityUsed = st.CapacityUsed
	if st.ItemsFailed > 0 {
		s.Warnings = append(s.Warnings, fmt.Sprintf("%d items failed permanently", st.ItemsFailed))
	}
	if s.Validation != nil && !s.Validation.Matched {
		s.Warnings = append(s.Warnings, fmt.Sprintf("item counts differ: source=%d destination=%d",
			s.Validation.SourceCount, s.Validation.DestinationCount))
	}
	return s
}
