// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynxfer

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// copyFixture returns a DynamoDB holding a source table of n items and a
// copy transfer from it into "dest".
func copyFixture(n int) (*fakeDynamo, *Transfer, *noSleep) {
	dyn := newFakeDynamo()
	dyn.pageSize = 100
	dyn.addTable(simpleTable("src"))
	dyn.put("src", stringItems(n)...)
	ns := new(noSleep)
	return dyn, &Transfer{
		Mode:        ModeCopy,
		Source:      dyn,
		SourceTable: "src",
		Dest:        dyn,
		DestTable:   "dest",
		sleep:       ns.sleep,
	}, ns
}

func TestTransferCopy(t *testing.T) {
	dyn, tr, _ := copyFixture(1000)
	tr.Validate = true

	require.NoError(t, tr.Run())
	assert.Equal(t, 1000, dyn.count("dest"))
	assert.Equal(t, stringItem("999", 999), dyn.get("dest", "999"))
	assert.Equal(t, PhaseDone, tr.Phase())
	assert.Equal(t, int64(1000), tr.ExpectedItems())

	s := tr.Summary()
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, ModeCopy, s.Mode)
	assert.Equal(t, int64(1000), s.ItemsRead)
	assert.Equal(t, int64(1000), s.ItemsWritten)
	assert.Equal(t, &ValidationResult{SourceCount: 1000, DestinationCount: 1000, Matched: true}, s.Validation)
	assert.NotNil(t, s.EndTime)
	assert.Empty(t, s.Warnings)
	assert.False(t, s.SourceDeleted)
	assert.Empty(t, dyn.deleted)
}

func TestTransferParallelCopy(t *testing.T) {
	dyn, tr, _ := copyFixture(500)
	tr.Segments = 4
	tr.MaxParallel = 8

	require.NoError(t, tr.Run())
	assert.Equal(t, 500, dyn.count("dest"))
}

// rejectIDs makes DynamoDB refuse any batch holding one of the given ids.
func rejectIDs(ids ...string) func(int, []map[string]*dynamodb.AttributeValue) (map[int]bool, error) {
	bad := make(map[string]bool)
	for _, id := range ids {
		bad[id] = true
	}
	return func(call int, items []map[string]*dynamodb.AttributeValue) (map[int]bool, error) {
		for _, item := range items {
			if bad[aws.StringValue(item["id"].S)] {
				return nil, awserr.New("ValidationException", "Item size has exceeded the maximum allowed size", nil)
			}
		}
		return nil, nil
	}
}

// Two items out of 1000 are rejected: the transfer completes, reports the
// mismatch and leaves the source in place.
func TestTransferValidationMismatch(t *testing.T) {
	dyn, tr, _ := copyFixture(1000)
	dyn.batchHook = rejectIDs("7", "500")
	var m sync.Mutex
	var failed []string
	tr.OnFailure = func(fi FailedItem) {
		m.Lock()
		failed = append(failed, fi.Key)
		m.Unlock()
	}
	tr.Validate = true
	tr.DeleteSource = true
	tr.Confirm = func(string) (bool, error) {
		t.Error("confirmation requested")
		return true, nil
	}

	require.NoError(t, tr.Run())
	assert.Equal(t, 998, dyn.count("dest"))
	assert.ElementsMatch(t, []string{`id="7"`, `id="500"`}, failed)

	s := tr.Summary()
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, int64(2), s.ItemsFailed)
	assert.Equal(t, &ValidationResult{SourceCount: 1000, DestinationCount: 998, Matched: false}, s.Validation)
	assert.False(t, s.SourceDeleted)
	assert.Empty(t, dyn.deleted)
	assert.Equal(t, 1000, dyn.count("src"))

	warnings := strings.Join(s.Warnings, "\n")
	assert.Contains(t, warnings, "source table not deleted")
	assert.Contains(t, warnings, "2 items failed permanently")
	assert.Contains(t, warnings, "source=1000 destination=998")
}

// Failed items alone are enough to keep the source when validation is off.
func TestTransferDeleteSkippedOnFailure(t *testing.T) {
	dyn, tr, _ := copyFixture(100)
	dyn.batchHook = rejectIDs("42")
	tr.DeleteSource = true

	require.NoError(t, tr.Run())
	assert.Empty(t, dyn.deleted)
	assert.Contains(t, strings.Join(tr.Summary().Warnings, "\n"), "1 items failed to copy")
}

func TestTransferDeleteSource(t *testing.T) {
	dyn, tr, ns := copyFixture(100)
	var asked []string
	tr.Validate = true
	tr.StabilizationDelay = 10 * time.Second
	tr.DeleteSource = true
	tr.Confirm = func(q string) (bool, error) {
		asked = append(asked, q)
		return true, nil
	}

	require.NoError(t, tr.Run())
	assert.Equal(t, []string{"Delete source table src"}, asked)
	assert.Equal(t, []string{"src"}, dyn.deleted)
	assert.Contains(t, ns.delays, 10*time.Second)
	assert.True(t, tr.Summary().SourceDeleted)
}

func TestTransferDeleteDeclined(t *testing.T) {
	dyn, tr, _ := copyFixture(10)
	tr.DeleteSource = true
	tr.Confirm = func(string) (bool, error) { return false, nil }

	require.NoError(t, tr.Run())
	assert.Empty(t, dyn.deleted)
	s := tr.Summary()
	assert.False(t, s.SourceDeleted)
	assert.Contains(t, s.Warnings, "source table not deleted: deletion declined")
}

func TestTransferMetadataValidation(t *testing.T) {
	dyn, tr, _ := copyFixture(30)
	tr.Validate = true
	tr.ValidateMode = ValidateMetadata

	require.NoError(t, tr.Run())
	assert.True(t, tr.Summary().Validation.Matched)
	assert.Equal(t, 1, dyn.scans, "counts read from table metadata")
}

func TestTransferDestExists(t *testing.T) {
	dyn, tr, _ := copyFixture(10)
	dyn.addTable(simpleTable("dest"))

	err := tr.Run()
	var derr *DestinationExistsError
	require.True(t, errors.As(err, &derr), "got %v", err)
	assert.Equal(t, StatusFailed, tr.Summary().Status)
	assert.Equal(t, PhaseFailed, tr.Phase())
}

func TestTransferStop(t *testing.T) {
	dyn, tr, _ := copyFixture(1000)
	tr.MaxParallel = 1
	tr.DeleteSource = true
	var once sync.Once
	dyn.batchHook = func(call int, items []map[string]*dynamodb.AttributeValue) (map[int]bool, error) {
		if call == 3 {
			once.Do(tr.Stop)
		}
		return nil, nil
	}

	assert.Equal(t, ErrAborted, tr.Run())
	assert.True(t, dyn.count("dest") < 1000)
	assert.Empty(t, dyn.deleted)
	s := tr.Summary()
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, ErrAborted.Error(), s.Error)
}

func TestTransferConfigErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(tr *Transfer)
		field string
	}{
		{"self copy", func(tr *Transfer) { tr.DestTable = "src" }, "dest-table"},
		{"self copy overwrite", func(tr *Transfer) {
			tr.DestTable, tr.AllowSelfCopy, tr.Overwrite = "src", true, true
		}, "dest-table"},
		{"batch size", func(tr *Transfer) { tr.BatchSize = 26 }, "batch-size"},
		{"parallel", func(tr *Transfer) { tr.MaxParallel = -1 }, "parallel"},
		{"validate mode", func(tr *Transfer) { tr.ValidateMode = "guess" }, "validate-mode"},
		{"no source", func(tr *Transfer) { tr.SourceTable = "" }, "source-table"},
		{"import validate", func(tr *Transfer) {
			tr.Mode, tr.Inputs, tr.Validate = ModeImport, &FileSource{}, true
		}, "mode"},
		{"import inputs", func(tr *Transfer) { tr.Mode = ModeImport }, "input"},
		{"mode", func(tr *Transfer) { tr.Mode = "move" }, "mode"},
	}
	for _, test := range tests {
		dyn, tr, _ := copyFixture(1)
		test.setup(tr)
		err := tr.Run()
		var cerr *ConfigError
		if assert.True(t, errors.As(err, &cerr), "%s: got %v", test.name, err) {
			assert.Equal(t, test.field, cerr.Field, test.name)
		}
		assert.Empty(t, dyn.created, test.name)
	}
}

// An allowed self copy rewrites every item in place without touching the
// table's schema.
func TestTransferAllowSelfCopy(t *testing.T) {
	dyn, tr, _ := copyFixture(250)
	tr.DestTable = "src"
	tr.AllowSelfCopy = true
	tr.Validate = true

	require.NoError(t, tr.Run())
	assert.Equal(t, PhaseDone, tr.Phase())
	assert.Empty(t, dyn.created, "no table is created")
	assert.Empty(t, dyn.deleted)
	assert.Equal(t, 250, dyn.count("src"))
	assert.Equal(t, stringItem("42", 42), dyn.get("src", "42"))
	assert.Equal(t, int64(250), tr.ExpectedItems())

	s := tr.Summary()
	assert.Equal(t, int64(250), s.ItemsWritten)
	assert.Equal(t, &ValidationResult{SourceCount: 250, DestinationCount: 250, Matched: true}, s.Validation)
}

// A self copy of a missing table fails before any writes.
func TestTransferSelfCopyMissing(t *testing.T) {
	dyn, tr, _ := copyFixture(0)
	tr.SourceTable, tr.DestTable = "nope", "nope"
	tr.AllowSelfCopy = true

	require.Error(t, tr.Run())
	assert.Equal(t, PhaseFailed, tr.Phase())
	assert.Empty(t, dyn.created)
	assert.Equal(t, 0, dyn.calls)
}

func importFixture(input string) (*fakeDynamo, *Transfer) {
	dyn := destTable()
	ns := new(noSleep)
	return dyn, &Transfer{
		Mode:      ModeImport,
		Dest:      dyn,
		DestTable: "dest",
		Inputs:    &FileSource{Paths: []string{"-"}, Stdin: strings.NewReader(input)},
		sleep:     ns.sleep,
	}
}

func TestTransferImport(t *testing.T) {
	dyn, tr := importFixture(`
{"id": "a", "n": 1.50, "tags": ["x", "y"]}
{"id": "b", "empty": "", "nested": {"deep": [true, null]}}
{"id": "c", "bad": NaN}
{"id": "d"}
`)
	var failed []FailedItem
	tr.OnFailure = func(fi FailedItem) { failed = append(failed, fi) }

	require.NoError(t, tr.Run(), "a malformed line only fails that record")
	assert.Equal(t, PhaseDone, tr.Phase())
	assert.Equal(t, 3, dyn.count("dest"))
	assert.Equal(t, "1.50", aws.StringValue(dyn.get("dest", "a")["n"].N))
	assert.True(t, aws.BoolValue(dyn.get("dest", "b")["empty"].NULL))
	assert.NotNil(t, dyn.get("dest", "d"))

	require.Len(t, failed, 1)
	assert.Equal(t, "stdin:4", failed[0].Source)
	assert.Contains(t, failed[0].Err.Error(), "invalid JSON")

	s := tr.Summary()
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, int64(4), s.ItemsRead)
	assert.Equal(t, int64(1), s.ItemsFailed)
}

func TestTransferImportRecordErrors(t *testing.T) {
	dyn, tr := importFixture(`[
{"id": "a"},
{"id": ""},
{"id": "c", "n": 1e200},
{"id": "d"}
]`)
	var failed []FailedItem
	tr.OnFailure = func(fi FailedItem) { failed = append(failed, fi) }

	require.NoError(t, tr.Run())
	assert.Equal(t, 2, dyn.count("dest"))
	require.Len(t, failed, 2)

	s := tr.Summary()
	assert.Equal(t, int64(4), s.ItemsRead)
	assert.Equal(t, int64(2), s.ItemsWritten)
	assert.Equal(t, int64(2), s.ItemsFailed)
	assert.Equal(t, "", s.SourceTable)
}

func TestTransferImportGenerateKeys(t *testing.T) {
	dyn, tr := importFixture(`{"v": 1}
{"id": "", "v": 2}
{"id": "keep", "v": 3}
`)
	tr.GenerateKeys = true

	require.NoError(t, tr.Run())
	assert.Equal(t, 3, dyn.count("dest"))
	assert.NotNil(t, dyn.get("dest", "keep"))
}

func TestTransferImportGenerateKeysNumeric(t *testing.T) {
	dyn := newFakeDynamo()
	desc := simpleTable("dest")
	desc.AttributeDefinitions[0].AttributeType = aws.String("N")
	dyn.addTable(desc)
	tr := &Transfer{
		Mode:         ModeImport,
		Dest:         dyn,
		DestTable:    "dest",
		Inputs:       &FileSource{Paths: []string{"-"}, Stdin: strings.NewReader(`{"v": 1}`)},
		GenerateKeys: true,
	}
	var cerr *ConfigError
	assert.True(t, errors.As(tr.Run(), &cerr))
}

func TestTransferImportTyped(t *testing.T) {
	dyn, tr := importFixture(`{"id": {"S": "t1"}, "n": {"N": "10"}, "ss": {"SS": ["a"]}}`)
	tr.Typed = true

	require.NoError(t, tr.Run())
	item := dyn.get("dest", "t1")
	require.NotNil(t, item)
	assert.Equal(t, "10", aws.StringValue(item["n"].N))
	assert.Equal(t, []string{"a"}, aws.StringValueSlice(item["ss"].SS))
}

func TestTransferImportMaxItems(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 40; i++ {
		sb.WriteString(`{"id": "` + strings.Repeat("x", i+1) + `"}` + "\n")
	}
	dyn, tr := importFixture(sb.String())
	tr.MaxItems = 15

	require.NoError(t, tr.Run())
	assert.Equal(t, 15, dyn.count("dest"))
}
