// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynxfer

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/stretchr/testify/require"
)

type fakeBatchWriter struct {
	write func(input *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error)
}

func (f *fakeBatchWriter) BatchWriteItem(input *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error) {
	return f.write(input)
}

type fakeScanner struct {
	scan func(input *dynamodb.ScanInput) (*dynamodb.ScanOutput, error)
}

func (f *fakeScanner) Scan(input *dynamodb.ScanInput) (*dynamodb.ScanOutput, error) {
	return f.scan(input)
}

type fakeTable struct {
	desc  *dynamodb.TableDescription
	keys  []KeyAttribute
	items map[string]map[string]*dynamodb.AttributeValue
	order []string
}

// fakeDynamo is an in-memory DynamoDB implementing DynAPI.
// Tables become active as soon as they are created.
type fakeDynamo struct {
	m      sync.Mutex
	tables map[string]*fakeTable

	pageSize  int // items per scan page; defaults to 10
	calls     int
	batchHook func(call int, items []map[string]*dynamodb.AttributeValue) (unprocessed map[int]bool, err error)
	createErr error
	waitErr   error // returned by the table exists waiter
	created   []*dynamodb.CreateTableInput
	deleted   []string
	scans     int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{tables: make(map[string]*fakeTable)}
}

func notFound(name string) error {
	return awserr.New("ResourceNotFoundException", "Requested resource not found: Table: "+name+" not found", nil)
}

// addTable creates an active table with the given description.
func (f *fakeDynamo) addTable(desc *dynamodb.TableDescription) {
	f.m.Lock()
	defer f.m.Unlock()
	f.addTableLocked(desc)
}

func (f *fakeDynamo) addTableLocked(desc *dynamodb.TableDescription) {
	desc.TableStatus = aws.String(dynamodb.TableStatusActive)
	d, err := descriptorFromDescription(desc)
	if err != nil {
		panic(err)
	}
	f.tables[aws.StringValue(desc.TableName)] = &fakeTable{
		desc:  desc,
		keys:  d.KeySchema.Attributes(),
		items: make(map[string]map[string]*dynamodb.AttributeValue),
	}
}

// simpleTable returns the description of a table with a string partition key "id".
func simpleTable(name string) *dynamodb.TableDescription {
	return &dynamodb.TableDescription{
		TableName: aws.String(name),
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: aws.String(dynamodb.KeyTypeHash)},
		},
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: aws.String("S")},
		},
		BillingModeSummary: &dynamodb.BillingModeSummary{BillingMode: aws.String(dynamodb.BillingModePayPerRequest)},
	}
}

func (f *fakeDynamo) put(table string, items ...map[string]*dynamodb.AttributeValue) {
	f.m.Lock()
	defer f.m.Unlock()
	t := f.tables[table]
	for _, item := range items {
		t.put(item)
	}
}

func (t *fakeTable) put(item map[string]*dynamodb.AttributeValue) {
	k := renderKey(item, t.keys)
	if _, ok := t.items[k]; !ok {
		t.order = append(t.order, k)
	}
	t.items[k] = item
}

func (f *fakeDynamo) count(table string) int {
	f.m.Lock()
	defer f.m.Unlock()
	return len(f.tables[table].items)
}

func (f *fakeDynamo) get(table, id string) map[string]*dynamodb.AttributeValue {
	f.m.Lock()
	defer f.m.Unlock()
	return f.tables[table].items[fmt.Sprintf("id=%q", id)]
}

func (f *fakeDynamo) BatchWriteItem(input *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error) {
	f.m.Lock()
	defer f.m.Unlock()
	f.calls++
	out := &dynamodb.BatchWriteItemOutput{UnprocessedItems: map[string][]*dynamodb.WriteRequest{}}
	for name, reqs := range input.RequestItems {
		t, ok := f.tables[name]
		if !ok {
			return nil, notFound(name)
		}
		if len(reqs) > MaxBatchSize {
			return nil, awserr.New("ValidationException", "Too many items requested for the BatchWriteItem call", nil)
		}
		items := make([]map[string]*dynamodb.AttributeValue, len(reqs))
		seen := make(map[string]bool)
		for i, req := range reqs {
			items[i] = req.PutRequest.Item
			if err := checkKey(items[i], t.keys); err != nil {
				return nil, awserr.New("ValidationException", "One or more parameter values were invalid: "+err.Error(), nil)
			}
			k := renderKey(items[i], t.keys)
			if seen[k] {
				return nil, awserr.New("ValidationException", "Provided list of item keys contains duplicates", nil)
			}
			seen[k] = true
		}
		var unprocessed map[int]bool
		if f.batchHook != nil {
			var err error
			if unprocessed, err = f.batchHook(f.calls, items); err != nil {
				return nil, err
			}
		}
		var units float64
		for i, item := range items {
			if unprocessed[i] {
				out.UnprocessedItems[name] = append(out.UnprocessedItems[name], reqs[i])
				continue
			}
			t.put(item)
			units++
		}
		out.ConsumedCapacity = append(out.ConsumedCapacity, &dynamodb.ConsumedCapacity{
			TableName:     aws.String(name),
			CapacityUnits: aws.Float64(units),
		})
	}
	return out, nil
}

func (f *fakeDynamo) Scan(input *dynamodb.ScanInput) (*dynamodb.ScanOutput, error) {
	f.m.Lock()
	defer f.m.Unlock()
	f.scans++
	t, ok := f.tables[aws.StringValue(input.TableName)]
	if !ok {
		return nil, notFound(aws.StringValue(input.TableName))
	}
	limit := f.pageSize
	if limit <= 0 {
		limit = 10
	}
	if l := int(aws.Int64Value(input.Limit)); l > 0 && l < limit {
		limit = l
	}
	start := 0
	if pos := input.ExclusiveStartKey["pos"]; pos != nil {
		start, _ = strconv.Atoi(aws.StringValue(pos.N))
	}

	out := &dynamodb.ScanOutput{
		ConsumedCapacity: &dynamodb.ConsumedCapacity{CapacityUnits: aws.Float64(1)},
	}
	var count int64
	i := start
	for ; i < len(t.order) && int(count) < limit; i++ {
		if input.TotalSegments != nil && int64(i)%aws.Int64Value(input.TotalSegments) != aws.Int64Value(input.Segment) {
			continue
		}
		count++
		if aws.StringValue(input.Select) != dynamodb.SelectCount {
			out.Items = append(out.Items, t.items[t.order[i]])
		}
	}
	out.Count = aws.Int64(count)
	if i < len(t.order) {
		out.LastEvaluatedKey = map[string]*dynamodb.AttributeValue{
			"pos": {N: aws.String(strconv.Itoa(i))},
		}
	}
	return out, nil
}

func (f *fakeDynamo) DescribeTable(input *dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error) {
	f.m.Lock()
	defer f.m.Unlock()
	t, ok := f.tables[aws.StringValue(input.TableName)]
	if !ok {
		return nil, notFound(aws.StringValue(input.TableName))
	}
	desc := *t.desc
	desc.ItemCount = aws.Int64(int64(len(t.items)))
	return &dynamodb.DescribeTableOutput{Table: &desc}, nil
}

func (f *fakeDynamo) CreateTable(input *dynamodb.CreateTableInput) (*dynamodb.CreateTableOutput, error) {
	f.m.Lock()
	defer f.m.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	name := aws.StringValue(input.TableName)
	if _, ok := f.tables[name]; ok {
		return nil, awserr.New("ResourceInUseException", "Table already exists: "+name, nil)
	}
	f.created = append(f.created, input)

	desc := &dynamodb.TableDescription{
		TableName:            input.TableName,
		KeySchema:            input.KeySchema,
		AttributeDefinitions: input.AttributeDefinitions,
		BillingModeSummary:   &dynamodb.BillingModeSummary{BillingMode: input.BillingMode},
	}
	if tp := input.ProvisionedThroughput; tp != nil {
		desc.ProvisionedThroughput = &dynamodb.ProvisionedThroughputDescription{
			ReadCapacityUnits:  tp.ReadCapacityUnits,
			WriteCapacityUnits: tp.WriteCapacityUnits,
		}
	}
	for _, gsi := range input.GlobalSecondaryIndexes {
		gd := &dynamodb.GlobalSecondaryIndexDescription{
			IndexName:  gsi.IndexName,
			KeySchema:  gsi.KeySchema,
			Projection: gsi.Projection,
		}
		if tp := gsi.ProvisionedThroughput; tp != nil {
			gd.ProvisionedThroughput = &dynamodb.ProvisionedThroughputDescription{
				ReadCapacityUnits:  tp.ReadCapacityUnits,
				WriteCapacityUnits: tp.WriteCapacityUnits,
			}
		}
		desc.GlobalSecondaryIndexes = append(desc.GlobalSecondaryIndexes, gd)
	}
	for _, lsi := range input.LocalSecondaryIndexes {
		desc.LocalSecondaryIndexes = append(desc.LocalSecondaryIndexes, &dynamodb.LocalSecondaryIndexDescription{
			IndexName:  lsi.IndexName,
			KeySchema:  lsi.KeySchema,
			Projection: lsi.Projection,
		})
	}
	f.addTableLocked(desc)
	return &dynamodb.CreateTableOutput{TableDescription: desc}, nil
}

func (f *fakeDynamo) DeleteTable(input *dynamodb.DeleteTableInput) (*dynamodb.DeleteTableOutput, error) {
	f.m.Lock()
	defer f.m.Unlock()
	name := aws.StringValue(input.TableName)
	if _, ok := f.tables[name]; !ok {
		return nil, notFound(name)
	}
	delete(f.tables, name)
	f.deleted = append(f.deleted, name)
	return &dynamodb.DeleteTableOutput{}, nil
}

func (f *fakeDynamo) WaitUntilTableExistsWithContext(ctx aws.Context, input *dynamodb.DescribeTableInput, opts ...request.WaiterOption) error {
	f.m.Lock()
	defer f.m.Unlock()
	if f.waitErr != nil {
		return f.waitErr
	}
	if _, ok := f.tables[aws.StringValue(input.TableName)]; !ok {
		return awserr.New(request.WaiterResourceNotReadyErrorCode, "exceeded wait attempts", nil)
	}
	return nil
}

func (f *fakeDynamo) WaitUntilTableNotExistsWithContext(ctx aws.Context, input *dynamodb.DescribeTableInput, opts ...request.WaiterOption) error {
	f.m.Lock()
	defer f.m.Unlock()
	if _, ok := f.tables[aws.StringValue(input.TableName)]; ok {
		return awserr.New(request.WaiterResourceNotReadyErrorCode, "exceeded wait attempts", nil)
	}
	return nil
}

// stringItem returns an item with a string id and a numeric value.
func stringItem(id string, v int) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		"id": {S: aws.String(id)},
		"v":  {N: aws.String(strconv.Itoa(v))},
	}
}

func stringItems(n int) []map[string]*dynamodb.AttributeValue {
	items := make([]map[string]*dynamodb.AttributeValue, n)
	for i := range items {
		items[i] = stringItem(strconv.Itoa(i), i)
	}
	return items
}

// errReader is an ItemReader returning its items followed by err.
type errReader struct {
	items []map[string]*dynamodb.AttributeValue
	err   error
}

func (r *errReader) ReadItem() (map[string]*dynamodb.AttributeValue, error) {
	if len(r.items) == 0 {
		if r.err == nil {
			return nil, io.EOF
		}
		return nil, r.err
	}
	item := r.items[0]
	r.items = r.items[1:]
	return item, nil
}

// noSleep records requested delays without waiting.
type noSleep struct {
	m      sync.Mutex
	delays []time.Duration
}

func (n *noSleep) sleep(ctx context.Context, d time.Duration) error {
	n.m.Lock()
	n.delays = append(n.delays, d)
	n.m.Unlock()
	return ctx.Err()
}

func atoi(t *testing.T, s string) int {
	n, err := strconv.Atoi(s)
	require.NoError(t, err)
	return n
}
