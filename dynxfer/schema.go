// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynxfer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/rs/zerolog"
)

const (
	defaultWaitTimeout  = 5 * time.Minute
	defaultPollInterval = 2 * time.Second
	defaultReadUnits    = 5
	defaultWriteUnits   = 5
)

const (
	errCodeResourceNotFound = "ResourceNotFoundException"
	errCodeResourceInUse    = "ResourceInUseException"
)

// DynTableManager defines the portion of the DynamoDB service used to read
// and replicate table schemas.
type DynTableManager interface {
	DescribeTable(input *dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error)
	CreateTable(input *dynamodb.CreateTableInput) (*dynamodb.CreateTableOutput, error)
	DeleteTable(input *dynamodb.DeleteTableInput) (*dynamodb.DeleteTableOutput, error)
	WaitUntilTableExistsWithContext(ctx aws.Context, input *dynamodb.DescribeTableInput, opts ...request.WaiterOption) error
	WaitUntilTableNotExistsWithContext(ctx aws.Context, input *dynamodb.DescribeTableInput, opts ...request.WaiterOption) error
}

// AttrType is the scalar type of a key attribute.
type AttrType string

const (
	AttrString AttrType = "S"
	AttrNumber AttrType = "N"
	AttrBinary AttrType = "B"
)

// KeyAttribute is a named and typed key attribute.
type KeyAttribute struct {
	Name string
	Type AttrType
}

// KeySchema holds the partition key and optional sort key of a table or index.
type KeySchema struct {
	Partition KeyAttribute
	Sort      *KeyAttribute
}

// Attributes returns the key attributes in schema order.
func (ks KeySchema) Attributes() []KeyAttribute {
	if ks.Sort == nil {
		return []KeyAttribute{ks.Partition}
	}
	return []KeyAttribute{ks.Partition, *ks.Sort}
}

// AttributeDefinition declares the type of an attribute used by a key schema.
type AttributeDefinition struct {
	Name string
	Type AttrType
}

// IndexKind distinguishes global from local secondary indexes.
type IndexKind string

const (
	GlobalIndex IndexKind = "global"
	LocalIndex  IndexKind = "local"
)

// Projection describes the attributes copied into a secondary index.
type Projection struct {
	Type             string // ALL, KEYS_ONLY or INCLUDE
	NonKeyAttributes []string
}

// Throughput is a provisioned read/write capacity pair.
type Throughput struct {
	Read  int64
	Write int64
}

// IndexDescriptor describes one secondary index.  Throughput is only set on
// global indexes of provisioned tables.
type IndexDescriptor struct {
	Name       string
	Kind       IndexKind
	KeySchema  KeySchema
	Projection Projection
	Throughput *Throughput
}

// BillingMode is the capacity model of a table.
type BillingMode string

const (
	BillingProvisioned BillingMode = "PROVISIONED"
	BillingOnDemand    BillingMode = "PAY_PER_REQUEST"
)

// BillingPolicy selects the billing mode applied to a replicated table.
type BillingPolicy string

const (
	BillingKeep             BillingPolicy = "keep"
	BillingForceOnDemand    BillingPolicy = "on-demand"
	BillingForceProvisioned BillingPolicy = "provisioned"
)

// ParseBillingPolicy validates a billing policy name.
func ParseBillingPolicy(s string) (BillingPolicy, error) {
	switch p := BillingPolicy(s); p {
	case BillingKeep, BillingForceOnDemand, BillingForceProvisioned:
		return p, nil
	case "":
		return BillingKeep, nil
	}
	return "", configErrorf("billing-mode", "unknown billing mode %q", s)
}

// TableDescriptor is an immutable snapshot of a table's schema, used as
// the blueprint for creating a copy of the table.
type TableDescriptor struct {
	Name                 string
	Status               string
	KeySchema            KeySchema
	AttributeDefinitions []AttributeDefinition
	Indexes              []IndexDescriptor
	Billing              BillingMode
	Throughput           *Throughput // nil for on-demand tables
	ItemCount            int64       // approximate; refreshed by DynamoDB every ~6 hours
	SizeBytes            int64
}

// DescribeTable fetches the schema of the named table.
func DescribeTable(dyn DynTableManager, tableName string) (*TableDescriptor, error) {
	resp, err := dyn.DescribeTable(&dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	})
	if err != nil {
		return nil, fmt.Errorf("describe table %q failed: %v", tableName, err)
	}
	return descriptorFromDescription(resp.Table)
}

// TableExists reports whether the named table exists.
func TableExists(dyn DynTableManager, tableName string) (bool, error) {
	_, err := dyn.DescribeTable(&dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	})
	if err == nil {
		return true, nil
	}
	if aerr, ok := err.(awserr.Error); ok && aerr.Code() == errCodeResourceNotFound {
		return false, nil
	}
	return false, fmt.Errorf("describe table %q failed: %v", tableName, err)
}

func descriptorFromDescription(t *dynamodb.TableDescription) (*TableDescriptor, error) {
	if t == nil {
		return nil, fmt.Errorf("empty table description")
	}
	types := make(map[string]AttrType, len(t.AttributeDefinitions))
	d := &TableDescriptor{
		Name:      aws.StringValue(t.TableName),
		Status:    aws.StringValue(t.TableStatus),
		ItemCount: aws.Int64Value(t.ItemCount),
		SizeBytes: aws.Int64Value(t.TableSizeBytes),
	}
	for _, ad := range t.AttributeDefinitions {
		name, typ := aws.StringValue(ad.AttributeName), AttrType(aws.StringValue(ad.AttributeType))
		types[name] = typ
		d.AttributeDefinitions = append(d.AttributeDefinitions, AttributeDefinition{Name: name, Type: typ})
	}
	sort.Slice(d.AttributeDefinitions, func(i, j int) bool {
		return d.AttributeDefinitions[i].Name < d.AttributeDefinitions[j].Name
	})

	ks, err := keySchemaFrom(t.KeySchema, types)
	if err != nil {
		return nil, fmt.Errorf("table %q: %v", d.Name, err)
	}
	d.KeySchema = ks

	tp := throughputFrom(t.ProvisionedThroughput)
	switch {
	case t.BillingModeSummary != nil && aws.StringValue(t.BillingModeSummary.BillingMode) != "":
		d.Billing = BillingMode(aws.StringValue(t.BillingModeSummary.BillingMode))
	case tp != nil:
		d.Billing = BillingProvisioned
	default:
		d.Billing = BillingOnDemand
	}
	if d.Billing == BillingProvisioned {
		d.Throughput = tp
	}

	for _, gsi := range t.GlobalSecondaryIndexes {
		ks, err := keySchemaFrom(gsi.KeySchema, types)
		if err != nil {
			return nil, fmt.Errorf("index %q: %v", aws.StringValue(gsi.IndexName), err)
		}
		idx := IndexDescriptor{
			Name:       aws.StringValue(gsi.IndexName),
			Kind:       GlobalIndex,
			KeySchema:  ks,
			Projection: projectionFrom(gsi.Projection),
		}
		if d.Billing == BillingProvisioned {
			idx.Throughput = throughputFrom(gsi.ProvisionedThroughput)
		}
		d.Indexes = append(d.Indexes, idx)
	}
	for _, lsi := range t.LocalSecondaryIndexes {
		ks, err := keySchemaFrom(lsi.KeySchema, types)
		if err != nil {
			return nil, fmt.Errorf("index %q: %v", aws.StringValue(lsi.IndexName), err)
		}
		d.Indexes = append(d.Indexes, IndexDescriptor{
			Name:       aws.StringValue(lsi.IndexName),
			Kind:       LocalIndex,
			KeySchema:  ks,
			Projection: projectionFrom(lsi.Projection),
		})
	}
	sort.Slice(d.Indexes, func(i, j int) bool {
		if d.Indexes[i].Kind != d.Indexes[j].Kind {
			return d.Indexes[i].Kind < d.Indexes[j].Kind
		}
		return d.Indexes[i].Name < d.Indexes[j].Name
	})
	return d, nil
}

func keySchemaFrom(elems []*dynamodb.KeySchemaElement, types map[string]AttrType) (ks KeySchema, err error) {
	var havePartition bool
	for _, e := range elems {
		name := aws.StringValue(e.AttributeName)
		typ, ok := types[name]
		if !ok {
			return ks, fmt.Errorf("no attribute definition for key %q", name)
		}
		switch aws.StringValue(e.KeyType) {
		case dynamodb.KeyTypeHash:
			ks.Partition = KeyAttribute{Name: name, Type: typ}
			havePartition = true
		case dynamodb.KeyTypeRange:
			ks.Sort = &KeyAttribute{Name: name, Type: typ}
		}
	}
	if !havePartition {
		return ks, fmt.Errorf("key schema has no partition (HASH) key")
	}
	return ks, nil
}

func throughputFrom(p *dynamodb.ProvisionedThroughputDescription) *Throughput {
	if p == nil || (aws.Int64Value(p.ReadCapacityUnits) == 0 && aws.Int64Value(p.WriteCapacityUnits) == 0) {
		return nil
	}
	return &Throughput{
		Read:  aws.Int64Value(p.ReadCapacityUnits),
		Write: aws.Int64Value(p.WriteCapacityUnits),
	}
}

func projectionFrom(p *dynamodb.Projection) Projection {
	if p == nil {
		return Projection{Type: dynamodb.ProjectionTypeAll}
	}
	return Projection{
		Type:             aws.StringValue(p.ProjectionType),
		NonKeyAttributes: aws.StringValueSlice(p.NonKeyAttributes),
	}
}

// CreateTableInput builds the request that creates a table named tableName
// with this descriptor's schema.  The billing policy may substitute the
// source billing mode; provisioned tables without known throughput get
// 5 read / 5 write units on the table and each global index.
func (d *TableDescriptor) CreateTableInput(tableName string, policy BillingPolicy) *dynamodb.CreateTableInput {
	billing := d.Billing
	switch policy {
	case BillingForceOnDemand:
		billing = BillingOnDemand
	case BillingForceProvisioned:
		billing = BillingProvisioned
	}

	input := &dynamodb.CreateTableInput{
		TableName:   aws.String(tableName),
		KeySchema:   keySchemaElements(d.KeySchema),
		BillingMode: aws.String(string(billing)),
	}
	if billing == BillingProvisioned {
		input.ProvisionedThroughput = provisioned(d.Throughput)
	}

	used := make(map[string]bool)
	for _, k := range d.KeySchema.Attributes() {
		used[k.Name] = true
	}

	for _, idx := range d.Indexes {
		for _, k := range idx.KeySchema.Attributes() {
			used[k.Name] = true
		}
		proj := &dynamodb.Projection{ProjectionType: aws.String(idx.Projection.Type)}
		if len(idx.Projection.NonKeyAttributes) > 0 {
			proj.NonKeyAttributes = aws.StringSlice(idx.Projection.NonKeyAttributes)
		}
		switch idx.Kind {
		case GlobalIndex:
			gsi := &dynamodb.GlobalSecondaryIndex{
				IndexName:  aws.String(idx.Name),
				KeySchema:  keySchemaElements(idx.KeySchema),
				Projection: proj,
			}
			if billing == BillingProvisioned {
				gsi.ProvisionedThroughput = provisioned(idx.Throughput)
			}
			input.GlobalSecondaryIndexes = append(input.GlobalSecondaryIndexes, gsi)

		case LocalIndex:
			input.LocalSecondaryIndexes = append(input.LocalSecondaryIndexes, &dynamodb.LocalSecondaryIndex{
				IndexName:  aws.String(idx.Name),
				KeySchema:  keySchemaElements(idx.KeySchema),
				Projection: proj,
			})
		}
	}

	// every attribute referenced by a key schema must be defined, and
	// DynamoDB rejects definitions that nothing references
	for _, ad := range d.AttributeDefinitions {
		if used[ad.Name] {
			input.AttributeDefinitions = append(input.AttributeDefinitions, &dynamodb.AttributeDefinition{
				AttributeName: aws.String(ad.Name),
				AttributeType: aws.String(string(ad.Type)),
			})
		}
	}
	return input
}

func keySchemaElements(ks KeySchema) []*dynamodb.KeySchemaElement {
	elems := []*dynamodb.KeySchemaElement{{
		AttributeName: aws.String(ks.Partition.Name),
		KeyType:       aws.String(dynamodb.KeyTypeHash),
	}}
	if ks.Sort != nil {
		elems = append(elems, &dynamodb.KeySchemaElement{
			AttributeName: aws.String(ks.Sort.Name),
			KeyType:       aws.String(dynamodb.KeyTypeRange),
		})
	}
	return elems
}

func provisioned(tp *Throughput) *dynamodb.ProvisionedThroughput {
	read, write := int64(defaultReadUnits), int64(defaultWriteUnits)
	if tp != nil {
		if tp.Read > 0 {
			read = tp.Read
		}
		if tp.Write > 0 {
			write = tp.Write
		}
	}
	return &dynamodb.ProvisionedThroughput{
		ReadCapacityUnits:  aws.Int64(read),
		WriteCapacityUnits: aws.Int64(write),
	}
}

// WaitOptions control how long table creation and deletion are awaited.
type WaitOptions struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

func (o WaitOptions) withDefaults() WaitOptions {
	if o.Timeout <= 0 {
		o.Timeout = defaultWaitTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	return o
}

func (o WaitOptions) waiterOptions() []request.WaiterOption {
	attempts := int(o.Timeout/o.PollInterval) + 1
	return []request.WaiterOption{
		request.WithWaiterDelay(request.ConstantWaiterDelay(o.PollInterval)),
		request.WithWaiterMaxAttempts(attempts),
	}
}

// CreateTable creates tableName from the descriptor and blocks until the
// table is active.  A table that does not become active within the wait
// timeout yields a *TableCreationTimeoutError.
func CreateTable(ctx context.Context, dyn DynTableManager, tableName string, d *TableDescriptor, policy BillingPolicy, wait WaitOptions) error {
	wait = wait.withDefaults()
	if _, err := dyn.CreateTable(d.CreateTableInput(tableName, policy)); err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == errCodeResourceInUse {
			return &DestinationExistsError{TableName: tableName}
		}
		return fmt.Errorf("create table %q failed: %v", tableName, err)
	}
	return waitFor(ctx, tableName, "active", wait, dyn.WaitUntilTableExistsWithContext)
}

// DeleteTable deletes tableName and blocks until the deletion completes.
func DeleteTable(ctx context.Context, dyn DynTableManager, tableName string, wait WaitOptions) error {
	wait = wait.withDefaults()
	if _, err := dyn.DeleteTable(&dynamodb.DeleteTableInput{TableName: aws.String(tableName)}); err != nil {
		return fmt.Errorf("delete table %q failed: %v", tableName, err)
	}
	return waitFor(ctx, tableName, "deleted", wait, dyn.WaitUntilTableNotExistsWithContext)
}

type waitFunc func(ctx aws.Context, input *dynamodb.DescribeTableInput, opts ...request.WaiterOption) error

func waitFor(ctx context.Context, tableName, state string, wait WaitOptions, fn waitFunc) error {
	wctx, cancel := context.WithTimeout(ctx, wait.Timeout)
	defer cancel()

	err := fn(wctx, &dynamodb.DescribeTableInput{TableName: aws.String(tableName)}, wait.waiterOptions()...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ErrAborted
	}
	if aerr, ok := err.(awserr.Error); (ok && aerr.Code() == request.WaiterResourceNotReadyErrorCode) || wctx.Err() != nil {
		return &TableCreationTimeoutError{TableName: tableName, Waiting: state, Timeout: wait.Timeout, Err: err}
	}
	return fmt.Errorf("waiting for table %q to become %s failed: %v", tableName, state, err)
}

// Replicator copies the schema of a source table to a destination table,
// optionally replacing an existing destination.
type Replicator struct {
	Source      DynTableManager
	SourceTable string
	Dest        DynTableManager
	DestTable   string
	Overwrite   bool          // Delete and recreate an existing destination table
	Billing     BillingPolicy // Billing mode substitution for the destination
	Wait        WaitOptions

	// Confirm, if set, is asked before an existing destination is deleted.
	// Returning false aborts replication.
	Confirm func(question string) (bool, error)
	Logger  *zerolog.Logger
}

// Replicate reads the source schema and creates an equivalent destination
// table, returning the source descriptor.
func (r *Replicator) Replicate(ctx context.Context) (*TableDescriptor, error) {
	log := loggerOrNop(r.Logger)

	src, err := DescribeTable(r.Source, r.SourceTable)
	if err != nil {
		return nil, err
	}
	log.Info().Str("table", r.SourceTable).Str("billing", string(src.Billing)).
		Int("indexes", len(src.Indexes)).Msg("read source schema")

	exists, err := TableExists(r.Dest, r.DestTable)
	if err != nil {
		return nil, err
	}
	if exists {
		if !r.Overwrite {
			return nil, &DestinationExistsError{TableName: r.DestTable}
		}
		if r.Confirm != nil {
			ok, err := r.Confirm(fmt.Sprintf("Delete and recreate existing destination table %s", r.DestTable))
			if err != nil {
				return nil, fmt.Errorf("could not prompt for confirmation (use --force to override): %v", err)
			}
			if !ok {
				return nil, fmt.Errorf("user rejected overwrite of table %q", r.DestTable)
			}
		}
		log.Warn().Str("table", r.DestTable).Msg("deleting existing destination table")
		if err := DeleteTable(ctx, r.Dest, r.DestTable, r.Wait); err != nil {
			return nil, err
		}
	}

	log.Info().Str("table", r.DestTable).Msg("creating destination table")
	if err := CreateTable(ctx, r.Dest, r.DestTable, src, r.Billing, r.Wait); err != nil {
		return nil, err
	}
	log.Info().Str("table", r.DestTable).Msg("destination table active")
	return src, nil
}

func loggerOrNop(l *zerolog.Logger) *zerolog.Logger {
	if l == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return l
}
