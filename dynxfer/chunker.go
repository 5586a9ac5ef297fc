// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynxfer

import (
	"io"

	"github.com/aws/aws-sdk-go/service/dynamodb"
)

const (
	// MaxBatchSize is the most put requests DynamoDB accepts in one
	// BatchWriteItem call.
	MaxBatchSize = 25

	// DefaultBatchSize is used when no batch size is configured.
	DefaultBatchSize = MaxBatchSize
)

// ItemReader is the interface expected by the loader to retrieve items from
// a source for loading into a DynamoDB table.  ReadItem returns io.EOF once
// the source is exhausted.
type ItemReader interface {
	ReadItem() (item map[string]*dynamodb.AttributeValue, err error)
}

// ValidateBatchSize returns a *ConfigError unless size is within 1..25.
func ValidateBatchSize(size int) error {
	if size < 1 || size > MaxBatchSize {
		return configErrorf("batch-size", "must be between 1 and %d, got %d", MaxBatchSize, size)
	}
	return nil
}

// Chunker groups the items of an ItemReader into batches of at most Size
// items.  It only ever holds one batch in memory.
type Chunker struct {
	src  ItemReader
	size int
	err  error // deferred source error, returned after the partial batch
}

// NewChunker returns a Chunker reading from src.
func NewChunker(src ItemReader, size int) (*Chunker, error) {
	if err := ValidateBatchSize(size); err != nil {
		return nil, err
	}
	return &Chunker{src: src, size: size}, nil
}

// NextBatch returns the next batch in source order.  The final batch may be
// shorter than the configured size.  io.EOF is returned when the source is
// exhausted; any other source error is returned after the items read
// before it have been handed out.
func (c *Chunker) NextBatch() ([]map[string]*dynamodb.AttributeValue, error) {
	if c.err != nil {
		return nil, c.err
	}
	batch := make([]map[string]*dynamodb.AttributeValue, 0, c.size)
	for len(batch) < c.size {
		item, err := c.src.ReadItem()
		if err != nil {
			c.err = err
			break
		}
		batch = append(batch, item)
	}
	if len(batch) == 0 {
		return nil, c.err
	}
	return batch, nil
}

// SliceReader is an ItemReader over an in-memory list of items.
type SliceReader struct {
	items []map[string]*dynamodb.AttributeValue
}

// NewSliceReader returns an ItemReader yielding items in order.
func NewSliceReader(items []map[string]*dynamodb.AttributeValue) *SliceReader {
	return &SliceReader{items: items}
}

// ReadItem implements ItemReader.
func (r *SliceReader) ReadItem() (map[string]*dynamodb.AttributeValue, error) {
	if len(r.items) == 0 {
		return nil, io.EOF
	}
	item := r.items[0]
	r.items = r.items[1:]
	return item, nil
}
