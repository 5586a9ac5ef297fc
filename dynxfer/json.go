// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynxfer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/google/uuid"
)

// attributeValue is a copy of dynamodb.AttributeValue with some json
// tags added to avoid encoding omitted entries when writing out items.
type attributeValue struct {
	// A Binary data type.
	//
	// B is automatically base64 encoded/decoded by the SDK.
	B []byte `json:",omitempty"`

	// A Boolean data type.
	BOOL *bool `json:",omitempty"`

	// A Binary Set data type.
	BS [][]byte `json:",omitempty"`

	// A List of attribute values.
	L []*attributeValue `json:",omitempty"`

	// A Map of attribute values.
	M map[string]*attributeValue `json:",omitempty"`

	// A Number data type.
	N *string `json:",omitempty"`

	// A Number Set data type.
	NS []*string `json:",omitempty"`

	// A Null data type.
	NULL *bool `json:",omitempty"`

	// A String data type.
	S *string `json:",omitempty"`

	// A String Set data type.
	SS []*string `json:",omitempty"`
}

func toAttribute(src *dynamodb.AttributeValue) (dst *attributeValue) {
	dst = &attributeValue{
		B:    src.B,
		BOOL: src.BOOL,
		BS:   src.BS,
		N:    src.N,
		NS:   src.NS,
		NULL: src.NULL,
		S:    src.S,
		SS:   src.SS,
	}
	if src.L != nil {
		dst.L = make([]*attributeValue, len(src.L))
		for i := range src.L {
			dst.L[i] = toAttribute(src.L[i])
		}
	}
	if src.M != nil {
		dst.M = make(map[string]*attributeValue)
		for k, v := range src.M {
			dst.M[k] = toAttribute(v)
		}
	}
	return dst
}

func toAttributes(item map[string]*dynamodb.AttributeValue) map[string]*attributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]*attributeValue, len(item))
	for k, v := range item {
		out[k] = toAttribute(v)
	}
	return out
}

// DecodeOptions controls how a RecordDecoder turns records into items.
type DecodeOptions struct {
	// Typed records are already in DynamoDB JSON, eg. {"id": {"S": "1"}}.
	Typed bool

	// GenerateKey names a string partition key that is filled with a
	// random UUID when a record lacks it or holds an empty value.
	GenerateKey string
}

// RecordDecoder implements ItemReader over a stream of JSON records.
// The stream may hold one JSON object per line, concatenated objects or a
// single top level array of objects.  An input whose first record fills its
// first line is read as JSON lines.
//
// A record that cannot be converted to an item is returned as a
// *RecordError and the following records remain readable.  In JSON lines
// input that includes a line of malformed JSON.  Malformed JSON in an array
// or in concatenated values ends the stream with a plain error.
type RecordDecoder struct {
	name    string
	opts    DecodeOptions
	coercer Coercer
	br      *bufio.Reader
	started bool
	lines   bool
	pending []byte // first line, held while detecting the format
	line    int
	jd      *json.Decoder
	array   bool
	n       int
	err     error
}

// NewRecordDecoder creates a decoder reading from r.  name identifies the
// input in errors and failed item reports.
func NewRecordDecoder(r io.Reader, name string, opts DecodeOptions) *RecordDecoder {
	return &RecordDecoder{
		name:    name,
		opts:    opts,
		coercer: Coercer{DetectTyped: true},
		br:      bufio.NewReader(r),
	}
}

// start skips leading whitespace and determines the input format.
func (d *RecordDecoder) start() error {
	for {
		b, err := d.br.ReadByte()
		if err != nil {
			return err
		}
		switch b {
		case '\n':
			d.line++
			continue
		case ' ', '\t', '\r':
			continue
		}
		if err := d.br.UnreadByte(); err != nil {
			return err
		}
		if b == '[' {
			d.array = true
			d.jd = newNumberDecoder(d.br)
			_, err = d.jd.Token()
			return err
		}

		first, err := d.readLine()
		if err != nil {
			return err
		}
		if json.Valid(first) {
			d.lines, d.pending = true, first
			return nil
		}
		d.jd = newNumberDecoder(io.MultiReader(bytes.NewReader(first), d.br))
		return nil
	}
}

// readLine returns the next line with surrounding whitespace removed.
func (d *RecordDecoder) readLine() ([]byte, error) {
	line, err := d.br.ReadBytes('\n')
	if err != nil && err != io.EOF {
		return nil, err
	}
	if len(line) == 0 && err == io.EOF {
		return nil, io.EOF
	}
	d.line++
	return bytes.TrimSpace(line), nil
}

func newNumberDecoder(r io.Reader) *json.Decoder {
	jd := json.NewDecoder(r)
	jd.UseNumber()
	return jd
}

// ReadItem implements ItemReader.
func (d *RecordDecoder) ReadItem() (map[string]*dynamodb.AttributeValue, error) {
	if !d.started {
		d.started = true
		if err := d.start(); err != nil {
			if err != io.EOF {
				err = fmt.Errorf("%s: %v", d.name, err)
			}
			d.err = err
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	if d.lines {
		return d.readLineRecord()
	}

	if d.array && !d.jd.More() {
		if _, err := d.jd.Token(); err != nil { // closing bracket
			return nil, fmt.Errorf("%s: %v", d.name, err)
		}
		d.array = false
		d.jd = newNumberDecoder(io.MultiReader(d.jd.Buffered(), d.br))
	}

	var raw json.RawMessage
	if err := d.jd.Decode(&raw); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%s: invalid JSON after record %d: %v", d.name, d.n, err)
	}
	d.n++
	return d.record(raw, fmt.Sprintf("%s:%d", d.name, d.n))
}

// readLineRecord reads the next non-blank line of JSON lines input.
func (d *RecordDecoder) readLineRecord() (map[string]*dynamodb.AttributeValue, error) {
	for {
		line := d.pending
		d.pending = nil
		if line == nil {
			var err error
			if line, err = d.readLine(); err == io.EOF {
				return nil, io.EOF
			} else if err != nil {
				return nil, fmt.Errorf("%s: %v", d.name, err)
			}
		}
		if len(line) == 0 {
			continue
		}
		d.n++
		source := fmt.Sprintf("%s:%d", d.name, d.line)
		if !json.Valid(line) {
			var v interface{}
			err := json.Unmarshal(line, &v)
			if err == nil {
				err = errors.New("more than one value on the line")
			}
			return nil, &RecordError{Source: source, Record: line, Err: fmt.Errorf("invalid JSON: %v", err)}
		}
		return d.record(line, source)
	}
}

func (d *RecordDecoder) record(raw []byte, source string) (map[string]*dynamodb.AttributeValue, error) {
	item, err := d.convert(raw)
	if err != nil {
		return nil, &RecordError{Source: source, Record: raw, Err: err}
	}
	return item, nil
}

func (d *RecordDecoder) convert(raw []byte) (item map[string]*dynamodb.AttributeValue, err error) {
	var v interface{}
	if err := newNumberDecoder(bytes.NewReader(raw)).Decode(&v); err != nil {
		return nil, err
	}
	record, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.New("record is not a JSON object")
	}
	if d.opts.Typed {
		item, err = d.coercer.CoerceTypedItem(record)
	} else {
		item, err = d.coercer.CoerceItem(record)
	}
	if err != nil {
		return nil, err
	}

	if k := d.opts.GenerateKey; k != "" {
		if av := item[k]; av == nil || aws.BoolValue(av.NULL) || (av.S != nil && *av.S == "") {
			item[k] = &dynamodb.AttributeValue{S: aws.String(uuid.NewString())}
		}
	}
	return item, nil
}

// MultiDecoder reads each RecordSource entry in turn, presenting all of
// their records as a single ItemReader.
type MultiDecoder struct {
	Source RecordSource
	Opts   DecodeOptions

	cur    *RecordDecoder
	closer io.Closer
}

// ReadItem implements ItemReader.
func (m *MultiDecoder) ReadItem() (map[string]*dynamodb.AttributeValue, error) {
	for {
		if m.cur == nil {
			name, r, err := m.Source.Next()
			if err != nil {
				return nil, err
			}
			m.cur = NewRecordDecoder(r, name, m.Opts)
			m.closer = r
		}
		item, err := m.cur.ReadItem()
		if err != io.EOF {
			return item, err
		}
		m.closer.Close()
		m.cur, m.closer = nil, nil
	}
}

// FailureEncoder writes failed items as JSON lines of the form
// {"key": ..., "source": ..., "error": ..., "item": ...}.  Items are
// encoded in DynamoDB JSON so that they can be reloaded with typed input.
type FailureEncoder struct {
	jw *json.Encoder
	m  sync.Mutex
}

type failureRecord struct {
	Key    string                     `json:"key,omitempty"`
	Source string                     `json:"source,omitempty"`
	Error  string                     `json:"error"`
	Item   map[string]*attributeValue `json:"item,omitempty"`
	Record json.RawMessage            `json:"record,omitempty"`
}

// NewFailureEncoder creates and initializes a new FailureEncoder.
func NewFailureEncoder(w io.Writer) *FailureEncoder {
	return &FailureEncoder{
		jw: json.NewEncoder(w),
	}
}

// WriteFailure encodes a single failed item.  It is safe to call from
// concurrent goroutines.
func (e *FailureEncoder) WriteFailure(fi FailedItem) error {
	rec := failureRecord{
		Key:    fi.Key,
		Source: fi.Source,
		Item:   toAttributes(fi.Item),
	}
	if fi.Err != nil {
		rec.Error = fi.Err.Error()
	}
	if json.Valid(fi.Record) {
		rec.Record = json.RawMessage(fi.Record)
	}
	e.m.Lock()
	err := e.jw.Encode(rec)
	e.m.Unlock()
	return err
}
