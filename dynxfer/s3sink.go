// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynxfer

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/rs/zerolog"
)

const (
	defaultFailurePartSize = 5 * 1024 * 1024
	defaultFailureUploads  = 2
	minFailurePartSize     = 1000
)

// S3Putter is the portion of the S3 service used to store failed items.
type S3Putter interface {
	PutObject(input *s3.PutObjectInput) (*s3.PutObjectOutput, error)
}

// FailureWriter records items that could not be transferred.
type FailureWriter interface {
	WriteFailure(fi FailedItem) error
}

// S3FailureSink stores failed items in S3 as gzipped JSON lines, in the
// same format as FailureEncoder.  Records are gathered into parts of
// roughly PartSize compressed bytes and a part always ends on a record
// boundary.  Full parts are uploaded in the background, MaxUploads at a
// time; WriteFailure blocks while that many uploads are outstanding.
//
// Once an upload fails every further call returns the same error.
type S3FailureSink struct {
	S3         S3Putter
	Bucket     string
	Prefix     string
	PartSize   int // compressed bytes per object
	MaxUploads int
	Logger     *zerolog.Logger

	m       sync.Mutex
	buf     *bytes.Buffer
	gz      *gzip.Writer
	enc     *FailureEncoder
	records int // records in the current part
	raw     int // uncompressed bytes since the last gzip flush
	parts   int
	slots   chan struct{}
	uploads sync.WaitGroup
	closed  bool

	fm  sync.Mutex // guards err, which uploads set without holding m
	err error
}

// NewS3FailureSink creates a sink that writes parts below prefix in bucket.
func NewS3FailureSink(svc S3Putter, bucket, prefix string) *S3FailureSink {
	return &S3FailureSink{
		S3:         svc,
		Bucket:     bucket,
		Prefix:     prefix,
		PartSize:   defaultFailurePartSize,
		MaxUploads: defaultFailureUploads,
	}
}

// init prepares the first part; the caller holds s.m.
func (s *S3FailureSink) init() error {
	if s.enc != nil {
		return nil
	}
	if s.PartSize < minFailurePartSize {
		return fmt.Errorf("failure part size must be at least %d bytes", minFailurePartSize)
	}
	if s.MaxUploads < 1 {
		return errors.New("failure sink needs at least one upload slot")
	}
	s.slots = make(chan struct{}, s.MaxUploads)
	s.buf = new(bytes.Buffer)
	s.gz = gzip.NewWriter(s.buf)
	s.enc = NewFailureEncoder(&partWriter{s})
	return nil
}

// partWriter counts the uncompressed size of each encoded record.
type partWriter struct{ s *S3FailureSink }

func (w *partWriter) Write(p []byte) (int, error) {
	w.s.raw += len(p)
	return w.s.gz.Write(p)
}

// WriteFailure appends a failed item to the current part, starting an
// upload if the part is full.  It is safe for concurrent use.
func (s *S3FailureSink) WriteFailure(fi FailedItem) error {
	s.m.Lock()
	defer s.m.Unlock()

	if s.closed {
		return errors.New("failure sink is closed")
	}
	if err := s.failed(); err != nil {
		return err
	}
	if err := s.init(); err != nil {
		s.fail(err)
		return err
	}
	if err := s.enc.WriteFailure(fi); err != nil {
		return err
	}
	s.records++

	// the compressed size is only known after a flush
	if s.raw >= s.PartSize/10 {
		s.gz.Flush()
		s.raw = 0
	}
	if s.buf.Len() >= s.PartSize {
		s.roll()
	}
	return nil
}

// roll closes the current part and hands it to an upload goroutine.
// The caller holds s.m.
func (s *S3FailureSink) roll() {
	s.gz.Close()
	body := s.buf
	s.parts++
	key := s.partKey(s.parts)
	records := s.records

	s.buf = new(bytes.Buffer)
	s.gz.Reset(s.buf)
	s.records, s.raw = 0, 0

	s.slots <- struct{}{}
	s.uploads.Add(1)
	go func() {
		defer s.uploads.Done()
		defer func() { <-s.slots }()
		s.upload(key, body, records)
	}()
}

func (s *S3FailureSink) upload(key string, body *bytes.Buffer, records int) {
	_, err := s.S3.PutObject(&s3.PutObjectInput{
		Bucket:          aws.String(s.Bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body.Bytes()),
		ContentEncoding: aws.String("gzip"),
		ContentType:     aws.String("application/json"),
	})
	log := loggerOrNop(s.Logger)
	if err != nil {
		err = fmt.Errorf("failed to upload %d failed items to s3://%s/%s: %v", records, s.Bucket, key, err)
		log.Error().Err(err).Msg("failed item upload failed")
		s.fail(err)
		return
	}
	log.Debug().Str("key", key).Int("records", records).Msg("uploaded failed items")
}

// partKey names the n'th part below the prefix.
func (s *S3FailureSink) partKey(n int) string {
	return fmt.Sprintf("%s/failed-%05d.json.gz", strings.TrimSuffix(s.Prefix, "/"), n)
}

// Close uploads any buffered records and waits for every upload to finish.
// It returns the first error encountered.
func (s *S3FailureSink) Close() error {
	s.m.Lock()
	if !s.closed && s.failed() == nil && s.records > 0 {
		s.roll()
	}
	s.closed = true
	s.m.Unlock()

	s.uploads.Wait()
	return s.failed()
}

// fail records the first error seen by the sink.
func (s *S3FailureSink) fail(err error) {
	s.fm.Lock()
	if s.err == nil {
		s.err = err
	}
	s.fm.Unlock()
}

func (s *S3FailureSink) failed() error {
	s.fm.Lock()
	defer s.fm.Unlock()
	return s.err
}
