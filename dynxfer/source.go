// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynxfer

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
)

var (
	maxKeys = 1000
)

// RecordSource supplies the inputs of an import, one stream at a time and
// in a stable order.  Next returns io.EOF when no inputs remain.
type RecordSource interface {
	Next() (name string, r io.ReadCloser, err error)
}

// DirFiles returns the *.json and *.json.gz files in dir, sorted by name.
func DirFiles(dir string) ([]string, error) {
	var files []string
	for _, pattern := range []string{"*.json", "*.json.gz"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		files = append(files, m...)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .json or .json.gz files found in %s", dir)
	}
	sort.Strings(files)
	return files, nil
}

// FileSource reads local files in order.  A path of "-" reads Stdin.
// Files with a .gz suffix are decompressed.
type FileSource struct {
	Paths []string
	Stdin io.Reader

	// Watch, if set, wraps each raw (still compressed) input; used to
	// track read progress.
	Watch func(io.Reader) io.Reader

	next int
}

// Size returns the combined size of the files, excluding stdin.
func (fs *FileSource) Size() (total int64, err error) {
	for _, p := range fs.Paths {
		if p == "-" {
			continue
		}
		fi, err := os.Stat(p)
		if err != nil {
			return 0, err
		}
		total += fi.Size()
	}
	return total, nil
}

// Next implements RecordSource.
func (fs *FileSource) Next() (string, io.ReadCloser, error) {
	if fs.next >= len(fs.Paths) {
		return "", nil, io.EOF
	}
	path := fs.Paths[fs.next]
	fs.next++

	if path == "-" {
		stdin := fs.Stdin
		if stdin == nil {
			stdin = os.Stdin
		}
		return "stdin", io.NopCloser(fs.watch(stdin)), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", nil, err
	}
	r, err := decompress(path, fs.watch(f), f)
	if err != nil {
		f.Close()
		return "", nil, fmt.Errorf("%s: %v", path, err)
	}
	return path, r, nil
}

func (fs *FileSource) watch(r io.Reader) io.Reader {
	if fs.Watch == nil {
		return r
	}
	return fs.Watch(r)
}

// decompress returns a reader over the content of a named input, gunzipping
// it if the name ends in .gz.  Closing the result closes c.
func decompress(name string, r io.Reader, c io.Closer) (io.ReadCloser, error) {
	if !strings.HasSuffix(name, ".gz") {
		return readCloser{Reader: r, Closer: c}, nil
	}
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	return readCloser{Reader: gz, Closer: multiCloser{gz, c}}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

type multiCloser []io.Closer

func (mc multiCloser) Close() (err error) {
	for _, c := range mc {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// S3GetLister defines the portion of the S3 service required by S3Reader.
type S3GetLister interface {
	GetObject(input *s3.GetObjectInput) (*s3.GetObjectOutput, error)
	ListObjectsPages(input *s3.ListObjectsInput, fn func(p *s3.ListObjectsOutput, lastPage bool) (shouldContinue bool)) error
}

// S3Reader implements RecordSource over the .json and .json.gz objects
// stored under a prefix in an S3 bucket, in key order.
type S3Reader struct {
	S3         S3GetLister
	Bucket     string // Bucket is the name of the S3 Bucket to read from
	PathPrefix string // PathPrefix selects the objects to read

	m    sync.Mutex
	keys []string
	size int64
	next int
	err  error
}

// list collects the object keys once.
func (r *S3Reader) list() error {
	if r.keys != nil || r.err != nil {
		return r.err
	}
	req := &s3.ListObjectsInput{
		Bucket:  aws.String(r.Bucket),
		Prefix:  aws.String(r.PathPrefix),
		MaxKeys: aws.Int64(int64(maxKeys)),
	}
	keys := []string{}
	err := r.S3.ListObjectsPages(req, func(page *s3.ListObjectsOutput, lastPage bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			if strings.HasSuffix(key, ".json") || strings.HasSuffix(key, ".json.gz") {
				keys = append(keys, key)
				r.size += aws.Int64Value(obj.Size)
			}
		}
		return true
	})
	if err != nil {
		r.err = fmt.Errorf("failed to list s3://%s/%s: %v", r.Bucket, r.PathPrefix, err)
		return r.err
	}
	sort.Strings(keys)
	r.keys = keys
	return nil
}

// Size returns the combined size of the objects to be read.
func (r *S3Reader) Size() (int64, error) {
	r.m.Lock()
	defer r.m.Unlock()
	if err := r.list(); err != nil {
		return 0, err
	}
	return r.size, nil
}

// Next implements RecordSource.
func (r *S3Reader) Next() (string, io.ReadCloser, error) {
	r.m.Lock()
	defer r.m.Unlock()
	if err := r.list(); err != nil {
		return "", nil, err
	}
	if r.next >= len(r.keys) {
		return "", nil, io.EOF
	}
	key := r.keys[r.next]
	r.next++

	resp, err := r.S3.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(r.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to get s3://%s/%s: %v", r.Bucket, key, err)
	}
	name := "s3://" + r.Bucket + "/" + key
	rc, err := decompress(key, resp.Body, resp.Body)
	if err != nil {
		resp.Body.Close()
		return "", nil, fmt.Errorf("%s: %v", name, err)
	}
	return name, rc, nil
}
