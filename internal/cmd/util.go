// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Bowery/prompt"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/s3"
	cli "github.com/jawher/mow.cli"
)

const (
	kib = 1 << 10
	mib = 1 << 20
	gib = 1 << 30
	tib = 1 << 40
)

func fmtBytes(bytes int64) string {
	switch {
	case bytes < 0:
		return "unknown"
	case bytes < kib:
		return fmt.Sprintf("%d bytes", bytes)
	case bytes < mib:
		return fmt.Sprintf("%.1f KB", float64(bytes)/kib)
	case bytes < gib:
		return fmt.Sprintf("%.1f MB", float64(bytes)/mib)
	case bytes < tib:
		return fmt.Sprintf("%.1f GB", float64(bytes)/gib)
	default:
		return fmt.Sprintf("%.1f TB", float64(bytes)/tib)
	}
}

// byteCounter totals the bytes read through every reader it watches.
type byteCounter struct {
	bytesRead int64
}

// watch wraps r so that reads from it are counted.
func (c *byteCounter) watch(r io.Reader) io.Reader {
	return &readWatcher{Reader: r, c: c}
}

func (c *byteCounter) BytesRead() int64 {
	return atomic.LoadInt64(&c.bytesRead)
}

type readWatcher struct {
	io.Reader
	c *byteCounter
}

func (r *readWatcher) Read(p []byte) (n int, err error) {
	n, err = r.Reader.Read(p)
	atomic.AddInt64(&r.c.bytesRead, int64(n))
	return n, err
}

func fail(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	cli.Exit(100)
}

func usage(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", a...)
	cli.Exit(101)
}

// checkRange returns a usage error message if v is outside [min, max].
// A max of 0 means no upper bound.
func checkRange(name string, v, min, max int) string {
	if v < min || (max > 0 && v > max) {
		if max > 0 {
			return fmt.Sprintf("--%s must be between %d and %d, got %d", name, min, max, v)
		}
		return fmt.Sprintf("--%s must be %d or greater, got %d", name, min, v)
	}
	return ""
}

// parseDuration parses a duration option; a bare number is taken as seconds.
func parseDuration(name, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		if secs, serr := strconv.Atoi(s); serr == nil && secs >= 0 {
			return time.Duration(secs) * time.Second, nil
		}
		return 0, fmt.Errorf("--%s: invalid duration %q", name, s)
	}
	if d < 0 {
		return 0, fmt.Errorf("--%s must not be negative", name)
	}
	return d, nil
}

// confirm asks the user a yes/no question on the terminal.
func confirm(question string) (bool, error) {
	return prompt.Ask(question)
}

type awsServices struct {
	s3  *s3.S3
	dyn *dynamodb.DynamoDB
}

// awsSide holds the connection options for one side of a transfer.
type awsSide struct {
	endpoint  *string
	region    *string
	profile   *string
	envPrefix string // prefix of the static credential variables, eg. "SOURCE_"
}

func (side awsSide) str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// identity names the DynamoDB service a side connects to, used to detect a
// table being copied onto itself.
func (side awsSide) identity() string {
	if ep := side.str(side.endpoint); ep != "" {
		return strings.TrimSuffix(ep, "/")
	}
	if r := side.str(side.region); r != "" {
		return "region:" + r
	}
	if r := os.Getenv("AWS_REGION"); r != "" {
		return "region:" + r
	}
	return "default"
}

func (side awsSide) credentials() *credentials.Credentials {
	id := os.Getenv(side.envPrefix + "AWS_ACCESS_KEY_ID")
	secret := os.Getenv(side.envPrefix + "AWS_SECRET_ACCESS_KEY")
	if id == "" || secret == "" {
		return nil
	}
	return credentials.NewStaticCredentials(id, secret, os.Getenv(side.envPrefix+"AWS_SESSION_TOKEN"))
}

func initAWS(side awsSide, maxRetries int) *awsServices {
	// Workaround for https://github.com/aws/aws-sdk-go/issues/1139
	r := &CustomRetryer{
		DefaultRetryer: &client.DefaultRetryer{
			NumMaxRetries: maxRetries,
		},
	}

	cfg := aws.NewConfig()
	cfg = request.WithRetryer(cfg, r)
	if ep := side.str(side.endpoint); ep != "" {
		cfg = cfg.WithEndpoint(ep)
	}
	if region := side.str(side.region); region != "" {
		cfg = cfg.WithRegion(region)
	}
	if creds := side.credentials(); creds != nil {
		cfg = cfg.WithCredentials(creds)
	}

	s, err := session.NewSessionWithOptions(session.Options{
		Config:            *cfg,
		Profile:           side.str(side.profile),
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		fail("Failed to create AWS session: %v", err)
	}

	return &awsServices{
		s3:  s3.New(s),
		dyn: dynamodb.New(s),
	}
}

type CustomRetryer struct {
	*client.DefaultRetryer
}

func (cr *CustomRetryer) ShouldRetry(r *request.Request) bool {
	// Scan seems to frequently drop connections, which results in a
	// SerializationError; trap and force a retry.
	if r.Error != nil && r.Operation.Name == "Scan" {
		if err, ok := r.Error.(awserr.Error); ok {
			if err.Code() == "SerializationError" {
				return true
			}
		}
	}

	return cr.DefaultRetryer.ShouldRetry(r)
}
