// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynxfer

import (
	"encoding/base64"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/juju/ratelimit"
)

const (
	maxItemSize = 400 * 1024 // per item limit imposed by DynamoDB
)

// capacityBucket paces consumption to capacity units per second.  Whole
// capacities refill once a second; fractional ones refill a unit at a time
// from a bucket of at least one unit.
func capacityBucket(capacity float64) *ratelimit.Bucket {
	size := int64(math.Ceil(capacity))
	if size < 1 {
		size = 1
	}
	if capacity >= 1 && capacity == math.Trunc(capacity) {
		return ratelimit.NewBucketWithQuantum(time.Second, size, size)
	}
	return ratelimit.NewBucketWithRate(capacity, size)
}

// this is based on https://docs.aws.amazon.com/amazondynamodb/latest/developerguide/WorkingWithTables.html#ItemSizeCalculations
func calcItemSize(item map[string]*dynamodb.AttributeValue) (size int) {
	for k, av := range item {
		size += len(k)
		size += calcAttrSize(av)
	}
	return size
}

func calcAttrSize(av *dynamodb.AttributeValue) (size int) {
	if av == nil {
		return 0
	}
	switch {
	case av.B != nil: // binary
		size += len(av.B)

	case av.BOOL != nil: // Bool
		size++

	case av.BS != nil: // binary set
		size += 3
		for _, v := range av.BS {
			size += len(v)
		}

	case av.L != nil: // list of attributes
		size += 3
		for _, v := range av.L {
			size += calcAttrSize(v)
		}

	case av.M != nil: // map of attributes
		size += 3
		for k, v := range av.M {
			size += len(k) + calcAttrSize(v)
		}

	case av.N != nil: // number
		size += len(*av.N)

	case av.NS != nil: // number set
		size += 3
		for _, v := range av.NS {
			size += len(*v)
		}

	case av.NULL != nil: // null
		size++

	case av.S != nil: // string
		size += len(*av.S)

	case av.SS != nil: // string set
		size += 3
		for _, v := range av.SS {
			size += len(*v)
		}
	}
	return size
}

// writeUnits estimates the write capacity a put of item consumes.
func writeUnits(item map[string]*dynamodb.AttributeValue) int64 {
	return int64(calcItemSize(item)/1024) + 1
}

// checkKey verifies that item carries a non-null value of the declared type
// for every key attribute.
func checkKey(item map[string]*dynamodb.AttributeValue, keys []KeyAttribute) error {
	for _, k := range keys {
		av, ok := item[k.Name]
		if !ok || av == nil {
			return &ItemValidationError{Reason: fmt.Sprintf("missing key attribute %q", k.Name)}
		}
		var typeOK bool
		switch k.Type {
		case AttrString:
			typeOK = av.S != nil && *av.S != ""
		case AttrNumber:
			typeOK = av.N != nil
		case AttrBinary:
			typeOK = len(av.B) > 0
		}
		if !typeOK {
			return &ItemValidationError{Reason: fmt.Sprintf("key attribute %q must be a non-empty %s", k.Name, k.Type)}
		}
	}
	return nil
}

// renderKey formats the key attributes of an item for log and failure
// output, eg. `id="42" sk=7`.  When no key schema is known every top level
// scalar attribute is used.
func renderKey(item map[string]*dynamodb.AttributeValue, keys []KeyAttribute) string {
	var names []string
	if len(keys) > 0 {
		for _, k := range keys {
			names = append(names, k.Name)
		}
	} else {
		names = sortedKeys(item)
	}

	parts := make([]string, 0, len(names))
	for _, name := range names {
		av, ok := item[name]
		if !ok || av == nil {
			parts = append(parts, name+"=<missing>")
			continue
		}
		switch {
		case av.S != nil:
			parts = append(parts, fmt.Sprintf("%s=%q", name, *av.S))
		case av.N != nil:
			parts = append(parts, fmt.Sprintf("%s=%s", name, *av.N))
		case av.B != nil:
			parts = append(parts, fmt.Sprintf("%s=b64:%s", name, base64.StdEncoding.EncodeToString(av.B)))
		case len(keys) > 0:
			parts = append(parts, name+"=<invalid>")
		}
	}
	return strings.Join(parts, " ")
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func sortedKeys(item map[string]*dynamodb.AttributeValue) []string {
	keys := make([]string, 0, len(item))
	for k := range item {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// track recent sizes of items
type limitCalc struct {
	m         sync.Mutex
	itemSizes []int
	offset    int64
}

func newLimitCalc(size int) *limitCalc {
	return &limitCalc{itemSizes: make([]int, size)}
}

func (lc *limitCalc) addSize(size int) {
	lc.m.Lock()
	defer lc.m.Unlock()
	lc.itemSizes[lc.offset%int64(len(lc.itemSizes))] = size
	lc.offset++
}

func (lc *limitCalc) median() int {
	lc.m.Lock()
	defer lc.m.Unlock()
	if lc.offset < int64(len(lc.itemSizes)) {
		return -1
	}
	sorted := append([]int(nil), lc.itemSizes...)
	sort.Ints(sorted)
	return sorted[len(sorted)/2] // close enough to median
}
