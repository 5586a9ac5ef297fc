// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynxfer

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
)

// DynamoDB numbers carry up to 38 significant digits with a magnitude
// between 1e-130 and 1e126.
const (
	maxNumberDigits   = 38
	maxNumberExponent = 126
	minNumberExponent = -130
)

const (
	descS    = "S"
	descN    = "N"
	descB    = "B"
	descBOOL = "BOOL"
	descNULL = "NULL"
	descM    = "M"
	descL    = "L"
	descSS   = "SS"
	descNS   = "NS"
	descBS   = "BS"
)

// Coercer converts decoded JSON values into DynamoDB attribute values.
//
// JSON numbers must be decoded as json.Number (json.Decoder.UseNumber) so
// their exact decimal text reaches the table.  Empty strings and empty
// binary values are stored as NULL wherever they appear.
type Coercer struct {
	// DetectTyped treats an object with a single type descriptor key
	// (eg. {"N": "12"}) as an already typed attribute value.
	DetectTyped bool
}

// CoerceItem converts a decoded JSON object into a DynamoDB item.
func (c Coercer) CoerceItem(record map[string]interface{}) (map[string]*dynamodb.AttributeValue, error) {
	item := make(map[string]*dynamodb.AttributeValue, len(record))
	for k, v := range record {
		av, err := c.coerce(k, v)
		if err != nil {
			return nil, err
		}
		item[k] = av
	}
	return item, nil
}

// CoerceTypedItem converts a record written in DynamoDB JSON, where every
// attribute is an object holding a single type descriptor.  Values pass
// through the same checks as CoerceItem, so an empty string still becomes
// NULL and a NaN number is rejected.
func (c Coercer) CoerceTypedItem(record map[string]interface{}) (map[string]*dynamodb.AttributeValue, error) {
	c.DetectTyped = true
	item := make(map[string]*dynamodb.AttributeValue, len(record))
	for k, v := range record {
		desc, inner, ok := descriptor(v)
		if !ok {
			return nil, &UnsupportedTypeError{Path: k, Value: v, Reason: "expected a DynamoDB JSON value such as {\"S\": \"text\"}"}
		}
		av, err := c.typed(k, desc, inner)
		if err != nil {
			return nil, err
		}
		item[k] = av
	}
	return item, nil
}

// descriptor unpacks a single key type descriptor object.
func descriptor(v interface{}) (desc string, inner interface{}, ok bool) {
	m, isMap := v.(map[string]interface{})
	if !isMap || len(m) != 1 {
		return "", nil, false
	}
	for k, val := range m {
		if isDescriptor(k) {
			return k, val, true
		}
	}
	return "", nil, false
}

// Coerce converts a single decoded JSON value.
func (c Coercer) Coerce(v interface{}) (*dynamodb.AttributeValue, error) {
	return c.coerce("", v)
}

func (c Coercer) coerce(path string, v interface{}) (*dynamodb.AttributeValue, error) {
	switch val := v.(type) {
	case nil:
		return nullAttr(), nil

	case string:
		if val == "" {
			return nullAttr(), nil
		}
		return &dynamodb.AttributeValue{S: aws.String(val)}, nil

	case bool:
		return &dynamodb.AttributeValue{BOOL: aws.Bool(val)}, nil

	case json.Number:
		n, err := checkNumber(string(val))
		if err != nil {
			return nil, &UnsupportedTypeError{Path: path, Value: v, Reason: err.Error()}
		}
		return &dynamodb.AttributeValue{N: aws.String(n)}, nil

	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, &UnsupportedTypeError{Path: path, Value: v, Reason: "NaN and Infinity have no number representation"}
		}
		return c.coerce(path, json.Number(strconv.FormatFloat(val, 'f', -1, 64)))

	case int:
		return &dynamodb.AttributeValue{N: aws.String(strconv.Itoa(val))}, nil

	case int64:
		return &dynamodb.AttributeValue{N: aws.String(strconv.FormatInt(val, 10))}, nil

	case []byte:
		if len(val) == 0 {
			return nullAttr(), nil
		}
		return &dynamodb.AttributeValue{B: val}, nil

	case []interface{}:
		l := make([]*dynamodb.AttributeValue, 0, len(val))
		for i, e := range val {
			av, err := c.coerce(fmt.Sprintf("%s[%d]", path, i), e)
			if err != nil {
				return nil, err
			}
			l = append(l, av)
		}
		return &dynamodb.AttributeValue{L: l}, nil

	case map[string]interface{}:
		if c.DetectTyped && len(val) == 1 {
			for k, inner := range val {
				if isDescriptor(k) {
					return c.typed(path, k, inner)
				}
			}
		}
		m := make(map[string]*dynamodb.AttributeValue, len(val))
		for k, e := range val {
			av, err := c.coerce(joinPath(path, k), e)
			if err != nil {
				return nil, err
			}
			m[k] = av
		}
		return &dynamodb.AttributeValue{M: m}, nil
	}

	return nil, &UnsupportedTypeError{Path: path, Value: v, Reason: "no matching attribute type"}
}

// typed decodes a value written in DynamoDB JSON notation.
func (c Coercer) typed(path, desc string, v interface{}) (*dynamodb.AttributeValue, error) {
	bad := func(reason string) error {
		return &UnsupportedTypeError{Path: path, Value: v, Reason: desc + ": " + reason}
	}

	switch desc {
	case descS:
		s, ok := v.(string)
		if !ok {
			return nil, bad("expected a string")
		}
		return c.coerce(path, s)

	case descN:
		s, ok := numberText(v)
		if !ok {
			return nil, bad("expected a number or numeric string")
		}
		return c.coerce(path, json.Number(s))

	case descB:
		s, ok := v.(string)
		if !ok {
			return nil, bad("expected a base64 string")
		}
		b, err := decodeBase64(s)
		if err != nil {
			return nil, bad(err.Error())
		}
		return c.coerce(path, b)

	case descBOOL:
		b, ok := v.(bool)
		if !ok {
			return nil, bad("expected a boolean")
		}
		return c.coerce(path, b)

	case descNULL:
		if b, ok := v.(bool); !ok || !b {
			return nil, bad("expected true")
		}
		return nullAttr(), nil

	case descM:
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, bad("expected an object")
		}
		out := make(map[string]*dynamodb.AttributeValue, len(m))
		for k, e := range m {
			av, err := c.coerce(joinPath(path, k), e)
			if err != nil {
				return nil, err
			}
			out[k] = av
		}
		return &dynamodb.AttributeValue{M: out}, nil

	case descL:
		l, ok := v.([]interface{})
		if !ok {
			return nil, bad("expected an array")
		}
		return c.coerce(path, l)
	}

	// sets
	l, ok := v.([]interface{})
	if !ok || len(l) == 0 {
		return nil, bad("expected a non-empty array")
	}
	av := new(dynamodb.AttributeValue)
	for _, e := range l {
		switch desc {
		case descSS:
			s, ok := e.(string)
			if !ok || s == "" {
				return nil, bad("string set members must be non-empty strings")
			}
			av.SS = append(av.SS, aws.String(s))
		case descNS:
			s, ok := numberText(e)
			if !ok {
				return nil, bad("number set members must be numbers")
			}
			n, err := checkNumber(s)
			if err != nil {
				return nil, bad(err.Error())
			}
			av.NS = append(av.NS, aws.String(n))
		case descBS:
			s, ok := e.(string)
			if !ok {
				return nil, bad("binary set members must be base64 strings")
			}
			b, err := decodeBase64(s)
			if err != nil || len(b) == 0 {
				return nil, bad("binary set members must be non-empty base64 strings")
			}
			av.BS = append(av.BS, b)
		}
	}
	return av, nil
}

// Decode converts an attribute value back to the JSON value domain used by
// Coerce.  Numbers become json.Number to keep their exact text; binary
// values become []byte.
func Decode(av *dynamodb.AttributeValue) (interface{}, error) {
	switch {
	case av == nil:
		return nil, &UnsupportedTypeError{Reason: "nil attribute value"}

	case av.S != nil:
		return *av.S, nil

	case av.N != nil:
		return json.Number(*av.N), nil

	case av.BOOL != nil:
		return *av.BOOL, nil

	case av.NULL != nil:
		return nil, nil

	case av.B != nil:
		return av.B, nil

	case av.L != nil:
		l := make([]interface{}, 0, len(av.L))
		for _, e := range av.L {
			v, err := Decode(e)
			if err != nil {
				return nil, err
			}
			l = append(l, v)
		}
		return l, nil

	case av.M != nil:
		m := make(map[string]interface{}, len(av.M))
		for k, e := range av.M {
			v, err := Decode(e)
			if err != nil {
				return nil, err
			}
			m[k] = v
		}
		return m, nil

	case av.SS != nil:
		l := make([]string, 0, len(av.SS))
		for _, s := range av.SS {
			l = append(l, aws.StringValue(s))
		}
		return l, nil

	case av.NS != nil:
		l := make([]json.Number, 0, len(av.NS))
		for _, s := range av.NS {
			l = append(l, json.Number(aws.StringValue(s)))
		}
		return l, nil

	case av.BS != nil:
		return av.BS, nil
	}
	return nil, &UnsupportedTypeError{Value: av, Reason: "attribute value with no type set"}
}

// DecodeItem converts a whole item back to a JSON object.
func DecodeItem(item map[string]*dynamodb.AttributeValue) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(item))
	for k, av := range item {
		v, err := Decode(av)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func nullAttr() *dynamodb.AttributeValue {
	return &dynamodb.AttributeValue{NULL: aws.Bool(true)}
}

func isDescriptor(k string) bool {
	switch k {
	case descS, descN, descB, descBOOL, descNULL, descM, descL, descSS, descNS, descBS:
		return true
	}
	return false
}

func joinPath(path, k string) string {
	if path == "" {
		return k
	}
	return path + "." + k
}

func numberText(v interface{}) (string, bool) {
	switch n := v.(type) {
	case json.Number:
		return string(n), true
	case string:
		return n, n != ""
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return "", false
		}
		return strconv.FormatFloat(n, 'f', -1, 64), true
	}
	return "", false
}

// checkNumber verifies s is a finite decimal that fits DynamoDB's number
// type.  The text is returned unchanged.
func checkNumber(s string) (string, error) {
	mant := s
	if mant != "" && (mant[0] == '+' || mant[0] == '-') {
		mant = mant[1:]
	}
	exp := 0
	if i := strings.IndexAny(mant, "eE"); i >= 0 {
		e, err := strconv.Atoi(mant[i+1:])
		if err != nil {
			return "", fmt.Errorf("malformed exponent in %q", s)
		}
		exp = e
		mant = mant[:i]
	}
	intPart, fracPart := mant, ""
	if i := strings.IndexByte(mant, '.'); i >= 0 {
		intPart, fracPart = mant[:i], mant[i+1:]
	}
	if intPart == "" && fracPart == "" {
		return "", fmt.Errorf("%q is not a number", s)
	}
	for _, r := range intPart + fracPart {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%q is not a decimal number", s)
		}
	}

	digits := strings.TrimLeft(intPart+fracPart, "0")
	if digits == "" {
		return s, nil // zero
	}
	// position of the most significant digit relative to the decimal point
	magnitude := exp + len(strings.TrimLeft(intPart, "0")) - 1
	if strings.TrimLeft(intPart, "0") == "" {
		magnitude = exp - (len(fracPart) - len(strings.TrimLeft(fracPart, "0"))) - 1
	}
	digits = strings.TrimRight(digits, "0")
	if len(digits) > maxNumberDigits {
		return "", fmt.Errorf("%q exceeds %d significant digits", s, maxNumberDigits)
	}
	if magnitude > maxNumberExponent || magnitude < minNumberExponent {
		return "", fmt.Errorf("%q is out of range", s)
	}
	return s, nil
}
