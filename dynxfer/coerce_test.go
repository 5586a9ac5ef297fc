// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynxfer

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeJSON(t *testing.T, s string) interface{} {
	jd := json.NewDecoder(strings.NewReader(s))
	jd.UseNumber()
	var v interface{}
	require.NoError(t, jd.Decode(&v))
	return v
}

var roundTripTests = []string{
	`0`,
	`42`,
	`-17`,
	`123456789012345678901234567890`,
	`3.14159265358979323846264338327950288`,
	`0.1`,
	`1e-100`,
	`-2.5E+10`,
	`"hello"`,
	`"unicode ✓"`,
	`true`,
	`false`,
	`null`,
	`[]`,
	`[1, "two", null, [3.0, {"four": 4}]]`,
	`{}`,
	`{"a": {"b": {"c": [1.10, "x", false]}}, "n": null}`,
}

func TestCoerceRoundTrip(t *testing.T) {
	var c Coercer
	for _, test := range roundTripTests {
		v := decodeJSON(t, test)
		av, err := c.Coerce(v)
		require.NoError(t, err, test)

		back, err := Decode(av)
		require.NoError(t, err, test)
		assert.Equal(t, v, back, test)
	}
}

// Number text must reach the table exactly as written.
func TestCoerceNumberPrecision(t *testing.T) {
	var c Coercer
	maxDigits := "1" + strings.Repeat("0", 36) + "1"
	for _, n := range []string{"0.1", "1.10", maxDigits, "9.99e125", "1e-129"} {
		av, err := c.Coerce(json.Number(n))
		require.NoError(t, err, n)
		assert.Equal(t, n, aws.StringValue(av.N))
	}
}

func TestCoerceNumberLimits(t *testing.T) {
	var c Coercer
	for _, n := range []string{
		"1234567890123456789012345678901234567890", // 40 significant digits
		"1e127",
		"1e-131",
		"0." + strings.Repeat("0", 130) + "1",
		"--5",
		"+-1",
		"-",
	} {
		_, err := c.Coerce(json.Number(n))
		var uerr *UnsupportedTypeError
		assert.True(t, errors.As(err, &uerr), "expected UnsupportedTypeError for %s, got %v", n, err)
	}
}

func TestCoerceSignedNumbers(t *testing.T) {
	var c Coercer
	for _, n := range []string{"-5", "+5", "-0.25", "+1e3"} {
		av, err := c.Coerce(json.Number(n))
		require.NoError(t, err, n)
		assert.Equal(t, n, aws.StringValue(av.N))
	}
}

func TestCoerceNaN(t *testing.T) {
	var c Coercer
	for _, v := range []interface{}{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := c.Coerce(map[string]interface{}{"nested": []interface{}{v}})
		var uerr *UnsupportedTypeError
		require.True(t, errors.As(err, &uerr), "value %v", v)
		assert.Equal(t, "nested[0]", uerr.Path)
	}
}

func TestCoerceUnsupported(t *testing.T) {
	var c Coercer
	_, err := c.Coerce(struct{}{})
	var uerr *UnsupportedTypeError
	assert.True(t, errors.As(err, &uerr))
}

// Empty strings and binary values are stored as NULL at any depth.
func TestCoerceEmptyIsNull(t *testing.T) {
	var c Coercer
	item, err := c.CoerceItem(map[string]interface{}{
		"s": "",
		"b": []byte{},
		"l": []interface{}{""},
		"m": map[string]interface{}{"inner": ""},
	})
	require.NoError(t, err)
	assert.True(t, aws.BoolValue(item["s"].NULL))
	assert.True(t, aws.BoolValue(item["b"].NULL))
	assert.True(t, aws.BoolValue(item["l"].L[0].NULL))
	assert.True(t, aws.BoolValue(item["m"].M["inner"].NULL))
}

func TestCoerceTypedDescriptors(t *testing.T) {
	c := Coercer{DetectTyped: true}
	tests := []struct {
		in       string
		expected *dynamodb.AttributeValue
	}{
		{`{"S": "x"}`, &dynamodb.AttributeValue{S: aws.String("x")}},
		{`{"N": "12.50"}`, &dynamodb.AttributeValue{N: aws.String("12.50")}},
		{`{"N": 7}`, &dynamodb.AttributeValue{N: aws.String("7")}},
		{`{"B": "aGVsbG8="}`, &dynamodb.AttributeValue{B: []byte("hello")}},
		{`{"BOOL": true}`, &dynamodb.AttributeValue{BOOL: aws.Bool(true)}},
		{`{"NULL": true}`, &dynamodb.AttributeValue{NULL: aws.Bool(true)}},
		{`{"SS": ["a", "b"]}`, &dynamodb.AttributeValue{SS: aws.StringSlice([]string{"a", "b"})}},
		{`{"NS": ["1", 2]}`, &dynamodb.AttributeValue{NS: aws.StringSlice([]string{"1", "2"})}},
		{`{"L": [{"S": "a"}, 1]}`, &dynamodb.AttributeValue{L: []*dynamodb.AttributeValue{
			{S: aws.String("a")}, {N: aws.String("1")},
		}}},
		{`{"M": {"k": {"N": "1"}}}`, &dynamodb.AttributeValue{M: map[string]*dynamodb.AttributeValue{
			"k": {N: aws.String("1")},
		}}},
		// not a descriptor: more than one key
		{`{"S": "x", "N": "1"}`, &dynamodb.AttributeValue{M: map[string]*dynamodb.AttributeValue{
			"S": {S: aws.String("x")}, "N": {S: aws.String("1")},
		}}},
	}
	for _, test := range tests {
		av, err := c.Coerce(decodeJSON(t, test.in))
		require.NoError(t, err, test.in)
		assert.Equal(t, test.expected, av, test.in)
	}
}

func TestCoerceTypedDescriptorErrors(t *testing.T) {
	c := Coercer{DetectTyped: true}
	for _, in := range []string{
		`{"S": 1}`,
		`{"N": "abc"}`,
		`{"B": "not base64!"}`,
		`{"BOOL": "yes"}`,
		`{"NULL": false}`,
		`{"SS": []}`,
		`{"NS": ["x"]}`,
		`{"M": []}`,
	} {
		_, err := c.Coerce(decodeJSON(t, in))
		var uerr *UnsupportedTypeError
		assert.True(t, errors.As(err, &uerr), "input %s: %v", in, err)
	}
}

// Without DetectTyped a descriptor-shaped object is an ordinary map.
func TestCoerceTypedDisabled(t *testing.T) {
	var c Coercer
	av, err := c.Coerce(decodeJSON(t, `{"S": "x"}`))
	require.NoError(t, err)
	require.NotNil(t, av.M)
	assert.Equal(t, "x", aws.StringValue(av.M["S"].S))
}

func TestDecodeSets(t *testing.T) {
	v, err := Decode(&dynamodb.AttributeValue{NS: aws.StringSlice([]string{"1", "2.5"})})
	require.NoError(t, err)
	assert.Equal(t, []json.Number{"1", "2.5"}, v)

	v, err = Decode(&dynamodb.AttributeValue{SS: aws.StringSlice([]string{"a"})})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, v)

	_, err = Decode(&dynamodb.AttributeValue{})
	assert.Error(t, err)
}
