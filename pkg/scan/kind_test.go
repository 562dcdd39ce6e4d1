package scan

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	values := []Value{
		NewValue(int8(-128)), NewValue(int8(127)),
		NewValue(uint8(255)),
		NewValue(int16(-12345)), NewValue(uint16(65535)),
		NewValue(int32(math.MinInt32)), NewValue(uint32(0xdeadbeef)),
		NewValue(int64(math.MinInt64)), NewValue(uint64(math.MaxUint64)),
		NewValue(float32(3.25)), NewValue(float32(-0.1)),
		NewValue(math.Pi), NewValue(math.Inf(-1)),
	}
	for _, v := range values {
		buf := Encode(v)
		size, err := SizeOf(v.Kind())
		require.NoError(t, err)
		require.Len(t, buf, size, "encoding of %s %s", v.Kind(), v)

		got, err := Decode(v.Kind(), buf, 0)
		require.NoError(t, err)
		assert.True(t, got.Equal(v), "%s: decode(encode(%s)) = %s", v.Kind(), v, got)
	}
}

func TestDecodeAtOffset(t *testing.T) {
	buf := []byte{0xff, 0x34, 0x12, 0xff}
	v, err := Decode(UInt16, buf, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234), v.Uint())

	_, err = Decode(UInt32, buf, 1)
	assert.Error(t, err, "reading past the end of the buffer")
}

func TestEncodeIsLittleEndian(t *testing.T) {
	assert.Equal(t, []byte{0x78, 0x56, 0x34, 0x12}, Encode(NewValue(int32(0x12345678))))
	assert.Equal(t, []byte{0xfe, 0xff}, Encode(NewValue(int16(-2))))
}

func TestVariableWidthKinds(t *testing.T) {
	for _, k := range []Kind{CString, ByteArray} {
		_, err := SizeOf(k)
		assert.True(t, errors.Is(err, ErrUnsupportedOperation), "SizeOf(%s): %v", k, err)
	}

	v, err := DecodeN(CString, []byte("xhello"), 1, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", v.Text())
	assert.Equal(t, []byte("hello"), Encode(v))

	v, err = DecodeN(ByteArray, []byte{1, 2, 3, 4}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 3}, v.Bytes())

	_, err = DecodeN(Int32, []byte{1, 2, 3, 4}, 0, 2)
	assert.True(t, errors.Is(err, ErrTypeMismatch))
}

func TestCounterparts(t *testing.T) {
	pairs := [][2]Kind{{Int8, UInt8}, {Int16, UInt16}, {Int32, UInt32}, {Int64, UInt64}}
	for _, p := range pairs {
		assert.Equal(t, p[0], SignedCounterpart(p[1]))
		assert.Equal(t, p[1], UnsignedCounterpart(p[0]))
		assert.Equal(t, p[0], SignedCounterpart(p[0]))
	}
	assert.Equal(t, Float64, SignedCounterpart(Float64))
	assert.Equal(t, ByteArray, UnsignedCounterpart(ByteArray))
}

func TestParseKind(t *testing.T) {
	tests := map[string]Kind{
		"int8": Int8, "byte": UInt8, "INT": Int32, "uint64": UInt64,
		"float": Float32, "double": Float64, "string": CString, "aob": ByteArray,
	}
	for in, want := range tests {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseKind("int128")
	assert.Error(t, err)

	for _, k := range Kinds() {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
}

func TestParseValue(t *testing.T) {
	v, err := ParseValue(Int32, "0x10")
	require.NoError(t, err)
	assert.Equal(t, int64(16), v.Int())

	v, err = ParseValue(Int8, "-5")
	require.NoError(t, err)
	assert.Equal(t, int64(-5), v.Int())

	_, err = ParseValue(Int8, "200")
	assert.True(t, errors.Is(err, ErrTypeMismatch), "out of range: %v", err)

	_, err = ParseValue(UInt16, "-1")
	assert.True(t, errors.Is(err, ErrTypeMismatch))

	v, err = ParseValue(Float32, "1.5")
	require.NoError(t, err)
	assert.Equal(t, 1.5, v.Float())

	v, err = ParseValue(ByteArray, "de ad,BE ef")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, v.Bytes())
	assert.Equal(t, "de ad be ef", v.String())

	_, err = ParseValue(ByteArray, "de ?? ef")
	assert.True(t, errors.Is(err, ErrTypeMismatch))

	_, err = ParseValue(CString, "")
	assert.True(t, errors.Is(err, ErrTypeMismatch))
}

func TestValueFormatting(t *testing.T) {
	assert.Equal(t, "-1", NewValue(int16(-1)).String())
	assert.Equal(t, "0xffff", NewValue(int16(-1)).Hex())
	assert.Equal(t, "0x0000002a", NewValue(uint32(42)).Hex())
	assert.Equal(t, "0.1", NewValue(float32(0.1)).String())
	assert.Equal(t, `"hi"`, StringValue("hi").String())
	assert.Equal(t, "<invalid>", Value{}.String())
}

func TestAllowedCompareKinds(t *testing.T) {
	for _, k := range Kinds() {
		first := AllowedCompareKinds(k, FirstPass)
		next := AllowedCompareKinds(k, NextPass)
		require.NotEmpty(t, first, k.String())
		require.NotEmpty(t, next, k.String())
		for _, ck := range first {
			assert.False(t, ck.NeedsPrevious(), "%s: %s needs a previous value but is allowed on the first scan", k, ck)
		}
		for _, ck := range next {
			assert.NotEqual(t, UnknownInitialValue, ck, "%s allows unknown on a next scan", k)
		}
	}
	assert.Contains(t, AllowedCompareKinds(Int32, FirstPass), UnknownInitialValue)
	assert.Contains(t, AllowedCompareKinds(Float64, NextPass), FuzzyValue)
	assert.NotContains(t, AllowedCompareKinds(Int32, NextPass), FuzzyValue)
	assert.Equal(t, []CompareKind{ArrayPattern}, AllowedCompareKinds(ByteArray, FirstPass))
}
