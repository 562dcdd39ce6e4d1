package scan

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBase = 0x10000

func TestFirstScanExactInt8(t *testing.T) {
	snapshot := []byte{0x00, 0x00, 0x01, 0x00, 0x00, 0x02}
	results, err := FirstScan(snapshot, testBase, Int8, ExactValue, []Value{NewValue(int8(1))}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(testBase+2), results[0].Address)
	assert.Equal(t, int64(1), results[0].Value.Int())
}

func TestFirstScanStride(t *testing.T) {
	// 0x0100 at offset 1 straddles two aligned int16 slots and must not be
	// reported.
	snapshot := []byte{0x00, 0x00, 0x01, 0x00, 0x00, 0x01}
	results, err := FirstScan(snapshot, testBase, Int16, ExactValue, []Value{NewValue(int16(1))}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(testBase+2), results[0].Address)

	// trailing bytes shorter than the kind are ignored
	results, err = FirstScan([]byte{1, 0, 0, 0, 1, 0}, testBase, Int32, UnknownInitialValue, nil, 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	// operands given to unknown are ignored
	results, err = FirstScan([]byte{1, 0, 0, 0, 9, 0, 0, 0}, testBase, Int32, UnknownInitialValue, []Value{i32(5)}, 10)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestFirstScanCapacity(t *testing.T) {
	const n = 16
	snapshot := make([]byte, n+5)
	for i := range snapshot {
		snapshot[i] = 7
	}
	results, err := FirstScan(snapshot, testBase, UInt8, ExactValue, []Value{NewValue(uint8(7))}, n)
	require.NoError(t, err)
	assert.Len(t, results, n)
	for i, r := range results {
		assert.Equal(t, uint64(testBase+i), r.Address)
	}
}

func TestFirstScanPatternOverlap(t *testing.T) {
	snapshot := []byte{0xaa, 0xaa, 0xaa, 0xbb, 0xaa, 0xaa}
	results, err := FirstScan(snapshot, testBase, ByteArray, ArrayPattern, []Value{PatternValue([]byte{0xaa, 0xaa})}, 10)
	require.NoError(t, err)
	var addrs []uint64
	for _, r := range results {
		addrs = append(addrs, r.Address)
		assert.Equal(t, []byte{0xaa, 0xaa}, r.Value.Bytes())
	}
	assert.Equal(t, []uint64{testBase, testBase + 1, testBase + 4}, addrs)

	// the last byte of the pattern is compared
	results, err = FirstScan([]byte{0xaa, 0xab}, testBase, ByteArray, ArrayPattern, []Value{PatternValue([]byte{0xaa, 0xaa})}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestFirstScanCString(t *testing.T) {
	snapshot := []byte("xxhello\x00hello")
	results, err := FirstScan(snapshot, testBase, CString, ExactValue, []Value{StringValue("hello")}, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, uint64(testBase+2), results[0].Address)
	assert.Equal(t, CString, results[0].Value.Kind())
	assert.Equal(t, "hello", results[1].Value.Text())
}

func TestFirstScanValidatesBeforeScanning(t *testing.T) {
	_, err := FirstScan(nil, testBase, Int32, IncreasedValue, nil, 10)
	assert.True(t, errors.Is(err, ErrUnsupportedOperation), "%v", err)

	_, err = FirstScan(nil, testBase, Int32, ExactValue, []Value{NewValue(int16(1))}, 10)
	assert.True(t, errors.Is(err, ErrTypeMismatch), "%v", err)

	_, err = FirstScan(nil, testBase, Float32, ExactValue, []Value{NewValue(1.0)}, 10)
	assert.True(t, errors.Is(err, ErrTypeMismatch), "float64 operand on a float32 scan: %v", err)
}

func TestNextScanNarrowing(t *testing.T) {
	const a, b = 0x1000, 0x2000
	working := []Result{
		{Address: a, Value: i32(10)},
		{Address: b, Value: i32(10)},
	}
	fresh := map[uint64]Reading{
		a: {Data: Encode(i32(12))},
		b: {Data: Encode(i32(10))},
	}
	out, failures, err := NextScan(working, Int32, fresh, IncreasedValue, nil)
	require.NoError(t, err)
	assert.Zero(t, failures)
	require.Len(t, out, 1)
	assert.Equal(t, uint64(a), out[0].Address)
	assert.Equal(t, int64(12), out[0].Value.Int())
}

func TestNextScanReadFailures(t *testing.T) {
	working := []Result{
		{Address: 0x10, Value: i32(1)},
		{Address: 0x20, Value: i32(1)},
		{Address: 0x30, Value: i32(1)},
		{Address: 0x40, Value: i32(1)},
	}
	fresh := map[uint64]Reading{
		0x10: {Data: Encode(i32(1))},
		0x20: {Err: errors.New("unmapped")},
		0x30: {Data: []byte{1, 0}},
	}
	out, failures, err := NextScan(working, Int32, fresh, UnchangedValue, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, failures)
	require.Len(t, out, 1)
	assert.Equal(t, uint64(0x10), out[0].Address)
}

func TestNextScanChainsValues(t *testing.T) {
	working := []Result{{Address: 0x10, Value: i32(1)}}
	for _, v := range []int32{2, 3, 4} {
		var err error
		working, _, err = NextScan(working, Int32, map[uint64]Reading{0x10: {Data: Encode(i32(v))}}, IncreasedValueBy, []Value{i32(1)})
		require.NoError(t, err)
		require.Len(t, working, 1, "value %d", v)
	}
	assert.Equal(t, int64(4), working[0].Value.Int())
}

func TestNextScanRejects(t *testing.T) {
	_, _, err := NextScan(nil, Int32, nil, UnknownInitialValue, nil)
	assert.True(t, errors.Is(err, ErrUnsupportedOperation))

	_, _, err = NextScan([]Result{{Address: 1, Value: NewValue(int8(1))}}, Int32, nil, ChangedValue, nil)
	assert.True(t, errors.Is(err, ErrTypeMismatch))
}
