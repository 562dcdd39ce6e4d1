package terminal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memscan/memscan/pkg/scan"
)

func TestSplitArgs(t *testing.T) {
	words, err := splitArgs(`int32 exact 100 -section "/opt/my game/bin"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"int32", "exact", "100", "-section", "/opt/my game/bin"}, words)

	words, err = splitArgs("   ")
	require.NoError(t, err)
	assert.Empty(t, words)

	_, err = splitArgs("a `b`")
	assert.Error(t, err)
}

func TestExtractOption(t *testing.T) {
	words, v, err := extractOption([]string{"int32", "-prot", "rw", "exact", "1"}, "-prot")
	require.NoError(t, err)
	assert.Equal(t, "rw", v)
	assert.Equal(t, []string{"int32", "exact", "1"}, words)

	words, v, err = extractOption([]string{"int32"}, "-prot")
	require.NoError(t, err)
	assert.Empty(t, v)
	assert.Equal(t, []string{"int32"}, words)

	_, _, err = extractOption([]string{"int32", "-prot"}, "-prot")
	assert.Error(t, err)
}

func TestParseOperands(t *testing.T) {
	ops, err := parseOperands(scan.Int16, []string{"1", "-2"})
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, int64(-2), ops[1].Int())

	ops, err = parseOperands(scan.ByteArray, []string{"de", "ad"})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, []byte{0xde, 0xad}, ops[0].Bytes())

	ops, err = parseOperands(scan.CString, []string{"Player", "One"})
	require.NoError(t, err)
	assert.Equal(t, "Player One", ops[0].Text())

	_, err = parseOperands(scan.UInt8, []string{"256"})
	assert.Error(t, err)
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "-1 (0xff)", formatValue(scan.NewValue(int8(-1))))
	assert.Equal(t, "1.5", formatValue(scan.NewValue(float32(1.5))))
	assert.Equal(t, `"hi"`, formatValue(scan.StringValue("hi")))
}
