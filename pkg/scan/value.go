package scan

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Value is a typed value read from, or destined for, target memory. The
// zero Value has kind Invalid.
type Value struct {
	kind Kind
	// bits holds integers sign- or zero-extended to 64 bits and floats as
	// IEEE-754 float64 bits.
	bits uint64
	// data holds the bytes of CString and ByteArray values.
	data []byte
}

// Number lists the Go types that map onto a fixed-width kind.
type Number interface {
	int8 | uint8 | int16 | uint16 | int32 | uint32 | int64 | uint64 | float32 | float64
}

// NewValue returns the Value of the kind matching the Go type of v.
func NewValue[T Number](v T) Value {
	switch x := any(v).(type) {
	case int8:
		return Value{kind: Int8, bits: uint64(int64(x))}
	case uint8:
		return Value{kind: UInt8, bits: uint64(x)}
	case int16:
		return Value{kind: Int16, bits: uint64(int64(x))}
	case uint16:
		return Value{kind: UInt16, bits: uint64(x)}
	case int32:
		return Value{kind: Int32, bits: uint64(int64(x))}
	case uint32:
		return Value{kind: UInt32, bits: uint64(x)}
	case int64:
		return Value{kind: Int64, bits: uint64(x)}
	case uint64:
		return Value{kind: UInt64, bits: x}
	case float32:
		return Value{kind: Float32, bits: math.Float64bits(float64(x))}
	case float64:
		return Value{kind: Float64, bits: math.Float64bits(x)}
	}
	panic("unreachable")
}

// StringValue returns a CString value. The terminating NUL is not part of
// the value.
func StringValue(s string) Value {
	return Value{kind: CString, data: []byte(s)}
}

// PatternValue returns a ByteArray value holding a copy of b.
func PatternValue(b []byte) Value {
	return Value{kind: ByteArray, data: append([]byte(nil), b...)}
}

// Kind returns the kind of v.
func (v Value) Kind() Kind {
	return v.kind
}

// IsValid reports whether v holds a value.
func (v Value) IsValid() bool {
	return v.kind != Invalid
}

// Int returns v as a signed integer.
func (v Value) Int() int64 {
	return int64(v.bits)
}

// Uint returns v as an unsigned integer.
func (v Value) Uint() uint64 {
	return v.bits
}

// Float returns v as a float64. Float32 values are exact.
func (v Value) Float() float64 {
	return math.Float64frombits(v.bits)
}

// Bytes returns the byte content of a CString or ByteArray value, or the
// little-endian encoding of a numeric value.
func (v Value) Bytes() []byte {
	if v.data != nil || !v.kind.fixed() {
		return v.data
	}
	return Encode(v)
}

// Text returns the content of a CString value.
func (v Value) Text() string {
	return string(v.data)
}

// Width returns the number of bytes v occupies in target memory.
func (v Value) Width() int {
	if v.kind.fixed() {
		return codecs[v.kind].size
	}
	return len(v.data)
}

// Equal reports whether v and w have the same kind and the same bits.
// Floats are compared bitwise, so a NaN is equal to itself.
func (v Value) Equal(w Value) bool {
	if v.kind != w.kind {
		return false
	}
	if v.kind.fixed() {
		return v.bits == w.bits
	}
	return bytes.Equal(v.data, w.data)
}

func (v Value) String() string {
	switch codecs[v.kind].class {
	case classSigned:
		return strconv.FormatInt(v.Int(), 10)
	case classUnsigned:
		return strconv.FormatUint(v.Uint(), 10)
	case classFloat:
		bitSize := 64
		if v.kind == Float32 {
			bitSize = 32
		}
		return strconv.FormatFloat(v.Float(), 'g', -1, bitSize)
	case classBytes:
		if v.kind == CString {
			return strconv.Quote(string(v.data))
		}
		return formatHexBytes(v.data)
	}
	return "<invalid>"
}

// Hex formats an integer value as hexadecimal in its own width.
func (v Value) Hex() string {
	switch codecs[v.kind].class {
	case classSigned, classUnsigned:
		width := codecs[v.kind].size * 2
		mask := uint64(math.MaxUint64)
		if width < 16 {
			mask = 1<<(uint(width)*4) - 1
		}
		return fmt.Sprintf("0x%0*x", width, v.bits&mask)
	}
	return formatHexBytes(v.Bytes())
}

func formatHexBytes(b []byte) string {
	var sb strings.Builder
	for i, c := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", c)
	}
	return sb.String()
}

// ParseValue parses text as a value of the given kind. Integers accept
// decimal, 0x hexadecimal, 0o octal and 0b binary notation. Byte arrays are
// written as hex digits with optional spaces ("de ad be ef").
func ParseValue(kind Kind, text string) (Value, error) {
	c, err := Lookup(kind)
	if err != nil {
		return Value{}, err
	}
	text = strings.TrimSpace(text)
	switch c.class {
	case classSigned:
		n, err := strconv.ParseInt(text, 0, c.size*8)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not a valid %s", ErrTypeMismatch, text, kind)
		}
		return Value{kind: kind, bits: uint64(n)}, nil
	case classUnsigned:
		n, err := strconv.ParseUint(text, 0, c.size*8)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not a valid %s", ErrTypeMismatch, text, kind)
		}
		return Value{kind: kind, bits: n}, nil
	case classFloat:
		f, err := strconv.ParseFloat(text, c.size*8)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not a valid %s", ErrTypeMismatch, text, kind)
		}
		return Value{kind: kind, bits: math.Float64bits(f)}, nil
	}
	if kind == CString {
		if text == "" {
			return Value{}, fmt.Errorf("%w: empty string", ErrTypeMismatch)
		}
		return StringValue(text), nil
	}
	b, err := parseHexBytes(text)
	if err != nil {
		return Value{}, err
	}
	return Value{kind: ByteArray, data: b}, nil
}

func parseHexBytes(text string) ([]byte, error) {
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', ',':
			return -1
		}
		return r
	}, text)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return nil, fmt.Errorf("%w: empty byte pattern", ErrTypeMismatch)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid byte pattern %q: %v", ErrTypeMismatch, text, err)
	}
	return b, nil
}
