package scan

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Kind is the kind of value a scan looks for.
type Kind uint8

const (
	Invalid Kind = iota
	Int8
	UInt8
	Int16
	UInt16
	Int32
	UInt32
	Int64
	UInt64
	Float32
	Float64
	// CString is a NUL-terminated string; it is scanned as the byte pattern
	// of its text.
	CString
	// ByteArray is a byte pattern of arbitrary length.
	ByteArray
)

// Pass distinguishes the first scan of a session from the scans that
// refine it.
type Pass uint8

const (
	FirstPass Pass = iota
	NextPass
)

func (p Pass) String() string {
	if p == FirstPass {
		return "first scan"
	}
	return "next scan"
}

type class uint8

const (
	classNone class = iota
	classSigned
	classUnsigned
	classFloat
	classBytes
)

// Codec is the registry entry of a Kind: its width, signedness, byte
// encoding and the compare kinds legal on each pass. Codecs are looked up
// once per scan pass and then used directly by the scan loops.
type Codec struct {
	kind     Kind
	name     string
	aliases  []string
	size     int
	class    class
	signed   Kind
	unsigned Kind
	// decode reads a value from b, which holds exactly the value's bytes.
	decode func(b []byte) Value
	// encode appends the encoding of v to b.
	encode func(b []byte, v Value) []byte
	first  []CompareKind
	next   []CompareKind
}

var (
	numericFirst = []CompareKind{ExactValue, BiggerThan, SmallerThan, BetweenValues, UnknownInitialValue}
	numericNext  = []CompareKind{ExactValue, BiggerThan, SmallerThan, BetweenValues, IncreasedValue, IncreasedValueBy, DecreasedValue, DecreasedValueBy, ChangedValue, UnchangedValue}
	floatFirst   = append([]CompareKind{FuzzyValue}, numericFirst...)
	floatNext    = append([]CompareKind{FuzzyValue}, numericNext...)
	patternOnly  = []CompareKind{ArrayPattern}
	exactOnly    = []CompareKind{ExactValue}
)

var le = binary.LittleEndian

var codecs = [...]Codec{
	Invalid: {kind: Invalid, name: "invalid"},
	Int8: {
		kind: Int8, name: "int8", aliases: []string{"i8", "sbyte"}, size: 1, class: classSigned, signed: Int8, unsigned: UInt8,
		decode: func(b []byte) Value { return Value{kind: Int8, bits: uint64(int64(int8(b[0])))} },
		encode: func(b []byte, v Value) []byte { return append(b, byte(v.bits)) },
		first:  numericFirst, next: numericNext,
	},
	UInt8: {
		kind: UInt8, name: "uint8", aliases: []string{"u8", "byte"}, size: 1, class: classUnsigned, signed: Int8, unsigned: UInt8,
		decode: func(b []byte) Value { return Value{kind: UInt8, bits: uint64(b[0])} },
		encode: func(b []byte, v Value) []byte { return append(b, byte(v.bits)) },
		first:  numericFirst, next: numericNext,
	},
	Int16: {
		kind: Int16, name: "int16", aliases: []string{"i16", "short"}, size: 2, class: classSigned, signed: Int16, unsigned: UInt16,
		decode: func(b []byte) Value { return Value{kind: Int16, bits: uint64(int64(int16(le.Uint16(b))))} },
		encode: func(b []byte, v Value) []byte { return le.AppendUint16(b, uint16(v.bits)) },
		first:  numericFirst, next: numericNext,
	},
	UInt16: {
		kind: UInt16, name: "uint16", aliases: []string{"u16", "ushort"}, size: 2, class: classUnsigned, signed: Int16, unsigned: UInt16,
		decode: func(b []byte) Value { return Value{kind: UInt16, bits: uint64(le.Uint16(b))} },
		encode: func(b []byte, v Value) []byte { return le.AppendUint16(b, uint16(v.bits)) },
		first:  numericFirst, next: numericNext,
	},
	Int32: {
		kind: Int32, name: "int32", aliases: []string{"i32", "int"}, size: 4, class: classSigned, signed: Int32, unsigned: UInt32,
		decode: func(b []byte) Value { return Value{kind: Int32, bits: uint64(int64(int32(le.Uint32(b))))} },
		encode: func(b []byte, v Value) []byte { return le.AppendUint32(b, uint32(v.bits)) },
		first:  numericFirst, next: numericNext,
	},
	UInt32: {
		kind: UInt32, name: "uint32", aliases: []string{"u32", "uint"}, size: 4, class: classUnsigned, signed: Int32, unsigned: UInt32,
		decode: func(b []byte) Value { return Value{kind: UInt32, bits: uint64(le.Uint32(b))} },
		encode: func(b []byte, v Value) []byte { return le.AppendUint32(b, uint32(v.bits)) },
		first:  numericFirst, next: numericNext,
	},
	Int64: {
		kind: Int64, name: "int64", aliases: []string{"i64", "long"}, size: 8, class: classSigned, signed: Int64, unsigned: UInt64,
		decode: func(b []byte) Value { return Value{kind: Int64, bits: le.Uint64(b)} },
		encode: func(b []byte, v Value) []byte { return le.AppendUint64(b, v.bits) },
		first:  numericFirst, next: numericNext,
	},
	UInt64: {
		kind: UInt64, name: "uint64", aliases: []string{"u64", "ulong"}, size: 8, class: classUnsigned, signed: Int64, unsigned: UInt64,
		decode: func(b []byte) Value { return Value{kind: UInt64, bits: le.Uint64(b)} },
		encode: func(b []byte, v Value) []byte { return le.AppendUint64(b, v.bits) },
		first:  numericFirst, next: numericNext,
	},
	Float32: {
		kind: Float32, name: "float32", aliases: []string{"f32", "float", "single"}, size: 4, class: classFloat, signed: Float32, unsigned: Float32,
		decode: func(b []byte) Value {
			return Value{kind: Float32, bits: math.Float64bits(float64(math.Float32frombits(le.Uint32(b))))}
		},
		encode: func(b []byte, v Value) []byte { return le.AppendUint32(b, math.Float32bits(float32(v.Float()))) },
		first:  floatFirst, next: floatNext,
	},
	Float64: {
		kind: Float64, name: "float64", aliases: []string{"f64", "double"}, size: 8, class: classFloat, signed: Float64, unsigned: Float64,
		decode: func(b []byte) Value { return Value{kind: Float64, bits: le.Uint64(b)} },
		encode: func(b []byte, v Value) []byte { return le.AppendUint64(b, v.bits) },
		first:  floatFirst, next: floatNext,
	},
	CString: {
		kind: CString, name: "string", aliases: []string{"str", "cstring", "text"}, class: classBytes, signed: CString, unsigned: CString,
		decode: func(b []byte) Value { return Value{kind: CString, data: append([]byte(nil), b...)} },
		encode: func(b []byte, v Value) []byte { return append(b, v.data...) },
		first:  exactOnly, next: exactOnly,
	},
	ByteArray: {
		kind: ByteArray, name: "bytes", aliases: []string{"aob", "array", "bytearray"}, class: classBytes, signed: ByteArray, unsigned: ByteArray,
		decode: func(b []byte) Value { return Value{kind: ByteArray, data: append([]byte(nil), b...)} },
		encode: func(b []byte, v Value) []byte { return append(b, v.data...) },
		first:  patternOnly, next: patternOnly,
	},
}

// Kinds returns every scannable kind in declaration order.
func Kinds() []Kind {
	r := make([]Kind, 0, len(codecs)-1)
	for k := Int8; k <= ByteArray; k++ {
		r = append(r, k)
	}
	return r
}

func (k Kind) String() string {
	if int(k) < len(codecs) {
		return codecs[k].name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Valid reports whether k is one of the scannable kinds.
func (k Kind) Valid() bool {
	return k > Invalid && int(k) < len(codecs)
}

func (k Kind) fixed() bool {
	return k.Valid() && codecs[k].size > 0
}

// ParseKind returns the kind called s. Aliases such as "byte", "int",
// "float", "double" and "aob" are accepted.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, k := range Kinds() {
		if codecs[k].name == s {
			return k, nil
		}
		for _, a := range codecs[k].aliases {
			if a == s {
				return k, nil
			}
		}
	}
	return Invalid, fmt.Errorf("unknown value kind %q", s)
}

// Lookup returns the registry entry of k.
func Lookup(k Kind) (*Codec, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: unknown value kind %d", ErrUnsupportedOperation, uint8(k))
	}
	return &codecs[k], nil
}

// Kind returns the kind described by c.
func (c *Codec) Kind() Kind {
	return c.kind
}

// Size returns the width in bytes of values of c's kind. Variable-width
// kinds have no static width and return ErrUnsupportedOperation.
func (c *Codec) Size() (int, error) {
	if c.size == 0 {
		return 0, fmt.Errorf("%w: %s has no fixed size", ErrUnsupportedOperation, c.kind)
	}
	return c.size, nil
}

// Decode reads the value at buf[off:]. Variable-width kinds take every
// remaining byte; use DecodeN to bound them.
func (c *Codec) Decode(buf []byte, off int) (Value, error) {
	n := c.size
	if n == 0 {
		n = len(buf) - off
	}
	return c.DecodeN(buf, off, n)
}

// DecodeN reads the n-byte value at buf[off:]. For fixed-width kinds n must
// equal the kind's size.
func (c *Codec) DecodeN(buf []byte, off, n int) (Value, error) {
	if c.size != 0 && n != c.size {
		return Value{}, fmt.Errorf("%w: %s is %d bytes wide, not %d", ErrTypeMismatch, c.kind, c.size, n)
	}
	if off < 0 || n < 0 || off+n > len(buf) {
		return Value{}, fmt.Errorf("short buffer: %d bytes at offset %d of %d", n, off, len(buf))
	}
	return c.decode(buf[off : off+n]), nil
}

// CompareKinds returns the compare kinds legal for c's kind on pass p.
func (c *Codec) CompareKinds(p Pass) []CompareKind {
	src := c.first
	if p == NextPass {
		src = c.next
	}
	return append([]CompareKind(nil), src...)
}

// Allowed reports whether ck is legal for c's kind on pass p.
func (c *Codec) Allowed(p Pass, ck CompareKind) bool {
	src := c.first
	if p == NextPass {
		src = c.next
	}
	for _, x := range src {
		if x == ck {
			return true
		}
	}
	return false
}

// SizeOf returns the width in bytes of kind k.
func SizeOf(k Kind) (int, error) {
	c, err := Lookup(k)
	if err != nil {
		return 0, err
	}
	return c.Size()
}

// Decode reads a value of kind k at buf[off:].
func Decode(k Kind, buf []byte, off int) (Value, error) {
	c, err := Lookup(k)
	if err != nil {
		return Value{}, err
	}
	return c.Decode(buf, off)
}

// DecodeN reads an n-byte value of kind k at buf[off:].
func DecodeN(k Kind, buf []byte, off, n int) (Value, error) {
	c, err := Lookup(k)
	if err != nil {
		return Value{}, err
	}
	return c.DecodeN(buf, off, n)
}

// Encode returns the little-endian encoding of v. CString values are
// encoded without their terminating NUL.
func Encode(v Value) []byte {
	if !v.kind.Valid() {
		return nil
	}
	return codecs[v.kind].encode(make([]byte, 0, v.Width()), v)
}

// SignedCounterpart returns the signed kind of the same width as k.
// Kinds without a signed/unsigned pair map to themselves.
func SignedCounterpart(k Kind) Kind {
	if !k.Valid() {
		return k
	}
	return codecs[k].signed
}

// UnsignedCounterpart returns the unsigned kind of the same width as k.
func UnsignedCounterpart(k Kind) Kind {
	if !k.Valid() {
		return k
	}
	return codecs[k].unsigned
}

// AllowedCompareKinds returns the compare kinds legal for k on pass p.
func AllowedCompareKinds(k Kind, p Pass) []CompareKind {
	c, err := Lookup(k)
	if err != nil {
		return nil
	}
	return c.CompareKinds(p)
}
