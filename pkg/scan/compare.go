package scan

import (
	"bytes"
	"fmt"
	"math"
	"strings"
)

// CompareKind selects the predicate a scan pass applies to each candidate.
type CompareKind uint8

const (
	ExactValue CompareKind = iota + 1
	FuzzyValue
	IncreasedValue
	IncreasedValueBy
	DecreasedValue
	DecreasedValueBy
	BiggerThan
	SmallerThan
	ChangedValue
	UnchangedValue
	BetweenValues
	UnknownInitialValue
	ArrayPattern
)

// fuzzyEpsilon is the tolerance of FuzzyValue.
const fuzzyEpsilon = 1.0

type compareInfo struct {
	name     string
	aliases  []string
	arity    int
	previous bool
	help     string
}

var compareInfos = [...]compareInfo{
	ExactValue:          {name: "exact", aliases: []string{"=", "==", "eq"}, arity: 1, help: "value equals the operand"},
	FuzzyValue:          {name: "fuzzy", aliases: []string{"~", "approx"}, arity: 1, help: "value is within 1.0 of the operand"},
	IncreasedValue:      {name: "increased", aliases: []string{"inc", "+"}, previous: true, help: "value is larger than at the previous scan"},
	IncreasedValueBy:    {name: "increased-by", aliases: []string{"incby", "+="}, arity: 1, previous: true, help: "value grew by exactly the operand"},
	DecreasedValue:      {name: "decreased", aliases: []string{"dec", "-"}, previous: true, help: "value is smaller than at the previous scan"},
	DecreasedValueBy:    {name: "decreased-by", aliases: []string{"decby", "-="}, arity: 1, previous: true, help: "value shrank by exactly the operand"},
	BiggerThan:          {name: "bigger", aliases: []string{"bigger-than", "gt"}, arity: 1, help: "the operand is bigger than the value"},
	SmallerThan:         {name: "smaller", aliases: []string{"smaller-than", "lt"}, arity: 1, help: "the operand is smaller than the value"},
	ChangedValue:        {name: "changed", aliases: []string{"!=", "ne"}, previous: true, help: "value differs from the previous scan"},
	UnchangedValue:      {name: "unchanged", aliases: []string{"same"}, previous: true, help: "value equals the previous scan"},
	BetweenValues:       {name: "between", aliases: []string{"range", "in"}, arity: 2, help: "low < value < high"},
	UnknownInitialValue: {name: "unknown", aliases: []string{"any", "?"}, help: "accept every address (first scan only)"},
	ArrayPattern:        {name: "pattern", aliases: []string{"aob", "bytes"}, arity: 1, help: "bytes equal the operand pattern"},
}

// CompareKinds returns every compare kind in declaration order.
func CompareKinds() []CompareKind {
	r := make([]CompareKind, 0, len(compareInfos)-1)
	for ck := ExactValue; ck <= ArrayPattern; ck++ {
		r = append(r, ck)
	}
	return r
}

func (ck CompareKind) String() string {
	if ck.Valid() {
		return compareInfos[ck].name
	}
	return fmt.Sprintf("CompareKind(%d)", uint8(ck))
}

// Valid reports whether ck is a known compare kind.
func (ck CompareKind) Valid() bool {
	return ck >= ExactValue && ck <= ArrayPattern
}

// Arity returns the number of operands ck takes.
func (ck CompareKind) Arity() int {
	if !ck.Valid() {
		return 0
	}
	return compareInfos[ck].arity
}

// NeedsPrevious reports whether ck compares against the value recorded by
// the previous pass.
func (ck CompareKind) NeedsPrevious() bool {
	return ck.Valid() && compareInfos[ck].previous
}

// Help returns a one line description of ck.
func (ck CompareKind) Help() string {
	if !ck.Valid() {
		return ""
	}
	return compareInfos[ck].help
}

// ParseCompareKind returns the compare kind called s.
func ParseCompareKind(s string) (CompareKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, ck := range CompareKinds() {
		info := &compareInfos[ck]
		if info.name == s {
			return ck, nil
		}
		for _, a := range info.aliases {
			if a == s {
				return ck, nil
			}
		}
	}
	return 0, fmt.Errorf("unknown compare kind %q", s)
}

// Predicate reports whether a candidate survives a pass, given its current
// value and the value recorded by the previous pass (the zero Value on a
// first scan).
type Predicate func(current, previous Value) bool

// Compile checks that ck is legal for kind on pass p and that operands fit
// it, and returns the predicate bound to the kind's value class.
func Compile(ck CompareKind, kind Kind, p Pass, operands []Value) (Predicate, error) {
	c, err := Lookup(kind)
	if err != nil {
		return nil, err
	}
	if !ck.Valid() {
		return nil, fmt.Errorf("%w: unknown compare kind %d", ErrUnsupportedOperation, uint8(ck))
	}
	if !c.Allowed(p, ck) {
		return nil, fmt.Errorf("%w: %s is not available for %s on the %s", ErrUnsupportedOperation, ck, kind, p)
	}
	if err := checkOperands(ck, kind, operands); err != nil {
		return nil, err
	}
	return compile(c, ck, operands), nil
}

// checkOperands ignores the operands of UnknownInitialValue, which accepts
// every value whatever it is given.
func checkOperands(ck CompareKind, kind Kind, operands []Value) error {
	if ck == UnknownInitialValue {
		return nil
	}
	if len(operands) != ck.Arity() {
		return fmt.Errorf("%w: %s takes %d operands, got %d", ErrTypeMismatch, ck, ck.Arity(), len(operands))
	}
	for i, op := range operands {
		if op.kind != kind {
			return fmt.Errorf("%w: operand %d is %s, scan is %s", ErrTypeMismatch, i, op.kind, kind)
		}
		if !kind.fixed() && len(op.data) == 0 {
			return fmt.Errorf("%w: operand %d is empty", ErrTypeMismatch, i)
		}
	}
	return nil
}

// compile assumes operands have been checked.
func compile(c *Codec, ck CompareKind, operands []Value) Predicate {
	switch c.class {
	case classSigned:
		f := orderedPredicate(ck, mapValues(operands, Value.Int), nil)
		return func(cur, prev Value) bool { return f(cur.Int(), prev.Int()) }
	case classUnsigned:
		f := orderedPredicate(ck, mapValues(operands, Value.Uint), nil)
		return func(cur, prev Value) bool { return f(cur.Uint(), prev.Uint()) }
	case classFloat:
		var narrow func(float64) float64
		if c.kind == Float32 {
			narrow = func(x float64) float64 { return float64(float32(x)) }
		}
		f := orderedPredicate(ck, mapValues(operands, Value.Float), narrow)
		return func(cur, prev Value) bool { return f(cur.Float(), prev.Float()) }
	case classBytes:
		return bytesPredicate(ck, operands)
	}
	return func(Value, Value) bool { return false }
}

// Evaluate applies ck to current and previous. It is the uncompiled form of
// Compile and does not check pass legality; operands of the wrong shape
// make it return false, as does a missing previous value for compare kinds
// that need one.
func Evaluate(ck CompareKind, operands []Value, current, previous Value) bool {
	if !ck.Valid() || !current.kind.Valid() {
		return false
	}
	if ck == UnknownInitialValue {
		return true
	}
	if ck.NeedsPrevious() && previous.kind != current.kind {
		return false
	}
	if checkOperands(ck, current.kind, operands) != nil {
		return false
	}
	return compile(&codecs[current.kind], ck, operands)(current, previous)
}

type ordered interface {
	int64 | uint64 | float64
}

func mapValues[T ordered](vs []Value, f func(Value) T) []T {
	r := make([]T, len(vs))
	for i := range vs {
		r[i] = f(vs[i])
	}
	return r
}

// same is == except that NaN equals NaN, matching Value.Equal.
func same[T ordered](a, b T) bool {
	return a == b || (math.IsNaN(float64(a)) && math.IsNaN(float64(b)))
}

// orderedPredicate returns the comparison ck over one numeric class. narrow,
// when set, rounds the results of delta arithmetic to the width of the
// scanned kind.
func orderedPredicate[T ordered](ck CompareKind, ops []T, narrow func(T) T) func(cur, prev T) bool {
	if narrow == nil {
		narrow = func(x T) T { return x }
	}
	switch ck {
	case ExactValue:
		v := ops[0]
		return func(cur, _ T) bool { return same(cur, v) }
	case FuzzyValue:
		v := float64(ops[0])
		return func(cur, _ T) bool { return math.Abs(v-float64(cur)) < fuzzyEpsilon }
	case IncreasedValue:
		return func(cur, prev T) bool { return cur > prev }
	case IncreasedValueBy:
		d := ops[0]
		return func(cur, prev T) bool { return cur == narrow(prev+d) }
	case DecreasedValue:
		return func(cur, prev T) bool { return cur < prev }
	case DecreasedValueBy:
		d := ops[0]
		return func(cur, prev T) bool { return cur == narrow(prev-d) }
	case BiggerThan:
		// the operand is the reference: BiggerThan keeps values the operand
		// is bigger than.
		v := ops[0]
		return func(cur, _ T) bool { return v > cur }
	case SmallerThan:
		v := ops[0]
		return func(cur, _ T) bool { return v < cur }
	case ChangedValue:
		return func(cur, prev T) bool { return !same(cur, prev) }
	case UnchangedValue:
		return func(cur, prev T) bool { return same(cur, prev) }
	case BetweenValues:
		lo, hi := ops[0], ops[1]
		return func(cur, _ T) bool { return cur > lo && cur < hi }
	case UnknownInitialValue:
		return func(T, T) bool { return true }
	}
	return func(T, T) bool { return false }
}

func bytesPredicate(ck CompareKind, operands []Value) Predicate {
	switch ck {
	case ExactValue, ArrayPattern:
		pattern := operands[0].data
		return func(cur, _ Value) bool { return bytes.Equal(cur.data, pattern) }
	case ChangedValue:
		return func(cur, prev Value) bool { return !bytes.Equal(cur.data, prev.data) }
	case UnchangedValue:
		return func(cur, prev Value) bool { return bytes.Equal(cur.data, prev.data) }
	case UnknownInitialValue:
		return func(Value, Value) bool { return true }
	}
	return func(Value, Value) bool { return false }
}
