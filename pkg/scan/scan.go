package scan

import (
	"bytes"
	"fmt"
)

// Result is one candidate address and the value read there by the most
// recent pass.
type Result struct {
	Address uint64
	Value   Value
}

func (r Result) String() string {
	return fmt.Sprintf("%#x = %s", r.Address, r.Value)
}

// Reading is the outcome of re-reading one candidate address.
type Reading struct {
	Data []byte
	Err  error
}

// matcher is a compiled first-scan criterion.
type matcher struct {
	codec   *Codec
	pred    Predicate
	pattern []byte
}

func newMatcher(kind Kind, ck CompareKind, operands []Value) (*matcher, error) {
	c, err := Lookup(kind)
	if err != nil {
		return nil, err
	}
	pred, err := Compile(ck, kind, FirstPass, operands)
	if err != nil {
		return nil, err
	}
	m := &matcher{codec: c, pred: pred}
	if c.size == 0 {
		m.pattern = operands[0].data
	}
	return m, nil
}

// overlap is the number of bytes a chunked reader must carry over from one
// chunk into the next so that no match straddling the boundary is lost.
func (m *matcher) overlap() int {
	if m.pattern != nil {
		return len(m.pattern) - 1
	}
	return 0
}

// scan appends to dst the matches in buf that start before starts. It stops
// at limit results and reports whether a further match was left out.
func (m *matcher) scan(dst []Result, buf []byte, base uint64, starts, limit int) ([]Result, bool) {
	if starts > len(buf) {
		starts = len(buf)
	}
	if m.pattern != nil {
		return m.scanPattern(dst, buf, base, starts, limit)
	}
	size := m.codec.size
	for off := 0; off < starts && off+size <= len(buf); off += size {
		cur := m.codec.decode(buf[off : off+size])
		if !m.pred(cur, Value{}) {
			continue
		}
		if len(dst) >= limit {
			return dst, true
		}
		dst = append(dst, Result{Address: base + uint64(off), Value: cur})
	}
	return dst, false
}

// scanPattern compares the full pattern at every byte offset, so
// overlapping occurrences are all reported.
func (m *matcher) scanPattern(dst []Result, buf []byte, base uint64, starts, limit int) ([]Result, bool) {
	n := len(m.pattern)
	for i := 0; i < starts; {
		j := bytes.Index(buf[i:], m.pattern)
		if j < 0 {
			break
		}
		off := i + j
		if off >= starts {
			break
		}
		if len(dst) >= limit {
			return dst, true
		}
		dst = append(dst, Result{Address: base + uint64(off), Value: m.codec.decode(buf[off : off+n])})
		i = off + 1
	}
	return dst, false
}

// FirstScan evaluates the criterion at every candidate offset of snapshot,
// which holds the memory starting at base. Numeric kinds are decoded at
// every multiple of their width; CString and ByteArray operands are
// matched at every byte offset. At most maxResults results are returned.
//
// The compare kind and operands are validated before the snapshot is
// touched: ErrUnsupportedOperation for a compare kind illegal on a first
// scan of kind, ErrTypeMismatch for operands that do not fit.
func FirstScan(snapshot []byte, base uint64, kind Kind, ck CompareKind, operands []Value, maxResults int) ([]Result, error) {
	m, err := newMatcher(kind, ck, operands)
	if err != nil {
		return nil, err
	}
	results, _ := m.scan(nil, snapshot, base, len(snapshot), maxResults)
	return results, nil
}

// NextScan refines results with fresh readings of their addresses. A
// result whose reading is missing, failed or too short is dropped and
// counted in the returned failure count. Survivors carry the freshly read
// value so that later passes compare against it. Output order follows the
// order of results.
func NextScan(results []Result, kind Kind, fresh map[uint64]Reading, ck CompareKind, operands []Value) ([]Result, int, error) {
	c, err := Lookup(kind)
	if err != nil {
		return nil, 0, err
	}
	pred, err := Compile(ck, kind, NextPass, operands)
	if err != nil {
		return nil, 0, err
	}
	var (
		out      []Result
		failures int
	)
	for _, r := range results {
		if r.Value.kind != kind {
			return nil, 0, fmt.Errorf("%w: result at %#x holds %s, scan is %s", ErrTypeMismatch, r.Address, r.Value.kind, kind)
		}
		rd, ok := fresh[r.Address]
		if !ok || rd.Err != nil {
			failures++
			continue
		}
		cur, err := c.DecodeN(rd.Data, 0, r.Value.Width())
		if err != nil {
			failures++
			continue
		}
		if pred(cur, r.Value) {
			out = append(out, Result{Address: r.Address, Value: cur})
		}
	}
	return out, failures, nil
}
