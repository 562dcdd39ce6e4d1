package scan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/memscan/memscan/pkg/logflags"
	"github.com/memscan/memscan/pkg/remote"
	"github.com/memscan/memscan/pkg/section"
)

// DefaultChunkSize is the number of bytes a first scan reads from the
// target at a time.
const DefaultChunkSize = 16 << 20

// MemoryReader reads target memory. *remote.Client implements it.
type MemoryReader interface {
	ReadMemory(ctx context.Context, pid int, addr uint64, size int) ([]byte, error)
}

// Stats describes one completed scan pass.
type Stats struct {
	Pass       Pass
	Generation uint64
	Candidates int
	// PartialReadFailures counts candidates dropped by a next scan because
	// their address could not be re-read.
	PartialReadFailures int
	// SectionFailures counts sections a first scan skipped because
	// snapshotting them failed.
	SectionFailures int
	BytesScanned    uint64
	// LimitReached is set when a first scan stopped at the result limit.
	LimitReached bool
	Elapsed      time.Duration
}

// Session is a sequence of scan passes over one process with one value
// kind. A Session is owned by a single caller: it must not be used from
// several goroutines and must not be inspected while a pass is running.
type Session struct {
	pid        int
	kind       Kind
	maxResults int
	chunkSize  int

	results    []Result
	generation uint64
	scanned    bool
}

// NewSession returns an empty session scanning process pid for values of
// the given kind, keeping at most maxResults candidates.
func NewSession(pid int, kind Kind, maxResults int) (*Session, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown value kind %d", ErrUnsupportedOperation, uint8(kind))
	}
	if maxResults <= 0 {
		return nil, fmt.Errorf("result limit must be positive, got %d", maxResults)
	}
	return &Session{pid: pid, kind: kind, maxResults: maxResults, chunkSize: DefaultChunkSize}, nil
}

// SetChunkSize sets the snapshot chunk size used by First, rounded down to
// a multiple of 8. Values that are not positive restore the default.
func (s *Session) SetChunkSize(n int) {
	if n <= 0 {
		n = DefaultChunkSize
	}
	if n < 8 {
		n = 8
	}
	n &^= 7
	s.chunkSize = n
}

// PID returns the id of the scanned process.
func (s *Session) PID() int { return s.pid }

// Kind returns the value kind of the session.
func (s *Session) Kind() Kind { return s.kind }

func (s *Session) MaxResults() int { return s.maxResults }

// Generation returns the number of next scans run so far.
func (s *Session) Generation() uint64 { return s.generation }

// Scanned reports whether the first scan has completed.
func (s *Session) Scanned() bool { return s.scanned }

// Len returns the size of the working set.
func (s *Session) Len() int { return len(s.results) }

// Results returns a copy of the working set in ascending address order.
func (s *Session) Results() []Result {
	return append([]Result(nil), s.results...)
}

// First runs the first scan over sections. Sections are snapshotted in
// ascending address order, a chunk at a time. A section whose snapshot
// fails is skipped and counted; a connection failure aborts the pass and
// leaves the session as it was.
func (s *Session) First(ctx context.Context, mem MemoryReader, sections []section.Section, ck CompareKind, operands []Value) (*Stats, error) {
	if s.scanned {
		return nil, fmt.Errorf("%w: session already has a first scan, start a new one", ErrUnsupportedOperation)
	}
	m, err := newMatcher(s.kind, ck, operands)
	if err != nil {
		return nil, err
	}
	log := logflags.ScanLogger().WithFields(logflags.Fields{"pid": s.pid, "kind": s.kind.String(), "compare": ck.String()})
	start := time.Now()

	secs := append([]section.Section(nil), sections...)
	sort.SliceStable(secs, func(i, j int) bool { return secs[i].Start < secs[j].Start })

	st := &Stats{Pass: FirstPass}
	var results []Result
	overlap := m.overlap()

sectionLoop:
	for _, sec := range secs {
		for pos := uint64(0); pos < sec.Size; {
			n := sec.Size - pos
			if n > uint64(s.chunkSize) {
				n = uint64(s.chunkSize)
			}
			want := n + uint64(overlap)
			if want > sec.Size-pos {
				want = sec.Size - pos
			}
			addr := sec.Start + pos
			data, err := mem.ReadMemory(ctx, s.pid, addr, int(want))
			if err != nil {
				if fatal(ctx, err) {
					log.WithError(err).Errorf("first scan aborted at %#x", addr)
					return nil, err
				}
				log.WithError(err).Warnf("skipping section %s", sec)
				st.SectionFailures++
				continue sectionLoop
			}
			var truncated bool
			results, truncated = m.scan(results, data, addr, int(n), s.maxResults)
			st.BytesScanned += n
			if truncated {
				st.LimitReached = true
				break sectionLoop
			}
			pos += n
		}
	}

	s.results = results
	s.scanned = true
	st.Generation = s.generation
	st.Candidates = len(results)
	st.Elapsed = time.Since(start)
	log.Debugf("first scan: %d candidates in %d sections, %d bytes, %d section failures, limit reached: %v",
		st.Candidates, len(secs), st.BytesScanned, st.SectionFailures, st.LimitReached)
	return st, nil
}

// Next re-reads every address of the working set and keeps the ones that
// satisfy the criterion. Addresses that cannot be re-read are dropped. The
// generation advances even when nothing survives.
func (s *Session) Next(ctx context.Context, mem MemoryReader, ck CompareKind, operands []Value) (*Stats, error) {
	if !s.scanned {
		return nil, fmt.Errorf("%w: next scan before first scan", ErrUnsupportedOperation)
	}
	if _, err := Compile(ck, s.kind, NextPass, operands); err != nil {
		return nil, err
	}
	log := logflags.ScanLogger().WithFields(logflags.Fields{"pid": s.pid, "kind": s.kind.String(), "compare": ck.String()})
	start := time.Now()

	fresh, read, err := s.reread(ctx, mem)
	if err != nil {
		log.WithError(err).Error("next scan aborted")
		return nil, err
	}
	results, failures, err := NextScan(s.results, s.kind, fresh, ck, operands)
	if err != nil {
		return nil, err
	}
	s.results = results
	s.generation++

	st := &Stats{
		Pass:                NextPass,
		Generation:          s.generation,
		Candidates:          len(results),
		PartialReadFailures: failures,
		BytesScanned:        read,
		Elapsed:             time.Since(start),
	}
	log.Debugf("next scan %d: %d candidates, %d read failures", st.Generation, st.Candidates, failures)
	return st, nil
}

// span is a run of working-set entries whose bytes are contiguous in the
// target, re-read with a single request.
type span struct {
	addr  uint64
	size  uint64
	first int
	last  int
}

// reread reads the bytes of every working-set entry. Entries that touch or
// overlap are read together, up to the chunk size; if such a combined read
// fails each entry is retried on its own so that one bad page does not
// drop its neighbours.
func (s *Session) reread(ctx context.Context, mem MemoryReader) (map[uint64]Reading, uint64, error) {
	fresh := make(map[uint64]Reading, len(s.results))
	var read uint64
	for _, sp := range s.spans() {
		data, err := mem.ReadMemory(ctx, s.pid, sp.addr, int(sp.size))
		if err == nil {
			read += uint64(len(data))
			for _, r := range s.results[sp.first : sp.last+1] {
				off := r.Address - sp.addr
				end := off + uint64(r.Value.Width())
				if end > uint64(len(data)) {
					fresh[r.Address] = Reading{Err: fmt.Errorf("short read at %#x", r.Address)}
					continue
				}
				fresh[r.Address] = Reading{Data: data[off:end]}
			}
			continue
		}
		if fatal(ctx, err) {
			return nil, 0, err
		}
		if sp.first == sp.last {
			fresh[sp.addr] = Reading{Err: err}
			continue
		}
		for _, r := range s.results[sp.first : sp.last+1] {
			data, err := mem.ReadMemory(ctx, s.pid, r.Address, r.Value.Width())
			if err != nil && fatal(ctx, err) {
				return nil, 0, err
			}
			read += uint64(len(data))
			fresh[r.Address] = Reading{Data: data, Err: err}
		}
	}
	return fresh, read, nil
}

func (s *Session) spans() []span {
	var spans []span
	for i, r := range s.results {
		w := uint64(r.Value.Width())
		if n := len(spans); n > 0 {
			last := &spans[n-1]
			end := last.addr + last.size
			if r.Address <= end && r.Address+w-last.addr <= uint64(s.chunkSize) {
				if r.Address+w > end {
					last.size = r.Address + w - last.addr
				}
				last.last = i
				continue
			}
		}
		spans = append(spans, span{addr: r.Address, size: w, first: i, last: i})
	}
	return spans
}

// fatal reports whether err ends a pass instead of only invalidating the
// addresses being read.
func fatal(ctx context.Context, err error) bool {
	return remote.IsConnectionError(err) || ctx.Err() != nil || errors.Is(err, context.Canceled)
}
