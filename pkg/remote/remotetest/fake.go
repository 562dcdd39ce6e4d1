// Package remotetest provides an in-memory remote.Provider for tests.
package remotetest

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/memscan/memscan/pkg/remote"
	"github.com/memscan/memscan/pkg/section"
)

// Fake is a target whose processes and memory live in Go slices.
type Fake struct {
	mu     sync.Mutex
	procs  map[int]*Process
	broken error
	closed bool
	calls  int
}

// Process is a fake process. Its regions must not overlap.
type Process struct {
	ID      int
	Name    string
	regions []*region
}

type region struct {
	sec  section.Section
	data []byte
}

// NewFake returns an empty target.
func NewFake() *Fake {
	return &Fake{procs: make(map[int]*Process)}
}

// AddProcess adds a process to the target and returns it.
func (f *Fake) AddProcess(id int, name string) *Process {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &Process{ID: id, Name: name}
	f.procs[id] = p
	return p
}

// Map adds a region of memory at start holding data.
func (p *Process) Map(name string, start uint64, prot section.Protection, data []byte) {
	p.regions = append(p.regions, &region{
		sec:  section.Section{Name: name, Start: start, Size: uint64(len(data)), Prot: prot},
		data: data,
	})
	sort.Slice(p.regions, func(i, j int) bool { return p.regions[i].sec.Start < p.regions[j].sec.Start })
}

// Poke overwrites memory at addr, as the process itself would.
func (p *Process) Poke(addr uint64, data []byte) {
	if r := p.find(addr, len(data)); r != nil {
		copy(r.data[addr-r.sec.Start:], data)
	}
}

// Peek returns a copy of n bytes at addr, or nil if unmapped.
func (p *Process) Peek(addr uint64, n int) []byte {
	if r := p.find(addr, n); r != nil {
		off := addr - r.sec.Start
		return append([]byte(nil), r.data[off:off+uint64(n)]...)
	}
	return nil
}

func (p *Process) find(addr uint64, n int) *region {
	for _, r := range p.regions {
		if addr >= r.sec.Start && addr+uint64(n) <= r.sec.End() {
			return r
		}
	}
	return nil
}

// Break makes every following call fail with err. A nil err repairs the
// target.
func (f *Fake) Break(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broken = err
}

// Calls returns the number of provider calls served so far.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Dialer returns a dialer that connects to f whatever the address.
func (f *Fake) Dialer() remote.Dialer {
	return func(ctx context.Context, addr string) (remote.Provider, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.broken != nil {
			return nil, f.broken
		}
		f.closed = false
		return f, nil
	}
}

func (f *Fake) enter() error {
	f.calls++
	return f.broken
}

func (f *Fake) process(pid int) (*Process, error) {
	p, ok := f.procs[pid]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return p, nil
}

func (f *Fake) ListProcesses(ctx context.Context) ([]remote.ProcessEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(); err != nil {
		return nil, err
	}
	r := make([]remote.ProcessEntry, 0, len(f.procs))
	for _, p := range f.procs {
		r = append(r, remote.ProcessEntry{ID: p.ID, Name: p.Name})
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID < r[j].ID })
	return r, nil
}

func (f *Fake) ProcessInfo(ctx context.Context, pid int) (*remote.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(); err != nil {
		return nil, err
	}
	p, err := f.process(pid)
	if err != nil {
		return nil, err
	}
	info := &remote.ProcessInfo{ID: p.ID, Name: p.Name}
	for _, r := range p.regions {
		info.Sections = append(info.Sections, r.sec)
	}
	return info, nil
}

var errUnmapped = errors.New("address not mapped")

func (f *Fake) ReadMemory(ctx context.Context, pid int, addr uint64, size int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(); err != nil {
		return nil, err
	}
	p, err := f.process(pid)
	if err != nil {
		return nil, err
	}
	b := p.Peek(addr, size)
	if b == nil {
		return nil, &remote.ReadError{PID: pid, Addr: addr, Size: size, Err: errUnmapped}
	}
	return b, nil
}

func (f *Fake) ReadString(ctx context.Context, pid int, addr uint64, maxLen int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(); err != nil {
		return "", err
	}
	p, err := f.process(pid)
	if err != nil {
		return "", err
	}
	r := p.find(addr, 1)
	if r == nil {
		return "", &remote.ReadError{PID: pid, Addr: addr, Size: 1, Err: errUnmapped}
	}
	b := r.data[addr-r.sec.Start:]
	if len(b) > maxLen {
		b = b[:maxLen]
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b), nil
}

func (f *Fake) WriteMemory(ctx context.Context, pid int, addr uint64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(); err != nil {
		return err
	}
	p, err := f.process(pid)
	if err != nil {
		return err
	}
	r := p.find(addr, len(data))
	if r == nil {
		return &remote.WriteError{PID: pid, Addr: addr, Size: len(data), Err: errUnmapped}
	}
	copy(r.data[addr-r.sec.Start:], data)
	return nil
}

func (f *Fake) WriteString(ctx context.Context, pid int, addr uint64, s string) error {
	return f.WriteMemory(ctx, pid, addr, append([]byte(s), 0))
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
