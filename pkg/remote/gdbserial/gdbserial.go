// Package gdbserial is a remote.Provider for targets exposed through the
// GDB Remote Serial Protocol, such as gdbserver, lldb-server and
// debugserver, or the debug stubs of game consoles.
//
// Memory is read and written with the 'm' and 'M' packets. The attached
// process is described by qProcessInfo, its sections by qMemoryRegionInfo
// and, on lldb platform stubs, the process list by qfProcessInfo and
// qsProcessInfo. Stubs that lack the lldb extensions still support memory
// access; the process list then contains only the attached process and
// its section list is empty.
package gdbserial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/memscan/memscan/pkg/logflags"
	"github.com/memscan/memscan/pkg/remote"
	"github.com/memscan/memscan/pkg/section"
)

const (
	// maxRegions bounds the qMemoryRegionInfo walk.
	maxRegions = 1 << 16

	detachTimeout = 2 * time.Second
)

// stringPage is the granularity of ReadString: a string read never
// crosses into the next page unless the current one had no terminator.
const stringPage = 4096

// Target is a connection to one stub.
type Target struct {
	conn *gdbConn
	pid  int
	name string
}

// Dial connects to the stub listening at addr. It has the signature of a
// remote.Dialer.
func Dial(ctx context.Context, addr string) (remote.Provider, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &remote.ConnectionError{Addr: addr, Op: "connect", Err: err}
	}
	t, err := newTarget(ctx, c)
	if err != nil {
		c.Close()
		return nil, &remote.ConnectionError{Addr: addr, Op: "handshake", Err: err}
	}
	return t, nil
}

func newTarget(ctx context.Context, c net.Conn) (*Target, error) {
	conn := newConn(c)
	if err := conn.handshake(ctx); err != nil {
		return nil, err
	}
	t := &Target{conn: conn}

	defer conn.bind(ctx)()
	pi, err := conn.queryProcessInfo()
	switch {
	case err == nil:
		if pid, err := strconv.ParseUint(pi["pid"], 16, 32); err == nil {
			t.pid = int(pid)
		}
		t.name = pi["name"]
	case isProtocolErrorUnsupported(err):
		conn.log.Debug("stub does not support qProcessInfo")
	default:
		return nil, err
	}
	if t.name == "" {
		t.name = "inferior"
	}
	logflags.RemoteLogger().Debugf("attached to %s (pid %d), packet size %d", t.name, t.pid, conn.packetSize)
	return t, nil
}

// PID returns the id of the process the stub is attached to. It is 0 when
// the stub does not report it.
func (t *Target) PID() int {
	return t.pid
}

func (t *Target) checkPID(pid int) error {
	if pid != t.pid {
		return fmt.Errorf("%w: stub is attached to process %d, not %d", remote.ErrNotFound, t.pid, pid)
	}
	return nil
}

// ListProcesses lists the processes of an lldb platform stub, or only the
// attached process on other stubs.
func (t *Target) ListProcesses(ctx context.Context) ([]remote.ProcessEntry, error) {
	defer t.conn.bind(ctx)()
	var r []remote.ProcessEntry
	for first := true; ; first = false {
		pi, err := t.conn.queryProcessList(first)
		if err != nil {
			if isProtocolErrorUnsupported(err) && first {
				return []remote.ProcessEntry{{ID: t.pid, Name: t.name}}, nil
			}
			if _, isProto := err.(*ProtocolError); isProto {
				// Exx terminates the list
				return r, nil
			}
			return nil, err
		}
		pid, err := strconv.Atoi(pi["pid"])
		if err != nil {
			continue
		}
		r = append(r, remote.ProcessEntry{ID: pid, Name: pi["name"]})
	}
}

// ProcessInfo describes the attached process. Sections come from
// qMemoryRegionInfo; unmapped gaps are not reported.
func (t *Target) ProcessInfo(ctx context.Context, pid int) (*remote.ProcessInfo, error) {
	if err := t.checkPID(pid); err != nil {
		return nil, err
	}
	defer t.conn.bind(ctx)()
	info := &remote.ProcessInfo{ID: t.pid, Name: t.name}
	var addr uint64
	for i := 0; i < maxRegions; i++ {
		ri, err := t.conn.queryMemoryRegion(addr)
		if err != nil {
			if isProtocolErrorUnsupported(err) {
				t.conn.log.Debug("stub does not support qMemoryRegionInfo")
				return info, nil
			}
			if _, isProto := err.(*ProtocolError); isProto {
				// past the end of the address space
				return info, nil
			}
			return nil, err
		}
		start, err1 := strconv.ParseUint(ri["start"], 16, 64)
		size, err2 := strconv.ParseUint(ri["size"], 16, 64)
		if err1 != nil || err2 != nil || size == 0 {
			return info, nil
		}
		if perms, ok := ri["permissions"]; ok && perms != "" {
			prot, err := section.ParseProtection(perms)
			if err == nil && prot != 0 {
				info.Sections = append(info.Sections, section.Section{Name: ri["name"], Start: start, Size: size, Prot: prot})
			}
		}
		next := start + size
		if next <= addr {
			return info, nil
		}
		addr = next
	}
	return info, nil
}

func (t *Target) ReadMemory(ctx context.Context, pid int, addr uint64, size int) ([]byte, error) {
	if err := t.checkPID(pid); err != nil {
		return nil, err
	}
	defer t.conn.bind(ctx)()
	data := make([]byte, size)
	if err := t.conn.readMemory(data, addr); err != nil {
		return nil, readError(pid, addr, size, err)
	}
	return data, nil
}

// ReadString reads page by page until a NUL byte or maxLen bytes.
func (t *Target) ReadString(ctx context.Context, pid int, addr uint64, maxLen int) (string, error) {
	if err := t.checkPID(pid); err != nil {
		return "", err
	}
	defer t.conn.bind(ctx)()
	var out []byte
	for cur := addr; len(out) < maxLen; {
		n := int(stringPage - cur%stringPage)
		if n > maxLen-len(out) {
			n = maxLen - len(out)
		}
		buf := make([]byte, n)
		if err := t.conn.readMemory(buf, cur); err != nil {
			return "", readError(pid, cur, n, err)
		}
		if i := bytes.IndexByte(buf, 0); i >= 0 {
			return string(append(out, buf[:i]...)), nil
		}
		out = append(out, buf...)
		cur += uint64(n)
	}
	return string(out), nil
}

func (t *Target) WriteMemory(ctx context.Context, pid int, addr uint64, data []byte) error {
	if err := t.checkPID(pid); err != nil {
		return err
	}
	if len(data) == 0 {
		// LLDB can't parse requests for 0-length writes and hangs if we emit them
		return nil
	}
	defer t.conn.bind(ctx)()
	if err := t.conn.writeMemory(addr, data); err != nil {
		if _, isProto := err.(*ProtocolError); isProto {
			return &remote.WriteError{PID: pid, Addr: addr, Size: len(data), Err: err}
		}
		return err
	}
	return nil
}

func (t *Target) WriteString(ctx context.Context, pid int, addr uint64, s string) error {
	return t.WriteMemory(ctx, pid, addr, append([]byte(s), 0))
}

// Close detaches from the process, leaving it running, and closes the
// connection.
func (t *Target) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
	defer cancel()
	release := t.conn.bind(ctx)
	if err := t.conn.detach(); err != nil {
		t.conn.log.Debugf("detach: %v", err)
	}
	release()
	return t.conn.conn.Close()
}

// readError keeps transport failures as they are, for the client to
// classify, and reports everything else as the stub refusing the read.
func readError(pid int, addr uint64, size int, err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return err
	}
	return &remote.ReadError{PID: pid, Addr: addr, Size: size, Err: err}
}
