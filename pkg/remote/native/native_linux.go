package native

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/memscan/memscan/pkg/logflags"
	"github.com/memscan/memscan/pkg/remote"
)

// Target is the local machine.
type Target struct{}

// Dial returns the local provider. addr is ignored; it has the signature
// of a remote.Dialer.
func Dial(ctx context.Context, addr string) (remote.Provider, error) {
	logflags.RemoteLogger().Debugf("using local process access (pid %d)", os.Getpid())
	return &Target{}, nil
}

// ListProcesses walks /proc. Processes that exit during the walk are
// silently left out.
func (*Target) ListProcesses(ctx context.Context) ([]remote.ProcessEntry, error) {
	ents, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	var r []remote.ProcessEntry
	for _, ent := range ents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pid, err := strconv.Atoi(ent.Name())
		if err != nil || !ent.IsDir() {
			continue
		}
		name, err := comm(pid)
		if err != nil {
			continue
		}
		r = append(r, remote.ProcessEntry{ID: pid, Name: name})
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID < r[j].ID })
	return r, nil
}

func comm(pid int) (string, error) {
	buf, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(buf)), nil
}

func (*Target) ProcessInfo(ctx context.Context, pid int) (*remote.ProcessInfo, error) {
	name, err := comm(pid)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: process %d", remote.ErrNotFound, pid)
		}
		return nil, err
	}
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: process %d", remote.ErrNotFound, pid)
		}
		return nil, err
	}
	defer f.Close()
	secs, err := parseMaps(f)
	if err != nil {
		return nil, err
	}
	return &remote.ProcessInfo{ID: pid, Name: name, Sections: secs}, nil
}

func (*Target) ReadMemory(ctx context.Context, pid int, addr uint64, size int) ([]byte, error) {
	data := make([]byte, size)
	if size == 0 {
		return data, nil
	}
	if err := readv(pid, addr, data); err != nil {
		return nil, accessError(pid, addr, size, err, false)
	}
	return data, nil
}

// ReadString reads page by page until a NUL byte or maxLen bytes, so that
// a short string at the end of a mapping can still be read.
func (*Target) ReadString(ctx context.Context, pid int, addr uint64, maxLen int) (string, error) {
	pagesz := uint64(os.Getpagesize())
	var out []byte
	for cur := addr; len(out) < maxLen; {
		n := int(pagesz - cur%pagesz)
		if n > maxLen-len(out) {
			n = maxLen - len(out)
		}
		buf := make([]byte, n)
		if err := readv(pid, cur, buf); err != nil {
			return "", accessError(pid, cur, n, err, false)
		}
		if i := bytes.IndexByte(buf, 0); i >= 0 {
			return string(append(out, buf[:i]...)), nil
		}
		out = append(out, buf...)
		cur += uint64(n)
	}
	return string(out), nil
}

func (*Target) WriteMemory(ctx context.Context, pid int, addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := writev(pid, addr, data); err != nil {
		return accessError(pid, addr, len(data), err, true)
	}
	return nil
}

func (t *Target) WriteString(ctx context.Context, pid int, addr uint64, s string) error {
	return t.WriteMemory(ctx, pid, addr, append([]byte(s), 0))
}

func (*Target) Close() error {
	return nil
}

var errShortTransfer = errors.New("short transfer")

func readv(pid int, addr uint64, data []byte) error {
	local := []unix.Iovec{{Base: &data[0]}}
	local[0].SetLen(len(data))
	remoteIov := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(data)}}
	n, err := unix.ProcessVMReadv(pid, local, remoteIov, 0)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("%w: %d of %d bytes", errShortTransfer, n, len(data))
	}
	return nil
}

func writev(pid int, addr uint64, data []byte) error {
	local := []unix.Iovec{{Base: &data[0]}}
	local[0].SetLen(len(data))
	remoteIov := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(data)}}
	n, err := unix.ProcessVMWritev(pid, local, remoteIov, 0)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("%w: %d of %d bytes", errShortTransfer, n, len(data))
	}
	return nil
}

// accessError maps a failed transfer to the remote error kinds: a process
// that is gone is ErrNotFound, anything else is the target refusing the
// access.
func accessError(pid int, addr uint64, size int, err error, write bool) error {
	if errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("%w: process %d", remote.ErrNotFound, pid)
	}
	if write {
		return &remote.WriteError{PID: pid, Addr: addr, Size: size, Err: err}
	}
	return &remote.ReadError{PID: pid, Addr: addr, Size: size, Err: err}
}
