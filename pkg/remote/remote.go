// Package remote is the single channel through which the scanner reaches a
// target's processes and memory.
//
// A Provider speaks to one target (a GDB remote stub, the local kernel).
// A Client owns one Provider and serializes every call to it: at most one
// request is in flight at any time, so a provider never has to cope with
// interleaved requests on its connection.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/memscan/memscan/pkg/logflags"
	"github.com/memscan/memscan/pkg/section"
)

// ProcessEntry is one line of a process listing.
type ProcessEntry struct {
	ID   int
	Name string
}

// ProcessInfo describes a process and its memory map.
type ProcessInfo struct {
	ID       int
	Name     string
	Sections []section.Section
}

// Provider is the contract of a target backend. Implementations may assume
// calls are never concurrent. Read and write failures the target reports
// should be returned as *ReadError and *WriteError; errors from the
// channel itself are classified by the Client.
type Provider interface {
	ListProcesses(ctx context.Context) ([]ProcessEntry, error)
	// ProcessInfo returns ErrNotFound for an unknown pid.
	ProcessInfo(ctx context.Context, pid int) (*ProcessInfo, error)
	ReadMemory(ctx context.Context, pid int, addr uint64, size int) ([]byte, error)
	// ReadString reads a NUL-terminated string of at most maxLen bytes.
	ReadString(ctx context.Context, pid int, addr uint64, maxLen int) (string, error)
	WriteMemory(ctx context.Context, pid int, addr uint64, data []byte) error
	// WriteString writes s followed by a NUL byte.
	WriteString(ctx context.Context, pid int, addr uint64, s string) error
	Close() error
}

// Dialer establishes a Provider for the target at addr.
type Dialer func(ctx context.Context, addr string) (Provider, error)

// Config tunes a Client.
type Config struct {
	// Timeout bounds every call to the provider. Zero disables it.
	Timeout time.Duration
	// ProcessCacheSize is the number of ProcessInfo results kept. Zero
	// disables caching.
	ProcessCacheSize int
	// MaxStringLen bounds ReadString.
	MaxStringLen int
}

const defaultMaxStringLen = 256

// Client is the facade the rest of the program uses to reach a target.
// All methods are safe for concurrent use; calls are served one at a time.
type Client struct {
	mu    sync.Mutex
	addr  string
	p     Provider
	cfg   Config
	cache *lru.Cache
	log   logflags.Logger
}

// Connect dials addr and returns a Client owning the resulting provider.
func Connect(ctx context.Context, dial Dialer, addr string, cfg Config) (*Client, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	p, err := dial(ctx, addr)
	if err != nil {
		var ce *ConnectionError
		if !errors.As(err, &ce) {
			err = &ConnectionError{Addr: addr, Op: "connect", Err: err}
		}
		logflags.RemoteLogger().WithError(err).Errorf("connect %s", addr)
		return nil, err
	}
	return NewClient(p, addr, cfg), nil
}

// NewClient returns a Client owning p. addr is only used in messages.
func NewClient(p Provider, addr string, cfg Config) *Client {
	c := &Client{addr: addr, p: p, cfg: cfg, log: logflags.RemoteLogger().WithField("target", addr)}
	if c.cfg.MaxStringLen <= 0 {
		c.cfg.MaxStringLen = defaultMaxStringLen
	}
	if cfg.ProcessCacheSize > 0 {
		c.cache, _ = lru.New(cfg.ProcessCacheSize)
	}
	return c
}

// Addr returns the address the client was connected to.
func (c *Client) Addr() string {
	return c.addr
}

// Connected reports whether Disconnect has not been called yet.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.p != nil
}

// do runs fn against the provider with the lock held and the call timeout
// applied, and classifies its error.
func (c *Client) do(ctx context.Context, op string, refused func(error) error, fn func(ctx context.Context, p Provider) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.p == nil {
		return &ConnectionError{Addr: c.addr, Op: op, Err: ErrDisconnected}
	}
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	start := time.Now()
	err := classify(c.addr, op, fn(ctx, c.p), refused)
	if logflags.Remote() {
		c.log.Debugf("%s took %v (err: %v)", op, time.Since(start), err)
	}
	if err != nil && IsConnectionError(err) {
		c.log.WithError(err).Errorf("%s", op)
	}
	return err
}

// ListProcesses returns the processes of the target.
func (c *Client) ListProcesses(ctx context.Context) ([]ProcessEntry, error) {
	var r []ProcessEntry
	err := c.do(ctx, "list processes", nil, func(ctx context.Context, p Provider) error {
		var err error
		r, err = p.ListProcesses(ctx)
		return err
	})
	return r, err
}

// ProcessInfo returns the description of process pid, from the cache when
// possible.
func (c *Client) ProcessInfo(ctx context.Context, pid int) (*ProcessInfo, error) {
	if c.cache != nil {
		if v, ok := c.cache.Get(pid); ok {
			return v.(*ProcessInfo), nil
		}
	}
	return c.RefreshProcessInfo(ctx, pid)
}

// RefreshProcessInfo queries the target for the description of process pid
// and updates the cache. Scans use it so that sections mapped since the
// last query are seen.
func (c *Client) RefreshProcessInfo(ctx context.Context, pid int) (*ProcessInfo, error) {
	var r *ProcessInfo
	err := c.do(ctx, "process info", nil, func(ctx context.Context, p Provider) error {
		var err error
		r, err = p.ProcessInfo(ctx, pid)
		return err
	})
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.Add(pid, r)
	}
	return r, nil
}

// Invalidate drops the cached description of pid.
func (c *Client) Invalidate(pid int) {
	if c.cache != nil {
		c.cache.Remove(pid)
	}
}

// FindProcess resolves idOrName, either a decimal process id or a process
// name, to a process of the target. A name matching several processes
// resolves to the one with the lowest id.
func (c *Client) FindProcess(ctx context.Context, idOrName string) (*ProcessInfo, error) {
	idOrName = strings.TrimSpace(idOrName)
	if pid, err := strconv.Atoi(idOrName); err == nil {
		return c.ProcessInfo(ctx, pid)
	}
	procs, err := c.ListProcesses(ctx)
	if err != nil {
		return nil, err
	}
	found := -1
	for _, p := range procs {
		if p.Name == idOrName && (found < 0 || p.ID < found) {
			found = p.ID
		}
	}
	if found < 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, idOrName)
	}
	return c.ProcessInfo(ctx, found)
}

// ReadMemory reads size bytes at addr in process pid.
func (c *Client) ReadMemory(ctx context.Context, pid int, addr uint64, size int) ([]byte, error) {
	var r []byte
	err := c.do(ctx, "read memory", readRefused(pid, addr, size), func(ctx context.Context, p Provider) error {
		var err error
		r, err = p.ReadMemory(ctx, pid, addr, size)
		return err
	})
	return r, err
}

// ReadString reads the NUL-terminated string at addr, up to the configured
// maximum length.
func (c *Client) ReadString(ctx context.Context, pid int, addr uint64) (string, error) {
	var r string
	err := c.do(ctx, "read string", readRefused(pid, addr, c.cfg.MaxStringLen), func(ctx context.Context, p Provider) error {
		var err error
		r, err = p.ReadString(ctx, pid, addr, c.cfg.MaxStringLen)
		return err
	})
	return r, err
}

// WriteMemory writes data at addr in process pid.
func (c *Client) WriteMemory(ctx context.Context, pid int, addr uint64, data []byte) error {
	return c.do(ctx, "write memory", writeRefused(pid, addr, len(data)), func(ctx context.Context, p Provider) error {
		return p.WriteMemory(ctx, pid, addr, data)
	})
}

// WriteString writes s and a terminating NUL at addr.
func (c *Client) WriteString(ctx context.Context, pid int, addr uint64, s string) error {
	return c.do(ctx, "write string", writeRefused(pid, addr, len(s)+1), func(ctx context.Context, p Provider) error {
		return p.WriteString(ctx, pid, addr, s)
	})
}

// Disconnect closes the provider. Calling it more than once is harmless;
// every other call made afterwards fails with a *ConnectionError wrapping
// ErrDisconnected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.p == nil {
		return nil
	}
	err := c.p.Close()
	c.p = nil
	if c.cache != nil {
		c.cache.Purge()
	}
	c.log.Debug("disconnected")
	return err
}

func readRefused(pid int, addr uint64, size int) func(error) error {
	return func(err error) error {
		return &ReadError{PID: pid, Addr: addr, Size: size, Err: err}
	}
}

func writeRefused(pid int, addr uint64, size int) func(error) error {
	return func(err error) error {
		return &WriteError{PID: pid, Addr: addr, Size: size, Err: err}
	}
}
