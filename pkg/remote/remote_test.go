package remote_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memscan/memscan/pkg/remote"
	"github.com/memscan/memscan/pkg/remote/remotetest"
	"github.com/memscan/memscan/pkg/section"
)

// recorder is a provider that logs the start and the end of every request
// and stays inside each request long enough for a concurrent caller to
// interleave with it if the client let it.
type recorder struct {
	*remotetest.Fake
	mu     sync.Mutex
	events []string
}

func (r *recorder) record(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recorder) ReadMemory(ctx context.Context, pid int, addr uint64, size int) ([]byte, error) {
	id := fmt.Sprintf("read %#x", addr)
	r.record("begin " + id)
	time.Sleep(time.Millisecond)
	r.record("end " + id)
	return make([]byte, size), nil
}

func (r *recorder) WriteMemory(ctx context.Context, pid int, addr uint64, data []byte) error {
	id := fmt.Sprintf("write %#x", addr)
	r.record("begin " + id)
	time.Sleep(time.Millisecond)
	r.record("end " + id)
	return nil
}

func TestClientSerializesRequests(t *testing.T) {
	rec := &recorder{Fake: remotetest.NewFake()}
	c := remote.NewClient(rec, "recorder", remote.Config{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr := uint64(0x1000 * (i + 1))
			if i%2 == 0 {
				_, err := c.ReadMemory(context.Background(), 1, addr, 4)
				assert.NoError(t, err)
			} else {
				assert.NoError(t, c.WriteMemory(context.Background(), 1, addr, []byte{1}))
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, rec.events, 32)
	for i := 0; i < len(rec.events); i += 2 {
		begin, end := rec.events[i], rec.events[i+1]
		require.Equal(t, "begin", begin[:5], "event %d: %s", i, begin)
		assert.Equal(t, "end"+begin[5:], end, "request %q interleaved with another", begin[6:])
	}
}

func newTarget() (*remotetest.Fake, *remotetest.Process) {
	f := remotetest.NewFake()
	p := f.AddProcess(42, "game")
	p.Map("[heap]", 0x1000, section.ProtRW, []byte("hello\x00world\x00"))
	f.AddProcess(7, "shell")
	f.AddProcess(50, "game")
	return f, p
}

func TestErrorClassification(t *testing.T) {
	f, _ := newTarget()
	c, err := remote.Connect(context.Background(), f.Dialer(), "fake", remote.Config{})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.ReadMemory(ctx, 42, 0x9000, 4)
	var re *remote.ReadError
	require.True(t, errors.As(err, &re), "unmapped read: %v", err)
	assert.Equal(t, uint64(0x9000), re.Addr)
	assert.False(t, remote.IsConnectionError(err))

	err = c.WriteMemory(ctx, 42, 0x9000, []byte{1})
	var we *remote.WriteError
	assert.True(t, errors.As(err, &we), "unmapped write: %v", err)

	_, err = c.ProcessInfo(ctx, 1234)
	assert.True(t, errors.Is(err, remote.ErrNotFound), "%v", err)

	f.Break(io.EOF)
	_, err = c.ReadMemory(ctx, 42, 0x1000, 4)
	assert.True(t, remote.IsConnectionError(err), "EOF: %v", err)

	f.Break(errors.New("stub said no"))
	_, err = c.ReadMemory(ctx, 42, 0x1000, 4)
	assert.True(t, errors.As(err, &re), "opaque failure on a read: %v", err)
	assert.False(t, remote.IsConnectionError(err))

	f.Break(nil)
	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect(), "second disconnect")
	assert.True(t, f.Closed())
	_, err = c.ReadMemory(ctx, 42, 0x1000, 4)
	assert.True(t, remote.IsConnectionError(err))
	assert.True(t, errors.Is(err, remote.ErrDisconnected))
}

func TestConnectFailure(t *testing.T) {
	f := remotetest.NewFake()
	f.Break(errors.New("connection refused"))
	_, err := remote.Connect(context.Background(), f.Dialer(), "127.0.0.1:1", remote.Config{})
	assert.True(t, remote.IsConnectionError(err), "%v", err)
}

type slowProvider struct {
	*remotetest.Fake
}

func (*slowProvider) ReadMemory(ctx context.Context, pid int, addr uint64, size int) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTimeout(t *testing.T) {
	c := remote.NewClient(&slowProvider{Fake: remotetest.NewFake()}, "slow", remote.Config{Timeout: 10 * time.Millisecond})
	_, err := c.ReadMemory(context.Background(), 1, 0, 1)
	assert.True(t, remote.IsConnectionError(err), "%v", err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestStrings(t *testing.T) {
	f, p := newTarget()
	c := remote.NewClient(f, "fake", remote.Config{MaxStringLen: 32})
	ctx := context.Background()

	s, err := c.ReadString(ctx, 42, 0x1006)
	require.NoError(t, err)
	assert.Equal(t, "world", s)

	require.NoError(t, c.WriteString(ctx, 42, 0x1000, "HI"))
	assert.Equal(t, []byte("HI\x00lo"), p.Peek(0x1000, 5))
}

func TestFindProcess(t *testing.T) {
	f, _ := newTarget()
	c := remote.NewClient(f, "fake", remote.Config{ProcessCacheSize: 4})
	ctx := context.Background()

	info, err := c.FindProcess(ctx, "game")
	require.NoError(t, err)
	assert.Equal(t, 42, info.ID)
	require.Len(t, info.Sections, 1)
	assert.Equal(t, "[heap]", info.Sections[0].Name)

	info, err = c.FindProcess(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, "shell", info.Name)

	_, err = c.FindProcess(ctx, "editor")
	assert.True(t, errors.Is(err, remote.ErrNotFound))

	calls := f.Calls()
	_, err = c.ProcessInfo(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, calls, f.Calls(), "cached process info queried the target")

	c.Invalidate(42)
	_, err = c.ProcessInfo(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, calls+1, f.Calls())
}
