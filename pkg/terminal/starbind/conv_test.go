package starbind

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"

	"github.com/memscan/memscan/pkg/config"
	"github.com/memscan/memscan/pkg/remote"
	"github.com/memscan/memscan/pkg/remote/remotetest"
	"github.com/memscan/memscan/pkg/scan"
	"github.com/memscan/memscan/pkg/section"
)

func TestConv(t *testing.T) {
	v, err := starlarkToValue(scan.Int16, starlark.MakeInt(-300))
	require.NoError(t, err)
	assert.Equal(t, int64(-300), v.Int())

	_, err = starlarkToValue(scan.UInt8, starlark.MakeInt(300))
	assert.True(t, errors.Is(err, scan.ErrTypeMismatch), "out of range: %v", err)

	v, err = starlarkToValue(scan.Float32, starlark.Float(1.5))
	require.NoError(t, err)
	assert.Equal(t, 1.5, v.Float())

	v, err = starlarkToValue(scan.ByteArray, starlark.Bytes("\xde\xad"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, v.Bytes())

	v, err = starlarkToValue(scan.ByteArray, starlark.String("de ad"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, v.Bytes())

	ops, err := operandsToValues(scan.Int32, starlark.NewList([]starlark.Value{starlark.MakeInt(1), starlark.MakeInt(9)}))
	require.NoError(t, err)
	assert.Len(t, ops, 2)

	ops, err = operandsToValues(scan.Int32, starlark.None)
	require.NoError(t, err)
	assert.Empty(t, ops)

	assert.Equal(t, "9223372036854775808", valueToStarlark(scan.NewValue(uint64(1<<63))).String())
	assert.Equal(t, starlark.String("hi"), valueToStarlark(scan.StringValue("hi")))

	a, err := toAddress(starlark.String("0x1000"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), a)
	_, err = toAddress(starlark.MakeInt(-1))
	assert.Error(t, err)
}

// fakeContext is a scripting context over an in-memory target.
type fakeContext struct {
	client   *remote.Client
	proc     *remote.ProcessInfo
	session  *scan.Session
	conf     *config.Config
	commands []string
}

func (c *fakeContext) Client() *remote.Client          { return c.client }
func (c *fakeContext) Process() *remote.ProcessInfo    { return c.proc }
func (c *fakeContext) Session() *scan.Session          { return c.session }
func (c *fakeContext) SetSession(s *scan.Session)      { c.session = s }
func (c *fakeContext) Config() *config.Config          { return c.conf }
func (c *fakeContext) CallCommand(cmdstr string) error { c.commands = append(c.commands, cmdstr); return nil }
func (c *fakeContext) RegisterCommand(name, helpMsg string, cmdfn func(args string) error) {
	c.commands = append(c.commands, "register "+name)
}

func newTestEnv(t *testing.T) (*Env, *fakeContext, *remotetest.Process, *bytes.Buffer) {
	t.Helper()
	f := remotetest.NewFake()
	p := f.AddProcess(42, "game")
	heap := make([]byte, 32)
	heap[4] = 100
	heap[20] = 100
	p.Map("[heap]", 0x1000, section.ProtRW, heap)
	p.Map("/usr/bin/game", 0x8000, section.ProtRead|section.ProtExecute, make([]byte, 16))
	c := remote.NewClient(f, "fake", remote.Config{})
	info, err := c.ProcessInfo(context.Background(), 42)
	require.NoError(t, err)
	ctx := &fakeContext{client: c, proc: info, conf: &config.Config{}}
	out := new(bytes.Buffer)
	return New(ctx, out), ctx, p, out
}

func TestScanScript(t *testing.T) {
	env, ctx, p, out := newTestEnv(t)

	_, err := env.Execute("first.star", `
st = first_scan("int32", "exact", [100], prot="rw")
print(st.Candidates)
for r in results():
    print("0x%x" % r.Address, r.Value)
`, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "2\n0x1004 100\n0x1014 100\n", out.String())
	require.NotNil(t, ctx.session)

	p.Poke(0x1014, []byte{101, 0, 0, 0})
	out.Reset()
	_, err = env.Execute("next.star", `
st = next_scan("increased")
print(st.Generation, len(results()))
print(read("int32", results()[0].Address))
`, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "1 1\n101\n", out.String())

	_, err = env.Execute("write.star", `write("uint8", 0x1014, 7)`, "", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, p.Peek(0x1014, 1))
}

func TestSectionsBuiltin(t *testing.T) {
	env, _, _, out := newTestEnv(t)
	_, err := env.Execute("sections.star", `
for s in sections():
    print(s.Name, s.Prot)
print(len(sections("game", "rx")))
`, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "[heap] rw-\n/usr/bin/game r-x\n1\n", out.String())
}

func TestCommandsAndMain(t *testing.T) {
	env, ctx, _, _ := newTestEnv(t)
	v, err := env.Execute("cmd.star", `
def command_freeze(args):
    "Keeps writing a value."
    pass

def main(x):
    memscan_command("results", "5")
    return x * 2
`, "main", []interface{}{21})
	require.NoError(t, err)
	assert.Equal(t, "42", v.String())
	assert.Contains(t, ctx.commands, "results 5")
	assert.Contains(t, ctx.commands, "register freeze")
}

func TestScriptErrors(t *testing.T) {
	env, ctx, _, _ := newTestEnv(t)

	_, err := env.Execute("bad.star", `next_scan("changed")`, "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no scan in progress")

	_, err = env.Execute("bad.star", `first_scan("int32", "changed")`, "", nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "bad.star:1"), "%v", err)

	broken := remotetest.NewFake()
	broken.Break(errors.New("link down"))
	ctx.client = remote.NewClient(broken, "fake", remote.Config{})
	_, err = env.Execute("bad.star", `first_scan("int32", "increased")`, "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), scan.ErrUnsupportedOperation.Error())
	assert.Equal(t, 0, broken.Calls())

	ctx.proc = nil
	_, err = env.Execute("bad.star", `read("int32", 0x1000)`, "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrNoProcess.Error())
}
