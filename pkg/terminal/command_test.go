package terminal

import (
	"bytes"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memscan/memscan/pkg/config"
	"github.com/memscan/memscan/pkg/logflags"
	"github.com/memscan/memscan/pkg/remote/remotetest"
	"github.com/memscan/memscan/pkg/section"
)

func TestMain(m *testing.M) {
	var logConf string
	flag.StringVar(&logConf, "log", "", "configures logging")
	flag.Parse()
	logflags.Setup(logConf != "", logConf, "")
	os.Exit(m.Run())
}

type FakeTerminal struct {
	*Term
	t    testing.TB
	fake *remotetest.Fake
	proc *remotetest.Process
}

func (ft *FakeTerminal) Exec(cmdstr string) (string, error) {
	out := new(bytes.Buffer)
	ft.Term.stdout = out
	ft.Term.starlarkEnv.Redirect(out)
	err := ft.cmds.Call(cmdstr, ft.Term)
	return out.String(), err
}

func (ft *FakeTerminal) MustExec(cmdstr string) string {
	outstr, err := ft.Exec(cmdstr)
	if err != nil {
		ft.t.Fatalf("Error executing <%s>: %v", cmdstr, err)
	}
	return outstr
}

func (ft *FakeTerminal) AssertExecError(cmdstr, tgterr string) {
	_, err := ft.Exec(cmdstr)
	if err == nil {
		ft.t.Fatalf("Expected error executing %q", cmdstr)
	}
	if !strings.Contains(err.Error(), tgterr) {
		ft.t.Fatalf("Expected error %q executing %q, got error %q", tgterr, cmdstr, err.Error())
	}
}

// withTestTerminal runs fn against a terminal connected to an in-memory
// target with one process, "game" (pid 42), holding the int32 value 100
// at 0x1004 and 0x1014.
func withTestTerminal(t testing.TB, fn func(*FakeTerminal)) {
	t.Helper()
	t.Setenv("MEMSCAN_CONFIG_DIR", t.TempDir())

	f := remotetest.NewFake()
	p := f.AddProcess(42, "game")
	heap := make([]byte, 32)
	heap[4] = 100
	heap[20] = 100
	p.Map("[heap]", 0x1000, section.ProtRW, heap)
	p.Map("/usr/bin/game", 0x8000, section.ProtRead|section.ProtExecute, make([]byte, 16))
	f.AddProcess(7, "init")

	term := New(nil, f.Dialer(), &config.Config{})
	term.dumb = true
	ft := &FakeTerminal{Term: term, t: t, fake: f, proc: p}
	ft.MustExec("connect fake:1234")
	defer ft.Exec("disconnect")
	fn(ft)
}

func TestProcessSelection(t *testing.T) {
	withTestTerminal(t, func(term *FakeTerminal) {
		out := term.MustExec("ps")
		assert.Contains(t, out, "game")
		assert.Contains(t, out, "init")

		term.AssertExecError("process", "no process selected")
		term.AssertExecError("process nosuch", "not found")

		out = term.MustExec("process game")
		assert.Contains(t, out, "Process 42 (game), 2 sections")
		assert.Equal(t, "(memscan 42) ", term.prompt)

		out = term.MustExec("sections -prot rw")
		assert.Contains(t, out, "[heap]")
		assert.NotContains(t, out, "/usr/bin/game")
		assert.Contains(t, out, "1 sections")

		out = term.MustExec("secs game")
		assert.Contains(t, out, "/usr/bin/game")
	})
}

func TestScanAndNext(t *testing.T) {
	withTestTerminal(t, func(term *FakeTerminal) {
		term.AssertExecError("scan int32 exact 100", "no process selected")
		term.MustExec("process 42")
		term.AssertExecError("next increased", "no scan in progress")
		term.AssertExecError("scan int32", "not enough arguments")
		term.AssertExecError("scan nosuch exact 1", "nosuch")

		out := term.MustExec("scan int32 exact 100 -prot rw")
		assert.Contains(t, out, "2 candidates")
		assert.Contains(t, out, "0x1004")
		assert.Contains(t, out, "0x1014")
		assert.Contains(t, out, "[heap]+0x14")

		term.proc.Poke(0x1014, []byte{101, 0, 0, 0})
		out = term.MustExec("next increased")
		assert.Contains(t, out, "1 candidates after pass 1")

		out = term.MustExec("results")
		assert.Contains(t, out, "0x1014")
		assert.Contains(t, out, "101 (0x00000065)")
		assert.NotContains(t, out, "0x1004")

		term.AssertExecError("results zero", "invalid count")

		// Selecting a process again discards the scan.
		term.MustExec("process game")
		term.AssertExecError("results", "no scan in progress")
	})
}

func TestScanValidatedBeforeTarget(t *testing.T) {
	withTestTerminal(t, func(term *FakeTerminal) {
		term.MustExec("process 42")
		calls := term.fake.Calls()
		term.AssertExecError("scan int32 increased", "unsupported operation")
		term.AssertExecError("scan int32 between 1", "type mismatch")
		assert.Equal(t, calls, term.fake.Calls())

		// a broken link does not hide the validation error
		term.fake.Break(errors.New("link down"))
		term.AssertExecError("scan int32 increased", "unsupported operation")
		term.fake.Break(nil)
	})
}

func TestScanSectionFilter(t *testing.T) {
	withTestTerminal(t, func(term *FakeTerminal) {
		term.MustExec("process game")
		term.AssertExecError("scan int32 exact 100 -section nosuch", "no section matches")

		out := term.MustExec(`scan bytes pattern 64 00 00 00 -section "[heap]"`)
		assert.Contains(t, out, "2 candidates")
		assert.Contains(t, out, "64 00 00 00")
	})
}

func TestReadWrite(t *testing.T) {
	withTestTerminal(t, func(term *FakeTerminal) {
		term.MustExec("process game")

		assert.Equal(t, "0x1004: 100 (0x00000064)\n", term.MustExec("read int32 0x1004"))

		term.MustExec("write uint8 0x1014 7")
		assert.Equal(t, []byte{7}, term.proc.Peek(0x1014, 1))

		term.MustExec(`writestr 0x1000 "hi"`)
		assert.Equal(t, "0x1000: \"hi\"\n", term.MustExec("readstr 0x1000"))

		out := term.MustExec("read bytes 0x1004 4")
		assert.Contains(t, out, "64 00 00 00")

		term.AssertExecError("read bytes 0x1004", "size required")
		term.AssertExecError("read int32 nowhere", "invalid address")
		term.AssertExecError("write int8 0x1000 300", "")
		term.AssertExecError("read int32 0x9000", "")
	})
}

func TestDisconnect(t *testing.T) {
	withTestTerminal(t, func(term *FakeTerminal) {
		term.MustExec("process game")
		term.MustExec("disconnect")
		assert.True(t, term.fake.Closed())
		assert.Nil(t, term.Term.proc)
		term.AssertExecError("ps", "not connected")

		term.MustExec("connect again")
		term.MustExec("process 42")
	})
}

func TestConfig(t *testing.T) {
	withTestTerminal(t, func(term *FakeTerminal) {
		term.MustExec("config max-results 1")
		assert.Equal(t, 1, term.conf.GetMaxResults())

		term.MustExec("config remote-timeout 2s")
		assert.Equal(t, "2s", term.conf.RemoteTimeout)
		term.AssertExecError("config remote-timeout soon", "must be a duration")
		term.AssertExecError("config default-protection q", "")
		term.AssertExecError("config max-results -1", "greater than zero")
		term.AssertExecError("config nosuch 1", "is not a configuration parameter")

		out := term.MustExec("config -list")
		assert.Contains(t, out, "max-results")
		assert.Contains(t, out, "snapshot-chunk-size")

		term.MustExec("config alias scan fs")
		term.MustExec("process game")
		out = term.MustExec("fs int32 exact 100")
		assert.Contains(t, out, "1 candidates")
		assert.Contains(t, out, "limit of 1 candidates")

		term.MustExec("config alias fs")
		term.AssertExecError("fs int32 exact 100", errNoCmd.Error())
	})
}

func TestHelp(t *testing.T) {
	withTestTerminal(t, func(term *FakeTerminal) {
		out := term.MustExec("help")
		assert.Contains(t, out, "Scanning memory")
		assert.Contains(t, out, "scan (alias: s)")

		out = term.MustExec("help next")
		assert.Contains(t, out, "next <compare> [operands...]")

		term.AssertExecError("help nosuch", errNoCmd.Error())

		out = term.MustExec("kinds")
		assert.Contains(t, out, "float64")
		out = term.MustExec("compares")
		assert.Contains(t, out, "increased-by")
	})
}

func TestExecuteFile(t *testing.T) {
	withTestTerminal(t, func(term *FakeTerminal) {
		dir := t.TempDir()
		path := filepath.Join(dir, "init.txt")
		require.NoError(t, os.WriteFile(path, []byte("# comment\nprocess game\n\nscan int32 exact 100\nnosuch\n"), 0o600))

		out := term.MustExec("source " + path)
		assert.Contains(t, out, "2 candidates")
		assert.Contains(t, out, "init.txt:5: command not available")
	})
}

func TestSourceStarlark(t *testing.T) {
	withTestTerminal(t, func(term *FakeTerminal) {
		dir := t.TempDir()
		path := filepath.Join(dir, "find.star")
		require.NoError(t, os.WriteFile(path, []byte(`
def command_find100(args):
    "Scans for the int32 value 100."
    first_scan("int32", "exact", 100)

def main():
    memscan_command("process game")
    st = first_scan("int32", "exact", [100], prot="rw")
    print("found", st.Candidates)
`), 0o600))

		out := term.MustExec("source " + path)
		assert.Contains(t, out, "found 2")
		require.NotNil(t, term.session)

		term.MustExec("find100")
		assert.Equal(t, 2, term.session.Len())
	})
}

func TestComplete(t *testing.T) {
	withTestTerminal(t, func(term *FakeTerminal) {
		assert.Contains(t, term.complete("sc"), "scan")
		assert.Contains(t, term.complete("re"), "results")
		assert.Contains(t, term.complete("re"), "read")

		kinds := term.complete("scan in")
		assert.Equal(t, []string{"scan int16", "scan int32", "scan int64", "scan int8"}, kinds)

		assert.Equal(t, []string{"scan int32 increased", "scan int32 increased-by"}, term.complete("scan int32 inc"))
		assert.Contains(t, term.complete("next "), "next unchanged")
		assert.Nil(t, term.complete("ps foo"))
	})
}

func TestExit(t *testing.T) {
	withTestTerminal(t, func(term *FakeTerminal) {
		_, err := term.Exec("exit")
		assert.IsType(t, ExitRequestError{}, err)
	})
}
