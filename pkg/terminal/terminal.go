package terminal

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/go-delve/liner"

	"github.com/memscan/memscan/pkg/config"
	"github.com/memscan/memscan/pkg/logflags"
	"github.com/memscan/memscan/pkg/remote"
	"github.com/memscan/memscan/pkg/scan"
	"github.com/memscan/memscan/pkg/terminal/starbind"
)

const (
	historyFile                 string = ".history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiRed    = 31
	ansiGreen  = 32
	ansiYellow = 33
	ansiBlue   = 34
)

// Term represents the terminal running memscan.
type Term struct {
	client   *remote.Client
	dial     remote.Dialer
	conf     *config.Config
	prompt   string
	line     *liner.State
	cmds     *Commands
	dumb     bool
	stdout   io.Writer
	InitFile string

	// proc is the selected process, session the scan in progress on it.
	proc    *remote.ProcessInfo
	session *scan.Session

	starlarkEnv *starbind.Env

	cancelMu sync.Mutex
	cmdCtx   context.Context
	cancel   context.CancelFunc
}

// New returns a new Term. client may be nil, in which case the user has
// to connect with dial first; dial may be nil if the connect command
// should not be available.
func New(client *remote.Client, dial remote.Dialer, conf *config.Config) *Term {
	cmds := DebugCommands()
	if conf == nil {
		conf = &config.Config{}
	}
	if conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	var w io.Writer
	dumb := !colorsEnabled()
	if dumb {
		w = os.Stdout
	} else {
		w = getColorableWriter()
	}

	t := &Term{
		client: client,
		dial:   dial,
		conf:   conf,
		prompt: "(memscan) ",
		cmds:   cmds,
		dumb:   dumb,
		stdout: w,
	}
	t.starlarkEnv = starbind.New(starlarkContext{t}, t.stdout)
	return t
}

// ClientConfig returns the remote client settings of conf.
func ClientConfig(conf *config.Config) remote.Config {
	return remote.Config{
		Timeout:          conf.GetRemoteTimeout(),
		ProcessCacheSize: conf.GetProcessCacheSize(),
		MaxStringLen:     conf.GetMaxStringLen(),
	}
}

// SelectProcess makes idOrName the process subsequent commands work on.
func (t *Term) SelectProcess(ctx context.Context, idOrName string) error {
	if err := t.needClient(); err != nil {
		return err
	}
	info, err := t.client.FindProcess(ctx, idOrName)
	if err != nil {
		return err
	}
	t.proc = info
	t.session = nil
	t.prompt = fmt.Sprintf("(memscan %d) ", info.ID)
	logflags.TerminalLogger().Debugf("selected process %d (%s)", info.ID, info.Name)
	return nil
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	if t.line != nil {
		t.line.Close()
		t.line = nil
	}
}

// commandContext returns the context of the running command. Nested
// commands, such as those run by source, share their parent's context.
func (t *Term) commandContext() (context.Context, func()) {
	t.cancelMu.Lock()
	defer t.cancelMu.Unlock()
	if t.cmdCtx != nil {
		return t.cmdCtx, func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cmdCtx, t.cancel = ctx, cancel
	return ctx, func() {
		t.cancelMu.Lock()
		t.cmdCtx, t.cancel = nil, nil
		t.cancelMu.Unlock()
		cancel()
	}
}

// interrupt cancels the running command and script.
func (t *Term) interrupt() {
	t.cancelMu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.cancelMu.Unlock()
	t.starlarkEnv.Cancel()
}

func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		fmt.Fprintln(os.Stderr, "interrupted")
		t.interrupt()
	}
}

// Run begins running memscan in the terminal.
func (t *Term) Run() (int, error) {
	defer t.Close()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	defer signal.Stop(ch)
	go t.sigintGuard(ch)

	t.line = liner.NewLiner()
	t.line.SetCtrlCAborts(true)
	t.line.SetCompleter(t.complete)

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}
	if f != nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	fmt.Println("Type 'help' for list of commands.")

	if t.InitFile != "" {
		err := t.cmds.Call("source "+t.InitFile, t)
		if err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
		}
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Println("exit")
				return t.handleExit()
			}
			if err == liner.ErrPromptAborted {
				continue
			}
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		}

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			t.Errorf("Command failed: %s\n", err)
		}
	}
}

// Println prints a line to the terminal.
func (t *Term) Println(prefix, str string) {
	if !t.dumb {
		prefix = fmt.Sprintf(terminalHighlightEscapeCode+"%s"+terminalResetEscapeCode, ansiBlue, prefix)
	}
	fmt.Fprintf(t.stdout, "%s%s\n", prefix, str)
}

// Errorf prints an error message, in red when colors are enabled.
func (t *Term) Errorf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if !t.dumb {
		msg = fmt.Sprintf(terminalHighlightEscapeCode+"%s"+terminalResetEscapeCode, ansiRed, msg)
	}
	fmt.Fprint(os.Stderr, msg)
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) handleExit() (int, error) {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Println("Error saving history file:", err)
	} else if t.line != nil {
		if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR|os.O_TRUNC, 0600); err == nil {
			if _, err := t.line.WriteHistory(f); err != nil {
				fmt.Println("readline history error:", err)
			}
			f.Close()
		}
	}

	if t.client != nil {
		if err := t.client.Disconnect(); err != nil {
			return 1, err
		}
	}
	return 0, nil
}
