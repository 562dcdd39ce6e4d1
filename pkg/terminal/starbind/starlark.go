// Package starbind binds the scanner to Starlark so that scans can be
// scripted: a script selects sections, runs first and next scans, and
// reads or writes the candidates it found.
package starbind

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"

	"github.com/memscan/memscan/pkg/config"
	"github.com/memscan/memscan/pkg/remote"
	"github.com/memscan/memscan/pkg/scan"
	"github.com/memscan/memscan/pkg/section"
)

const (
	memscanCommandBuiltinName = "memscan_command"
	firstScanBuiltinName      = "first_scan"
	nextScanBuiltinName       = "next_scan"
	resultsBuiltinName        = "results"
	readBuiltinName           = "read"
	writeBuiltinName          = "write"
	sectionsBuiltinName       = "sections"
	readFileBuiltinName       = "read_file"
	writeFileBuiltinName      = "write_file"
	helpBuiltinName           = "help"
	commandPrefix             = "command_"
	memscanContextName        = "memscan_context"
)

func init() {
	resolve.AllowNestedDef = true
	resolve.AllowLambda = true
	resolve.AllowFloat = true
	resolve.AllowSet = true
	resolve.AllowBitwise = true
	resolve.AllowRecursion = true
	resolve.AllowGlobalReassign = true
}

// ErrNoProcess is returned by builtins that need a selected process.
var ErrNoProcess = errors.New("no process selected")

// Context is the context in which starlark scripts are evaluated: the
// target connection, the selected process and the current scan.
type Context interface {
	Client() *remote.Client
	Process() *remote.ProcessInfo
	Session() *scan.Session
	SetSession(*scan.Session)
	Config() *config.Config
	RegisterCommand(name, helpMsg string, cmdfn func(args string) error)
	CallCommand(cmdstr string) error
}

// Env is the environment used to evaluate starlark scripts.
type Env struct {
	env       starlark.StringDict
	doc       map[string]string
	contextMu sync.Mutex
	thread    *starlark.Thread
	cancelfn  context.CancelFunc

	ctx Context
	out io.Writer
}

type builtinFn func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

// New creates a new starlark binding environment.
func New(ctx Context, out io.Writer) *Env {
	env := &Env{ctx: ctx, out: out, env: starlark.StringDict{}, doc: map[string]string{}}

	env.builtin(memscanCommandBuiltinName, "(Command)", "runs a terminal command, as if typed at the prompt.", env.memscanCommand)
	env.builtin(firstScanBuiltinName, `(Kind, Compare, Operands=None, Section=None, Prot="")`,
		"starts a new scan of the selected process and returns its statistics.", env.firstScan)
	env.builtin(nextScanBuiltinName, "(Compare, Operands=None)", "narrows the current scan and returns its statistics.", env.nextScan)
	env.builtin(resultsBuiltinName, "(Max=0)", "returns the candidates of the current scan, at most Max of them if Max > 0.", env.results)
	env.builtin(readBuiltinName, "(Kind, Addr, Size=0)", "reads a value of the given kind from the selected process. Size is required for bytes.", env.read)
	env.builtin(writeBuiltinName, "(Kind, Addr, Value)", "writes a value of the given kind to the selected process.", env.write)
	env.builtin(sectionsBuiltinName, `(Pattern="", Prot="")`, "returns the sections of the selected process matching a glob pattern and a protection.", env.sections)
	env.builtin(readFileBuiltinName, "(Path)", "reads a file.", readFile)
	env.builtin(writeFileBuiltinName, "(Path, Text)", "writes text to the specified file.", writeFile)
	env.builtin(helpBuiltinName, "(Object)", "prints help for Object.", env.help)

	return env
}

func (env *Env) builtin(name, args, descr string, fn builtinFn) {
	env.env[name] = starlark.NewBuiltin(name, fn)
	env.doc[name] = name + args + "\n\n" + name + " " + descr
}

func (env *Env) memscanCommand(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := isCancelled(thread); err != nil {
		return starlark.None, err
	}
	argstrs := make([]string, len(args))
	for i := range args {
		a, ok := args[i].(starlark.String)
		if !ok {
			return nil, fmt.Errorf("argument of %s is not a string", memscanCommandBuiltinName)
		}
		argstrs[i] = string(a)
	}
	return starlark.None, decorateError(thread, env.ctx.CallCommand(strings.Join(argstrs, " ")))
}

func (env *Env) firstScan(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		kindName, compareName string
		operands, sectionPat  starlark.Value = starlark.None, starlark.None
		prot                  string
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "kind", &kindName, "compare", &compareName, "operands?", &operands, "section?", &sectionPat, "prot?", &prot); err != nil {
		return nil, err
	}
	proc := env.ctx.Process()
	if proc == nil {
		return nil, decorateError(thread, ErrNoProcess)
	}
	kind, err := scan.ParseKind(kindName)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	ck, err := scan.ParseCompareKind(compareName)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	ops, err := operandsToValues(kind, operands)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	if _, err := scan.Compile(ck, kind, scan.FirstPass, ops); err != nil {
		return nil, decorateError(thread, err)
	}
	pattern := ""
	if s, ok := sectionPat.(starlark.String); ok {
		pattern = string(s)
	}
	ctx := threadContext(thread)
	secs, err := env.selectSections(ctx, pattern, prot)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	conf := env.ctx.Config()
	s, err := scan.NewSession(proc.ID, kind, conf.GetMaxResults())
	if err != nil {
		return nil, decorateError(thread, err)
	}
	s.SetChunkSize(conf.GetSnapshotChunkSize())
	st, err := s.First(ctx, env.ctx.Client(), secs, ck, ops)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	env.ctx.SetSession(s)
	return env.interfaceToStarlarkValue(st), nil
}

func (env *Env) nextScan(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		compareName string
		operands    starlark.Value = starlark.None
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "compare", &compareName, "operands?", &operands); err != nil {
		return nil, err
	}
	s := env.ctx.Session()
	if s == nil {
		return nil, decorateError(thread, fmt.Errorf("%w: no scan in progress", scan.ErrUnsupportedOperation))
	}
	ck, err := scan.ParseCompareKind(compareName)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	ops, err := operandsToValues(s.Kind(), operands)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	st, err := s.Next(threadContext(thread), env.ctx.Client(), ck, ops)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	return env.interfaceToStarlarkValue(st), nil
}

func (env *Env) results(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	max := 0
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "max?", &max); err != nil {
		return nil, err
	}
	s := env.ctx.Session()
	if s == nil {
		return starlark.NewList(nil), nil
	}
	rs := s.Results()
	if max > 0 && len(rs) > max {
		rs = rs[:max]
	}
	return env.interfaceToStarlarkValue(rs), nil
}

func (env *Env) read(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		kindName string
		addrv    starlark.Value
		size     int
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "kind", &kindName, "addr", &addrv, "size?", &size); err != nil {
		return nil, err
	}
	addr, err := toAddress(addrv)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	proc := env.ctx.Process()
	if proc == nil {
		return nil, decorateError(thread, ErrNoProcess)
	}
	kind, err := scan.ParseKind(kindName)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	ctx := threadContext(thread)
	switch kind {
	case scan.CString:
		s, err := env.ctx.Client().ReadString(ctx, proc.ID, addr)
		if err != nil {
			return nil, decorateError(thread, err)
		}
		return starlark.String(s), nil
	case scan.ByteArray:
		if size <= 0 {
			return nil, decorateError(thread, fmt.Errorf("size required to read %s", kind))
		}
	default:
		size, _ = scan.SizeOf(kind)
	}
	buf, err := env.ctx.Client().ReadMemory(ctx, proc.ID, addr, size)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	v, err := scan.DecodeN(kind, buf, 0, size)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	return valueToStarlark(v), nil
}

func (env *Env) write(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		kindName string
		addrv    starlark.Value
		value    starlark.Value
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "kind", &kindName, "addr", &addrv, "value", &value); err != nil {
		return nil, err
	}
	addr, err := toAddress(addrv)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	proc := env.ctx.Process()
	if proc == nil {
		return nil, decorateError(thread, ErrNoProcess)
	}
	kind, err := scan.ParseKind(kindName)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	v, err := starlarkToValue(kind, value)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	ctx := threadContext(thread)
	if kind == scan.CString {
		err = env.ctx.Client().WriteString(ctx, proc.ID, addr, v.Text())
	} else {
		err = env.ctx.Client().WriteMemory(ctx, proc.ID, addr, scan.Encode(v))
	}
	return starlark.None, decorateError(thread, err)
}

func (env *Env) sections(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, prot string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern?", &pattern, "prot?", &prot); err != nil {
		return nil, err
	}
	secs, err := env.selectSections(threadContext(thread), pattern, prot)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	return env.interfaceToStarlarkValue(secs), nil
}

// selectSections refreshes the section list of the selected process and
// returns the sections matching pattern and prot. An empty prot selects
// the configured default protection.
func (env *Env) selectSections(ctx context.Context, pattern, prot string) ([]section.Section, error) {
	proc := env.ctx.Process()
	if proc == nil {
		return nil, ErrNoProcess
	}
	if prot == "" {
		prot = env.ctx.Config().GetDefaultProtection()
	}
	mask, err := section.ParseProtection(prot)
	if err != nil {
		return nil, err
	}
	info, err := env.ctx.Client().RefreshProcessInfo(ctx, proc.ID)
	if err != nil {
		return nil, err
	}
	return section.Match(info.Sections, pattern, mask)
}

func readFile(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	return starlark.String(string(buf)), nil
}

func writeFile(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) != 2 {
		return nil, decorateError(thread, fmt.Errorf("wrong number of arguments"))
	}
	path, ok := args[0].(starlark.String)
	if !ok {
		return nil, decorateError(thread, fmt.Errorf("first argument of write_file was not a string"))
	}
	text := args[1].String()
	if s, ok := args[1].(starlark.String); ok {
		text = string(s)
	}
	err := os.WriteFile(string(path), []byte(text), 0640)
	return starlark.None, decorateError(thread, err)
}

func (env *Env) help(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	switch len(args) {
	case 0:
		fmt.Fprintln(env.out, "Available builtins:")
		bins := make([]string, 0, len(env.env))
		for name, value := range env.env {
			if _, ok := value.(*starlark.Builtin); ok {
				bins = append(bins, name)
			}
		}
		sort.Strings(bins)
		for _, bin := range bins {
			fmt.Fprintf(env.out, "\t%s\n", bin)
		}
	case 1:
		switch x := args[0].(type) {
		case *starlark.Builtin:
			if env.doc[x.Name()] != "" {
				fmt.Fprintf(env.out, "%s\n", env.doc[x.Name()])
			} else {
				fmt.Fprintf(env.out, "no help for builtin %s\n", x.Name())
			}
		case *starlark.Function:
			fmt.Fprintf(env.out, "user defined function %s\n", x.Name())
			if doc := x.Doc(); doc != "" {
				fmt.Fprintln(env.out, doc)
			}
		default:
			fmt.Fprintf(env.out, "no help for object of type %T\n", args[0])
		}
	default:
		fmt.Fprintln(env.out, "wrong number of arguments ", len(args))
	}
	return starlark.None, nil
}

// Redirect redirects starlark output to out.
func (env *Env) Redirect(out io.Writer) {
	env.out = out
	if env.thread != nil {
		env.thread.Print = env.printFunc()
	}
}

func (env *Env) printFunc() func(_ *starlark.Thread, msg string) {
	return func(_ *starlark.Thread, msg string) { fmt.Fprintln(env.out, msg) }
}

// Execute executes a script. Path is the name of the file to execute and
// source is the source code to execute.
// Source can be either a []byte, a string or a io.Reader. If source is nil
// Execute will execute the file specified by 'path'.
// After the file is executed if a function named mainFnName exists it will be called, passing args to it.
func (env *Env) Execute(path string, source interface{}, mainFnName string, args []interface{}) (_ starlark.Value, _err error) {
	defer func() {
		err := recover()
		if err == nil {
			return
		}
		_err = fmt.Errorf("panic executing starlark script: %v", err)
		fmt.Fprintf(env.out, "panic executing starlark script: %v\n", err)
		for i := 0; ; i++ {
			pc, file, line, ok := runtime.Caller(i)
			if !ok {
				break
			}
			fname := "<unknown>"
			if fn := runtime.FuncForPC(pc); fn != nil {
				fname = fn.Name()
			}
			fmt.Fprintf(env.out, "%s\n\tin %s:%d\n", fname, file, line)
		}
	}()

	thread := env.newThread()
	globals, err := starlark.ExecFile(thread, path, source, env.env)
	if err != nil {
		return starlark.None, err
	}

	if err := env.exportGlobals(globals); err != nil {
		return starlark.None, err
	}

	return env.callMain(thread, globals, mainFnName, args)
}

// exportGlobals saves globals with a name starting with a capital letter
// into the environment and creates commands from globals with a name
// starting with "command_"
func (env *Env) exportGlobals(globals starlark.StringDict) error {
	for name, val := range globals {
		switch {
		case strings.HasPrefix(name, commandPrefix):
			if err := env.createCommand(name, val); err != nil {
				return err
			}
		case name[0] >= 'A' && name[0] <= 'Z':
			env.env[name] = val
		}
	}
	return nil
}

// Cancel cancels the execution of a currently running script or function,
// including a scan it is waiting on.
func (env *Env) Cancel() {
	if env == nil {
		return
	}
	env.contextMu.Lock()
	if env.cancelfn != nil {
		env.cancelfn()
		env.cancelfn = nil
	}
	if env.thread != nil {
		env.thread.Cancel("user interrupt")
	}
	env.contextMu.Unlock()
}

func (env *Env) newThread() *starlark.Thread {
	thread := &starlark.Thread{
		Print: env.printFunc(),
	}
	env.contextMu.Lock()
	var ctx context.Context
	ctx, env.cancelfn = context.WithCancel(context.Background())
	env.thread = thread
	env.contextMu.Unlock()
	thread.SetLocal(memscanContextName, ctx)
	return thread
}

func (env *Env) createCommand(name string, val starlark.Value) error {
	fnval, ok := val.(*starlark.Function)
	if !ok {
		return nil
	}

	name = name[len(commandPrefix):]

	helpMsg := fnval.Doc()
	if helpMsg == "" {
		helpMsg = "user defined"
	}

	if fnval.NumParams() == 1 {
		if p0, _ := fnval.Param(0); p0 == "args" {
			env.ctx.RegisterCommand(name, helpMsg, func(args string) error {
				_, err := starlark.Call(env.newThread(), fnval, starlark.Tuple{starlark.String(args)}, nil)
				return err
			})
			return nil
		}
	}

	env.ctx.RegisterCommand(name, helpMsg, func(args string) error {
		thread := env.newThread()
		argval, err := starlark.Eval(thread, "<input>", "("+args+")", env.env)
		if err != nil {
			return err
		}
		argtuple, ok := argval.(starlark.Tuple)
		if !ok {
			argtuple = starlark.Tuple{argval}
		}
		_, err = starlark.Call(thread, fnval, argtuple, nil)
		return err
	})
	return nil
}

// callMain calls the main function in globals, if one was defined.
func (env *Env) callMain(thread *starlark.Thread, globals starlark.StringDict, mainFnName string, args []interface{}) (starlark.Value, error) {
	if mainFnName == "" {
		return starlark.None, nil
	}
	mainval := globals[mainFnName]
	if mainval == nil {
		return starlark.None, nil
	}
	mainfn, ok := mainval.(*starlark.Function)
	if !ok {
		return starlark.None, fmt.Errorf("%s is not a function", mainFnName)
	}
	if mainfn.NumParams() != len(args) {
		return starlark.None, fmt.Errorf("wrong number of arguments for %s", mainFnName)
	}
	argtuple := make(starlark.Tuple, len(args))
	for i := range args {
		argtuple[i] = env.interfaceToStarlarkValue(args[i])
	}
	return starlark.Call(thread, mainfn, argtuple, nil)
}

func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(memscanContextName).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

func isCancelled(thread *starlark.Thread) error {
	return threadContext(thread).Err()
}

func decorateError(thread *starlark.Thread, err error) error {
	if err == nil {
		return nil
	}
	pos := thread.CallFrame(1).Pos
	if pos.Col > 0 {
		return fmt.Errorf("%s:%d:%d: %w", pos.Filename(), pos.Line, pos.Col, err)
	}
	return fmt.Errorf("%s:%d: %w", pos.Filename(), pos.Line, err)
}
