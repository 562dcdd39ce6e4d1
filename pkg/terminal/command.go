// Package terminal implements functions for responding to user
// input and dispatching to the scanner and the remote target.
package terminal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"
	"github.com/dustin/go-humanize"

	"github.com/memscan/memscan/pkg/logflags"
	"github.com/memscan/memscan/pkg/remote"
	"github.com/memscan/memscan/pkg/scan"
	"github.com/memscan/memscan/pkg/section"
)

// defaultResults is the number of candidates printed by results without
// an argument, and after a scan that leaves no more than that many.
const defaultResults = 20

type cmdfunc func(t *Term, ctx context.Context, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands of the memscan terminal.
type Commands struct {
	cmds []command
	// names indexes every alias for completion.
	names *trie.Trie
}

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"connect"}, group: targetCmds, cmdFn: connectCmd, helpMsg: `Connects to a target, replacing the current connection.

	connect <address>

The address is a host:port where a GDB remote stub listens, or empty for the local machine when memscan was started with attach.`},
		{aliases: []string{"disconnect"}, group: targetCmds, cmdFn: disconnectCmd, helpMsg: `Closes the connection to the target.`},
		{aliases: []string{"ps"}, group: targetCmds, cmdFn: psCmd, helpMsg: `Lists the processes of the target.`},
		{aliases: []string{"process", "proc"}, group: targetCmds, cmdFn: processCmd, helpMsg: `Selects the process to scan.

	process [pid | name]

Without arguments prints the selected process. A name matching several processes selects the one with the lowest pid. Selecting a process discards the scan in progress.`},
		{aliases: []string{"sections", "secs"}, group: targetCmds, cmdFn: sectionsCmd, helpMsg: `Lists the memory sections of the selected process.

	sections [-prot <mask>] [pattern]

The pattern is a glob matched against the section name or its base name ("libc*", "[heap]"). The mask lists the protections a section must have (r, rw, rx, rwx); without it every section is listed.`},
		{aliases: []string{"scan", "s"}, group: scanCmds, cmdFn: scanCmd, helpMsg: `Starts a new scan of the selected process.

	scan <kind> <compare> [operands...] [-section <pattern>] [-prot <mask>]

Examples:

	scan int32 exact 100
	scan float between 0.5 2.5 -section [heap]
	scan bytes pattern "de ad be ef"
	scan string exact "Player One"
	scan uint16 unknown -prot rw

The sections scanned default to every section with the configured default protection. See "kinds" and "compares" for the accepted kinds and compare kinds.`},
		{aliases: []string{"next", "n"}, group: scanCmds, cmdFn: nextCmd, helpMsg: `Narrows the scan in progress.

	next <compare> [operands...]

Every candidate is read again and kept if it satisfies the compare kind, for example "next increased", "next decreased-by 5" or "next exact 97".`},
		{aliases: []string{"results", "res"}, group: scanCmds, cmdFn: resultsCmd, helpMsg: `Prints the candidates of the scan in progress.

	results [n]

Prints the first n candidates, 20 by default.`},
		{aliases: []string{"kinds"}, group: scanCmds, cmdFn: kindsCmd, helpMsg: `Lists the value kinds a scan can look for.`},
		{aliases: []string{"compares"}, group: scanCmds, cmdFn: comparesCmd, helpMsg: `Lists the compare kinds and their operands.`},
		{aliases: []string{"read", "r"}, group: dataCmds, cmdFn: readCmd, helpMsg: `Reads a value from the selected process.

	read <kind> <address> [size]

The size is required for the bytes kind.`},
		{aliases: []string{"readstr"}, group: dataCmds, cmdFn: readStringCmd, helpMsg: `Reads a NUL-terminated string from the selected process.

	readstr <address>`},
		{aliases: []string{"write", "w"}, group: dataCmds, cmdFn: writeCmd, helpMsg: `Writes a value to the selected process.

	write <kind> <address> <value>`},
		{aliases: []string{"writestr"}, group: dataCmds, cmdFn: writeStringCmd, helpMsg: `Writes a NUL-terminated string to the selected process.

	writestr <address> <text>`},
		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter> <value>

Changes the value of a configuration parameter.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.`},
		{aliases: []string{"source"}, cmdFn: c.sourceCommand, helpMsg: `Executes a file containing a list of memscan commands.

	source <path>

If path ends with the .star extension it will be interpreted as a starlark script. See the starlark builtins with "source -" and then "help()".

If path is a single '-' character an interactive starlark interpreter will start instead. Type 'exit' to exit.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit memscan, closing the connection to the target.`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	c.index()
	return c
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

func (c *Commands) index() {
	c.names = trie.New()
	for _, cmd := range c.cmds {
		for _, alias := range cmd.aliases {
			c.names.Add(alias, nil)
		}
	}
}

// Register custom commands. Expects cf to be a func of type cmdfunc,
// returning only an error.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			c.cmds[i].cmdFn = cf
			c.cmds[i].helpMsg = helpMsg
			return
		}
	}

	c.cmds = append(c.cmds, command{aliases: []string{cmdstr}, cmdFn: cf, helpMsg: helpMsg})
	c.names.Add(cmdstr, nil)
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
// If the command is an empty string it will return nullCommand.
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	ctx, release := t.commandContext()
	defer release()

	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	if cmdname != "" && logflags.Terminal() {
		logflags.TerminalLogger().Debugf("command %q args %q", cmdname, args)
	}
	return c.Find(cmdname)(t, ctx, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
	c.index()
}

var errNoCmd = errors.New("command not available")

func noCmdAvailable(t *Term, ctx context.Context, args string) error {
	return errNoCmd
}

func nullCommand(t *Term, ctx context.Context, args string) error {
	return nil
}

func (c *Commands) help(t *Term, ctx context.Context, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return errNoCmd
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// splitArgs splits a command line into words, honoring quotes.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", args)
	}
	return v[0], nil
}

// extractOption removes "name value" from words and returns value.
func extractOption(words []string, name string) ([]string, string, error) {
	for i := range words {
		if words[i] != name {
			continue
		}
		if i+1 >= len(words) {
			return nil, "", fmt.Errorf("%s needs an argument", name)
		}
		value := words[i+1]
		rest := append(append([]string{}, words[:i]...), words[i+2:]...)
		return rest, value, nil
	}
	return words, "", nil
}

func parseAddress(s string) (uint64, error) {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return addr, nil
}

// parseOperands parses the operands of a compare. Operands of variable
// width kinds may be split across words ("de ad be ef" without quotes).
func parseOperands(kind scan.Kind, words []string) ([]scan.Value, error) {
	if (kind == scan.ByteArray || kind == scan.CString) && len(words) > 1 {
		words = []string{strings.Join(words, " ")}
	}
	ops := make([]scan.Value, len(words))
	for i := range words {
		v, err := scan.ParseValue(kind, words[i])
		if err != nil {
			return nil, err
		}
		ops[i] = v
	}
	return ops, nil
}

func (t *Term) needClient() error {
	if t.client == nil || !t.client.Connected() {
		return errors.New("not connected to a target, use \"connect\"")
	}
	return nil
}

func (t *Term) needProcess() (*remote.ProcessInfo, error) {
	if err := t.needClient(); err != nil {
		return nil, err
	}
	if t.proc == nil {
		return nil, errors.New("no process selected, use \"process\"")
	}
	return t.proc, nil
}

func (t *Term) needSession() (*scan.Session, error) {
	if t.session == nil {
		return nil, errors.New("no scan in progress, use \"scan\"")
	}
	return t.session, nil
}

func connectCmd(t *Term, ctx context.Context, args string) error {
	if t.dial == nil {
		return errors.New("connect is not available for this target")
	}
	if t.client != nil {
		if err := t.client.Disconnect(); err != nil {
			logflags.TerminalLogger().WithError(err).Warn("closing previous connection")
		}
	}
	t.client, t.proc, t.session = nil, nil, nil
	t.prompt = "(memscan) "
	c, err := remote.Connect(ctx, t.dial, args, ClientConfig(t.conf))
	if err != nil {
		return err
	}
	t.client = c
	fmt.Fprintf(t.stdout, "Connected to %s\n", args)
	return nil
}

func disconnectCmd(t *Term, ctx context.Context, args string) error {
	if t.client == nil {
		return nil
	}
	err := t.client.Disconnect()
	t.proc, t.session = nil, nil
	t.prompt = "(memscan) "
	return err
}

func psCmd(t *Term, ctx context.Context, args string) error {
	if err := t.needClient(); err != nil {
		return err
	}
	procs, err := t.client.ListProcesses(ctx)
	if err != nil {
		return err
	}
	return printProcesses(t.stdout, procs)
}

func processCmd(t *Term, ctx context.Context, args string) error {
	if args == "" {
		proc, err := t.needProcess()
		if err != nil {
			return err
		}
		fmt.Fprintf(t.stdout, "Process %d (%s), %d sections\n", proc.ID, proc.Name, len(proc.Sections))
		return nil
	}
	if err := t.SelectProcess(ctx, args); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Process %d (%s), %d sections\n", t.proc.ID, t.proc.Name, len(t.proc.Sections))
	return nil
}

// refreshSections reads the section list of the selected process again
// and returns the sections matching pattern and prot.
func (t *Term) refreshSections(ctx context.Context, pattern, prot string) ([]section.Section, error) {
	proc, err := t.needProcess()
	if err != nil {
		return nil, err
	}
	var mask section.Protection
	if prot != "" {
		mask, err = section.ParseProtection(prot)
		if err != nil {
			return nil, err
		}
	}
	info, err := t.client.RefreshProcessInfo(ctx, proc.ID)
	if err != nil {
		return nil, err
	}
	t.proc = info
	return section.Match(info.Sections, pattern, mask)
}

func sectionsCmd(t *Term, ctx context.Context, args string) error {
	words, err := splitArgs(args)
	if err != nil {
		return err
	}
	words, prot, err := extractOption(words, "-prot")
	if err != nil {
		return err
	}
	if len(words) > 1 {
		return errors.New("too many arguments")
	}
	pattern := ""
	if len(words) == 1 {
		pattern = words[0]
	}
	secs, err := t.refreshSections(ctx, pattern, prot)
	if err != nil {
		return err
	}
	for _, s := range secs {
		fmt.Fprintln(t.stdout, s)
	}
	fmt.Fprintf(t.stdout, "%d sections, %s\n", len(secs), humanize.IBytes(section.TotalSize(secs)))
	return nil
}

func scanCmd(t *Term, ctx context.Context, args string) error {
	proc, err := t.needProcess()
	if err != nil {
		return err
	}
	words, err := splitArgs(args)
	if err != nil {
		return err
	}
	words, pattern, err := extractOption(words, "-section")
	if err != nil {
		return err
	}
	words, prot, err := extractOption(words, "-prot")
	if err != nil {
		return err
	}
	if len(words) < 2 {
		return errors.New("not enough arguments")
	}
	kind, err := scan.ParseKind(words[0])
	if err != nil {
		return err
	}
	ck, err := scan.ParseCompareKind(words[1])
	if err != nil {
		return err
	}
	ops, err := parseOperands(kind, words[2:])
	if err != nil {
		return err
	}
	if _, err := scan.Compile(ck, kind, scan.FirstPass, ops); err != nil {
		return err
	}
	if prot == "" {
		prot = t.conf.GetDefaultProtection()
	}
	secs, err := t.refreshSections(ctx, pattern, prot)
	if err != nil {
		return err
	}
	if len(secs) == 0 {
		return fmt.Errorf("no section matches %q with protection %s", pattern, prot)
	}

	s, err := scan.NewSession(proc.ID, kind, t.conf.GetMaxResults())
	if err != nil {
		return err
	}
	s.SetChunkSize(t.conf.GetSnapshotChunkSize())
	st, err := s.First(ctx, t.client, secs, ck, ops)
	if err != nil {
		return err
	}
	t.session = s
	t.printStats(st)
	if st.Candidates > 0 && st.Candidates <= defaultResults {
		return printResults(t, s, defaultResults)
	}
	return nil
}

func nextCmd(t *Term, ctx context.Context, args string) error {
	if _, err := t.needProcess(); err != nil {
		return err
	}
	s, err := t.needSession()
	if err != nil {
		return err
	}
	words, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(words) < 1 {
		return errors.New("not enough arguments")
	}
	ck, err := scan.ParseCompareKind(words[0])
	if err != nil {
		return err
	}
	ops, err := parseOperands(s.Kind(), words[1:])
	if err != nil {
		return err
	}
	st, err := s.Next(ctx, t.client, ck, ops)
	if err != nil {
		return err
	}
	t.printStats(st)
	if st.Candidates > 0 && st.Candidates <= defaultResults {
		return printResults(t, s, defaultResults)
	}
	return nil
}

func (t *Term) printStats(st *scan.Stats) {
	msg := fmt.Sprintf("%d candidates", st.Candidates)
	if st.Pass == scan.FirstPass {
		msg += fmt.Sprintf(", %s scanned in %v", humanize.IBytes(st.BytesScanned), st.Elapsed.Round(1e6))
	} else {
		msg += fmt.Sprintf(" after pass %d, in %v", st.Generation, st.Elapsed.Round(1e6))
	}
	t.Println("", msg)
	if st.LimitReached {
		t.Println("warning: ", fmt.Sprintf("stopped at the limit of %d candidates, narrow the scan with -section or a stricter compare", t.session.MaxResults()))
	}
	if st.SectionFailures > 0 {
		t.Println("warning: ", fmt.Sprintf("%d sections could not be read", st.SectionFailures))
	}
	if st.PartialReadFailures > 0 {
		t.Println("warning: ", fmt.Sprintf("%d candidates dropped because they could not be read", st.PartialReadFailures))
	}
}

func resultsCmd(t *Term, ctx context.Context, args string) error {
	s, err := t.needSession()
	if err != nil {
		return err
	}
	n := defaultResults
	if args != "" {
		n, err = strconv.Atoi(args)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid count %q", args)
		}
	}
	return printResults(t, s, n)
}

func kindsCmd(t *Term, ctx context.Context, args string) error {
	return printKinds(t.stdout)
}

func comparesCmd(t *Term, ctx context.Context, args string) error {
	return printCompares(t.stdout)
}

func readCmd(t *Term, ctx context.Context, args string) error {
	proc, err := t.needProcess()
	if err != nil {
		return err
	}
	words, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(words) < 2 || len(words) > 3 {
		return errors.New("wrong number of arguments")
	}
	kind, err := scan.ParseKind(words[0])
	if err != nil {
		return err
	}
	addr, err := parseAddress(words[1])
	if err != nil {
		return err
	}
	if kind == scan.CString {
		s, err := t.client.ReadString(ctx, proc.ID, addr)
		if err != nil {
			return err
		}
		fmt.Fprintf(t.stdout, "%#x: %q\n", addr, s)
		return nil
	}
	size, err := scan.SizeOf(kind)
	if kind == scan.ByteArray {
		if len(words) != 3 {
			return fmt.Errorf("size required to read %s", kind)
		}
		size, err = strconv.Atoi(words[2])
		if err != nil || size <= 0 {
			return fmt.Errorf("invalid size %q", words[2])
		}
	} else if err != nil {
		return err
	}
	buf, err := t.client.ReadMemory(ctx, proc.ID, addr, size)
	if err != nil {
		return err
	}
	v, err := scan.DecodeN(kind, buf, 0, size)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%#x: %s\n", addr, formatValue(v))
	return nil
}

func readStringCmd(t *Term, ctx context.Context, args string) error {
	return readCmd(t, ctx, "string "+args)
}

func writeCmd(t *Term, ctx context.Context, args string) error {
	proc, err := t.needProcess()
	if err != nil {
		return err
	}
	words, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(words) < 3 {
		return errors.New("not enough arguments")
	}
	kind, err := scan.ParseKind(words[0])
	if err != nil {
		return err
	}
	addr, err := parseAddress(words[1])
	if err != nil {
		return err
	}
	ops, err := parseOperands(kind, words[2:])
	if err != nil {
		return err
	}
	if len(ops) != 1 {
		return errors.New("too many arguments")
	}
	if kind == scan.CString {
		return t.client.WriteString(ctx, proc.ID, addr, ops[0].Text())
	}
	return t.client.WriteMemory(ctx, proc.ID, addr, scan.Encode(ops[0]))
}

func writeStringCmd(t *Term, ctx context.Context, args string) error {
	return writeCmd(t, ctx, "string "+args)
}

// ExitRequestError is returned when the user
// exits memscan.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, ctx context.Context, args string) error {
	return ExitRequestError{}
}

func (c *Commands) sourceCommand(t *Term, ctx context.Context, args string) error {
	if len(args) == 0 {
		return fmt.Errorf("wrong number of arguments: source <filename>")
	}

	if args == "-" {
		return t.starlarkEnv.REPL()
	}

	if filepath.Ext(args) == ".star" {
		_, err := t.starlarkEnv.Execute(args, nil, "main", nil)
		return err
	}

	return c.executeFile(t, args)
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(t.stdout, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}
