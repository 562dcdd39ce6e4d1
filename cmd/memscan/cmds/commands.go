// Package cmds implements the memscan command line.
package cmds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/memscan/memscan/pkg/config"
	"github.com/memscan/memscan/pkg/logflags"
	"github.com/memscan/memscan/pkg/remote"
	"github.com/memscan/memscan/pkg/remote/gdbserial"
	"github.com/memscan/memscan/pkg/remote/native"
	"github.com/memscan/memscan/pkg/section"
	"github.com/memscan/memscan/pkg/terminal"
	"github.com/memscan/memscan/pkg/version"
	"github.com/memscan/memscan/service/dap"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// listenAddr is the DAP server listen address.
	listenAddr string
	// initFile is the path to initialization file.
	initFile string
	// remoteAddr is the address of a GDB remote stub, empty for the local machine.
	remoteAddr string
	// prot is the protection mask of the sections command.
	prot protectionFlag

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const memscanCommandLongDesc = `memscan is a memory scanner.

It searches the memory of a running process for values of a given type,
narrows the candidates down as the values change and reads or writes them.
The process can be local or reached through a GDB remote stub
(gdbserver, lldb-server, debugserver, QEMU and emulators).`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	rootCommand = &cobra.Command{
		Use:   "memscan",
		Short: "memscan is a memory scanner.",
		Long:  memscanCommandLongDesc,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logflags.Setup(log, logOutput, logDest)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logflags.Close()
		},
		SilenceUsage: true,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'memscan help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'memscan help log').")
	rootCommand.PersistentFlags().StringVar(&initFile, "init", "", "Init file, executed by the terminal client.")

	// 'connect' subcommand.
	connectCommand := &cobra.Command{
		Use:   "connect addr",
		Short: "Connect to a GDB remote stub and open the terminal.",
		Long: `Connect to a GDB remote stub listening at addr (host:port) and open the
terminal. Select the process to scan with the "process" command.`,
		Args: cobra.ExactArgs(1),
		RunE: connectCmd,
	}
	rootCommand.AddCommand(connectCommand)

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid|name",
		Short: "Open the terminal on a running process.",
		Long: `Open the terminal with a running process selected. The process is
found on the local machine, or through the stub given with --remote.

A name matching several processes selects the one with the lowest pid.`,
		Args: cobra.ExactArgs(1),
		RunE: attachCmd,
	}
	attachCommand.Flags().StringVar(&remoteAddr, "remote", "", "Address of a GDB remote stub, the local machine if empty.")
	rootCommand.AddCommand(attachCommand)

	// 'ps' subcommand.
	psCommand := &cobra.Command{
		Use:   "ps",
		Short: "List the processes of the target.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dial, addr := backend(remoteAddr)
			return listProcesses(cmd.Context(), cmd.OutOrStdout(), dial, addr)
		},
	}
	psCommand.Flags().StringVar(&remoteAddr, "remote", "", "Address of a GDB remote stub, the local machine if empty.")
	rootCommand.AddCommand(psCommand)

	// 'sections' subcommand.
	sectionsCommand := &cobra.Command{
		Use:   "sections pid|name [pattern]",
		Short: "List the memory sections of a process.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern := ""
			if len(args) > 1 {
				pattern = args[1]
			}
			dial, addr := backend(remoteAddr)
			return listSections(cmd.Context(), cmd.OutOrStdout(), dial, addr, args[0], pattern, prot.mask)
		},
	}
	sectionsCommand.Flags().StringVar(&remoteAddr, "remote", "", "Address of a GDB remote stub, the local machine if empty.")
	sectionsCommand.Flags().Var(&prot, "prot", "Only list sections with this protection (r, rw, rx, rwx).")
	rootCommand.AddCommand(sectionsCommand)

	// 'dap' subcommand.
	dapCommand := &cobra.Command{
		Use:   "dap",
		Short: "Starts a TCP server communicating via Debug Adaptor Protocol (DAP).",
		Long: `Starts a TCP server communicating via Debug Adaptor Protocol (DAP).

The server serves the readMemory and writeMemory requests of a process
selected by an attach request, with either a "processId" or a
"processName" attribute. The server does not accept multiple client
connections.`,
		Args: cobra.NoArgs,
		RunE: dapCmd,
	}
	dapCommand.Flags().StringVarP(&listenAddr, "listen", "l", "127.0.0.1:0", "DAP server listen address.")
	dapCommand.Flags().StringVar(&remoteAddr, "remote", "", "Address of a GDB remote stub, the local machine if empty.")
	rootCommand.AddCommand(dapCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "memscan\n%s\n", version.MemscanVersion)
		},
	}
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	scan		Log scan passes and their statistics
	remote		Log calls to the target and their failures
	gdbwire		Log connection to the GDB remote stub
	dap		Log all DAP messages
	terminal	Log terminal commands

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
This option will also redirect the "server listening at" message in dap
mode.

`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// protectionFlag is a section protection mask given on the command line.
type protectionFlag struct {
	mask section.Protection
}

var _ pflag.Value = (*protectionFlag)(nil)

func (p *protectionFlag) String() string {
	if p.mask == 0 {
		return ""
	}
	return p.mask.String()
}

func (p *protectionFlag) Set(s string) error {
	mask, err := section.ParseProtection(s)
	if err != nil {
		return err
	}
	p.mask = mask
	return nil
}

func (p *protectionFlag) Type() string {
	return "protection"
}

// backend returns the dialer for addr: a GDB remote stub, or the local
// machine when addr is empty.
func backend(addr string) (remote.Dialer, string) {
	if addr == "" {
		return native.Dial, ""
	}
	return gdbserial.Dial, addr
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func connectCmd(cmd *cobra.Command, args []string) error {
	if args[0] == "" {
		return errors.New("an empty address was provided, you must provide an address as the first argument")
	}
	return runTerminal(commandContext(cmd), gdbserial.Dial, args[0], "")
}

func attachCmd(cmd *cobra.Command, args []string) error {
	dial, addr := backend(remoteAddr)
	return runTerminal(commandContext(cmd), dial, addr, args[0])
}

// runTerminal connects to the target, selects proc if not empty and runs
// the terminal until the user exits.
func runTerminal(ctx context.Context, dial remote.Dialer, addr, proc string) error {
	client, err := remote.Connect(ctx, dial, addr, terminal.ClientConfig(conf))
	if err != nil {
		return err
	}
	term := terminal.New(client, dial, conf)
	term.InitFile = initFile
	if proc != "" {
		if err := term.SelectProcess(ctx, proc); err != nil {
			client.Disconnect()
			return err
		}
	}
	status, err := term.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	if status != 0 {
		os.Exit(status)
	}
	return nil
}

func listProcesses(ctx context.Context, w io.Writer, dial remote.Dialer, addr string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	client, err := remote.Connect(ctx, dial, addr, terminal.ClientConfig(conf))
	if err != nil {
		return err
	}
	defer client.Disconnect()
	procs, err := client.ListProcesses(ctx)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(w)
	table.Header("PID", "Name")
	for _, p := range procs {
		if err := table.Append([]string{strconv.Itoa(p.ID), p.Name}); err != nil {
			return err
		}
	}
	return table.Render()
}

func listSections(ctx context.Context, w io.Writer, dial remote.Dialer, addr, proc, pattern string, mask section.Protection) error {
	if ctx == nil {
		ctx = context.Background()
	}
	client, err := remote.Connect(ctx, dial, addr, terminal.ClientConfig(conf))
	if err != nil {
		return err
	}
	defer client.Disconnect()
	info, err := client.FindProcess(ctx, proc)
	if err != nil {
		return err
	}
	secs, err := section.Match(info.Sections, pattern, mask)
	if err != nil {
		return err
	}
	for _, s := range secs {
		fmt.Fprintln(w, s)
	}
	return nil
}

func dapCmd(cmd *cobra.Command, args []string) error {
	if initFile != "" {
		fmt.Fprint(os.Stderr, "Warning: init file ignored with dap\n")
	}
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("couldn't start listener: %w", err)
	}
	dial, addr := backend(remoteAddr)
	disconnectChan := make(chan struct{})
	server := dap.NewServer(&dap.Config{
		Listener:       listener,
		Dial:           dial,
		Addr:           addr,
		Remote:         terminal.ClientConfig(conf),
		MaxReadSize:    conf.GetSnapshotChunkSize(),
		DisconnectChan: disconnectChan,
	})
	defer server.Stop()

	server.Run()
	waitForDisconnectSignal(disconnectChan)
	return nil
}

// waitForDisconnectSignal is a blocking function that waits for either
// a SIGINT (Ctrl-C) signal from the OS or for disconnectChan to be closed
// by the server when the client disconnects.
func waitForDisconnectSignal(disconnectChan chan struct{}) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	defer signal.Stop(ch)
	select {
	case <-ch:
	case <-disconnectChan:
	}
}
