// Package cmds implements the command tree of the memtrace binary.
package cmds

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cosiner/argv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-memtrace/memtrace/pkg/config"
	"github.com/go-memtrace/memtrace/pkg/engine"
	"github.com/go-memtrace/memtrace/pkg/logflags"
	"github.com/go-memtrace/memtrace/pkg/tracer"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// workingDir is the working directory for running the program.
	workingDir string
	// tty allocates a pseudo terminal for the spawned target.
	tty bool

	saveDir       string
	category      string
	stackDepth    int
	noTrace       bool
	noStack       bool
	noSave        bool
	printLog      bool
	noPrintLog    bool
	printStack    bool
	noPrintStack  bool
	printSave     bool
	noPrintSave   bool
	printStat     bool
	noPrintStat   bool
	extraKeyPairs string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const memtraceCommandLongDesc = `Memtrace is a memory allocation tracer for Linux programs.

It observes a target process through ptrace, records every invocation and
return of the heap-management syscalls, the libc allocation functions and
the C++ allocation operators, together with symbolized call stacks, and
streams the result into a compressed binary log next to a statistics
summary.

Pass flags to the traced program using ` + "`--`" + `, for example:

` + "`memtrace exec ./server -- --config conf/config.toml`"

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand = &cobra.Command{
		Use:   "memtrace",
		Short: "Memtrace is a memory allocation tracer for Linux programs.",
		Long:  memtraceCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable tracer logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output (engine,recorder,target,unwind).")
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor.")

	rootCommand.PersistentFlags().StringVar(&saveDir, "save-dir", "", "Directory under which trace output is saved.")
	rootCommand.PersistentFlags().StringVar(&category, "category", "", `Naming scheme of the per-run output subdirectory. Preset: "/name/time" "/name-time" "/time-name" "/name".`)
	rootCommand.PersistentFlags().IntVar(&stackDepth, "stack", -2, "Maximum captured stack depth, negative disables stack capture.")
	rootCommand.PersistentFlags().BoolVar(&noTrace, "no-trace", false, "Don't capture trace data.")
	rootCommand.PersistentFlags().BoolVar(&noStack, "no-stack", false, "Don't capture stack traces.")
	rootCommand.PersistentFlags().BoolVar(&noSave, "no-save", false, "Don't save trace data.")
	rootCommand.PersistentFlags().BoolVar(&printLog, "print-log", false, "Print every record to the console.")
	rootCommand.PersistentFlags().BoolVar(&noPrintLog, "no-print-log", false, "Don't print records to the console.")
	rootCommand.PersistentFlags().BoolVar(&printStack, "print-stack", false, "Print captured stacks to the console (together with --print-log).")
	rootCommand.PersistentFlags().BoolVar(&noPrintStack, "no-print-stack", false, "Don't print captured stacks.")
	rootCommand.PersistentFlags().BoolVar(&printSave, "print-save", false, "Print every entry written to the binary log.")
	rootCommand.PersistentFlags().BoolVar(&noPrintSave, "no-print-save", false, "Don't print written entries.")
	rootCommand.PersistentFlags().BoolVar(&printStat, "print-stat", false, "Print the statistics report when the run ends.")
	rootCommand.PersistentFlags().BoolVar(&noPrintStat, "no-print-stat", false, "Don't print the statistics report.")
	rootCommand.PersistentFlags().StringVar(&extraKeyPairs, "extra", "", "Extra metadata as comma separated key=value pairs, echoed into the statistics report.")

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach to a running process and begin tracing.",
		Long: `Attach to an already running process and begin tracing its memory
allocations. The process keeps running; tracing ends when it exits.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a PID")
			}
			return nil
		},
		Run: attachCmd,
	}
	rootCommand.AddCommand(attachCommand)

	// 'exec' subcommand.
	execCommand := &cobra.Command{
		Use:   "exec <path> [flags]",
		Short: "Execute a precompiled binary and begin tracing it.",
		Long: `Execute a precompiled binary and begin tracing its memory allocations.

The command may be given as separate arguments or as a single quoted
string, which is split the way a shell would.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a path to a binary")
			}
			return nil
		},
		Run: execCmd,
	}
	execCommand.Flags().StringVar(&workingDir, "wd", "", "Working directory for running the program.")
	execCommand.Flags().BoolVar(&tty, "tty", false, "Allocate a pseudo terminal for the traced program.")
	rootCommand.AddCommand(execCommand)

	return rootCommand
}

// mergeFlags folds the command line into the configuration file defaults.
func mergeFlags(fs *pflag.FlagSet) error {
	if saveDir != "" {
		conf.SaveDir = saveDir
	}
	if category != "" {
		conf.Category = category
	}
	if fs.Changed("stack") {
		conf.MaxStackDepth = stackDepth
	}
	if noTrace {
		conf.Trace = false
	}
	if noStack || conf.MaxStackDepth < 0 {
		conf.MaxStackDepth = -1
	}
	if noSave {
		conf.Save = false
	}
	setToggle := func(dst *bool, on, off bool) {
		if on {
			*dst = true
		}
		if off {
			*dst = false
		}
	}
	setToggle(&conf.PrintLog, printLog, noPrintLog)
	setToggle(&conf.PrintStack, printStack, noPrintStack)
	setToggle(&conf.PrintSave, printSave, noPrintSave)
	setToggle(&conf.PrintStat, printStat, noPrintStat)

	extra, err := config.ParseExtra(extraKeyPairs)
	if err != nil {
		return err
	}
	if extra != nil {
		if conf.Extra == nil {
			conf.Extra = make(map[string]string)
		}
		for k, v := range extra {
			conf.Extra[k] = v
		}
	}
	return nil
}

func attachCmd(cmd *cobra.Command, args []string) {
	os.Exit(attachTarget(cmd, args))
}

func attachTarget(cmd *cobra.Command, args []string) int {
	pid, err := strconv.Atoi(args[0])
	if err != nil || pid <= 0 {
		fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", args[0])
		return 1
	}
	if err := setup(cmd); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logflags.Close()

	t := tracer.New(conf, os.Args, nil)
	if err := t.Run(engine.Target{AttachPid: pid}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func execCmd(cmd *cobra.Command, args []string) {
	os.Exit(execTarget(cmd, args))
}

func execTarget(cmd *cobra.Command, args []string) int {
	command, err := targetCommand(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if _, err := os.Stat(command[0]); err != nil {
		fmt.Fprintf(os.Stderr, "Target program not found: %s\n", command[0])
		return 1
	}
	if err := setup(cmd); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logflags.Close()

	fmt.Printf("Executing command: %s\n", strings.Join(command, " "))

	t := tracer.New(conf, os.Args, command)
	if err := t.Run(engine.Target{
		Cmd:        command,
		WorkingDir: workingDir,
		NewTTY:     tty,
	}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// targetCommand resolves the target argv: either the arguments as given,
// or a single quoted string split the way a shell would.
func targetCommand(args []string) ([]string, error) {
	if len(args) == 1 && strings.ContainsAny(args[0], " \t") {
		v, err := argv.Argv(args[0],
			func(s string) (string, error) {
				return "", fmt.Errorf("backtick not supported in %q", s)
			},
			nil)
		if err != nil {
			return nil, err
		}
		if len(v) != 1 {
			return nil, fmt.Errorf("illegal commandline %q", args[0])
		}
		return v[0], nil
	}
	return args, nil
}

func setup(cmd *cobra.Command) error {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return err
	}
	return mergeFlags(cmd.Flags())
}
