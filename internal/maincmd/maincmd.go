// Package maincmd implements the lotus command-line tool: it runs a script
// file, or starts an interactive REPL when no file is given.
package maincmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/caarlos0/env/v6"
	"github.com/fatih/color"
	"github.com/mna/lotus/lang/machine"
	"github.com/mna/lotus/lang/types"
	"github.com/mna/mainer"
	"github.com/peterh/liner"
)

const binName = "lotus"

// exit codes, as documented in the usage text
const (
	exitSuccess      = mainer.ExitCode(0)
	exitUsage        = mainer.ExitCode(1)
	exitCompileError = mainer.ExitCode(2)
	exitRuntimeError = mainer.ExitCode(3)
)

var (
	shortUsage = fmt.Sprintf(`
usage: %s [<option>...] [<file>]
Run '%[1]s --help' for details.
`, binName)

	longUsage = fmt.Sprintf(`usage: %s [<option>...] [<file>]
       %[1]s -h|--help
       %[1]s -v|--version

Interpreter for the %[1]s scripting language. With a <file>, compiles
and runs it; without, starts an interactive session.

Valid flag options are:
       -h --help                 Show this help and exit.
       -v --version              Print version and exit.
       -s --show-bytecode        Dump the compiled bytecode before
                                 running the program.

Exit code is 0 on success, 1 on usage or file errors, 2 if the
program failed to compile and 3 if it failed at runtime.

The garbage collector can be tuned with environment variables:
       %[2]s_GC_STRESS=true        collect on every allocation
       %[2]s_GC_NEXT=<bytes>       first collection threshold
       %[2]s_GC_GROW_FACTOR=<n>    threshold growth after a collection
`, binName, strings.ToUpper(binName))

	errColor = color.New(color.FgRed)
)

// envConfig is the GC tuning read from the environment.
type envConfig struct {
	GCStress     bool `env:"LOTUS_GC_STRESS"`
	GCNext       int  `env:"LOTUS_GC_NEXT"`
	GCGrowFactor int  `env:"LOTUS_GC_GROW_FACTOR"`
}

// Cmd is the command-line interface of the interpreter, driven by mainer.
type Cmd struct {
	BuildVersion string
	BuildDate    string

	Help         bool `flag:"h,help"`
	Version      bool `flag:"v,version"`
	ShowBytecode bool `flag:"s,show-bytecode"`

	args []string
}

func (c *Cmd) SetArgs(args []string) {
	c.args = args
}

func (c *Cmd) Validate() error {
	if c.Help || c.Version {
		return nil
	}
	if len(c.args) > 1 {
		return fmt.Errorf("at most one file may be provided")
	}
	return nil
}

func (c *Cmd) Main(args []string, stdio mainer.Stdio) mainer.ExitCode {
	p := mainer.Parser{
		EnvVars:   false,
		EnvPrefix: binName + "_",
	}
	if err := p.Parse(args, c); err != nil {
		fmt.Fprintf(stdio.Stderr, "invalid arguments: %s\n%s", err, shortUsage)
		return exitUsage
	}

	switch {
	case c.Help:
		fmt.Fprint(stdio.Stdout, longUsage)
		return exitSuccess

	case c.Version:
		fmt.Fprintf(stdio.Stdout, "%s %s %s\n", binName, c.BuildVersion, c.BuildDate)
		return exitSuccess
	}

	var cfg envConfig
	if err := env.Parse(&cfg); err != nil {
		errColor.Fprintf(stdio.Stderr, "invalid environment: %s\n", err)
		return exitUsage
	}

	heap := types.NewHeap()
	heap.SetStress(cfg.GCStress)
	heap.SetNextGC(cfg.GCNext)
	heap.SetGrowFactor(cfg.GCGrowFactor)

	m := machine.New(heap)
	m.Stdout = stdio.Stdout
	m.Stderr = stdio.Stderr
	m.DumpBytecode = c.ShowBytecode

	if len(c.args) == 0 {
		return c.repl(m, stdio)
	}
	return c.runFile(m, stdio, c.args[0])
}

func (c *Cmd) runFile(m *machine.Machine, stdio mainer.Stdio, path string) mainer.ExitCode {
	src, err := os.ReadFile(path)
	if err != nil {
		errColor.Fprintf(stdio.Stderr, "error while opening file %q: %s\n", path, err)
		return exitUsage
	}
	switch m.Interpret(src, path) {
	case machine.ResultCompileError:
		return exitCompileError
	case machine.ResultRuntimeError:
		return exitRuntimeError
	}
	return exitSuccess
}

// repl reads one line at a time and interprets it in the same machine, so
// globals persist from line to line. Blank lines are ignored; EOF or an
// interrupt ends the session.
func (c *Cmd) repl(m *machine.Machine, stdio mainer.Stdio) mainer.ExitCode {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	for {
		src, err := line.Prompt(">>> ")
		if err == io.EOF || err == liner.ErrPromptAborted {
			fmt.Fprintln(stdio.Stdout)
			return exitSuccess
		}
		if err != nil {
			errColor.Fprintf(stdio.Stderr, "%s\n", err)
			return exitUsage
		}
		if strings.TrimSpace(src) == "" {
			continue
		}
		line.AppendHistory(src)
		m.Interpret([]byte(src), "stdin")
	}
}
