package commands

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

const shellPrompt = "voyagerctl> "

// shellCommands lists the available commands for the interactive shell help output.
var shellCommands = []struct {
	name string
	desc string
}{
	{"inspect", "Summarize the topology and header store"},
	{"probes [--singles]", "Show the round-1 (or single-rule) probe plan"},
	{"version", "Print build information"},
	{"help", "Show this help message"},
	{"exit / quit", "Leave the interactive shell"},
}

func shellCmd(root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive voyagerctl shell",
		Long: "Launches a simple REPL that accepts voyagerctl subcommands. Persistent flags " +
			"given on the command line stay in effect. Type 'help', 'exit', or 'quit'.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runShell(root, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func runShell(root *cobra.Command, in io.Reader, out, errOut io.Writer) error {
	printShellBanner(out)
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, shellPrompt)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "exit" || line == "quit":
			return nil
		case line == "help" || line == "?":
			printShellHelp(out)
		case line == "shell":
			fmt.Fprintln(errOut, "Error: already in the shell")
		case line != "":
			root.SetArgs(strings.Fields(line))

			if err := root.Execute(); err != nil {
				fmt.Fprintln(errOut, "Error:", err)
			}
		}

		fmt.Fprint(out, shellPrompt)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	return nil
}

// printShellBanner prints a welcome message when the shell starts.
func printShellBanner(out io.Writer) {
	fmt.Fprintln(out, "Voyager interactive shell. Type 'help' for available commands, 'exit' to quit.")
	fmt.Fprintln(out)
}

// printShellHelp prints a formatted list of available shell commands.
func printShellHelp(out io.Writer) {
	fmt.Fprintln(out, "Available commands:")
	fmt.Fprintln(out)

	for _, cmd := range shellCommands {
		fmt.Fprintf(out, "  %-30s %s\n", cmd.name, cmd.desc)
	}

	fmt.Fprintln(out)
}
