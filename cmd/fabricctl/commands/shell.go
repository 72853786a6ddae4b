package commands

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const shellPrompt = "fabricctl> "

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive fabricctl shell",
		Long:  "Launches a REPL that runs fabricctl subcommands against the same daemon. Type 'help', 'exit', or 'quit'.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runShell(cmd.Root(), cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

// runShell reads one command line at a time and executes it on root. Flags
// are reset to their defaults before every line so that a flag given once
// does not stick to later commands.
func runShell(root *cobra.Command, in io.Reader, out, errOut io.Writer) error {
	fmt.Fprintln(out, "fabricctl interactive shell. Type 'help' for available commands, 'exit' to quit.")
	fmt.Fprintln(out)

	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, shellPrompt)

	for scanner.Scan() {
		args := strings.Fields(scanner.Text())

		switch {
		case len(args) == 0:
		case args[0] == "exit" || args[0] == "quit":
			return nil
		case args[0] == "help" || args[0] == "?":
			printShellHelp(root, out)
		case args[0] == "shell":
			fmt.Fprintln(errOut, "Error: already in the shell")
		default:
			resetFlags(root)
			root.SetArgs(args)
			if err := root.Execute(); err != nil {
				fmt.Fprintln(errOut, "Error:", err)
			}
		}

		fmt.Fprint(out, shellPrompt)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	return nil
}

// printShellHelp lists the command tree of root, one level of subcommands
// deep.
func printShellHelp(root *cobra.Command, out io.Writer) {
	fmt.Fprintln(out, "Available commands:")
	fmt.Fprintln(out)

	for _, cmd := range root.Commands() {
		if !shellVisible(cmd) {
			continue
		}
		fmt.Fprintf(out, "  %-28s %s\n", cmd.Name(), cmd.Short)
		for _, sub := range cmd.Commands() {
			if shellVisible(sub) {
				fmt.Fprintf(out, "    %-26s %s\n", sub.Name(), sub.Short)
			}
		}
	}
	fmt.Fprintf(out, "  %-28s %s\n", "exit, quit", "Leave the interactive shell")
	fmt.Fprintln(out)
}

func shellVisible(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "shell", "help", "completion":
		return false
	}
	return cmd.IsAvailableCommand()
}

// resetFlags restores every flag in the tree to its default value.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if !f.Changed {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}
