package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Starts an interactive session on one open store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cli.shell(cmd.Context())
	},
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("put"),
	readline.PcItem("get"),
	readline.PcItem("scan"),
	readline.PcItem("del"),
	readline.PcItem("checkpoint"),
	readline.PcItem("backup"),
	readline.PcItem("stats"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

func (a *app) shell(ctx context.Context) error {
	home, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "cowbtree> ",
		HistoryFile:     filepath.Join(home, ".cowbtree_history"),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to start shell: %w", err)
	}
	defer rl.Close()
	a.out = rl.Stdout()

	fmt.Fprintf(a.out, "cowbtree %s on %s. Type 'help' for commands, 'exit' or 'quit' to leave.\n", Version, a.cfg.Index.Dir)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		quit, err := a.processCommand(ctx, strings.Fields(line))
		if err != nil {
			fmt.Fprintf(a.out, "Error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

// processCommand runs one shell line and reports whether the shell should exit.
func (a *app) processCommand(ctx context.Context, args []string) (bool, error) {
	if len(args) == 0 {
		return false, nil
	}
	command, args := strings.ToLower(args[0]), args[1:]
	need := func(n int, usage string) error {
		if len(args) < n {
			return fmt.Errorf("usage: %s", usage)
		}
		return nil
	}

	switch command {
	case "put":
		if err := need(2, "put <key> <value>"); err != nil {
			return false, err
		}
		return false, a.put(ctx, args)
	case "get":
		if err := need(1, "get <key>"); err != nil {
			return false, err
		}
		return false, a.get(ctx, args)
	case "scan":
		limit := 100
		if len(args) > 2 {
			n, err := strconv.Atoi(args[2])
			if err != nil {
				return false, fmt.Errorf("limit must be a number: %w", err)
			}
			limit = n
			args = args[:2]
		}
		return false, a.scan(ctx, args, limit)
	case "del", "delete":
		if err := need(1, "del <key>"); err != nil {
			return false, err
		}
		return false, a.del(ctx, args)
	case "checkpoint":
		return false, a.checkpoint(ctx)
	case "backup":
		if err := need(1, "backup <destination>"); err != nil {
			return false, err
		}
		return false, a.backup(ctx, args)
	case "stats":
		a.stats()
		return false, nil
	case "help":
		fmt.Fprintln(a.out, "Commands:")
		fmt.Fprintln(a.out, "  put <key> <value>")
		fmt.Fprintln(a.out, "  get <key>")
		fmt.Fprintln(a.out, "  scan [from] [to] [limit]")
		fmt.Fprintln(a.out, "  del <key>")
		fmt.Fprintln(a.out, "  checkpoint")
		fmt.Fprintln(a.out, "  backup <destination>")
		fmt.Fprintln(a.out, "  stats")
		fmt.Fprintln(a.out, "  help")
		fmt.Fprintln(a.out, "  exit / quit")
		return false, nil
	case "exit", "quit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q, type 'help' for a list of commands", command)
	}
}
