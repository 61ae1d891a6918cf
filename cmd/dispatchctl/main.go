// dispatchctl is an interactive REPL for dispatching ad-hoc commands
// against a bank_account dispatcher, for manual exercising of the runtime
// without writing a driver program.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/eventrouter/dispatch/dispatch"
	"github.com/eventrouter/dispatch/eventstore/filestore"
	"github.com/eventrouter/dispatch/examples/bankaccount"
	"github.com/eventrouter/dispatch/runtimelog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	dir := os.Getenv("DISPATCHCTL_DATA_DIR")
	if dir == "" {
		dir = "./dispatchctl-data"
	}
	store, err := filestore.New(dir)
	if err != nil {
		return fmt.Errorf("dispatchctl: open store: %w", err)
	}
	d, coord, err := bankaccount.NewDispatcher(store)
	if err != nil {
		return fmt.Errorf("dispatchctl: wire dispatcher: %w", err)
	}
	defer coord.Close()

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go func() { _ = d.Runtime.RunSweeper(sweepCtx) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.Runtime.Shutdown(shutdownCtx); err != nil {
			runtimelog.ErrorCF("dispatchctl", "shutdown incomplete", runtimelog.Fields{"error": err})
		}
	}()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "dispatch> ",
		HistoryFile:     os.TempDir() + "/.dispatchctl_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("dispatchctl: readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("dispatchctl: open <account-id> <owner> | deposit <account-id> <cents> | help | exit")

	ctx := context.Background()
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("dispatchctl: readline: %w", err)
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return nil
		}
		if err := dispatchLine(ctx, d, input); err != nil {
			runtimelog.ErrorCF("dispatchctl", "command failed", runtimelog.Fields{"input": input, "error": err})
		}
	}
}

func dispatchLine(ctx context.Context, d *dispatch.Dispatcher, input string) error {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "help":
		fmt.Println("open <account-id> <owner>")
		fmt.Println("deposit <account-id> <cents>")
		return nil

	case "open":
		if len(fields) != 3 {
			return fmt.Errorf("usage: open <account-id> <owner>")
		}
		_, err := d.Dispatch(ctx, bankaccount.OpenAccount{AccountID: fields[1], Owner: fields[2]})
		if err != nil {
			return err
		}
		fmt.Printf("opened %s for %s\n", fields[1], fields[2])
		return nil

	case "deposit":
		if len(fields) != 3 {
			return fmt.Errorf("usage: deposit <account-id> <cents>")
		}
		cents, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", fields[2], err)
		}
		result, err := d.Dispatch(ctx, bankaccount.Deposit{AccountID: fields[1], AmountCents: cents})
		if err != nil {
			return err
		}
		printResult(result)
		return nil

	default:
		return fmt.Errorf("unknown command %q, type help", fields[0])
	}
}

func printResult(result dispatch.Result) {
	if result.ExecutionResult == nil {
		fmt.Printf("version=%d\n", result.AggregateVersion)
		return
	}
	acct, ok := result.ExecutionResult.AggregateState.(*bankaccount.Account)
	if !ok {
		fmt.Printf("version=%d state=%v\n", result.AggregateVersion, result.ExecutionResult.AggregateState)
		return
	}
	data, _ := json.Marshal(acct)
	fmt.Printf("version=%d account=%s\n", result.AggregateVersion, data)
}
