package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
)

// CheckpointCommand handles 'warden checkpoint' subcommands.
func CheckpointCommand(args []string, configPath string) int {
	if len(args) == 0 {
		printCheckpointHelp()
		return 1
	}

	switch args[0] {
	case "list":
		return checkpointList(args[1:], configPath)
	case "show":
		return checkpointShow(args[1:], configPath)
	case "rollback":
		return checkpointRollback(args[1:], configPath)
	case "help", "--help", "-h":
		printCheckpointHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown checkpoint subcommand: %s\n", args[0])
		printCheckpointHelp()
		return 1
	}
}

func printCheckpointHelp() {
	fmt.Print(`Usage: warden checkpoint <subcommand> [options]

Inspect and restore file save-points created around risky executions.

Subcommands:
  list [--scope <id>] [--limit <n>]   List checkpoints, newest first
  show <checkpoint-id>                Show backed-up files and command log
  rollback <checkpoint-id>            Restore every tracked file

Examples:
  warden checkpoint list --scope backend
  warden checkpoint rollback chk_20260830_120000_ab12cd34
`)
}

func checkpointList(args []string, configPath string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	scopeID := fs.String("scope", "", "Filter by scope")
	limit := fs.Int("limit", 20, "Maximum entries")
	if err := fs.Parse(args); err != nil {
		return fail(err)
	}

	app, err := buildApp(configPath)
	if err != nil {
		return fail(err)
	}
	defer app.Close()

	list, err := app.Checkpoints.List(context.Background(), *scopeID, *limit)
	if err != nil {
		return fail(err)
	}
	printJSON(list)
	return 0
}

func checkpointShow(args []string, configPath string) int {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return fail(err)
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: warden checkpoint show <checkpoint-id>")
		return 1
	}

	app, err := buildApp(configPath)
	if err != nil {
		return fail(err)
	}
	defer app.Close()

	ctx := context.Background()
	id := fs.Arg(0)
	ck, err := app.Checkpoints.Get(ctx, id)
	if err != nil {
		return fail(err)
	}
	files, err := app.Checkpoints.Files(ctx, id)
	if err != nil {
		return fail(err)
	}
	commands, err := app.Checkpoints.Commands(ctx, id)
	if err != nil {
		return fail(err)
	}

	printJSON(map[string]any{
		"checkpoint": ck,
		"files":      files,
		"commands":   commands,
	})
	return 0
}

func checkpointRollback(args []string, configPath string) int {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return fail(err)
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: warden checkpoint rollback <checkpoint-id>")
		return 1
	}

	app, err := buildApp(configPath)
	if err != nil {
		return fail(err)
	}
	defer app.Close()

	res, err := app.Checkpoints.Rollback(context.Background(), fs.Arg(0))
	if err != nil {
		return fail(err)
	}
	printJSON(res)
	if len(res.Errors) > 0 {
		return 1
	}
	return 0
}
