package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/clawinfra/warden/internal/sandbox"
	"github.com/clawinfra/warden/internal/scope"
)

// FsCommand handles 'warden fs': supervised file operations under a scope's
// policy. Writes and deletes back up the previous contents first, so every
// mutation stays reversible.
func FsCommand(args []string, configPath string) int {
	if len(args) == 0 {
		printFsHelp()
		return 1
	}

	switch args[0] {
	case "read":
		return fsRead(args[1:], configPath)
	case "write":
		return fsWrite(args[1:], configPath)
	case "delete":
		return fsDelete(args[1:], configPath)
	case "help", "--help", "-h":
		printFsHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown fs subcommand: %s\n", args[0])
		printFsHelp()
		return 1
	}
}

func printFsHelp() {
	fmt.Print(`Usage: warden fs <subcommand> --scope <id> [options] <path>

Supervised file operations. Writes and deletes take an automatic backup of
the previous contents; use 'warden checkpoint' to inspect and restore.

Subcommands:
  read    --scope <id> <path>                      Print a file (size-capped)
  write   --scope <id> [--content <text>] <path>   Write content (stdin when --content is empty)
  delete  --scope <id> <path>                      Remove a file, backing it up first

Examples:
  warden fs read --scope backend ./config.json
  echo '{}' | warden fs write --scope backend ./config.json
  warden fs delete --scope backend ./stale.lock
`)
}

// fsOps wires a FileOps against the scope's policy.
func fsOps(app *App, scopeID string) (*sandbox.FileOps, *scope.Policy, error) {
	policy, err := app.Queue.PolicyFor(scopeID)
	if err != nil {
		return nil, nil, err
	}
	ops := sandbox.NewFileOps(app.Checkpoints, int64(app.Config.Sandbox.MaxFileReadMb)<<20)
	return ops, policy, nil
}

func fsRead(args []string, configPath string) int {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	scopeID := fs.String("scope", "", "Scope the operation runs under")
	if err := fs.Parse(args); err != nil {
		return fail(err)
	}
	if fs.NArg() != 1 || *scopeID == "" {
		fmt.Fprintln(os.Stderr, "Usage: warden fs read --scope <id> <path>")
		return 1
	}

	app, err := buildApp(configPath)
	if err != nil {
		return fail(err)
	}
	defer app.Close()

	ops, policy, err := fsOps(app, *scopeID)
	if err != nil {
		return fail(err)
	}
	data, err := ops.ReadFile(fs.Arg(0), policy)
	if err != nil {
		return fail(err)
	}
	os.Stdout.Write(data)
	return 0
}

func fsWrite(args []string, configPath string) int {
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	scopeID := fs.String("scope", "", "Scope the operation runs under")
	content := fs.String("content", "", "Content to write (default: read from stdin)")
	if err := fs.Parse(args); err != nil {
		return fail(err)
	}
	if fs.NArg() != 1 || *scopeID == "" {
		fmt.Fprintln(os.Stderr, "Usage: warden fs write --scope <id> [--content <text>] <path>")
		return 1
	}

	data := []byte(*content)
	if *content == "" {
		var err error
		if data, err = io.ReadAll(os.Stdin); err != nil {
			return fail(err)
		}
	}

	app, err := buildApp(configPath)
	if err != nil {
		return fail(err)
	}
	defer app.Close()

	ops, policy, err := fsOps(app, *scopeID)
	if err != nil {
		return fail(err)
	}
	backup, err := ops.WriteFile(context.Background(), fs.Arg(0), data, policy)
	if err != nil {
		return fail(err)
	}
	if backup != nil {
		fmt.Printf("wrote %s, previous contents saved as backup %d\n", fs.Arg(0), backup.ID)
	} else {
		fmt.Printf("wrote %s\n", fs.Arg(0))
	}
	return 0
}

func fsDelete(args []string, configPath string) int {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	scopeID := fs.String("scope", "", "Scope the operation runs under")
	if err := fs.Parse(args); err != nil {
		return fail(err)
	}
	if fs.NArg() != 1 || *scopeID == "" {
		fmt.Fprintln(os.Stderr, "Usage: warden fs delete --scope <id> <path>")
		return 1
	}

	app, err := buildApp(configPath)
	if err != nil {
		return fail(err)
	}
	defer app.Close()

	ops, policy, err := fsOps(app, *scopeID)
	if err != nil {
		return fail(err)
	}
	backup, err := ops.DeleteFile(context.Background(), fs.Arg(0), policy)
	if err != nil {
		return fail(err)
	}
	fmt.Printf("deleted %s, contents saved as backup %d\n", fs.Arg(0), backup.ID)
	return 0
}
