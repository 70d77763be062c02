package main

import (
	"fmt"
	"os"

	"github.com/clawinfra/warden/internal/cli"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := "warden.json"
	var subCmd string
	var subCmdIdx int

	// First pass: pull out the global --config flag.
	skipNext := false
	for i := 1; i < len(os.Args); i++ {
		if skipNext {
			skipNext = false
			continue
		}
		arg := os.Args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 < len(os.Args) {
				configPath = os.Args[i+1]
				skipNext = true
			}
		}
	}

	// Second pass: first non-flag argument is the subcommand.
	skipNext = false
	for i := 1; i < len(os.Args); i++ {
		if skipNext {
			skipNext = false
			continue
		}
		arg := os.Args[i]
		if arg == "--config" || arg == "-config" {
			skipNext = true
			continue
		}
		if arg == "--version" || arg == "-version" {
			fmt.Printf("warden %s (%s)\n", version, buildTime)
			return 0
		}
		if len(arg) > 0 && arg[0] != '-' {
			subCmd = arg
			subCmdIdx = i
			break
		}
	}

	rest := []string{}
	if subCmdIdx > 0 && subCmdIdx+1 <= len(os.Args) {
		rest = os.Args[subCmdIdx+1:]
	}

	switch subCmd {
	case "submit":
		return cli.SubmitCommand(rest, configPath)
	case "pending":
		return cli.PendingCommand(rest, configPath)
	case "approve":
		return cli.ApproveCommand(rest, configPath)
	case "reject":
		return cli.RejectCommand(rest, configPath)
	case "execute":
		return cli.ExecuteCommand(rest, configPath)
	case "cancel":
		return cli.CancelCommand(rest, configPath)
	case "history":
		return cli.HistoryCommand(rest, configPath)
	case "stats":
		return cli.StatsCommand(rest, configPath)
	case "classify":
		return cli.ClassifyCommand(rest, configPath)
	case "checkpoint":
		return cli.CheckpointCommand(rest, configPath)
	case "fs":
		return cli.FsCommand(rest, configPath)
	case "export":
		return cli.ExportCommand(rest, configPath)
	case "token":
		return cli.TokenCommand(rest, configPath)
	case "sweep":
		return cli.SweepCommand(rest, configPath)
	case "serve":
		return cli.ServeCommand(rest, configPath)
	case "init":
		return cli.InitCommand(rest, configPath)
	case "", "help", "--help", "-h":
		cli.PrintHelp()
		if subCmd == "" {
			return 1
		}
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", subCmd)
		cli.PrintHelp()
		return 1
	}
}
