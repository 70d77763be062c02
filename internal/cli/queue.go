package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/clawinfra/warden/internal/queue"
)

// SubmitCommand handles 'warden submit'.
func SubmitCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	scopeID := fs.String("scope", "", "Scope the command runs under")
	workDir := fs.String("dir", "", "Working directory (default: current)")
	timeout := fs.Duration("timeout", 0, "Execution timeout (default: scope max)")
	reason := fs.String("reason", "", "Why this command is proposed, shown to the approver")
	ttl := fs.Duration("ttl", 0, "How long the request stays decidable (default: queue setting)")
	if err := fs.Parse(args); err != nil {
		return fail(err)
	}
	if fs.NArg() == 0 || *scopeID == "" {
		fmt.Fprintln(os.Stderr, "Usage: warden submit --scope <id> [--dir <path>] [--timeout 30s] [--reason <text>] [--ttl 2h] -- <command>")
		return 1
	}

	command := strings.Join(fs.Args(), " ")
	if *workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fail(err)
		}
		*workDir = wd
	}

	app, err := buildApp(configPath)
	if err != nil {
		return fail(err)
	}
	defer app.Close()

	res, err := app.Queue.Submit(context.Background(), queue.SubmitInput{
		ScopeID:       *scopeID,
		Command:       command,
		WorkingDir:    *workDir,
		Justification: *reason,
		Timeout:       *timeout,
		TTL:           *ttl,
	})
	if err != nil {
		return fail(err)
	}

	if res.AutoExecuted {
		fmt.Printf("auto-executed (%s)\n", res.Request.Outcome.Status)
	} else {
		fmt.Printf("queued for approval, expires %s\n", res.Request.ExpiresAt.Local().Format(time.RFC3339))
	}
	printJSON(res.Request)
	return 0
}

// PendingCommand handles 'warden pending'.
func PendingCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("pending", flag.ExitOnError)
	scopeID := fs.String("scope", "", "Filter by scope")
	if err := fs.Parse(args); err != nil {
		return fail(err)
	}

	app, err := buildApp(configPath)
	if err != nil {
		return fail(err)
	}
	defer app.Close()

	reqs, err := app.Queue.ListPending(context.Background(), *scopeID)
	if err != nil {
		return fail(err)
	}
	if len(reqs) == 0 {
		fmt.Println("no pending requests")
		return 0
	}
	printJSON(reqs)
	return 0
}

// ApproveCommand handles 'warden approve'.
func ApproveCommand(args []string, configPath string) int {
	return decideCommand("approve", args, configPath)
}

// RejectCommand handles 'warden reject'.
func RejectCommand(args []string, configPath string) int {
	return decideCommand("reject", args, configPath)
}

func decideCommand(verb string, args []string, configPath string) int {
	fs := flag.NewFlagSet(verb, flag.ExitOnError)
	token := fs.String("token", os.Getenv("WARDEN_TOKEN"), "Approver token")
	as := fs.String("as", "", "Approver name (only without a configured secret)")
	note := fs.String("note", "", "Decision note")
	execute := fs.Bool("execute", false, "Run immediately after approving")
	if err := fs.Parse(args); err != nil {
		return fail(err)
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: warden %s [--token <t> | --as <name>] [--note <text>] <request-id>\n", verb)
		return 1
	}
	id := fs.Arg(0)

	app, err := buildApp(configPath)
	if err != nil {
		return fail(err)
	}
	defer app.Close()

	who, err := app.identity(*token, *as)
	if err != nil {
		return fail(err)
	}

	ctx := context.Background()
	var req any
	if verb == "approve" {
		r, err := app.Queue.Approve(ctx, id, who, *note)
		if err != nil {
			return fail(err)
		}
		if *execute {
			r, err = app.Queue.Execute(ctx, id)
			if err != nil {
				return fail(err)
			}
		}
		req = r
	} else {
		r, err := app.Queue.Reject(ctx, id, who, *note)
		if err != nil {
			return fail(err)
		}
		req = r
	}

	printJSON(req)
	return 0
}

// ExecuteCommand handles 'warden execute'.
func ExecuteCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("execute", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return fail(err)
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: warden execute <request-id>")
		return 1
	}

	app, err := buildApp(configPath)
	if err != nil {
		return fail(err)
	}
	defer app.Close()

	req, err := app.Queue.Execute(context.Background(), fs.Arg(0))
	if err != nil {
		return fail(err)
	}
	printJSON(req)
	return 0
}

// CancelCommand handles 'warden cancel'.
func CancelCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	reason := fs.String("reason", "operator request", "Why the request is withdrawn")
	if err := fs.Parse(args); err != nil {
		return fail(err)
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: warden cancel [--reason <text>] <request-id>")
		return 1
	}

	app, err := buildApp(configPath)
	if err != nil {
		return fail(err)
	}
	defer app.Close()

	if err := app.Queue.Cancel(context.Background(), fs.Arg(0), *reason); err != nil {
		return fail(err)
	}
	fmt.Println("cancelled")
	return 0
}

// HistoryCommand handles 'warden history'.
func HistoryCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
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

	reqs, err := app.Queue.History(context.Background(), *scopeID, *limit)
	if err != nil {
		return fail(err)
	}
	printJSON(reqs)
	return 0
}

// StatsCommand handles 'warden stats'.
func StatsCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return fail(err)
	}

	app, err := buildApp(configPath)
	if err != nil {
		return fail(err)
	}
	defer app.Close()

	ctx := context.Background()
	queueStats, err := app.Queue.Stats(ctx)
	if err != nil {
		return fail(err)
	}
	ledgerStats, err := app.Ledger.Stats(ctx)
	if err != nil {
		return fail(err)
	}

	printJSON(map[string]any{
		"queue":      queueStats,
		"executions": ledgerStats,
	})
	return 0
}
