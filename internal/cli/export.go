package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"
)

// ExportCommand handles 'warden export': dump ledger entries for a time
// window as JSON.
func ExportCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	startStr := fs.String("start", "", "Window start (RFC3339), default 24h ago")
	endStr := fs.String("end", "", "Window end (RFC3339, exclusive), default open")
	if err := fs.Parse(args); err != nil {
		return fail(err)
	}

	start := time.Now().Add(-24 * time.Hour)
	if *startStr != "" {
		t, err := time.Parse(time.RFC3339, *startStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad --start: %v\n", err)
			return 1
		}
		start = t
	}
	var end time.Time
	if *endStr != "" {
		t, err := time.Parse(time.RFC3339, *endStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad --end: %v\n", err)
			return 1
		}
		end = t
	}

	app, err := buildApp(configPath)
	if err != nil {
		return fail(err)
	}
	defer app.Close()

	records, err := app.Ledger.Export(context.Background(), start, end)
	if err != nil {
		return fail(err)
	}
	printJSON(records)
	return 0
}
