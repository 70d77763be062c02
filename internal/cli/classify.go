package cli

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// ClassifyCommand handles 'warden classify'. It assesses a command without
// queueing or running anything.
func ClassifyCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("classify", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return fail(err)
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: warden classify -- <command>")
		return 1
	}

	app, err := buildApp(configPath)
	if err != nil {
		return fail(err)
	}
	defer app.Close()

	printJSON(app.Classifier.Classify(strings.Join(fs.Args(), " ")))
	return 0
}
