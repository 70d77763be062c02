package cli

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// TokenCommand handles 'warden token': issuing approver tokens.
func TokenCommand(args []string, configPath string) int {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	name := fs.String("name", "", "Approver name")
	scopes := fs.String("scopes", "", "Comma-separated scope ids the token may decide for (empty: all)")
	if err := fs.Parse(args); err != nil {
		return fail(err)
	}
	if *name == "" {
		fmt.Fprintln(os.Stderr, "Usage: warden token --name <approver> [--scopes a,b]")
		return 1
	}

	app, err := buildApp(configPath)
	if err != nil {
		return fail(err)
	}
	defer app.Close()

	if app.Tokens == nil {
		fmt.Fprintln(os.Stderr, "No approver secret configured. Set approver.secret in the config or WARDEN_APPROVER_SECRET.")
		return 1
	}

	var scopeList []string
	if *scopes != "" {
		for _, s := range strings.Split(*scopes, ",") {
			if s = strings.TrimSpace(s); s != "" {
				scopeList = append(scopeList, s)
			}
		}
	}

	token, err := app.Tokens.Issue(*name, scopeList)
	if err != nil {
		return fail(err)
	}
	fmt.Println(token)
	return 0
}
