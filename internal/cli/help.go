package cli

import "fmt"

// PrintHelp prints the top-level usage text.
func PrintHelp() {
	fmt.Print(`warden - supervised command execution

Usage: warden [--config <path>] <command> [options]

Commands:
  submit      Submit a command for classification and approval
  pending     List requests awaiting a decision
  approve     Approve a pending request
  reject      Reject a pending request
  execute     Run an approved request
  cancel      Withdraw a pending request or stop a running one
  history     Show recent requests
  stats       Queue and execution statistics
  classify    Assess a command without running it
  checkpoint  List, inspect and roll back file save-points
  fs          Supervised file read/write/delete with automatic backups
  export      Dump ledger entries for a time window
  token       Issue an approver token
  sweep       Expire, purge and archive old records once
  serve       Run background maintenance in the foreground
  init        Write a starter config and example scope policy

Examples:
  warden init
  warden submit --scope default -- git pull
  warden pending
  warden approve --as alice req_20260830_120000_ab12cd34
  warden checkpoint rollback chk_20260830_120000_ab12cd34
`)
}
