package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/userhub/userhub/internal/versionutil"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 {
		return runServer(ctx, nil)
	}

	switch args[0] {
	case "server":
		return runServer(ctx, args[1:])
	case "user":
		return runUserAdmin(ctx, args[1:])
	case "token":
		return runTokenAdmin(ctx, args[1:])
	case "cryptkey":
		return runCryptKey()
	case "version", "--version", "-v":
		printVersion()
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Println("unknown command:", args[0])
		printUsage()
		return 2
	}
}

func printVersion() {
	fmt.Println("userhub", versionutil.EnsureVPrefix(Version))
}

func printUsage() {
	fmt.Println(`userhub - multi-user server hub

Authenticates users, spawns a single-user server per login, and proxies
each user to their own server.

Usage:
  userhub server                         Start the hub (default command)
  userhub user add --name NAME           Create a user (prompts for password)
  userhub user add --name NAME --admin   Create an admin user
  userhub user list                      List users
  userhub token new --user NAME          Mint an API token for a user
  userhub cryptkey                       Generate an auth-state encryption key
  userhub version                        Print version
  userhub help                           Show this help

Quick Start:
  1. userhub user add --name alice                  # create a user
  2. USERHUB_SESSION_SECRET=... userhub server      # start the hub
  3. open http://127.0.0.1:8000/hub/                # log in and spawn`)
}
