package cli

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/userhub/userhub/internal/auth"
	"github.com/userhub/userhub/internal/store/sqlite"
)

func runUserAdmin(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: userhub user <add|list>")
		return 2
	}
	switch args[0] {
	case "add":
		return runUserAdd(ctx, args[1:])
	case "list":
		return runUserList(ctx, args[1:])
	default:
		fmt.Fprintln(os.Stderr, "unknown user command:", args[0])
		return 2
	}
}

func runUserAdd(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("user add", flag.ContinueOnError)
	dbPath := fs.String("db", envOr("USERHUB_DB_PATH", "./userhub.db"), "SQLite database path")
	name := fs.String("name", "", "Username")
	password := fs.String("password", "", "Password (prompted when omitted)")
	admin := fs.Bool("admin", false, "Grant admin rights")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	username := auth.Normalize(*name)
	validator, _ := auth.NewUsernameValidator("")
	if !validator.Valid(username) {
		fmt.Fprintln(os.Stderr, "invalid username:", *name)
		return 2
	}

	pass := *password
	if pass == "" {
		var err error
		pass, err = promptPassword()
		if err != nil {
			fmt.Fprintln(os.Stderr, "password error:", err)
			return 2
		}
	}
	hash, err := auth.HashPassword(pass)
	if err != nil {
		fmt.Fprintln(os.Stderr, "password error:", err)
		return 2
	}

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	user, err := store.CreateUser(ctx, username, *admin, hash)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to create user:", err)
		return 1
	}
	fmt.Printf("created user %s (admin=%v)\n", user.Name, user.Admin)
	return 0
}

func runUserList(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("user list", flag.ContinueOnError)
	dbPath := fs.String("db", envOr("USERHUB_DB_PATH", "./userhub.db"), "SQLite database path")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	users, err := store.ListUsers(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to list users:", err)
		return 1
	}
	if len(users) == 0 {
		fmt.Println("no users")
		return 0
	}
	for _, u := range users {
		line := u.Name
		if u.Admin {
			line += " (admin)"
		}
		if len(u.Groups) > 0 {
			line += " groups=" + strings.Join(u.Groups, ",")
		}
		if u.LastLogin != nil {
			line += " last_login=" + u.LastLogin.UTC().Format("2006-01-02T15:04:05Z")
		}
		fmt.Println(line)
	}
	return 0
}

func promptPassword() (string, error) {
	fmt.Print("Password: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	pass := strings.TrimRight(line, "\r\n")
	if pass == "" {
		return "", errors.New("password must not be empty")
	}
	return pass, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
