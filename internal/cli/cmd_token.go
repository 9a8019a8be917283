package cli

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/userhub/userhub/internal/auth"
	"github.com/userhub/userhub/internal/auth/authstate"
	"github.com/userhub/userhub/internal/store/sqlite"
)

func runTokenAdmin(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: userhub token <new|list|revoke>")
		return 2
	}
	switch args[0] {
	case "new":
		return runTokenNew(ctx, args[1:])
	case "list":
		return runTokenList(ctx, args[1:])
	case "revoke":
		return runTokenRevoke(ctx, args[1:])
	default:
		fmt.Fprintln(os.Stderr, "unknown token command:", args[0])
		return 2
	}
}

func runTokenNew(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("token new", flag.ContinueOnError)
	dbPath := fs.String("db", envOr("USERHUB_DB_PATH", "./userhub.db"), "SQLite database path")
	user := fs.String("user", "", "Username the token belongs to")
	note := fs.String("note", "cli", "Free-form token note")
	pepper := fs.String("pepper", envOr("USERHUB_TOKEN_PEPPER", ""), "Token hash pepper")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	username := auth.Normalize(*user)
	if username == "" {
		fmt.Fprintln(os.Stderr, "missing --user")
		return 2
	}

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	if _, err := store.UserByName(ctx, username); err != nil {
		fmt.Fprintln(os.Stderr, "unknown user:", username)
		return 1
	}
	token, err := auth.GenerateToken()
	if err != nil {
		fmt.Fprintln(os.Stderr, "token error:", err)
		return 1
	}
	rec, err := store.CreateToken(ctx, username, auth.HashToken(token, *pepper), *note)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to create token:", err)
		return 1
	}
	fmt.Printf("token %s for %s (store this now, it is not shown again):\n%s\n", rec.ID, username, token)
	return 0
}

func runTokenList(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("token list", flag.ContinueOnError)
	dbPath := fs.String("db", envOr("USERHUB_DB_PATH", "./userhub.db"), "SQLite database path")
	user := fs.String("user", "", "Username to list tokens for")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	username := auth.Normalize(*user)
	if username == "" {
		fmt.Fprintln(os.Stderr, "missing --user")
		return 2
	}

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	tokens, err := store.ListTokens(ctx, username)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to list tokens:", err)
		return 1
	}
	if len(tokens) == 0 {
		fmt.Println("no tokens")
		return 0
	}
	for _, t := range tokens {
		state := "active"
		if t.RevokedAt != nil {
			state = "revoked"
		}
		fmt.Printf("%s  %s  %s  %s\n", t.ID, state, t.CreatedAt.UTC().Format("2006-01-02"), t.Note)
	}
	return 0
}

func runTokenRevoke(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("token revoke", flag.ContinueOnError)
	dbPath := fs.String("db", envOr("USERHUB_DB_PATH", "./userhub.db"), "SQLite database path")
	id := fs.String("id", "", "Token id to revoke")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *id == "" {
		fmt.Fprintln(os.Stderr, "missing --id")
		return 2
	}

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	if _, err := store.RevokeToken(ctx, *id); err != nil {
		fmt.Fprintln(os.Stderr, "failed to revoke token:", err)
		return 1
	}
	fmt.Println("revoked", *id)
	return 0
}

func runCryptKey() int {
	key, err := authstate.GenerateKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "key error:", err)
		return 1
	}
	fmt.Println(key)
	return 0
}
