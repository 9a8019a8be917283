package main

import (
	"os"

	"github.com/userhub/userhub/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
