package main

import (
	"os"

	"github.com/boxadmin/privd/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
