package main

import (
	"os"

	"github.com/usrlog/journal-relay/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
