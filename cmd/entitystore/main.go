package main

import (
	"os"

	"github.com/devrev/pairdb/entitystore/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
