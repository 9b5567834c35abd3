package main

import (
	"os"

	"github.com/go-memtrace/memtrace/cmd/memtrace/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
