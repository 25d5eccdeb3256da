package main

import (
	"os"

	"github.com/calltrace/calltop/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
