package main

import (
	"os"

	"github.com/strandchain/strand/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
