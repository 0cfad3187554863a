// Package main is the leapcompare command.
package main

import (
	"os"

	"github.com/leapstack-labs/leapcompare/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
