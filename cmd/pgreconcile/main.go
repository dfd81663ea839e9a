// Package main is the entry point for pgreconcile.
package main

import (
	"errors"
	"os"

	"github.com/fgeck/pgreconcile/internal/services/runner"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps an incomplete batch to 2 and every other failure to 1.
func exitCode(err error) int {
	if errors.Is(err, runner.ErrIncompleteBatch) {
		return 2
	}
	return 1
}
