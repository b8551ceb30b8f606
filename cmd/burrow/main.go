// Command burrow is the Burrow client's command-line entrypoint.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/burrowmls/burrow/internal/burrowerr"
	"github.com/burrowmls/burrow/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, diagnostic(err))
		os.Exit(exitCode(err))
	}
}

// diagnostic renders err as the one-line stderr message, prefixed with its
// burrowerr.Kind so the failure category is a stable leading token; an
// error that carries no Kind is prefixed "error".
func diagnostic(err error) string {
	var berr *burrowerr.Error
	if errors.As(err, &berr) {
		return fmt.Sprintf("%s: %v", berr.Kind, err)
	}
	return fmt.Sprintf("error: %v", err)
}

// exitCode maps a burrowerr.Kind to a process exit code, per SPEC_FULL.md
// §7's external-interface contract, so scripts driving the CLI can branch
// on failure category without parsing stderr text.
func exitCode(err error) int {
	var berr *burrowerr.Error
	if !errors.As(err, &berr) {
		return 1
	}
	switch berr.Kind {
	case burrowerr.InvalidInput:
		return 2
	case burrowerr.NotFound:
		return 3
	case burrowerr.Denied:
		return 4
	case burrowerr.RelayFailure:
		return 5
	case burrowerr.Cancelled:
		return 6
	default:
		return 1
	}
}
