// Package main provides the prospect CLI entrypoint.
//
// Usage:
//
//	prospect <command> [options]
//
// Commands: submit, status, results, dispatch, worker, stats, version.
// dispatch and worker run until interrupted; the rest exit immediately.
package main

import (
	"errors"
	"fmt"
	"os"

	urfave "github.com/urfave/cli/v2"

	"github.com/pithecene-io/prospect/cli"
	"github.com/pithecene-io/prospect/types"
)

// commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &urfave.App{
		Name:           "prospect",
		Usage:          "Tiered web-scraping pipeline CLI",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands:       cli.Commands(commit),
	}

	if err := app.Run(os.Args); err != nil {
		// ExitErrHandler already handled cli.ExitCoder errors; this
		// branch catches errors that were never wrapped.
		os.Exit(1)
	}
}

// exitErrHandler preserves exit codes from cli.Exit while printing a
// message for everything else.
func exitErrHandler(_ *urfave.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder urfave.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
