// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Command wbmsctl drives a battery pack network through its managers'
// serial links: over-the-air file transfer, device reset and file CRC
// queries.
//
// Usage:
//
//	wbmsctl [--config wbmsctl.yaml] <command> [options]
//
// Exit codes:
//   - 0: success
//   - 1: usage or setup error
//   - 2: operation failed
//   - 3: partial success
//   - 130: interrupted
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Set via ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	app := &cli.App{
		Name:           "wbmsctl",
		Usage:          "Wireless battery management host tool",
		Version:        fmt.Sprintf("%s (commit: %s)", version, commit),
		Flags:          globalFlags(),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			LoadFileCommand(),
			ResetCommand(),
			CRCCommand(),
			ReportCommand(),
			VersionCommand(version, commit),
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(exitError)
	}
}

// exitErrHandler preserves exit codes from cli.Exit.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		// cli.Exit("", N).Error() is "exit status N"
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitError)
}
