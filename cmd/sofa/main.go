// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Command sofa follows change feeds and streams view results from a
// CouchDB-style database server.
package main

import (
	"fmt"
	"os"

	"github.com/juju/cmd/v3"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("sofa.cmd")

const sofaDoc = `
sofa talks to a CouchDB-style database server over plain HTTP, streaming
responses as they arrive rather than waiting for them to complete.

Connection settings come from flags, or from a YAML file given with
--config holding any of host, port, database, username, password and
cookie. Flags override the file.
`

// NewSuperCommand returns the sofa command with every subcommand
// registered.
func NewSuperCommand() *cmd.SuperCommand {
	sofa := cmd.NewSuperCommand(cmd.SuperCommandParams{
		Name:    "sofa",
		Purpose: "Stream change feeds and views from a document database.",
		Doc:     sofaDoc,
		NotifyRun: func(name string) {
			logger.Debugf("running %s", name)
		},
	})
	sofa.Register(newChangesCommand())
	sofa.Register(newViewCommand())
	return sofa
}

func main() {
	os.Exit(Main(os.Args))
}

// Main runs the sofa command with the given arguments, including the
// program name, and returns the exit code.
func Main(args []string) int {
	ctx, err := cmd.DefaultContext()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	return cmd.Main(NewSuperCommand(), ctx, args[1:])
}
