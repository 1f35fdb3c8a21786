// cropdoc - plant diagnosis assistant for the terminal.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jeranaias/cropdoc/internal/cli"
	"github.com/jeranaias/cropdoc/internal/client"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
	client.Version = Version
}

func main() {
	os.Exit(run())
}

func run() int {
	cmd, args := cli.Parse()

	switch cmd {
	case cli.CmdVersion:
		cli.PrintVersion(os.Stdout)
		return 0
	case cli.CmdHelp:
		cli.PrintUsage(os.Stdout)
		return 0
	case cli.CmdUnknown:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args.Raw[0])
		if hint := cli.SuggestCommand(args.Raw[0]); hint != "" {
			fmt.Fprintf(os.Stderr, "Did you mean %q?\n", hint)
		}
		fmt.Fprintln(os.Stderr)
		cli.PrintUsage(os.Stderr)
		return 2
	}

	env, err := cli.NewEnv(args, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, cli.ErrorStyle.Render("Error:"), err)
		return 1
	}
	defer env.Close()

	ctx := context.Background()
	switch cmd {
	case cli.CmdChat:
		err = cli.HandleChat(ctx, env)
	case cli.CmdAsk:
		err = cli.HandleAsk(ctx, env)
	case cli.CmdHealth:
		err = cli.HandleHealth(ctx, env)
	case cli.CmdPrefs:
		err = cli.HandlePrefs(ctx, env)
	}

	if err != nil {
		if !cli.IsReported(err) {
			fmt.Fprintln(os.Stderr, cli.ErrorStyle.Render("Error:"), err)
		}
		return 1
	}
	return 0
}
