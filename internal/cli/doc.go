// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides command-line parsing and the command handlers for
// cropdoc.
//
// # Usage
//
//	cmd, args := cli.Parse()
//	env, err := cli.NewEnv(args, os.Stdout, os.Stderr)
//	...
//	switch cmd {
//	case cli.CmdChat:
//	    err = cli.HandleChat(ctx, env)
//	case cli.CmdAsk:
//	    err = cli.HandleAsk(ctx, env)
//	}
//
// # Commands
//
//   - chat: interactive REPL over the session store
//   - ask: one question, answer on stdout
//   - health: server health check
//   - prefs: saved server and farm profile preferences
//   - version
//
// # Server resolution
//
// Flags beat the environment, the environment beats saved preferences, and
// preferences beat the config file. With nothing set the server type's
// preset URL is used.
package cli
