// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/jeranaias/cropdoc/internal/client"
)

// healthTimeout bounds the whole health check.
const healthTimeout = 15 * time.Second

// HandleHealth checks the configured server, or the URL given as the first
// argument.
func HandleHealth(ctx context.Context, env *Env) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	srv, err := env.ResolveServer(ctx)
	if err != nil {
		return err
	}
	if p := NewArgParser(env.Args.Raw); p.Positional(0) != "" {
		srv = Server{URL: p.Positional(0), Type: srv.Type, Source: "argument"}
	}

	opts := env.Config.ClientOptions(env.Logger)
	opts.ServerType = srv.Type
	// One attempt; a health check should report, not wait
	opts.MaxRetries = 1

	start := time.Now()
	err = client.Probe(ctx, srv.URL, opts)
	elapsed := time.Since(start).Round(time.Millisecond)

	fmt.Fprintf(env.Out, "%s%s %s\n", RenderLabel("Server"), ValueStyle.Render(srv.URL), DimStyle.Render("("+srv.Source+")"))
	if err != nil {
		fmt.Fprintf(env.Out, "%s%s %v\n", RenderLabel("Status"), RenderStatus(false), err)
		return errorExit
	}
	fmt.Fprintf(env.Out, "%s%s %s\n", RenderLabel("Status"), RenderStatus(true), DimStyle.Render(elapsed.String()))
	return nil
}
