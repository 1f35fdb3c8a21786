// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package client provides the HTTP transport to the diagnosis server.
//
// A Client POSTs chat requests to {base}/chat/stream and hands the
// text/event-stream response to the stream consumer. Connect, read, write
// and whole-call timeouts are fixed when the client is built.
//
// # Key Types
//
//   - Client: Streaming chat and health checks against one server
//   - Options: Base URL, timeouts, retry count and outbound rate limit
//   - HTTPError: Non-2xx response with status and server message
//   - ServerType: cloud or local preset
//
// # Usage
//
//	c, err := client.New(client.Options{BaseURL: cfg.Server.URL})
//	if err != nil {
//	    return err
//	}
//	err = c.Stream(ctx, req, reconciler)
//
// Validate a candidate URL before saving it:
//
//	if err := client.Probe(ctx, url, client.Options{}); err != nil {
//	    // reject the URL
//	}
package client
