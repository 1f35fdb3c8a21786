// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream consumes text/event-stream response bodies.
//
// The consumer frames lines into SSE frames, hands complete frames to the
// event parser, and delivers the results to a Handler in wire order.
//
// # Key Types
//
//   - SSEReader: Line framing with half-frame discard
//   - Consumer: Drives a body to completion and reports faults
//   - Handler: OnEvent / OnError / OnComplete callbacks
//   - StreamError: I/O fault with the partial text received before it
//
// # Usage
//
//	err := stream.NewConsumer(logger).Consume(ctx, resp.Body, handler)
//
// OnComplete fires exactly once per Consume call, even after OnError.
package stream
