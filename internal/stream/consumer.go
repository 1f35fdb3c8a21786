// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/jeranaias/cropdoc/internal/event"
)

// =============================================================================
// HANDLER
// =============================================================================

// Handler receives the output of one consumed stream.
//
// OnEvent is called once per decoded frame in wire order. OnError is called
// at most once, for an I/O fault. OnComplete is always called exactly once,
// last, including after OnError.
type Handler interface {
	OnEvent(ev event.Event)
	OnError(err error)
	OnComplete()
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Event    func(event.Event)
	Error    func(error)
	Complete func()
}

func (f HandlerFuncs) OnEvent(ev event.Event) {
	if f.Event != nil {
		f.Event(ev)
	}
}

func (f HandlerFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

func (f HandlerFuncs) OnComplete() {
	if f.Complete != nil {
		f.Complete()
	}
}

// =============================================================================
// STREAM ERRORS
// =============================================================================

// StreamError represents an I/O fault during streaming,
// preserving any assistant text received before the fault.
type StreamError struct {
	Partial string // Assistant text received before error
	Frames  int    // Frames delivered before error
	Err     error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream error after %d frames (partial content received: %d chars): %v", e.Frames, len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream error after %d frames: %v", e.Frames, e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// =============================================================================
// CONSUMER
// =============================================================================

// Consumer reads SSE response bodies and delivers decoded events.
type Consumer struct {
	logger  *slog.Logger
	maxLine int
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithMaxLineSize caps the size of a single SSE line. Non-positive values
// keep DefaultMaxLineSize.
func WithMaxLineSize(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.maxLine = n
		}
	}
}

// NewConsumer creates a consumer. A nil logger uses slog.Default().
func NewConsumer(logger *slog.Logger, opts ...ConsumerOption) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Consumer{logger: logger.With("component", "stream"), maxLine: DefaultMaxLineSize}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Consume is a convenience wrapper around a default Consumer.
func Consume(ctx context.Context, body io.ReadCloser, h Handler) error {
	return NewConsumer(nil).Consume(ctx, body, h)
}

// Consume reads body until EOF, an I/O fault, or ctx cancellation.
//
// The body is closed on every exit path. Cancellation closes the body to
// unblock a pending read and is reported like any other I/O fault. The
// returned error is the same *StreamError passed to h.OnError, or nil.
func (c *Consumer) Consume(ctx context.Context, body io.ReadCloser, h Handler) error {
	var closeOnce sync.Once
	closeBody := func() { closeOnce.Do(func() { body.Close() }) }

	stop := context.AfterFunc(ctx, closeBody)
	defer func() {
		stop()
		closeBody()
		h.OnComplete()
	}()

	reader := NewSSEReaderSize(body, c.maxLine)
	var partial strings.Builder
	frames := 0

	fail := func(cause error) error {
		serr := &StreamError{Partial: partial.String(), Frames: frames, Err: cause}
		c.logger.Warn("stream fault", "err", cause, "frames", frames)
		h.OnError(serr)
		return serr
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fail(ctxErr)
		}

		frame, readErr := reader.ReadFrame()
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				// A cancelled read surfaces as EOF or a closed-body error
				if ctxErr := ctx.Err(); ctxErr != nil {
					return fail(ctxErr)
				}
				c.logger.Debug("stream finished", "frames", frames, "discarded", reader.Discarded)
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fail(ctxErr)
			}
			return fail(readErr)
		}

		ev := event.Parse(frame.Name, frame.Data)
		if ev.Kind == event.KindUnknown {
			c.logger.Debug("dropping unknown event", "event", frame.Name)
			continue
		}
		if ev.ParseErr != nil {
			c.logger.Warn("malformed event payload", "event", frame.Name, "err", ev.ParseErr)
		}
		if ev.State != nil {
			for _, skipped := range ev.State.Skipped {
				c.logger.Warn("skipping state_update field", "field", skipped.Field, "err", skipped.Err)
			}
		}

		frames++
		accumulate(&partial, ev)
		h.OnEvent(ev)
	}
}

// accumulate records assistant text so a fault can report what was shown.
func accumulate(b *strings.Builder, ev event.Event) {
	var text string
	switch ev.Kind {
	case event.KindMessage, event.KindAssistantResponse:
		text = ev.Text
	case event.KindStateUpdate:
		if ev.State != nil {
			text = ev.State.AssistantResponse
		}
	}
	if text == "" {
		return
	}
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString(text)
}
