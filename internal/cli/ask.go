// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// ask.go - One-shot question command for the cropdoc CLI.
//
// Examples:
//
//	cropdoc ask "white powder on my grape leaves"
//	cropdoc ask "what is this?" --image leaf.jpg
//	cropdoc -q ask "dosage for mancozeb" | tee answer.md

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jeranaias/cropdoc/internal/app"
)

// HandleAsk sends one message, waits for the reply and prints it. It fails
// when the message could not be delivered.
func HandleAsk(ctx context.Context, env *Env) error {
	if env.Args.Query == "" && env.Args.ImagePath == "" {
		return fmt.Errorf("usage: cropdoc ask \"question\" [--image PATH]")
	}

	var img *app.Image
	if env.Args.ImagePath != "" {
		var err error
		if img, err = app.LoadImage(env.Args.ImagePath); err != nil {
			return err
		}
	}

	// Progress goes to stderr so stdout carries only the answer
	a, _, err := newApp(ctx, env, env.Err)
	if err != nil {
		return err
	}
	defer a.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	c := &chat{
		env:        env,
		app:        a,
		render:     NewRenderer(env.Config.UI.Markdown && IsStdoutTTY(), renderWidth()),
		out:        env.Out,
		interrupts: sigCh,
	}
	return c.ask(ctx, env.Args.Query, img)
}

// ask runs one turn and reports a delivery failure as an error.
func (c *chat) ask(ctx context.Context, text string, img *app.Image) error {
	turn, err := c.app.Send(ctx, text, img)
	if err != nil {
		return err
	}
	if err := c.await(ctx, turn); err != nil {
		return err
	}

	sess, err := c.app.Session(context.WithoutCancel(ctx), turn.SessionID)
	if err != nil {
		return err
	}
	if msg := sess.MessageByID(turn.MessageID); msg != nil && msg.Failed {
		return errorExit
	}
	return nil
}
