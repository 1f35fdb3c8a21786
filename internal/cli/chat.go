// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat command for the cropdoc CLI.
//
// The REPL sends one turn at a time and prints the reply once its stream
// completes. Progress labels and server notices are printed as they arrive.
// Ctrl+C while a reply is streaming cancels it; at the prompt it exits.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/peterh/liner"

	"github.com/jeranaias/cropdoc/internal/app"
	"github.com/jeranaias/cropdoc/internal/config"
	"github.com/jeranaias/cropdoc/internal/export"
	"github.com/jeranaias/cropdoc/internal/model"
	"github.com/jeranaias/cropdoc/internal/reconcile"
	"github.com/jeranaias/cropdoc/internal/session"
)

// =============================================================================
// INPUT
// =============================================================================

// LineReader reads one line of user input.
type LineReader interface {
	Prompt(prompt string) (string, error)
	Close() error
}

// historyFileName lives in the data directory.
const historyFileName = "chat_history"

// ChatCLI is a liner-backed LineReader with persistent history.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates the line editor and loads history from dataDir.
func NewChatCLI(dataDir string) *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	c := &ChatCLI{line: line, historyFile: filepath.Join(dataDir, historyFileName)}
	if f, err := os.Open(c.historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
	return c
}

// Prompt reads a line; non-empty lines are added to history.
func (c *ChatCLI) Prompt(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves history (0600) and restores the terminal.
func (c *ChatCLI) Close() error {
	if err := os.MkdirAll(filepath.Dir(c.historyFile), 0700); err == nil {
		if f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			c.line.WriteHistory(f)
			f.Close()
		}
	}
	return c.line.Close()
}

// =============================================================================
// PROGRESS OBSERVER
// =============================================================================

// printer reports stream progress for the active session. It is the
// app's Observer, so it runs on streaming goroutines.
type printer struct {
	mu    sync.Mutex
	out   io.Writer
	quiet bool
	app   *app.App
	nodes map[string]string // session id -> last node printed
}

func newPrinter(out io.Writer, quiet bool) *printer {
	return &printer{out: out, quiet: quiet, nodes: make(map[string]string)}
}

func (p *printer) bind(a *app.App) {
	p.mu.Lock()
	p.app = a
	p.mu.Unlock()
}

func (p *printer) OnSessionChanged(sessionID string, active bool) {
	if p.quiet || !active {
		return
	}
	p.mu.Lock()
	a := p.app
	p.mu.Unlock()
	if a == nil {
		return
	}

	sess, err := a.Session(context.Background(), sessionID)
	if err != nil || sess.CurrentNode == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nodes[sessionID] == sess.CurrentNode {
		return
	}
	p.nodes[sessionID] = sess.CurrentNode
	fmt.Fprintln(p.out, DimStyle.Render("  … "+reconcile.Label(sess.CurrentNode)))
}

func (p *printer) OnNotice(_ string, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s\n", WarningStyle.Render("[notice]"), message)
}

// OnStreamDone keeps the last node so the next turn only prints changes.
func (p *printer) OnStreamDone(string) {}

// =============================================================================
// CHAT
// =============================================================================

// chat is one REPL run.
type chat struct {
	env    *Env
	app    *app.App
	input  LineReader
	render *Renderer
	out    io.Writer

	// interrupts cancels a streaming reply; nil disables it
	interrupts <-chan os.Signal

	// listing is the last /sessions output, for /switch N
	listing []model.Summary
}

// newApp builds the application for env with a printing observer.
func newApp(ctx context.Context, env *Env, out io.Writer) (*app.App, Server, error) {
	c, srv, err := env.NewClient(ctx)
	if err != nil {
		return nil, Server{}, err
	}
	obs := newPrinter(out, env.Args.Quiet)
	a, err := app.New(app.Options{
		Streamer: c,
		Profile:  env.Prefs,
		Observer: obs,
		Logger:   env.Logger,
	})
	if err != nil {
		return nil, Server{}, err
	}
	obs.bind(a)
	return a, srv, nil
}

// HandleChat runs the interactive REPL until /quit, Ctrl+C or Ctrl+D.
func HandleChat(ctx context.Context, env *Env) error {
	a, srv, err := newApp(ctx, env, env.Out)
	if err != nil {
		return err
	}
	defer a.Close()

	render := NewRenderer(env.Config.UI.Markdown && IsStdoutTTY(), renderWidth())

	if env.ConfigPath != "" {
		w, err := config.NewWatcher(env.ConfigPath, func(cfg *config.Config) {
			env.Level.Set(cfg.SlogLevel())
			render.SetMarkdown(cfg.UI.Markdown && IsStdoutTTY())
			ApplyColorProfile(!env.Args.NoColor && ColorsEnabled(cfg.UI.Color))
			env.Logger.Info("config reloaded; server and transport changes apply on restart")
		}, config.DefaultDebounce, env.Logger)
		if err != nil {
			env.Logger.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Close()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	input := NewChatCLI(env.Config.DataDir)
	defer input.Close()

	c := &chat{
		env:        env,
		app:        a,
		input:      input,
		render:     render,
		out:        env.Out,
		interrupts: sigCh,
	}
	if !env.Args.Quiet {
		c.printWelcome(srv)
	}
	return c.run(ctx)
}

func (c *chat) printWelcome(srv Server) {
	fmt.Fprintln(c.out, TitleStyle.Render("CropDoc")+DimStyle.Render(" "+Version))
	fmt.Fprintln(c.out, DimStyle.Render("Connected to "+srv.URL+". Describe your plant or send a photo with /image PATH."))
	fmt.Fprintln(c.out, DimStyle.Render("Type /help for commands, /quit to exit."))
	fmt.Fprintln(c.out)
}

// run is the read-eval loop.
func (c *chat) run(ctx context.Context) error {
	for {
		line, err := c.input.Prompt(promptStyle.Render("cropdoc> "))
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(c.out)
				return nil
			}
			return err
		}

		quit, err := c.handle(ctx, line)
		if err != nil {
			fmt.Fprintf(c.out, "%s %v\n", ErrorStyle.Render("[error]"), err)
		}
		if quit {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// handle processes one input line. It reports whether to exit.
func (c *chat) handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false, nil
	case strings.EqualFold(line, "exit"), strings.EqualFold(line, "quit"):
		return true, nil
	case strings.HasPrefix(line, "/"):
		return c.command(ctx, line)
	}
	return false, c.send(ctx, line, nil)
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

func (c *chat) command(ctx context.Context, line string) (bool, error) {
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	p := NewArgParser(strings.Fields(rest))

	switch strings.ToLower(name) {
	case "/quit", "/q", "/exit":
		return true, nil

	case "/help", "/h", "/?":
		c.printHelp()

	case "/new", "/n":
		if _, err := c.app.NewSession(ctx); err != nil {
			return false, err
		}
		c.listing = nil
		fmt.Fprintln(c.out, SuccessStyle.Render("Started a new session."))

	case "/sessions", "/ls":
		return false, c.listSessions(ctx)

	case "/switch", "/s":
		return false, c.switchSession(ctx, p.Positional(0))

	case "/rename":
		if rest == "" {
			return false, fmt.Errorf("usage: /rename TITLE")
		}
		sess, err := c.app.Active(ctx)
		if err != nil {
			return false, err
		}
		return false, c.app.Rename(ctx, sess.ID, rest)

	case "/history":
		sess, err := c.app.Active(ctx)
		if err != nil {
			return false, err
		}
		c.printTranscript(sess)

	case "/image", "/photo", "/img":
		path := p.Positional(0)
		if path == "" {
			return false, fmt.Errorf("usage: /image PATH [QUESTION]")
		}
		img, err := app.LoadImage(path)
		if err != nil {
			return false, err
		}
		return false, c.send(ctx, strings.Join(p.PositionalFrom(1), " "), img)

	case "/pick", "/p":
		return false, c.pick(ctx, p.Positional(0))

	case "/retry", "/r":
		turn, err := c.app.Retry(ctx, "")
		if err != nil {
			return false, err
		}
		return false, c.await(ctx, turn)

	case "/export":
		return false, c.exportActive(ctx, p.FlagOrDefault("format", p.Positional(0)), p.Positional(1))

	case "/delete":
		sess, err := c.app.Active(ctx)
		if err != nil {
			return false, err
		}
		if err := c.app.Delete(ctx, sess.ID); err != nil {
			return false, err
		}
		c.listing = nil
		fmt.Fprintf(c.out, "Deleted %q.\n", sess.Title)

	default:
		if hint := SuggestSlashCommand(name); hint != "" {
			return false, fmt.Errorf("unknown command %s (did you mean %s?)", name, hint)
		}
		return false, fmt.Errorf("unknown command %s (try /help)", name)
	}
	return false, nil
}

func (c *chat) printHelp() {
	help := [][2]string{
		{"/new", "Start a new session"},
		{"/sessions", "List sessions"},
		{"/switch N", "Switch to session N"},
		{"/rename TITLE", "Rename the current session"},
		{"/history", "Show the current session"},
		{"/image PATH [TEXT]", "Send a photo"},
		{"/pick N", "Send suggested next step N"},
		{"/retry", "Resend the last failed message"},
		{"/export md|json [DIR]", "Export the current session"},
		{"/delete", "Delete the current session"},
		{"/quit", "Exit"},
	}
	for _, h := range help {
		fmt.Fprintf(c.out, "  %s%s\n", RenderLabel(h[0]), h[1])
	}
}

func (c *chat) listSessions(ctx context.Context) error {
	list, err := c.app.Sessions(ctx)
	if err != nil {
		return err
	}
	c.listing = list
	for i, s := range list {
		fmt.Fprintln(c.out, SessionLine(i+1, s))
	}
	return nil
}

func (c *chat) switchSession(ctx context.Context, arg string) error {
	if arg == "" {
		return fmt.Errorf("usage: /switch N (see /sessions)")
	}
	if c.listing == nil {
		list, err := c.app.Sessions(ctx)
		if err != nil {
			return err
		}
		c.listing = list
	}
	n, err := ParseIndex(arg, len(c.listing))
	if err != nil {
		return err
	}

	sess, created, err := c.app.Switch(ctx, c.listing[n-1].ID)
	if err != nil {
		return err
	}
	c.listing = nil
	if created {
		fmt.Fprintln(c.out, WarningStyle.Render("That session no longer exists; started a new one."))
		return nil
	}
	fmt.Fprintf(c.out, "Switched to %q.\n", sess.Title)
	c.printTranscript(sess)
	return nil
}

func (c *chat) pick(ctx context.Context, arg string) error {
	sess, err := c.app.Active(ctx)
	if err != nil {
		return err
	}
	var followUps []model.FollowUp
	if tail := sess.TailAssistant(); tail != nil {
		followUps = tail.FollowUps
	}
	if len(followUps) == 0 {
		return fmt.Errorf("no suggested next steps in this session")
	}
	n, err := ParseIndex(arg, len(followUps))
	if err != nil {
		return err
	}
	choice := followUps[n-1]
	fmt.Fprintln(c.out, DimStyle.Render("> "+choice.Text()))
	return c.send(ctx, choice.Text(), nil)
}

func (c *chat) exportActive(ctx context.Context, format, dir string) error {
	sess, err := c.app.Active(ctx)
	if err != nil {
		return err
	}
	opts := export.DefaultOptions()
	opts.OutputDir = dir
	if opts.OutputDir == "" {
		opts.OutputDir = filepath.Join(c.env.Config.DataDir, "exports")
	}
	exp, err := export.ForFormat(format, opts)
	if err != nil {
		return err
	}
	path, err := export.ExportToFile(sess, exp, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s %s\n", SuccessStyle.Render("Exported"), path)
	return nil
}

// =============================================================================
// SENDING
// =============================================================================

// send submits a turn and prints the reply once it completes.
func (c *chat) send(ctx context.Context, text string, img *app.Image) error {
	turn, err := c.app.Send(ctx, text, img)
	if errors.Is(err, session.ErrStreamInFlight) {
		return fmt.Errorf("still waiting for the previous reply")
	}
	if err != nil {
		return err
	}
	if turn.AutoSplit {
		fmt.Fprintln(c.out, DimStyle.Render("New photo after a finished diagnosis: started a new session."))
	}
	return c.await(ctx, turn)
}

// await blocks until the turn completes, cancelling it on interrupt, then
// prints what it produced.
func (c *chat) await(ctx context.Context, turn *app.Turn) error {
	select {
	case <-turn.Done:
	case <-c.interrupts:
		c.app.Cancel(turn.SessionID)
		<-turn.Done
		fmt.Fprintln(c.out, WarningStyle.Render("[cancelled]"))
	case <-ctx.Done():
		c.app.Cancel(turn.SessionID)
		<-turn.Done
	}
	return c.printTurn(ctx, turn)
}

// printTurn prints the replies that followed the turn's user message, or
// the user message itself when it failed.
func (c *chat) printTurn(ctx context.Context, turn *app.Turn) error {
	sess, err := c.app.Session(context.WithoutCancel(ctx), turn.SessionID)
	if err != nil {
		return err
	}

	after := false
	for _, msg := range sess.Messages {
		if msg.ID == turn.MessageID {
			after = true
			if msg.Failed {
				fmt.Fprintln(c.out, c.render.Message(msg))
			}
			continue
		}
		if after && msg.IsAssistant() {
			fmt.Fprintln(c.out)
			fmt.Fprintln(c.out, c.render.Message(msg))
		}
	}
	fmt.Fprintln(c.out)
	return nil
}

func (c *chat) printTranscript(sess *model.Session) {
	for _, msg := range sess.Messages {
		fmt.Fprintln(c.out, c.render.Message(msg))
		fmt.Fprintln(c.out)
	}
}
