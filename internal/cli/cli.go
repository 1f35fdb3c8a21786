// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdChat Command = iota
	CmdAsk
	CmdHealth
	CmdPrefs
	CmdVersion
	CmdHelp
	CmdUnknown
)

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	Quiet      bool
	Verbose    bool
	NoColor    bool
	ConfigPath string
	ServerURL  string
	ServerType string

	// Command-specific
	Query     string
	ImagePath string

	// Raw args remaining after the command name
	Raw []string
}

const usageText = `cropdoc - plant diagnosis assistant for the terminal

Describe a sick plant, attach a photo, and get a diagnosis, a treatment
plan, nearby suppliers and crop insurance options streamed back.

Usage:
  cropdoc                          Start interactive chat (default)
  cropdoc chat                     Start interactive chat
  cropdoc ask "question" [--image PATH]
                                   Ask one question and print the answer
  cropdoc health [URL]             Check that the diagnosis server is up
  cropdoc prefs list               Show saved preferences
  cropdoc prefs get KEY            Show one preference
  cropdoc prefs set KEY VALUE      Save a preference
  cropdoc prefs unset KEY          Remove a preference
  cropdoc version                  Show version information

Chat commands:
  /new                  Start a new session
  /sessions             List sessions
  /switch N             Switch to session N from /sessions
  /rename TITLE         Rename the current session
  /image PATH [TEXT]    Send a photo, optionally with a question
  /pick N               Send suggested next step N
  /retry                Resend the last message that failed
  /export md|json [DIR] Export the current session
  /delete               Delete the current session
  /help                 Show chat commands
  /quit                 Exit

Preference keys:
  server.url  server.type  profile.state  profile.crops
  profile.farm_size  profile.locale

Global flags:
  --server URL          Diagnosis server base URL (overrides preferences)
  --server-type TYPE    cloud or local
  --config PATH         Config file (default ~/.cropdoc/config.toml)
  --no-color            Disable colors
  -q, --quiet           Minimal output
  -v, --verbose         Debug logging

Examples:
  cropdoc prefs set profile.state Maharashtra
  cropdoc prefs set profile.crops tomato,onion
  cropdoc ask "yellow rings on my tomato leaves" --image leaf.jpg
  cropdoc --server http://127.0.0.1:8000 chat

Version: %s
`

// PrintUsage prints the usage/help text.
func PrintUsage(w io.Writer) {
	fmt.Fprintf(w, usageText, Version)
}

// PrintVersion prints version information.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "cropdoc version %s\n", Version)
	fmt.Fprintf(w, "  Git commit: %s\n", GitCommit)
	fmt.Fprintf(w, "  Build date: %s\n", BuildDate)
	fmt.Fprintf(w, "  Go:         %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Parse parses os.Args.
func Parse() (Command, Args) {
	return ParseArgs(os.Args[1:])
}

// ParseArgs parses argv (without the program name) and returns the command
// and its arguments.
func ParseArgs(argv []string) (Command, Args) {
	remaining, parsed := parseGlobalFlags(argv)
	if len(remaining) == 0 {
		return CmdChat, parsed
	}

	cmd := strings.ToLower(remaining[0])
	parsed.Raw = remaining[1:]

	switch cmd {
	case "chat":
		return CmdChat, parsed

	case "ask":
		parseAskArgs(&parsed, parsed.Raw)
		return CmdAsk, parsed

	case "health", "ping":
		return CmdHealth, parsed

	case "prefs", "pref", "preferences":
		return CmdPrefs, parsed

	case "version", "--version":
		return CmdVersion, parsed

	case "help", "-h", "--help":
		return CmdHelp, parsed

	default:
		parsed.Raw = remaining
		return CmdUnknown, parsed
	}
}

func parseGlobalFlags(args []string) ([]string, Args) {
	var remaining []string
	var parsed Args

	for i := 0; i < len(args); i++ {
		arg := args[i]
		value := func() string {
			if i+1 < len(args) {
				i++
				return args[i]
			}
			return ""
		}

		switch arg {
		case "-q", "--quiet":
			parsed.Quiet = true
		case "-v", "--verbose":
			parsed.Verbose = true
		case "--no-color":
			parsed.NoColor = true
		case "--server":
			parsed.ServerURL = value()
		case "--server-type":
			parsed.ServerType = value()
		case "--config":
			parsed.ConfigPath = value()
		default:
			switch {
			case strings.HasPrefix(arg, "--server="):
				parsed.ServerURL = strings.TrimPrefix(arg, "--server=")
			case strings.HasPrefix(arg, "--server-type="):
				parsed.ServerType = strings.TrimPrefix(arg, "--server-type=")
			case strings.HasPrefix(arg, "--config="):
				parsed.ConfigPath = strings.TrimPrefix(arg, "--config=")
			default:
				remaining = append(remaining, arg)
			}
		}
	}
	return remaining, parsed
}

func parseAskArgs(args *Args, remaining []string) {
	p := NewArgParser(remaining)
	args.ImagePath = p.FlagOrDefault("image", p.Flag("i"))
	args.Query = strings.Join(p.PositionalFrom(0), " ")
}
