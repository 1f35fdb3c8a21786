// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// suggest.go - Typo correction for commands.
package cli

import (
	"strings"
)

// validCommands are the top-level commands and aliases.
var validCommands = []string{
	"chat", "ask", "health", "ping", "prefs", "pref", "preferences", "version", "help",
}

// validSlashCommands are the REPL commands and aliases.
var validSlashCommands = []string{
	"/quit", "/q", "/exit", "/help", "/h", "/new", "/n", "/sessions", "/ls",
	"/switch", "/s", "/rename", "/history", "/image", "/photo", "/img",
	"/pick", "/p", "/retry", "/r", "/export", "/delete",
}

// SuggestCommand returns the closest top-level command to input, or "".
func SuggestCommand(input string) string {
	return suggest(input, validCommands)
}

// SuggestSlashCommand returns the closest REPL command to input, or "".
func SuggestSlashCommand(input string) string {
	return suggest(input, validSlashCommands)
}

// suggest picks the candidate with the smallest edit distance, allowing
// one edit for short inputs and up to three for long ones.
func suggest(input string, candidates []string) string {
	input = strings.ToLower(input)
	if len(strings.TrimPrefix(input, "/")) < 2 {
		return ""
	}

	maxDistance := 1
	if len(input) >= 4 {
		maxDistance = 2
	}
	if len(input) > 8 {
		maxDistance = 3
	}

	best, bestDistance := "", -1
	for _, c := range candidates {
		d := levenshteinDistance(input, c)
		if d == 0 {
			return ""
		}
		if d <= maxDistance && (bestDistance == -1 || d < bestDistance) {
			best, bestDistance = c, d
		}
	}
	return best
}

// levenshteinDistance is the single-character edit distance between s1
// and s2.
func levenshteinDistance(s1, s2 string) int {
	if len(s1) == 0 {
		return len(s2)
	}
	if len(s2) == 0 {
		return len(s1)
	}

	prev := make([]int, len(s2)+1)
	curr := make([]int, len(s2)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(s1); i++ {
		curr[0] = i
		for j := 1; j <= len(s2); j++ {
			cost := 0
			if s1[i-1] != s2[j-1] {
				cost = 1
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(s2)]
}
