// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"regexp"
	"strings"

	"github.com/jeranaias/cropdoc/internal/model"
)

// knownPlants are matched as whole words in assistant prose.
var knownPlants = []string{
	"tomato", "potato", "rice", "paddy", "wheat", "maize", "corn", "cotton",
	"chilli", "pepper", "brinjal", "eggplant", "onion", "sugarcane",
	"soybean", "groundnut", "mango", "banana", "grape", "apple", "citrus",
}

var (
	plantPattern = regexp.MustCompile(`(?i)\b(` + strings.Join(knownPlants, "|") + `)\b`)

	// "detected: Early Blight", "diagnosed with late blight", "appears to be leaf spot"
	diseasePattern = regexp.MustCompile(`(?i)(?:detected|diagnosed with|diagnosis|appears to be|identified as|suffering from)[:\s]+([A-Za-z][A-Za-z \-]{2,40}?)(?:[.,;!\n]|\s+(?:on|in|with|at)\s|$)`)

	// "Leaf spot detected"
	diseaseSuffixPattern = regexp.MustCompile(`(?i)\b([A-Za-z][A-Za-z\-]*(?:\s+[A-Za-z\-]+){0,3}?)\s+(?:detected|identified)\b`)
)

// Annotate refreshes the best-effort PlantType and DiseaseName guesses.
//
// A structured disease record always wins. Otherwise assistant prose is
// scanned newest-first for a plant name and a disease phrase. The guesses
// are low-confidence display hints; HasDiagnosis is never derived here.
func Annotate(sess *model.Session) {
	if sess.Disease != nil {
		if sess.Disease.Name != "" {
			sess.DiseaseName = sess.Disease.Name
		}
		if sess.Disease.PlantType != "" {
			sess.PlantType = sess.Disease.PlantType
		}
	}

	for i := len(sess.Messages) - 1; i >= 0; i-- {
		if sess.PlantType != "" && sess.DiseaseName != "" {
			return
		}
		msg := sess.Messages[i]
		if sess.PlantType == "" {
			if m := plantPattern.FindStringSubmatch(msg.Text); m != nil {
				sess.PlantType = strings.ToLower(m[1])
			}
		}
		if sess.DiseaseName == "" && msg.IsAssistant() {
			sess.DiseaseName = guessDisease(msg.Text)
		}
	}
}

func guessDisease(text string) string {
	if m := diseasePattern.FindStringSubmatch(text); m != nil {
		if name := cleanDiseaseName(m[1]); name != "" {
			return name
		}
	}
	if m := diseaseSuffixPattern.FindStringSubmatch(text); m != nil {
		return cleanDiseaseName(m[1])
	}
	return ""
}

var (
	leadingArticles  = []string{"a ", "an ", "the "}
	rejectFirstWords = map[string]bool{
		"on": true, "in": true, "with": true, "at": true, "your": true, "this": true,
		"that": true, "no": true, "any": true, "nothing": true, "not": true,
	}
	trailingFiller = map[string]bool{
		"was": true, "is": true, "been": true, "has": true, "have": true, "be": true,
	}
)

// cleanDiseaseName trims articles and filler from a captured phrase and
// rejects captures that are clearly not a disease name.
func cleanDiseaseName(s string) string {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	for _, article := range leadingArticles {
		if strings.HasPrefix(lower, article) {
			s = strings.TrimSpace(s[len(article):])
			break
		}
	}

	words := strings.Fields(s)
	for len(words) > 0 && trailingFiller[strings.ToLower(words[len(words)-1])] {
		words = words[:len(words)-1]
	}
	if len(words) == 0 || rejectFirstWords[strings.ToLower(words[0])] {
		return ""
	}
	return strings.Join(words, " ")
}
