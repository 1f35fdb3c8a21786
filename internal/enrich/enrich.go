// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package enrich builds the context map sent with each chat request.
package enrich

import (
	"strings"
	"time"

	"golang.org/x/text/language"
)

// DefaultLocale is used when the profile has no usable locale.
const DefaultLocale = "en-IN"

// Season names from the Indian agricultural calendar.
const (
	SeasonKharif = "kharif" // monsoon sowing, June to October
	SeasonRabi   = "rabi"   // winter sowing, November to March
	SeasonZaid   = "zaid"   // short summer season, April and May
)

// Profile is the farmer's self-declared context.
type Profile struct {
	Locale        string
	State         string
	FarmSizeAcres float64
	Crops         []string
}

// Season returns the growing season for a month.
func Season(m time.Month) string {
	switch {
	case m >= time.June && m <= time.October:
		return SeasonKharif
	case m == time.April || m == time.May:
		return SeasonZaid
	default:
		return SeasonRabi
	}
}

// NormalizeLocale canonicalizes a BCP 47 tag, e.g. "hi_in" becomes "hi-IN".
// Unparseable input yields DefaultLocale.
func NormalizeLocale(raw string) string {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), "_", "-")
	if raw == "" {
		return DefaultLocale
	}
	tag, err := language.Parse(raw)
	if err != nil || tag == language.Und {
		return DefaultLocale
	}
	return tag.String()
}

// Build returns the request context for now and the profile. Values are
// strings or numbers only; empty profile fields are omitted.
func Build(now time.Time, p Profile) map[string]any {
	ctx := map[string]any{
		"locale": NormalizeLocale(p.Locale),
		"season": Season(now.Month()),
		"month":  int(now.Month()),
	}
	if state := strings.TrimSpace(p.State); state != "" {
		ctx["state"] = state
	}
	if p.FarmSizeAcres > 0 {
		ctx["farm_size_acres"] = p.FarmSizeAcres
	}
	if crops := cleanCrops(p.Crops); crops != "" {
		ctx["crops"] = crops
	}
	return ctx
}

// cleanCrops joins crop names into one comma-separated value.
func cleanCrops(crops []string) string {
	var out []string
	for _, c := range crops {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, strings.ToLower(c))
		}
	}
	return strings.Join(out, ",")
}

// ParseCrops splits a comma-separated crop list.
func ParseCrops(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}
