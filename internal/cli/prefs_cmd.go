// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jeranaias/cropdoc/internal/client"
	"github.com/jeranaias/cropdoc/internal/enrich"
	"github.com/jeranaias/cropdoc/internal/prefs"
)

// HandlePrefs runs "prefs list|get|set|unset".
func HandlePrefs(ctx context.Context, env *Env) error {
	p := NewArgParser(env.Args.Raw)
	sub := strings.ToLower(p.Subcommand())

	switch sub {
	case "", "list", "ls":
		return prefsList(ctx, env)

	case "get":
		key := p.Positional(1)
		if key == "" {
			return fmt.Errorf("usage: cropdoc prefs get KEY")
		}
		value, ok, err := env.Prefs.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(env.Out, DimStyle.Render("(not set)"))
			return nil
		}
		fmt.Fprintln(env.Out, value)
		return nil

	case "set":
		key := p.Positional(1)
		value := strings.Join(p.PositionalFrom(2), " ")
		if key == "" || value == "" {
			return fmt.Errorf("usage: cropdoc prefs set KEY VALUE")
		}
		normalized, err := normalizePref(key, value)
		if err != nil {
			return err
		}
		if err := env.Prefs.Set(ctx, key, normalized); err != nil {
			return err
		}
		if !env.Args.Quiet {
			fmt.Fprintf(env.Out, "%s %s = %s\n", SuccessStyle.Render("Saved"), key, normalized)
		}
		return nil

	case "unset", "delete", "rm":
		key := p.Positional(1)
		if key == "" {
			return fmt.Errorf("usage: cropdoc prefs unset KEY")
		}
		return env.Prefs.Delete(ctx, key)

	default:
		return fmt.Errorf("unknown prefs command %q (want list, get, set or unset)", sub)
	}
}

func prefsList(ctx context.Context, env *Env) error {
	all, err := env.Prefs.All(ctx)
	if err != nil {
		return err
	}
	for _, key := range prefs.Keys() {
		value, ok := all[key]
		if !ok {
			value = DimStyle.Render("(not set)")
		}
		fmt.Fprintf(env.Out, "%s%s\n", RenderLabel(key), value)
	}
	return nil
}

// normalizePref validates a value for its key and returns the form to
// store.
func normalizePref(key, value string) (string, error) {
	value = strings.TrimSpace(value)

	switch key {
	case prefs.KeyServerURL:
		return client.NormalizeURL(value)

	case prefs.KeyServerType:
		t, err := client.ParseServerType(value)
		return string(t), err

	case prefs.KeyProfileFarmSize:
		size, err := strconv.ParseFloat(value, 64)
		if err != nil || size <= 0 {
			return "", fmt.Errorf("farm size must be a positive number of acres")
		}
		return strconv.FormatFloat(size, 'f', -1, 64), nil

	case prefs.KeyProfileCrops:
		crops := enrich.ParseCrops(value)
		if len(crops) == 0 {
			return "", fmt.Errorf("list at least one crop")
		}
		return strings.Join(crops, ","), nil

	case prefs.KeyProfileLocale:
		return enrich.NormalizeLocale(value), nil
	}
	return value, nil
}
