/*
Package config loads shellcore settings from YAML or JSON files.

# Overview

A file is decoded into a Config, which wraps the raw document and offers
typed accessors that fall back to a default on missing keys or type
mismatches. FromConfig overlays the document on Defaults to produce
Settings, the typed configuration the composition root consumes.

# Basic Usage

	settings, err := config.Load("shellcore.yaml")
	if err != nil {
	    return err
	}
	core, err := shellcore.Open(ctx, settings)

# Keys

Accessors take dotted paths into nested maps:

	cfg.Int("queue.capacity", 1000)
	cfg.Section("queue").Int("capacity", 1000) // same value

Durations accept Go duration strings ("30s", "24h") or numbers of seconds.

# Environment

Load applies SHELLCORE_* variables over the file, one per key in Keys:

	SHELLCORE_PROFILE=work
	SHELLCORE_QUEUE_MAX_AGE=12h
	SHELLCORE_CONNECTIVITY_ONLINE=false
*/
package config
