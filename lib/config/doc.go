// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for taskwatch.
//
// Configuration is loaded from a single file specified by either the
// TASKWATCH_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There are no fallbacks, no ~/.config
// discovery, and no automatic file search. This ensures deterministic,
// auditable configuration with no hidden overrides.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${TASKWATCH_ROOT}, and ${VAR:-default} patterns are
// expanded. Process environment overrides are a separate, explicit
// step: [Config.ApplyEnvironment] applies the documented TASKWATCH_*
// variables, and commands layer flags on top of that, so precedence is
// always flag > environment > file > default.
//
// Key exports:
//
//   - [Config] -- master struct with Paths, Watch, Monitor, Index,
//     Server, and Log sections
//   - [Default] -- returns a Config with the daemon defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other taskwatch packages.
package config
