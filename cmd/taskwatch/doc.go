// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Taskwatch is the command line client for taskwatchd, the
// coding-agent activity monitor daemon.
//
// Task launchers call it to announce lifecycle changes:
//
//	taskwatch register --id fix-build --dir /work/proj --title "Fix the build"
//	taskwatch stop fix-build
//	taskwatch cancel fix-build
//	taskwatch continue fix-build
//	taskwatch bind fix-build /agents/proj/ab12.jsonl
//
// Operators use the read side to inspect what agents are doing:
//
//	taskwatch list --status running
//	taskwatch show fix-build
//	taskwatch steps fix-build --offset 50 --limit 100
//	taskwatch search "go test" --kind tool_result
//	taskwatch active
//	taskwatch status
//	taskwatch follow fix-build
//
// Every read command accepts --json for script consumption. The
// daemon address comes from --server, the TASKWATCH_SERVER
// environment variable, or the default http://127.0.0.1:7700.
package main
