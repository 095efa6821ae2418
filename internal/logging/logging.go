// Package logging wires up process-wide verbosity the way the CLI's -v
// flag expects, on top of the same go-log setup every internal
// package uses for its per-component logger.
package logging

import (
	logging "github.com/ipfs/go-log/v2"
)

// Verbosity is the logging level selected by the CLI's -v and -vv flags.
type Verbosity int

const (
	Quiet Verbosity = iota
	Verbose
	VeryVerbose
)

// Setup applies v to every registered go-log logger. Each package still
// declares its own `var log = logging.Logger("<component>")`; this just
// sets the level they all share at process startup.
func Setup(v Verbosity) {
	switch v {
	case VeryVerbose:
		logging.SetAllLoggers(logging.LevelDebug)
	case Verbose:
		logging.SetAllLoggers(logging.LevelInfo)
	default:
		logging.SetAllLoggers(logging.LevelWarn)
	}
}
