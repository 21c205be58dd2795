// Package logging provides the structured logger used across every
// dexgraph subsystem. It re-exports github.com/luxfi/log the same way
// the teacher's plugin/evm/log.go keeps one logger type in scope instead
// of letting every package import luxfi/log directly.
package logging

import (
	"os"

	luxlog "github.com/luxfi/log"
)

// Logger is the structured logger type shared by every component.
type Logger = luxlog.Logger

// New returns a named child logger. Components should call this once at
// construction time and store the result rather than calling Root()
// per log line.
func New(component string) Logger {
	return luxlog.Root().With("component", component)
}

// Root returns the process-wide root logger.
func Root() Logger {
	return luxlog.Root()
}

// Init installs the terminal handler at the given level on the root
// logger. Called once from cmd/dexgraphd before any subsystem starts.
func Init(level string) error {
	lvl, err := luxlog.ToLevel(level)
	if err != nil {
		return err
	}
	luxlog.SetDefault(luxlog.NewLogger(luxlog.NewTerminalHandlerWithLevel(os.Stderr, lvl, true)))
	return nil
}
