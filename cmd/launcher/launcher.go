// Package launcher defines how refrain subcommands are parsed and run.
package launcher

import "context"

// RunWithArgs runs a subcommand with the arguments that follow its keyword.
type RunWithArgs func(context.Context, []string) error

// Launcher dispatches a full command line.
type Launcher interface {
	Execute(context.Context, []string) error
	CommandLineSyntax() string
}

// SubLauncher is one subcommand. Parse receives the arguments after the
// keyword and returns whatever it did not consume.
type SubLauncher interface {
	Keyword() string
	Parse([]string) ([]string, error)
	CommandLineSyntax() string
	SimpleDescription() string
	Run(context.Context) error
}
